// Package cpu is a native Cortex-M execution engine.
//
// The engine interprets Thumb, the common Thumb-2 encodings and a small ARM
// subset against a memory.Map, dispatching every instruction and data access
// to a hook.Dispatcher. A run is synchronous: Run returns when the
// instruction or address bound is hit, a hook calls Stop, or the engine
// faults. Registers are left intact in every case for inspection.
package cpu

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/memory"
)

// State is the engine lifecycle state.
type State int

const (
	Ready State = iota
	Running
	Stopped
	Faulted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FaultKind classifies why a run faulted.
type FaultKind int

const (
	FaultFetchUnmapped FaultKind = iota
	FaultFetchProt
	FaultReadUnmapped
	FaultWriteUnmapped
	FaultProt
	FaultDecode
	FaultException
)

var faultNames = [...]string{
	"fetch unmapped", "fetch protected", "read unmapped", "write unmapped",
	"protection", "decode", "exception",
}

func (k FaultKind) String() string {
	if k >= 0 && int(k) < len(faultNames) {
		return faultNames[k]
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// Fault records the condition that halted a run. PC is the faulting
// instruction; Addr and Size describe the offending access.
type Fault struct {
	Kind FaultKind
	PC   uint32
	Addr uint32
	Size uint32
	Err  error
}

func (f *Fault) Error() string {
	s := fmt.Sprintf("%s at 0x%08x", f.Kind, f.Addr)
	if f.Addr != f.PC {
		s += fmt.Sprintf(" (pc 0x%08x)", f.PC)
	}
	if f.Err != nil {
		s += ": " + f.Err.Error()
	}
	return s
}

func (f *Fault) Unwrap() error { return f.Err }

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Engine is one Cortex-M core. It is not safe for concurrent use.
type Engine struct {
	mem   *memory.Map
	hooks *hook.Dispatcher
	log   *zap.Logger

	regs  Regs
	thumb bool
	latch bool // PC still carries the mode bit
	it    uint8

	state     State
	fault     *Fault
	executed  int
	stop      bool
	exclusive bool

	cur      *Insn
	branched bool
}

// New returns an engine bound to mem and hooks. A nil dispatcher gets an
// empty one.
func New(mem *memory.Map, hooks *hook.Dispatcher, opts ...Option) *Engine {
	if hooks == nil {
		hooks = hook.New()
	}
	e := &Engine{
		mem:   mem,
		hooks: hooks,
		log:   zap.NewNop(),
		thumb: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Memory returns the memory map the engine runs against.
func (e *Engine) Memory() *memory.Map { return e.mem }

// Hooks returns the engine's dispatcher.
func (e *Engine) Hooks() *hook.Dispatcher { return e.hooks }

// Reset clears the register file and loads SP and PC from the vector table
// at address 0. PC keeps its mode bit until the first fetch.
func (e *Engine) Reset() error {
	sp, err := e.mem.ReadU32(0)
	if err != nil {
		return errors.Wrap(err, "reset: initial sp")
	}
	pc, err := e.mem.ReadU32(4)
	if err != nil {
		return errors.Wrap(err, "reset: reset vector")
	}
	e.regs = Regs{}
	e.regs.R[RegSP] = sp
	e.regs.R[RegPC] = pc
	e.regs.R[RegLR] = 0xffffffff
	e.thumb = true
	e.latch = true
	e.it = 0
	e.state = Ready
	e.fault = nil
	e.executed = 0
	e.exclusive = false
	e.log.Debug("reset", log.Ptr("sp", sp), log.PC(pc))
	return nil
}

// Run executes from start until count instructions have run (count > 0) or
// the PC reaches until (until != 0). start == 0 resumes at the current PC.
// Bit 0 of start selects Thumb. The returned error is the *Fault when the
// run faults.
func (e *Engine) Run(start, until uint32, count int) error {
	if e.state == Running {
		return errors.New("cpu: Run called while running")
	}
	if start != 0 {
		e.regs.R[RegPC] = start
		e.latch = true
	}
	e.state = Running
	e.fault = nil
	e.stop = false
	e.executed = 0
	e.log.Debug("run", log.PC(e.regs.R[RegPC]), log.Ptr("until", until), zap.Int("count", count))

	for {
		if count > 0 && e.executed >= count {
			break
		}
		if e.latch {
			e.latchMode()
		}
		if until != 0 && e.regs.R[RegPC] >= until {
			break
		}
		if err := e.step(); err != nil {
			e.state = Faulted
			e.log.Debug("fault", zap.Error(err), zap.Int("executed", e.executed))
			return err
		}
		if e.stop {
			break
		}
	}
	e.state = Stopped
	e.log.Debug("stopped", log.PC(e.regs.R[RegPC]), zap.Int("executed", e.executed))
	return nil
}

func (e *Engine) latchMode() {
	pc := e.regs.R[RegPC]
	e.thumb = pc&1 != 0
	if e.thumb {
		e.regs.R[RegPC] = pc &^ 1
	} else {
		e.regs.R[RegPC] = pc &^ 3
	}
	e.latch = false
}

// Stop makes the current run return Stopped. From a Code hook the
// instruction is not executed; elsewhere the instruction completes first.
func (e *Engine) Stop() { e.stop = true }

func (e *Engine) step() error {
	pc := e.regs.R[RegPC]
	var (
		insn *Insn
		err  error
	)
	if e.thumb {
		code, ferr := e.fetch(pc, 2)
		if ferr != nil {
			return ferr
		}
		if Is32BitThumb(binary.LittleEndian.Uint16(code)) {
			if code, ferr = e.fetch(pc, 4); ferr != nil {
				return ferr
			}
		}
		insn, err = DecodeThumb(code, pc, e.it != 0)
	} else {
		code, ferr := e.fetch(pc, 4)
		if ferr != nil {
			return ferr
		}
		insn, err = DecodeARM(code, pc)
	}
	if err != nil {
		var de *DecodeError
		size := uint32(2)
		if errors.As(err, &de) {
			size = de.Size
		}
		return e.setFault(FaultDecode, pc, size, err)
	}

	e.hooks.Code(e, pc, insn.Size)
	if e.stop || e.latch {
		// stopped, or a hook redirected the PC
		return nil
	}
	return e.exec(insn)
}

func (e *Engine) fetch(pc, size uint32) ([]byte, error) {
	code, err := e.mem.Fetch(pc, size)
	if err == nil {
		return code, nil
	}
	var ue *memory.UnmappedError
	if errors.As(err, &ue) {
		e.hooks.Fault(e, hook.FetchUnmapped, hook.Fetch, pc, int(size), 0)
		return nil, e.setFault(FaultFetchUnmapped, pc, size, err)
	}
	return nil, e.setFault(FaultFetchProt, pc, size, err)
}

func (e *Engine) setFault(kind FaultKind, addr, size uint32, err error) error {
	e.fault = &Fault{Kind: kind, PC: e.regs.R[RegPC], Addr: addr, Size: size, Err: err}
	return e.fault
}

func (e *Engine) exec(i *Insn) error {
	e.cur = i
	e.branched = false
	inIT := e.it != 0 && i.Op != OpIT
	cond := i.Cond
	if inIT {
		cond = e.it >> 4
	}
	if condPassed(cond, &e.regs) {
		if err := e.execute(i); err != nil {
			return err
		}
	}
	if !e.branched {
		e.regs.R[RegPC] = i.Addr + i.Size
	}
	if inIT {
		e.advanceIT()
	}
	e.executed++
	return nil
}

func (e *Engine) advanceIT() {
	if e.it&7 == 0 {
		e.it = 0
		return
	}
	e.it = e.it&0xe0 | (e.it<<1)&0x1f
}

// read performs a hooked data load.
func (e *Engine) read(addr uint32, size int) (uint32, error) {
	if err := e.ensureMapped(hook.Read, addr, size, 0); err != nil {
		return 0, err
	}
	e.hooks.Mem(e, hook.MemRead, hook.Read, addr, size, 0)
	p, err := e.mem.ReadProt(addr, uint32(size))
	if err != nil {
		return 0, e.accessFault(err, addr, size)
	}
	switch size {
	case 1:
		return uint32(p[0]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(p)), nil
	}
	return binary.LittleEndian.Uint32(p), nil
}

// write performs a hooked data store. Write hooks see the committed value.
func (e *Engine) write(addr uint32, size int, val uint32) error {
	if err := e.ensureMapped(hook.Write, addr, size, val); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	if err := e.mem.WriteProt(addr, buf[:size]); err != nil {
		return e.accessFault(err, addr, size)
	}
	e.hooks.Mem(e, hook.MemWrite, hook.Write, addr, size, val)
	return nil
}

// ensureMapped gives MemUnmapped hooks one chance to map the range.
func (e *Engine) ensureMapped(access hook.Access, addr uint32, size int, val uint32) error {
	if e.mem.Mapped(addr, uint32(size)) {
		return nil
	}
	if e.hooks.Fault(e, hook.MemUnmapped, access, addr, size, val) && e.mem.Mapped(addr, uint32(size)) {
		return nil
	}
	op, kind := memory.OpRead, FaultReadUnmapped
	if access == hook.Write {
		op, kind = memory.OpWrite, FaultWriteUnmapped
	}
	return e.setFault(kind, addr, uint32(size), &memory.UnmappedError{Op: op, Addr: addr, Size: uint32(size)})
}

func (e *Engine) accessFault(err error, addr uint32, size int) error {
	var ue *memory.UnmappedError
	if errors.As(err, &ue) {
		kind := FaultReadUnmapped
		if ue.Op == memory.OpWrite {
			kind = FaultWriteUnmapped
		}
		return e.setFault(kind, addr, uint32(size), err)
	}
	return e.setFault(FaultProt, addr, uint32(size), err)
}

// State returns the lifecycle state.
func (e *Engine) State() State { return e.state }

// Fault returns the fault that ended the last run, or nil.
func (e *Engine) Fault() *Fault { return e.fault }

// Executed returns the number of instructions the last run retired.
func (e *Engine) Executed() int { return e.executed }

// Thumb reports the latched instruction set.
func (e *Engine) Thumb() bool {
	if e.latch {
		return e.regs.R[RegPC]&1 != 0
	}
	return e.thumb
}

// PC returns the address of the next instruction.
func (e *Engine) PC() uint32 { return e.regs.R[RegPC] }

// SP returns the active stack pointer.
func (e *Engine) SP() uint32 { return e.regs.R[RegSP] }

// Reg reads a register by number.
func (e *Engine) Reg(reg int) uint32 {
	switch {
	case reg >= 0 && reg < 16:
		return e.regs.R[reg]
	case reg == RegXPSR:
		return composeXPSR(&e.regs, e.thumb, e.it)
	case reg == RegMSP:
		return e.regs.msp()
	case reg == RegPSP:
		return e.regs.psp()
	case reg == RegPRIMASK:
		return e.regs.PRIMASK
	case reg == RegBASEPRI:
		return e.regs.BASEPRI
	case reg == RegFAULTMASK:
		return e.regs.FAULTMASK
	case reg == RegCONTROL:
		return e.regs.CONTROL
	}
	return 0
}

// SetReg writes a register by number. Writing PC relatches the mode from
// bit 0 before the next fetch, so Thumb targets need bit 0 set. From a Code
// hook, a PC write skips the current instruction.
func (e *Engine) SetReg(reg int, val uint32) {
	switch {
	case reg == RegPC:
		e.regs.R[RegPC] = val
		e.latch = true
	case reg >= 0 && reg < 16:
		e.regs.R[reg] = val
	case reg == RegXPSR:
		e.regs.APSR = val & apsrMask
		e.regs.IPSR = val & 0x1ff
		e.thumb = val&flagT != 0
		e.it = uint8((val>>25)&3) | uint8((val>>10)&0x3f)<<2
	case reg == RegMSP:
		e.regs.setMSP(val)
	case reg == RegPSP:
		e.regs.setPSP(val)
	case reg == RegPRIMASK:
		e.regs.PRIMASK = val & 1
	case reg == RegBASEPRI:
		e.regs.BASEPRI = val & 0xff
	case reg == RegFAULTMASK:
		e.regs.FAULTMASK = val & 1
	case reg == RegCONTROL:
		e.regs.setControl(val)
	}
}

// Snapshot copies the architectural state.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{Regs: e.regs, Thumb: e.Thumb(), IT: e.it}
}

// hook.Machine

func (e *Engine) MemRead(addr, size uint32) ([]byte, error) { return e.mem.Read(addr, size) }
func (e *Engine) MemWrite(addr uint32, p []byte) error     { return e.mem.Write(addr, p) }
func (e *Engine) RegRead(reg int) uint32                   { return e.Reg(reg) }
func (e *Engine) RegWrite(reg int, val uint32)             { e.SetReg(reg, val) }

var _ hook.Machine = (*Engine)(nil)
