//go:build unicorn

// Package emulator runs firmware on Unicorn Engine instead of the native
// interpreter. It mirrors a memory.Map into unicorn and bridges unicorn's
// hooks to the same hook.Dispatcher the native engine uses, so intercepts,
// trace recorders and scripts work unchanged.
//
// Build with -tags unicorn; libunicorn must be installed.
package emulator

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"go.uber.org/zap"

	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/memory"
)

const pageSize = 0x1000

// Available reports whether the unicorn backend was compiled in.
const Available = true

var regMap = [...]int{
	uc.ARM_REG_R0, uc.ARM_REG_R1, uc.ARM_REG_R2, uc.ARM_REG_R3,
	uc.ARM_REG_R4, uc.ARM_REG_R5, uc.ARM_REG_R6, uc.ARM_REG_R7,
	uc.ARM_REG_R8, uc.ARM_REG_R9, uc.ARM_REG_R10, uc.ARM_REG_R11,
	uc.ARM_REG_R12, uc.ARM_REG_SP, uc.ARM_REG_LR, uc.ARM_REG_PC,
	uc.ARM_REG_XPSR,
}

// Option configures an Emulator.
type Option func(*Emulator)

// WithLogger sets the emulator logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Emulator) {
		if l != nil {
			e.log = l
		}
	}
}

// Emulator wraps a Cortex-M unicorn instance.
type Emulator struct {
	mu    uc.Unicorn
	mem   *memory.Map
	hooks *hook.Dispatcher
	log   *zap.Logger

	pages    map[uint64]int // mapped page -> prot
	executed int
	stopped  bool
	fault    *cpu.Fault
}

// New creates an emulator over a copy of every region in mem.
func New(mem *memory.Map, hooks *hook.Dispatcher, opts ...Option) (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_THUMB|uc.MODE_MCLASS)
	if err != nil {
		return nil, errors.Wrap(err, "create unicorn")
	}
	if hooks == nil {
		hooks = hook.New()
	}
	e := &Emulator{
		mu:    mu,
		mem:   mem,
		hooks: hooks,
		log:   zap.NewNop(),
		pages: make(map[uint64]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.mapRegions(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := e.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return e, nil
}

// mapRegions maps every memory.Map region not yet mirrored, widening to
// whole pages, and copies its contents.
func (e *Emulator) mapRegions() error {
	for _, r := range e.mem.Regions() {
		lo := uint64(r.Base) &^ (pageSize - 1)
		hi := (r.End() + pageSize - 1) &^ (pageSize - 1)
		fresh := false
		for p := lo; p < hi; {
			if _, ok := e.pages[p]; ok {
				if e.pages[p]|r.Prot != e.pages[p] {
					e.pages[p] |= r.Prot
					if err := e.mu.MemProtect(p, pageSize, e.pages[p]); err != nil {
						return errors.Wrapf(err, "protect 0x%x", p)
					}
				}
				p += pageSize
				continue
			}
			end := p
			for end < hi {
				if _, ok := e.pages[end]; ok {
					break
				}
				end += pageSize
			}
			if err := e.mu.MemMapProt(p, end-p, r.Prot); err != nil {
				return errors.Wrapf(err, "map %s at 0x%x", r.Name, p)
			}
			for q := p; q < end; q += pageSize {
				e.pages[q] = r.Prot
			}
			fresh = true
			p = end
		}
		if !fresh {
			continue
		}
		if err := e.mu.MemWrite(uint64(r.Base), r.Data); err != nil {
			return errors.Wrapf(err, "load %s", r.Name)
		}
		log.Get().Region(r.Name, r.Base, r.Size, memory.ProtString(r.Prot))
	}
	return nil
}

func (e *Emulator) setupHooks() error {
	type add struct {
		kind int
		cb   interface{}
	}
	for _, h := range []add{
		{uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, size uint32) {
			e.hooks.Code(e, uint32(addr), size)
			if e.stopped {
				e.mu.Stop()
				return
			}
			e.executed++
		}},
		{uc.HOOK_MEM_READ, func(_ uc.Unicorn, _ int, addr uint64, size int, _ int64) {
			e.hooks.Mem(e, hook.MemRead, hook.Read, uint32(addr), size, 0)
			e.stopIfAsked()
		}},
		{uc.HOOK_MEM_WRITE, func(_ uc.Unicorn, _ int, addr uint64, size int, value int64) {
			e.hooks.Mem(e, hook.MemWrite, hook.Write, uint32(addr), size, uint32(value))
			e.stopIfAsked()
		}},
		{uc.HOOK_MEM_READ_UNMAPPED | uc.HOOK_MEM_WRITE_UNMAPPED, func(_ uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			acc := hook.Read
			if access == uc.MEM_WRITE_UNMAPPED {
				acc = hook.Write
			}
			if e.hooks.Fault(e, hook.MemUnmapped, acc, uint32(addr), size, uint32(value)) {
				if err := e.mapRegions(); err != nil {
					e.log.Warn("remap after unmapped access", zap.Error(err))
					return false
				}
				return e.pages[addr&^(pageSize-1)] != 0
			}
			kind := cpu.FaultReadUnmapped
			if acc == hook.Write {
				kind = cpu.FaultWriteUnmapped
			}
			e.setFault(kind, uint32(addr), uint32(size), nil)
			return false
		}},
		{uc.HOOK_MEM_FETCH_UNMAPPED, func(_ uc.Unicorn, _ int, addr uint64, size int, _ int64) bool {
			e.hooks.Fault(e, hook.FetchUnmapped, hook.Fetch, uint32(addr), size, 0)
			e.setFault(cpu.FaultFetchUnmapped, uint32(addr), uint32(size), nil)
			return false
		}},
		{uc.HOOK_INTR, func(_ uc.Unicorn, intno uint32) {
			if !e.hooks.Intr(e, intno) {
				e.setFault(cpu.FaultException, e.PC(), 2, fmt.Errorf("unhandled exception %d", intno))
				e.mu.Stop()
			}
		}},
	} {
		if _, err := e.mu.HookAdd(h.kind, h.cb, 1, 0); err != nil {
			return errors.Wrap(err, "add hook")
		}
	}
	return nil
}

func (e *Emulator) stopIfAsked() {
	if e.stopped {
		e.mu.Stop()
	}
}

func (e *Emulator) setFault(kind cpu.FaultKind, addr, size uint32, err error) {
	if e.fault == nil {
		e.fault = &cpu.Fault{Kind: kind, PC: e.PC(), Addr: addr, Size: size, Err: err}
	}
}

// Close releases the unicorn instance.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Reset loads SP and PC from the vector table at address 0.
func (e *Emulator) Reset() error {
	var vec [8]byte
	raw, err := e.mu.MemRead(0, 8)
	if err != nil {
		return errors.Wrap(err, "reset: vector table")
	}
	copy(vec[:], raw)
	sp := binary.LittleEndian.Uint32(vec[:4])
	pc := binary.LittleEndian.Uint32(vec[4:])
	e.RegWrite(cpu.RegSP, sp)
	e.RegWrite(cpu.RegLR, 0xffffffff)
	e.RegWrite(cpu.RegPC, pc)
	e.log.Debug("reset", log.Ptr("sp", sp), log.PC(pc))
	return nil
}

// Run executes from start (0 resumes at the current PC) until count
// instructions have run or the PC reaches until. Memory written by the
// firmware is copied back into the memory.Map afterwards.
func (e *Emulator) Run(start, until uint32, count int) error {
	if start == 0 {
		start = e.PC() | 1
	}
	e.executed = 0
	e.stopped = false
	e.fault = nil

	stop := uint64(until)
	if until == 0 {
		stop = 0xffffffff
	}
	e.log.Debug("run", log.PC(start), log.Ptr("until", until), zap.Int("count", count))
	err := e.mu.StartWithOptions(uint64(start|1), stop&^1, &uc.UcOptions{Count: uint64(count)})
	if serr := e.sync(); serr != nil && err == nil {
		err = serr
	}
	if e.fault != nil {
		return e.fault
	}
	if err != nil {
		return errors.Wrap(err, "unicorn")
	}
	return nil
}

// sync copies writable regions back into the memory map.
func (e *Emulator) sync() error {
	for _, r := range e.mem.Regions() {
		if r.Prot&memory.ProtWrite == 0 || r.Size == 0 {
			continue
		}
		data, err := e.mu.MemRead(uint64(r.Base), uint64(r.Size))
		if err != nil {
			return errors.Wrapf(err, "sync %s", r.Name)
		}
		copy(r.Data, data)
	}
	return nil
}

// Executed returns the instruction count of the last run.
func (e *Emulator) Executed() int { return e.executed }

// Fault returns the fault that ended the last run, if any.
func (e *Emulator) Fault() *cpu.Fault { return e.fault }

// Snapshot captures the register file.
func (e *Emulator) Snapshot() cpu.Snapshot {
	var s cpu.Snapshot
	for i := 0; i <= cpu.RegPC; i++ {
		s.Regs.R[i] = e.RegRead(i)
	}
	s.Regs.APSR = e.RegRead(cpu.RegXPSR) & 0xf8000000
	s.Thumb = true
	return s
}

// MemRead reads unicorn memory without firing hooks.
func (e *Emulator) MemRead(addr, size uint32) ([]byte, error) {
	return e.mu.MemRead(uint64(addr), uint64(size))
}

// MemWrite writes unicorn memory without firing hooks.
func (e *Emulator) MemWrite(addr uint32, p []byte) error {
	return e.mu.MemWrite(uint64(addr), p)
}

// RegRead reads a register by cpu.Reg* index.
func (e *Emulator) RegRead(reg int) uint32 {
	if reg < 0 || reg >= len(regMap) {
		return 0
	}
	v, _ := e.mu.RegRead(regMap[reg])
	return uint32(v)
}

// RegWrite writes a register by cpu.Reg* index.
func (e *Emulator) RegWrite(reg int, val uint32) {
	if reg < 0 || reg >= len(regMap) {
		return
	}
	if reg == cpu.RegPC {
		val |= 1
	}
	if err := e.mu.RegWrite(regMap[reg], uint64(val)); err != nil {
		e.log.Warn("register write", zap.Int("reg", reg), zap.Error(err))
	}
}

// PC returns the program counter without the mode bit.
func (e *Emulator) PC() uint32 { return e.RegRead(cpu.RegPC) &^ 1 }

// SP returns the stack pointer.
func (e *Emulator) SP() uint32 { return e.RegRead(cpu.RegSP) }

// Stop ends the current run after the active hook returns.
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}
