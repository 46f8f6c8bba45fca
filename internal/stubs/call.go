package stubs

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/log"
)

// Target is one machine stubs were installed into. State that stubs share
// lives here so two sessions never see each other's counters.
type Target struct {
	// Tick is the millisecond counter behind the time stubs.
	Tick uint32

	hooks  *hook.Dispatcher
	log    *log.Logger
	onCall func(category, name, detail string)
	seen   map[uint32]bool
}

// Hook installs def at addr. Returns false if addr already has a stub.
func (t *Target) Hook(def *StubDef, name string, addr uint32) bool {
	addr &^= 1
	if addr == 0 || t.seen[addr] {
		return false
	}
	_, err := t.hooks.Register(hook.Code, hook.CodeFunc(func(m hook.Machine, pc, size uint32) {
		c := &Call{Machine: m, Target: t, Name: name, Category: def.Category, PC: pc}
		stop := def.Hook(c)
		t.report(c)
		if stop {
			m.Stop()
		}
	}), addr, addr)
	if err != nil {
		return false
	}
	t.seen[addr] = true
	t.log.Debug("stub", zap.String("cat", def.Category), zap.String("fn", name), log.Addr(addr))
	return true
}

func (t *Target) report(c *Call) {
	if t.onCall != nil {
		t.onCall(c.Category, c.Name, c.Detail)
	}
	t.log.Event(c.PC, "stub", c.Name, c.Detail)
}

// Call is one invocation of a stubbed function under the AAPCS: arguments
// in r0-r3 then the stack, result in r0, return address in lr.
type Call struct {
	hook.Machine
	Target   *Target
	Name     string
	Category string
	PC       uint32
	Detail   string
}

// Arg returns argument i.
func (c *Call) Arg(i int) uint32 {
	if i < 4 {
		return c.RegRead(cpu.RegR0 + i)
	}
	sp := c.RegRead(cpu.RegSP)
	b, err := c.MemRead(sp+uint32(4*(i-4)), 4)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Return sets r0 and returns to the caller.
func (c *Call) Return(v uint32) {
	c.RegWrite(cpu.RegR0, v)
	c.ReturnVoid()
}

// ReturnVoid returns to the caller leaving r0 alone.
func (c *Call) ReturnVoid() {
	c.RegWrite(cpu.RegPC, c.RegRead(cpu.RegLR))
}

// Logf sets the detail shown in the trace for this call.
func (c *Call) Logf(format string, args ...interface{}) {
	c.Detail = fmt.Sprintf(format, args...)
}

// String reads a NUL-terminated string of at most max bytes.
func (c *Call) String(addr uint32, max int) string {
	var out []byte
	for len(out) < max {
		b, err := c.MemRead(addr+uint32(len(out)), 1)
		if err != nil || b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out)
}

// WriteU32 stores a word, ignoring NULL and unmapped pointers.
func (c *Call) WriteU32(addr, v uint32) {
	if addr == 0 {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_ = c.MemWrite(addr, b[:])
}

// Returner returns a stub that returns v and does nothing else.
func Returner(v uint32) HookFunc {
	return func(c *Call) bool {
		c.Return(v)
		return false
	}
}
