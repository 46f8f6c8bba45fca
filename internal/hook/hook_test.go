package hook

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeMachine struct {
	mem     map[uint32]byte
	stopped bool
}

func (f *fakeMachine) MemRead(addr, size uint32) ([]byte, error) {
	p := make([]byte, size)
	for i := range p {
		p[i] = f.mem[addr+uint32(i)]
	}
	return p, nil
}

func (f *fakeMachine) MemWrite(addr uint32, p []byte) error {
	for i, b := range p {
		f.mem[addr+uint32(i)] = b
	}
	return nil
}

func (f *fakeMachine) RegRead(reg int) uint32        { return 0 }
func (f *fakeMachine) RegWrite(reg int, val uint32) {}
func (f *fakeMachine) PC() uint32                    { return 0 }
func (f *fakeMachine) Stop()                         { f.stopped = true }

// dispatching on an empty dispatcher must be safe
func TestDispatchEmpty(t *testing.T) {
	d := New()
	m := &fakeMachine{mem: map[uint32]byte{}}
	d.Code(m, 0x1000, 2)
	d.Mem(m, MemRead, Read, 0x1000, 4, 0)
	if d.Fault(m, MemUnmapped, Write, 0x1000, 4, 1) {
		t.Error("empty dispatcher asked for retry")
	}
	if d.Intr(m, 0) {
		t.Error("empty dispatcher handled interrupt")
	}
}

func TestRegistrationOrder(t *testing.T) {
	d := New()
	m := &fakeMachine{mem: map[uint32]byte{}}
	var got []string
	for i := 0; i < 3; i++ {
		i := i
		d.OnCode(func(_ Machine, addr, size uint32) {
			got = append(got, fmt.Sprintf("code%d(%#x,%d)", i, addr, size))
		})
	}
	d.Code(m, 0x08000000, 2)
	want := []string{"code0(0x8000000,2)", "code1(0x8000000,2)", "code2(0x8000000,2)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if d.Count(Code) != 3 {
		t.Errorf("Count(Code) = %d", d.Count(Code))
	}
}

func TestRangeFilter(t *testing.T) {
	d := New()
	m := &fakeMachine{mem: map[uint32]byte{}}
	var hits []uint32
	d.OnRead(func(_ Machine, _ Access, addr uint32, size int, _ uint32) {
		hits = append(hits, addr)
	}, 0x40021000, 0x40021003)

	d.Mem(m, MemRead, Read, 0x40020ffc, 4, 0) // ends just before
	d.Mem(m, MemRead, Read, 0x40020ffe, 4, 0) // overlaps first byte
	d.Mem(m, MemRead, Read, 0x40021002, 1, 0)
	d.Mem(m, MemRead, Read, 0x40021004, 4, 0)
	d.Mem(m, MemWrite, Write, 0x40021000, 4, 0) // wrong class

	if diff := cmp.Diff([]uint32{0x40020ffe, 0x40021002}, hits); diff != "" {
		t.Errorf("hits (-want +got):\n%s", diff)
	}
}

func TestReadHookRewritesMemory(t *testing.T) {
	d := New()
	m := &fakeMachine{mem: map[uint32]byte{0x100: 0xff}}
	d.OnRead(func(mm Machine, _ Access, addr uint32, size int, _ uint32) {
		mm.MemWrite(addr, []byte{0})
	}, 0x100, 0x100)
	d.Mem(m, MemRead, Read, 0x100, 1, 0)
	if m.mem[0x100] != 0 {
		t.Errorf("hook did not rewrite memory: %#x", m.mem[0x100])
	}
}

func TestRegisterTypeCheck(t *testing.T) {
	d := New()
	if _, err := d.Register(Code, func() {}, 1, 0); err == nil {
		t.Error("expected error for wrong callback type")
	}
	if _, err := d.Register(Class(42), CodeFunc(nil), 1, 0); err == nil {
		t.Error("expected error for unknown class")
	}
	if _, err := d.Register(MemWrite, func(Machine, Access, uint32, int, uint32) {}, 1, 0); err != nil {
		t.Errorf("plain func literal rejected: %v", err)
	}
}

func TestRemove(t *testing.T) {
	d := New()
	m := &fakeMachine{mem: map[uint32]byte{}}
	calls := 0
	h := d.OnCode(func(Machine, uint32, uint32) { calls++ })
	d.OnCode(func(Machine, uint32, uint32) { calls += 10 })
	d.Remove(h)
	d.Code(m, 0, 2)
	if calls != 10 {
		t.Errorf("calls = %d, want 10", calls)
	}
	if d.Len(Code) != 1 {
		t.Errorf("Len(Code) = %d", d.Len(Code))
	}
	d.Remove(nil)
}

func TestFaultRetry(t *testing.T) {
	d := New()
	m := &fakeMachine{mem: map[uint32]byte{}}
	d.OnMemUnmapped(func(Machine, Access, uint32, int, uint32) bool { return false })
	d.OnMemUnmapped(func(Machine, Access, uint32, int, uint32) bool { return true })
	if !d.Fault(m, MemUnmapped, Read, 0xdead0000, 4, 0) {
		t.Error("expected retry")
	}
	if d.Count(MemUnmapped) != 2 {
		t.Errorf("Count = %d", d.Count(MemUnmapped))
	}
	d.ResetCounts()
	if d.Count(MemUnmapped) != 0 {
		t.Error("ResetCounts did not clear")
	}
}

func TestClassString(t *testing.T) {
	if FetchUnmapped.String() != "fetch-unmapped" {
		t.Errorf("got %q", FetchUnmapped.String())
	}
	if Class(99).String() != "class(99)" {
		t.Errorf("got %q", Class(99).String())
	}
}

func TestInterruptRange(t *testing.T) {
	d := New()
	m := &fakeMachine{mem: map[uint32]byte{}}
	var got []string
	if _, err := d.Register(Interrupt, IntrFunc(func(_ Machine, n uint32) {
		got = append(got, fmt.Sprintf("svc%d", n))
	}), 1, 1); err != nil {
		t.Fatal(err)
	}
	d.OnInterrupt(func(_ Machine, n uint32) {
		got = append(got, fmt.Sprintf("any%d", n))
	})
	if !d.Intr(m, 1) {
		t.Error("interrupt 1 not handled")
	}
	if !d.Intr(m, 2) {
		t.Error("interrupt 2 not handled by the global hook")
	}
	want := []string{"svc1", "any1", "any2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	if n := d.Count(Interrupt); n != 3 {
		t.Errorf("Count(Interrupt) = %d, want 3", n)
	}

	d = New()
	d.Register(Interrupt, IntrFunc(func(Machine, uint32) {}), 1, 1)
	if d.Intr(m, 2) {
		t.Error("interrupt outside the range reported handled")
	}
}
