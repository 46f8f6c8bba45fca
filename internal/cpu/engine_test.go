package cpu

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/memory"
)

const (
	flashBase = 0x08000000
	ramBase   = 0x20000000
	initSP    = 0x20001000
)

// newMachine maps a vector table at 0, flash at 0x08000000 and 4K of RAM,
// then places code right after the 8-byte header.
func newMachine(t *testing.T, resetPC uint32, code ...uint16) (*Engine, *hook.Dispatcher) {
	t.Helper()
	mem := memory.New()
	if _, err := mem.Map(0, 0x100, memory.ProtRead|memory.ProtExec, "boot"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Map(flashBase, 0x1000, memory.ProtRead|memory.ProtExec, "flash"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Map(ramBase, 0x1000, memory.ProtRead|memory.ProtWrite, "ram"); err != nil {
		t.Fatal(err)
	}
	img := make([]byte, 8+2*len(code))
	binary.LittleEndian.PutUint32(img, initSP)
	binary.LittleEndian.PutUint32(img[4:], resetPC)
	for i, hw := range code {
		binary.LittleEndian.PutUint16(img[8+2*i:], hw)
	}
	if err := mem.Write(0, img[:8]); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write(flashBase, img); err != nil {
		t.Fatal(err)
	}
	d := hook.New()
	e := New(mem, d)
	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	return e, d
}

// bl encodes a Thumb-2 BL from addr to target.
func bl(addr, target uint32) (uint16, uint16) {
	off := target - (addr + 4)
	s := (off >> 24) & 1
	i1 := (off >> 23) & 1
	i2 := (off >> 22) & 1
	j1 := ^(i1 ^ s) & 1
	j2 := ^(i2 ^ s) & 1
	hw1 := 0xf000 | s<<10 | (off>>12)&0x3ff
	hw2 := 0xd000 | j1<<13 | j2<<11 | (off>>1)&0x7ff
	return uint16(hw1), uint16(hw2)
}

func TestResetLoadsVector(t *testing.T) {
	e, _ := newMachine(t, 0x08000009, 0xbf00)
	if e.SP() != initSP {
		t.Errorf("SP = %#x, want %#x", e.SP(), initSP)
	}
	if e.PC() != 0x08000009 {
		t.Errorf("PC = %#x, want mode bit kept until first fetch", e.PC())
	}
	if e.State() != Ready {
		t.Errorf("state = %s", e.State())
	}
	if !e.Thumb() {
		t.Error("expected Thumb from reset vector")
	}
}

func TestSingleNop(t *testing.T) {
	e, d := newMachine(t, 0x08000009, 0xbf00)
	e.mem.WriteU32(0, 0x20000000)
	e.mem.WriteU32(flashBase, 0x20000000)
	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}
	mem := 0
	d.OnRead(func(hook.Machine, hook.Access, uint32, int, uint32) { mem++ }, 1, 0)
	d.OnWrite(func(hook.Machine, hook.Access, uint32, int, uint32) { mem++ }, 1, 0)

	if err := e.Run(0, 0, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if e.State() != Stopped {
		t.Errorf("state = %s, want stopped", e.State())
	}
	if e.PC() != 0x0800000a {
		t.Errorf("PC = %#x, want 0x0800000a", e.PC())
	}
	if e.SP() != 0x20000000 {
		t.Errorf("SP = %#x", e.SP())
	}
	if e.Fault() != nil {
		t.Errorf("unexpected fault %v", e.Fault())
	}
	if mem != 0 || d.Count(hook.MemRead)+d.Count(hook.MemWrite) != 0 {
		t.Errorf("memory hooks fired %d times", mem)
	}
}

func TestCountBound(t *testing.T) {
	e, d := newMachine(t, 0x08000009, 0xbf00, 0xbf00, 0xbf00, 0xbf00, 0xbf00)
	var addrs []uint32
	d.OnCode(func(_ hook.Machine, addr, size uint32) { addrs = append(addrs, addr) })
	if err := e.Run(0, 0, 3); err != nil {
		t.Fatal(err)
	}
	if e.Executed() != 3 {
		t.Errorf("executed %d, want 3", e.Executed())
	}
	want := []uint32{0x08000008, 0x0800000a, 0x0800000c}
	if diff := cmp.Diff(want, addrs); diff != "" {
		t.Errorf("code hook addresses (-want +got):\n%s", diff)
	}
	if e.PC() != 0x0800000e {
		t.Errorf("PC = %#x", e.PC())
	}
	// resume from where we stopped
	if err := e.Run(0, 0, 2); err != nil {
		t.Fatal(err)
	}
	if e.PC() != 0x08000012 {
		t.Errorf("PC after resume = %#x", e.PC())
	}
}

func TestUntilBound(t *testing.T) {
	e, _ := newMachine(t, 0x08000009, 0xbf00, 0xbf00, 0xbf00, 0xbf00)
	if err := e.Run(0, 0x0800000c, 0); err != nil {
		t.Fatal(err)
	}
	if e.State() != Stopped || e.PC() != 0x0800000c || e.Executed() != 2 {
		t.Errorf("state=%s pc=%#x executed=%d", e.State(), e.PC(), e.Executed())
	}
}

func TestUnmappedResetVector(t *testing.T) {
	e, d := newMachine(t, 0x10000001)
	var got []uint32
	d.OnFetchUnmapped(func(_ hook.Machine, access hook.Access, addr uint32, size int, _ uint32) bool {
		if access != hook.Fetch {
			t.Errorf("access = %s", access)
		}
		got = append(got, addr)
		return false
	})
	code := 0
	d.OnCode(func(hook.Machine, uint32, uint32) { code++ })

	err := e.Run(0, 0, 10)
	var f *Fault
	if !errors.As(err, &f) || f.Kind != FaultFetchUnmapped {
		t.Fatalf("expected fetch fault, got %v", err)
	}
	if e.State() != Faulted {
		t.Errorf("state = %s", e.State())
	}
	if e.Executed() != 0 || code != 0 {
		t.Errorf("executed=%d code hooks=%d", e.Executed(), code)
	}
	if diff := cmp.Diff([]uint32{0x10000000}, got); diff != "" {
		t.Errorf("fetch-unmapped hook (-want +got):\n%s", diff)
	}
	var ue *memory.UnmappedError
	if !errors.As(err, &ue) || ue.Op != memory.OpFetch {
		t.Errorf("fault does not wrap the unmapped fetch: %v", err)
	}
}

func TestDecodeErrorFaults(t *testing.T) {
	e, _ := newMachine(t, 0x08000009, 0xbf00, 0xde00)
	err := e.Run(0, 0, 5)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if e.Fault().Kind != FaultDecode || e.PC() != 0x0800000a || e.Executed() != 1 {
		t.Errorf("fault=%v pc=%#x executed=%d", e.Fault(), e.PC(), e.Executed())
	}
}

func TestStopFromCodeHook(t *testing.T) {
	e, d := newMachine(t, 0x08000009, 0x2001, 0x2102, 0x2203)
	d.OnCode(func(m hook.Machine, addr, size uint32) {
		if addr == 0x0800000a {
			m.Stop()
		}
	})
	if err := e.Run(0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if e.State() != Stopped || e.Executed() != 1 || e.PC() != 0x0800000a {
		t.Errorf("state=%s executed=%d pc=%#x", e.State(), e.Executed(), e.PC())
	}
	if e.Reg(RegR1) != 0 {
		t.Error("stopped instruction was executed")
	}
}

func TestCodeHookRedirect(t *testing.T) {
	// movs r0,#1; movs r0,#2; movs r1,#3
	e, d := newMachine(t, 0x08000009, 0x2001, 0x2002, 0x2103)
	d.OnCode(func(m hook.Machine, addr, size uint32) {
		if addr == 0x0800000a {
			m.RegWrite(RegPC, (addr+size)|1)
		}
	})
	if err := e.Run(0, 0, 2); err != nil {
		t.Fatal(err)
	}
	if e.Reg(RegR0) != 1 || e.Reg(RegR1) != 3 {
		t.Errorf("r0=%d r1=%d", e.Reg(RegR0), e.Reg(RegR1))
	}
}

// literal pool based store/load through RAM
var ramProgram = []uint16{
	0x4801,         // ldr r0, [pc, #4]
	0x4902,         // ldr r1, [pc, #8]
	0x6001,         // str r1, [r0]
	0x6802,         // ldr r2, [r0]
	0x0010, 0x2000, // .word 0x20000010
	0xf00d, 0xcafe, // .word 0xcafef00d
}

func TestLoadStoreHooks(t *testing.T) {
	e, d := newMachine(t, 0x08000009, ramProgram...)
	type ev struct {
		Access hook.Access
		Addr   uint32
		Size   int
		Value  uint32
	}
	var got []ev
	rec := func(_ hook.Machine, a hook.Access, addr uint32, size int, v uint32) {
		got = append(got, ev{a, addr, size, v})
	}
	d.OnRead(rec, ramBase, ramBase+0xfff)
	d.OnWrite(rec, ramBase, ramBase+0xfff)

	if err := e.Run(0, 0, 4); err != nil {
		t.Fatal(err)
	}
	if e.Reg(RegR2) != 0xcafef00d {
		t.Errorf("r2 = %#x", e.Reg(RegR2))
	}
	want := []ev{
		{hook.Write, 0x20000010, 4, 0xcafef00d},
		{hook.Read, 0x20000010, 4, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("memory events (-want +got):\n%s", diff)
	}
}

func TestReadHookRewritesValue(t *testing.T) {
	e, d := newMachine(t, 0x08000009, ramProgram...)
	d.OnRead(func(m hook.Machine, _ hook.Access, addr uint32, size int, _ uint32) {
		m.MemWrite(addr, []byte{1, 0, 0, 0})
	}, 0x20000010, 0x20000013)
	if err := e.Run(0, 0, 4); err != nil {
		t.Fatal(err)
	}
	if e.Reg(RegR2) != 1 {
		t.Errorf("r2 = %#x, want the rewritten value", e.Reg(RegR2))
	}
}

func TestUnmappedReadFault(t *testing.T) {
	e, _ := newMachine(t, 0x08000009, 0x6802) // ldr r2, [r0]
	e.SetReg(RegR0, 0x30000000)
	err := e.Run(0, 0, 1)
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected fault, got %v", err)
	}
	want := Fault{Kind: FaultReadUnmapped, PC: 0x08000008, Addr: 0x30000000, Size: 4}
	got := *f
	got.Err = nil
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fault (-want +got):\n%s", diff)
	}
	if e.PC() != 0x08000008 {
		t.Errorf("PC moved past faulting instruction: %#x", e.PC())
	}
}

func TestUnmappedReadRetry(t *testing.T) {
	e, d := newMachine(t, 0x08000009, 0x6802)
	e.SetReg(RegR0, 0x30000000)
	calls := 0
	d.OnMemUnmapped(func(m hook.Machine, _ hook.Access, addr uint32, _ int, _ uint32) bool {
		calls++
		if _, err := e.Memory().Map(addr&^0xfff, 0x1000, memory.ProtRead|memory.ProtWrite, "lazy"); err != nil {
			t.Fatal(err)
		}
		e.Memory().WriteU32(addr, 0x55)
		return true
	})
	if err := e.Run(0, 0, 1); err != nil {
		t.Fatal(err)
	}
	if calls != 1 || e.Reg(RegR2) != 0x55 {
		t.Errorf("calls=%d r2=%#x", calls, e.Reg(RegR2))
	}
}

func TestFlashIsReadOnly(t *testing.T) {
	e, _ := newMachine(t, 0x08000009, 0x6001) // str r1, [r0]
	e.SetReg(RegR0, flashBase+0x100)
	err := e.Run(0, 0, 1)
	var pe *memory.ProtError
	if !errors.As(err, &pe) || e.Fault().Kind != FaultProt {
		t.Errorf("expected protection fault, got %v", err)
	}
}

func TestSupervisorCall(t *testing.T) {
	e, d := newMachine(t, 0x08000009, 0xdf07, 0xbf00) // svc #7; nop
	err := e.Run(0, 0, 2)
	var f *Fault
	if !errors.As(err, &f) || f.Kind != FaultException {
		t.Fatalf("unhandled svc: got %v", err)
	}

	e, d = newMachine(t, 0x08000009, 0xdf07, 0xbf00)
	var nums []uint32
	d.OnInterrupt(func(_ hook.Machine, n uint32) { nums = append(nums, n) })
	if err := e.Run(0, 0, 2); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{7}, nums); diff != "" {
		t.Errorf("interrupts (-want +got):\n%s", diff)
	}
	if e.PC() != 0x0800000c {
		t.Errorf("PC = %#x", e.PC())
	}
}

func TestRunReentry(t *testing.T) {
	e, d := newMachine(t, 0x08000009, 0xbf00)
	var inner error
	d.OnCode(func(hook.Machine, uint32, uint32) { inner = e.Run(0, 0, 1) })
	if err := e.Run(0, 0, 1); err != nil {
		t.Fatal(err)
	}
	if inner == nil {
		t.Error("nested Run was accepted")
	}
}
