package stubs

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/memory"
)

// caller does bl 0x10; movs r1, #1; nop. The callee at 0x10 is
// movs r0, #9; bx lr.
var caller = []uint16{0xf000, 0xf802, 0x2101, 0xbf00, 0x2009, 0x4770}

func machine(t *testing.T, code ...uint16) (*cpu.Engine, *hook.Dispatcher) {
	t.Helper()
	mem := memory.New()
	if _, err := mem.Map(0, 0x100, memory.ProtRead|memory.ProtExec, "flash"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Map(0x20000000, 0x100, memory.ProtRead|memory.ProtWrite, "ram"); err != nil {
		t.Fatal(err)
	}
	img := make([]byte, 8+2*len(code))
	binary.LittleEndian.PutUint32(img, 0x20000100)
	binary.LittleEndian.PutUint32(img[4:], 9)
	for i, hw := range code {
		binary.LittleEndian.PutUint16(img[8+2*i:], hw)
	}
	if err := mem.Write(0, img); err != nil {
		t.Fatal(err)
	}
	d := hook.New()
	e := cpu.New(mem, d)
	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}
	return e, d
}

func TestStubReturnsToCaller(t *testing.T) {
	e, d := machine(t, caller...)
	r := NewRegistry()
	r.RegisterFunc("test", "read_sensor", Returner(42))
	var calls []string
	r.OnCall = func(category, name, detail string) { calls = append(calls, category+" "+name) }

	if _, n := r.Install(d, nil, map[string]uint32{"read_sensor": 0x11, "main": 0x08}); n != 1 {
		t.Fatalf("installed %d", n)
	}
	if err := e.Run(0, 0, 2); err != nil {
		t.Fatal(err)
	}
	if got := e.Reg(cpu.RegR0); got != 42 {
		t.Errorf("r0 = %d, want 42", got)
	}
	if got := e.Reg(cpu.RegR1); got != 1 {
		t.Errorf("r1 = %d, caller did not resume", got)
	}
	if got := e.PC(); got != 0x0e {
		t.Errorf("pc = %#x", got)
	}
	if diff := cmp.Diff([]string{"test read_sensor"}, calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestStubStops(t *testing.T) {
	e, d := machine(t, caller...)
	r := NewRegistry()
	r.RegisterFunc("test", "halt", func(c *Call) bool { return true })
	r.Install(d, nil, map[string]uint32{"halt": 0x11})
	if err := e.Run(0, 0, 10); err != nil {
		t.Fatal(err)
	}
	if e.PC() != 0x10 || e.State() != cpu.Stopped {
		t.Errorf("pc %#x state %v", e.PC(), e.State())
	}
}

func TestAliasesAndArgs(t *testing.T) {
	e, d := machine(t, caller...)
	r := NewRegistry()
	var args []uint32
	r.Register(StubDef{Name: "sum", Aliases: []string{"sum_v2"}, Category: "test", Hook: func(c *Call) bool {
		for i := 0; i < 5; i++ {
			args = append(args, c.Arg(i))
		}
		c.Return(c.Arg(0) + c.Arg(4))
		return false
	}})
	if r.Count() != 2 {
		t.Errorf("count %d", r.Count())
	}
	if diff := cmp.Diff([]string{"sum"}, r.List()); diff != "" {
		t.Errorf("list (-want +got):\n%s", diff)
	}
	r.Install(d, nil, map[string]uint32{"sum_v2": 0x11})
	e.SetReg(cpu.RegR0, 1)
	e.SetReg(cpu.RegR3, 4)
	e.SetReg(cpu.RegSP, 0x20000080)
	if err := e.Memory().WriteU32(0x20000080, 5); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(0, 0, 2); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{1, 0, 0, 4, 5}, args); diff != "" {
		t.Errorf("args (-want +got):\n%s", diff)
	}
	if e.Reg(cpu.RegR0) != 6 {
		t.Errorf("r0 = %d", e.Reg(cpu.RegR0))
	}
}

func TestDetectorActivatesOncePerInstall(t *testing.T) {
	r := NewRegistry()
	activations := 0
	r.RegisterDetector(Detector{
		Name:     "rtos",
		Patterns: []string{"xTask*"},
		Activate: func(t *Target, symbols map[string]uint32) int {
			activations++
			return 0
		},
	})
	syms := map[string]uint32{"xTaskCreate": 0x101, "xTaskDelete": 0x201}
	r.Install(hook.New(), nil, syms)
	r.Install(hook.New(), nil, syms)
	r.Install(hook.New(), nil, map[string]uint32{"main": 0x301})
	if activations != 2 {
		t.Errorf("activations %d, want 2", activations)
	}
}

func TestDuplicateAddress(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("test", "a", Returner(0))
	r.RegisterFunc("test", "b", Returner(0))
	_, n := r.Install(hook.New(), nil, map[string]uint32{"a": 0x101, "b": 0x101, "c": 0})
	if n != 1 {
		t.Errorf("installed %d, want 1", n)
	}
}

func TestMatchPattern(t *testing.T) {
	for _, tt := range []struct {
		name, pattern string
		want          bool
	}{
		{"xTaskCreate", "xTaskCreate", true},
		{"xTaskCreateStatic", "xTaskCreate", false},
		{"xTaskCreateStatic", "xTaskCreate*", true},
		{"HAL_UART_Init", "*_Init", true},
		{"MX_USART1_UART_Init", "*UART*", true},
		{"main", "*UART*", false},
	} {
		if got := matchPattern(tt.name, tt.pattern); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v", tt.name, tt.pattern, got)
		}
	}
}
