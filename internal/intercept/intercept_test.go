package intercept

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/memory"
)

const (
	ramBase    = 0x20000000
	periphBase = 0x40000000
)

// machine boots Thumb code placed at 8 with 256 bytes of RAM and a
// peripheral page.
func machine(t *testing.T, code ...uint16) (*cpu.Engine, *memory.Map, *hook.Dispatcher) {
	t.Helper()
	mem := memory.New()
	for _, r := range []struct {
		base, size uint32
		prot       int
		name       string
	}{
		{0, 0x100, memory.ProtRead | memory.ProtExec, "flash"},
		{ramBase, 0x100, memory.ProtRead | memory.ProtWrite, "ram"},
		{periphBase, 0x100, memory.ProtRead | memory.ProtWrite, "periph"},
	} {
		if _, err := mem.Map(r.base, r.size, r.prot, r.name); err != nil {
			t.Fatal(err)
		}
	}
	img := make([]byte, 8+2*len(code))
	binary.LittleEndian.PutUint32(img, ramBase+0x100)
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
	return e, mem, d
}

func TestReadRuleClearsStatus(t *testing.T) {
	e, mem, d := machine(t, 0x6808) // ldr r0, [r1]
	mem.WriteU32(periphBase+4, 0xffffffff)
	e.SetReg(cpu.RegR1, periphBase+4)

	s, err := New([]Rule{{Name: "busy", Addr: periphBase + 4, Value: 0}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Install(d); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(0, 0, 1); err != nil {
		t.Fatal(err)
	}
	if r0 := e.Reg(cpu.RegR0); r0 != 0 {
		t.Errorf("r0 = %#x, want the rewritten value", r0)
	}
	if s.Hits(0) != 1 {
		t.Errorf("hits = %d", s.Hits(0))
	}
}

func TestMaskedReadRule(t *testing.T) {
	e, mem, d := machine(t, 0x6808)
	mem.WriteU32(periphBase, 0x000000f0)
	e.SetReg(cpu.RegR1, periphBase)
	s, err := New([]Rule{{Addr: periphBase, Value: 0x1, Mask: 0x3}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Install(d)
	if err := e.Run(0, 0, 1); err != nil {
		t.Fatal(err)
	}
	if r0 := e.Reg(cpu.RegR0); r0 != 0xf1 {
		t.Errorf("r0 = %#x, want 0xf1", r0)
	}
}

func TestWriteRuleRewritesAfterCommit(t *testing.T) {
	e, mem, d := machine(t, 0x6008) // str r0, [r1]
	e.SetReg(cpu.RegR0, 0xff)
	e.SetReg(cpu.RegR1, periphBase+8)
	s, err := New([]Rule{{Name: "w1c", Addr: periphBase + 8, Mask: 1, On: OnWrite}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Install(d)
	if err := e.Run(0, 0, 1); err != nil {
		t.Fatal(err)
	}
	got, _ := mem.ReadU32(periphBase + 8)
	if got != 0xfe {
		t.Errorf("stored %#x, want 0xfe", got)
	}
	s.Uninstall(d)
	if d.Len(hook.MemWrite) != 0 {
		t.Error("hooks left after Uninstall")
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   Rule
		want Rule
		err  bool
	}{
		{in: Rule{Addr: 0x40000000}, want: Rule{Addr: 0x40000000, Size: 4, On: OnRead}},
		{in: Rule{Addr: 0x40000000, Size: 2, On: OnWrite}, want: Rule{Addr: 0x40000000, Size: 2, On: OnWrite}},
		{in: Rule{Addr: 0x40000000, Size: 3}, err: true},
		{in: Rule{Addr: 0x40000000, On: "exec"}, err: true},
		// bit 3 of 0x20000004 through its alias
		{in: Rule{Addr: 0x2200008c, Value: 1}, want: Rule{Addr: 0x20000004, Size: 4, Mask: 8, Value: 8, On: OnRead}},
		{in: Rule{Addr: 0x2200008c, Size: 1}, err: true},
	}
	for _, c := range cases {
		got, err := c.in.Normalize()
		if (err != nil) != c.err {
			t.Errorf("%+v: err = %v", c.in, err)
			continue
		}
		if c.err {
			continue
		}
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("%+v (-want +got):\n%s", c.in, diff)
		}
	}
}

func TestBitBandMath(t *testing.T) {
	cases := []struct {
		addr  uint32
		bit   uint
		alias uint32
		word  uint32
		wbit  uint
	}{
		{0x20000000, 0, 0x22000000, 0x20000000, 0},
		{0x20000004, 3, 0x2200008c, 0x20000004, 3},
		{0x20000005, 1, 0x220000a4, 0x20000004, 9},
		{0x40011003, 7, 0x4222007c, 0x40011000, 31},
	}
	for _, c := range cases {
		alias, ok := BitBandAlias(c.addr, c.bit)
		if !ok || alias != c.alias {
			t.Errorf("BitBandAlias(%08x, %d) = %08x %v, want %08x", c.addr, c.bit, alias, ok, c.alias)
		}
		word, bit, ok := BitBandTarget(c.alias)
		if !ok || word != c.word || bit != c.wbit {
			t.Errorf("BitBandTarget(%08x) = %08x bit %d %v", c.alias, word, bit, ok)
		}
	}
	if _, ok := BitBandAlias(0x08000000, 0); ok {
		t.Error("flash has no bit-band alias")
	}
	if _, _, ok := BitBandTarget(0x24000000); ok {
		t.Error("address past the SRAM alias resolved")
	}
}

func TestBitBandWindow(t *testing.T) {
	e, mem, d := machine(t,
		0x6008, // str r0, [r1]
		0x680a, // ldr r2, [r1]
		0x6813, // ldr r3, [r2]
	)
	if _, err := InstallBitBand(mem, d, ramBase, 0x100, nil); err != nil {
		t.Fatal(err)
	}
	mem.Write(ramBase+1, []byte{0x80})
	e.SetReg(cpu.RegR0, 1)
	e.SetReg(cpu.RegR1, 0x22000008) // bit 2 of byte 0
	if err := e.Run(0, 0, 2); err != nil {
		t.Fatal(err)
	}
	w, _ := mem.ReadU32(ramBase)
	if w != 0x8004 {
		t.Errorf("ram word = %#x, want 0x8004", w)
	}
	if r2 := e.Reg(cpu.RegR2); r2 != 1 {
		t.Errorf("alias read = %d, want 1", r2)
	}

	// bit 15 of the word comes from the direct write
	e.SetReg(cpu.RegR2, 0x2200003c)
	if err := e.Run(0, 0, 1); err != nil {
		t.Fatal(err)
	}
	if r3 := e.Reg(cpu.RegR3); r3 != 1 {
		t.Errorf("alias read of bit 15 = %d", r3)
	}

	if _, err := InstallBitBand(mem, d, 0x08000000, 4, nil); err == nil {
		t.Error("bit-band over flash accepted")
	}
}

func TestBitBandUnmappedTarget(t *testing.T) {
	e, mem, d := machine(t,
		0x6008, // str r0, [r1]
		0x680a, // ldr r2, [r1]
	)
	core, logs := observer.New(zap.WarnLevel)
	// only the first 0x100 bytes of the peripheral window are mapped
	if _, err := InstallBitBand(mem, d, periphBase, 0x200, zap.New(core)); err != nil {
		t.Fatal(err)
	}
	e.SetReg(cpu.RegR0, 1)
	e.SetReg(cpu.RegR1, 0x42002000) // bit 0 of periphBase+0x100
	if err := e.Run(0, 0, 2); err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, entry := range logs.All() {
		got = append(got, entry.Message)
	}
	want := []string{"bit-band read failed", "bit-band read failed"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("warnings (-want +got):\n%s", diff)
	}
}
