package stepper

import (
	"encoding/binary"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/disasm"
	"github.com/zboralski/loris/internal/firmware"
	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/memory"
	"github.com/zboralski/loris/internal/trace"
	"github.com/zboralski/loris/internal/ui/colorize"
)

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func model(t *testing.T) (Model, *cpu.Engine) {
	t.Helper()
	colorize.SetEnabled(false)
	code := []uint16{
		0x2001, // movs r0, #1
		0x6008, // str r0, [r1]
		0x3001, // adds r0, #1
		0xe7fc, // b 0x0a
	}
	mem := memory.New()
	mem.Map(0, 0x100, memory.ProtRead|memory.ProtExec, "flash")
	mem.Map(0x20000000, 0x100, memory.ProtRead|memory.ProtWrite, "ram")
	img := make([]byte, 8+2*len(code))
	binary.LittleEndian.PutUint32(img, 0x20000100)
	binary.LittleEndian.PutUint32(img[4:], 9)
	for i, hw := range code {
		binary.LittleEndian.PutUint16(img[8+2*i:], hw)
	}
	mem.Write(0, img)
	d := hook.New()
	e := cpu.New(mem, d)
	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}
	e.SetReg(cpu.RegR1, 0x20000000)
	rec := trace.NewRecorder()
	if err := rec.Install(d); err != nil {
		t.Fatal(err)
	}
	fw := &firmware.Image{Symbols: []firmware.Symbol{{Name: "Reset_Handler", Addr: 8}}}
	return New(e, disasm.Native{}, rec, fw), e
}

func TestStepKeys(t *testing.T) {
	m, e := model(t)
	var tm tea.Model = m
	tm, _ = tm.Update(key("s"))
	tm, _ = tm.Update(key("s"))
	if e.PC() != 0x0c || e.Reg(cpu.RegR0) != 1 {
		t.Fatalf("pc %#x r0 %d", e.PC(), e.Reg(cpu.RegR0))
	}
	hist := tm.(Model).History()
	if len(hist) != 2 {
		t.Fatalf("%d history lines", len(hist))
	}
	if !strings.HasPrefix(hist[0], "Reset_Handler:\n00000008") {
		t.Errorf("first line %q", hist[0])
	}
	if !strings.Contains(hist[1], "str r0, [r1]") || !strings.Contains(hist[1], "; write [0x20000000] = 0x00000001") {
		t.Errorf("second line %q", hist[1])
	}
}

func TestBreakpointStopsContinue(t *testing.T) {
	m, e := model(t)
	var tm tea.Model = m
	tm, _ = tm.Update(key("s")) // pc 0x0a
	tm, _ = tm.Update(key("b")) // break on the str
	if !tm.(Model).Breakpoint(0x0a) {
		t.Fatal("breakpoint not set")
	}
	tm, _ = tm.Update(key("c"))
	// str, adds, b, then back at the breakpoint
	if e.PC() != 0x0a || len(tm.(Model).History()) != 4 {
		t.Errorf("pc %#x after %d lines", e.PC(), len(tm.(Model).History()))
	}
	view := tm.View()
	if !strings.Contains(view, "* 0000000A") || !strings.Contains(view, "breakpoint at 0x0000000a") {
		t.Errorf("view:\n%s", view)
	}
}

func TestQuit(t *testing.T) {
	m, _ := model(t)
	tm, cmd := m.Update(key("q"))
	if cmd == nil || tm.View() != "" {
		t.Error("q did not quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("quit command returned the wrong message")
	}
}

func TestFaultIsSticky(t *testing.T) {
	m, e := model(t)
	e.SetReg(cpu.RegPC, 0x30000001)
	var tm tea.Model = m
	tm, _ = tm.Update(key("s"))
	if e.State() != cpu.Faulted {
		t.Fatalf("state %s", e.State())
	}
	tm, _ = tm.Update(key("s"))
	if got := tm.(Model).History(); len(got) != 1 || !strings.Contains(got[0], "unmapped") {
		t.Errorf("history %q", got)
	}
}
