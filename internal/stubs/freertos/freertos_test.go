package freertos

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/memory"
	"github.com/zboralski/loris/internal/stubs"
)

// main calls xTaskCreate at 0x18 then vTaskStartScheduler at 0x1c.
var program = []uint16{
	0xf000, 0xf806, // bl 0x18
	0xf000, 0xf806, // bl 0x1c
	0xbf00, 0xbf00, 0xbf00, 0xbf00,
	0x4770, // xTaskCreate: bx lr
	0xbf00,
	0xe7fe, // vTaskStartScheduler: b .
}

func TestSchedulerStartStops(t *testing.T) {
	mem := memory.New()
	if _, err := mem.Map(0, 0x100, memory.ProtRead|memory.ProtExec, "flash"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Map(0x20000000, 0x100, memory.ProtRead|memory.ProtWrite, "ram"); err != nil {
		t.Fatal(err)
	}
	img := make([]byte, 8+2*len(program))
	binary.LittleEndian.PutUint32(img, 0x20000080)
	binary.LittleEndian.PutUint32(img[4:], 9)
	for i, hw := range program {
		binary.LittleEndian.PutUint16(img[8+2*i:], hw)
	}
	if err := mem.Write(0, img); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write(0x200000a0, []byte("blink\x00")); err != nil {
		t.Fatal(err)
	}
	// uxPriority and pxCreatedTask are passed on the stack
	mem.WriteU32(0x20000080, 2)
	mem.WriteU32(0x20000084, 0x20000090)

	d := hook.New()
	e := cpu.New(mem, d)
	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}
	e.SetReg(cpu.RegR0, 0x101)
	e.SetReg(cpu.RegR1, 0x200000a0)
	e.SetReg(cpu.RegR2, 128)

	var events []string
	lg := log.NewNop()
	lg.SetOnEvent(func(pc uint32, category, name, detail string) {
		events = append(events, category+" "+name+" "+detail)
	})
	_, n := stubs.Install(d, lg, map[string]uint32{"xTaskCreate": 0x19, "vTaskStartScheduler": 0x1d})
	if n != 2 {
		t.Fatalf("installed %d", n)
	}
	if err := e.Run(0, 0, 100); err != nil {
		t.Fatal(err)
	}
	if e.PC() != 0x1c || e.Executed() != 2 {
		t.Errorf("pc %#x executed %d", e.PC(), e.Executed())
	}
	if e.Reg(cpu.RegR0) != pdPASS {
		t.Errorf("r0 = %d", e.Reg(cpu.RegR0))
	}
	if h, _ := mem.ReadU32(0x20000090); h != handleBase+1 {
		t.Errorf("handle %#x", h)
	}
	if diff := cmp.Diff([]string{
		`stub xTaskCreate "blink" entry=0x00000101 stack=128 prio=2`,
		"stub vTaskStartScheduler tasks=1",
	}, events); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}
