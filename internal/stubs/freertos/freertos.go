// Package freertos stubs the FreeRTOS task API. The scheduler is not
// emulated: a run stops where vTaskStartScheduler would take over, after
// the tasks created before it have been logged.
package freertos

import (
	"github.com/zboralski/loris/internal/stubs"
)

const (
	pdPASS = 1

	// handles handed out by xTaskCreate
	handleBase = 0x7f000000
)

func init() {
	stubs.RegisterFunc("rtos", "vTaskDelay", stubDelay)
	stubs.RegisterFunc("rtos", "xTaskGetTickCount", stubGetTickCount)
	stubs.RegisterFunc("rtos", "vTaskSuspendAll", stubVoid)
	stubs.RegisterFunc("rtos", "xTaskResumeAll", stubs.Returner(0))

	stubs.RegisterDetector(stubs.Detector{
		Name:        "freertos",
		Patterns:    []string{"vTaskStartScheduler", "xTaskCreate*"},
		Activate:    activate,
		Description: "FreeRTOS kernel: log task creation, stop at scheduler start",
	})
}

func activate(t *stubs.Target, symbols map[string]uint32) int {
	n := 0
	created := 0
	if addr, ok := symbols["xTaskCreate"]; ok {
		def := &stubs.StubDef{Name: "xTaskCreate", Category: "rtos", Hook: func(c *stubs.Call) bool {
			created++
			name := c.String(c.Arg(1), 16)
			c.WriteU32(c.Arg(5), handleBase+uint32(created))
			c.Logf("%q entry=0x%08x stack=%d prio=%d", name, c.Arg(0), c.Arg(2), c.Arg(4))
			c.Return(pdPASS)
			return false
		}}
		if t.Hook(def, def.Name, addr) {
			n++
		}
	}
	if addr, ok := symbols["vTaskStartScheduler"]; ok {
		def := &stubs.StubDef{Name: "vTaskStartScheduler", Category: "rtos", Hook: func(c *stubs.Call) bool {
			c.Logf("tasks=%d", created)
			return true
		}}
		if t.Hook(def, def.Name, addr) {
			n++
		}
	}
	return n
}

func stubVoid(c *stubs.Call) bool {
	c.ReturnVoid()
	return false
}

func stubDelay(c *stubs.Call) bool {
	ticks := c.Arg(0)
	c.Target.Tick += ticks
	c.Logf("ticks=%d", ticks)
	c.ReturnVoid()
	return false
}

func stubGetTickCount(c *stubs.Call) bool {
	c.Logf("= %d", c.Target.Tick)
	c.Return(c.Target.Tick)
	return false
}
