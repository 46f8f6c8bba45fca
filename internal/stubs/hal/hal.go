// Package hal stubs the STM32 HAL clock and tick functions so firmware gets
// past clock bring-up without a modelled RCC.
package hal

import (
	"github.com/zboralski/loris/internal/stubs"
)

// HAL_StatusTypeDef
const (
	OK      = 0
	Error   = 1
	Busy    = 2
	Timeout = 3
)

func init() {
	stubs.RegisterFunc("hal", "HAL_Init", stubs.Returner(OK))
	stubs.RegisterFunc("hal", "HAL_InitTick", stubs.Returner(OK))
	stubs.RegisterFunc("hal", "HAL_RCC_OscConfig", stubs.Returner(OK))
	stubs.RegisterFunc("hal", "HAL_RCC_ClockConfig", stubs.Returner(OK))
	stubs.RegisterFunc("hal", "HAL_PWREx_EnableOverDrive", stubs.Returner(OK))
	stubs.RegisterFunc("hal", "SystemClock_Config", stubVoid)
	stubs.RegisterFunc("hal", "SystemInit", stubVoid)
	stubs.RegisterFunc("hal", "HAL_GetTick", stubGetTick)
	stubs.RegisterFunc("hal", "HAL_IncTick", stubIncTick)
	stubs.RegisterFunc("hal", "HAL_Delay", stubDelay)
	stubs.RegisterFunc("hal", "HAL_NVIC_SetPriority", stubSetPriority)
	stubs.RegisterFunc("hal", "HAL_NVIC_EnableIRQ", stubEnableIRQ)
}

func stubVoid(c *stubs.Call) bool {
	c.ReturnVoid()
	return false
}

// HAL_GetTick advances by one per call so timeout loops terminate.
func stubGetTick(c *stubs.Call) bool {
	t := c.Target.Tick
	c.Target.Tick++
	c.Logf("= %d", t)
	c.Return(t)
	return false
}

func stubIncTick(c *stubs.Call) bool {
	c.Target.Tick++
	c.ReturnVoid()
	return false
}

func stubDelay(c *stubs.Call) bool {
	ms := c.Arg(0)
	c.Target.Tick += ms
	c.Logf("ms=%d", ms)
	c.ReturnVoid()
	return false
}

func stubSetPriority(c *stubs.Call) bool {
	c.Logf("irq=%d prio=%d/%d", int32(c.Arg(0)), c.Arg(1), c.Arg(2))
	c.ReturnVoid()
	return false
}

func stubEnableIRQ(c *stubs.Call) bool {
	c.Logf("irq=%d", int32(c.Arg(0)))
	c.ReturnVoid()
	return false
}
