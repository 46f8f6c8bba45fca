package cpu

import (
	"fmt"
	"strings"
)

// Register numbers. R0-R15 match the architectural encoding so decoded
// register fields index straight into the file.
const (
	RegR0 = iota
	RegR1
	RegR2
	RegR3
	RegR4
	RegR5
	RegR6
	RegR7
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegSP
	RegLR
	RegPC
	RegXPSR
	RegMSP
	RegPSP
	RegPRIMASK
	RegBASEPRI
	RegFAULTMASK
	RegCONTROL

	NumRegs
)

var regNames = [NumRegs]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
	"xpsr", "msp", "psp", "primask", "basepri", "faultmask", "control",
}

// RegName returns the lower-case name of reg.
func RegName(reg int) string {
	if reg >= 0 && reg < NumRegs {
		return regNames[reg]
	}
	return fmt.Sprintf("reg%d", reg)
}

// RegByName resolves a register name (case-insensitive; r13/r14/r15 and
// "ip"/"fp" aliases accepted).
func RegByName(name string) (int, bool) {
	n := strings.ToLower(name)
	switch n {
	case "r13":
		return RegSP, true
	case "r14":
		return RegLR, true
	case "r15":
		return RegPC, true
	case "ip":
		return RegR12, true
	case "fp":
		return RegR11, true
	case "sb":
		return RegR9, true
	case "sl":
		return RegR10, true
	}
	for i, v := range regNames {
		if v == n {
			return i, true
		}
	}
	return 0, false
}

// xPSR bits.
const (
	flagN = 1 << 31
	flagZ = 1 << 30
	flagC = 1 << 29
	flagV = 1 << 28
	flagQ = 1 << 27
	flagT = 1 << 24

	apsrMask = flagN | flagZ | flagC | flagV | flagQ
)

// CONTROL bits.
const (
	controlNPRIV = 1 << 0
	controlSPSEL = 1 << 1
)

// Regs is the Cortex-M register file. R[13] always holds the active stack
// pointer; the inactive one is parked in MSP or PSP.
type Regs struct {
	R         [16]uint32
	APSR      uint32 // N Z C V Q
	IPSR      uint32
	MSP       uint32
	PSP       uint32
	PRIMASK   uint32
	BASEPRI   uint32
	FAULTMASK uint32
	CONTROL   uint32
}

// N, Z, C, V return the condition flags.
func (r *Regs) N() bool { return r.APSR&flagN != 0 }
func (r *Regs) Z() bool { return r.APSR&flagZ != 0 }
func (r *Regs) C() bool { return r.APSR&flagC != 0 }
func (r *Regs) V() bool { return r.APSR&flagV != 0 }

func (r *Regs) setFlag(mask uint32, on bool) {
	if on {
		r.APSR |= mask
	} else {
		r.APSR &^= mask
	}
}

// setNZ updates N and Z from a result.
func (r *Regs) setNZ(result uint32) {
	r.setFlag(flagN, result&0x80000000 != 0)
	r.setFlag(flagZ, result == 0)
}

func (r *Regs) setNZC(result uint32, carry bool) {
	r.setNZ(result)
	r.setFlag(flagC, carry)
}

func (r *Regs) setNZCV(result uint32, carry, overflow bool) {
	r.setNZ(result)
	r.setFlag(flagC, carry)
	r.setFlag(flagV, overflow)
}

// processSP reports whether R13 is currently the process stack pointer.
func (r *Regs) processSP() bool {
	return r.CONTROL&controlSPSEL != 0
}

// msp returns the main stack pointer whichever bank is active.
func (r *Regs) msp() uint32 {
	if r.processSP() {
		return r.MSP
	}
	return r.R[RegSP]
}

func (r *Regs) psp() uint32 {
	if r.processSP() {
		return r.R[RegSP]
	}
	return r.PSP
}

func (r *Regs) setMSP(v uint32) {
	v &^= 3
	if r.processSP() {
		r.MSP = v
	} else {
		r.R[RegSP] = v
	}
}

func (r *Regs) setPSP(v uint32) {
	v &^= 3
	if r.processSP() {
		r.R[RegSP] = v
	} else {
		r.PSP = v
	}
}

// setControl writes CONTROL, swapping the stack bank when SPSEL flips.
func (r *Regs) setControl(v uint32) {
	v &= controlNPRIV | controlSPSEL
	was := r.processSP()
	now := v&controlSPSEL != 0
	if was != now {
		if now {
			r.MSP, r.R[RegSP] = r.R[RegSP], r.PSP
		} else {
			r.PSP, r.R[RegSP] = r.R[RegSP], r.MSP
		}
	}
	r.CONTROL = v
}

// Snapshot is a copy of the architectural state for inspection.
type Snapshot struct {
	Regs  Regs
	Thumb bool
	IT    uint8
}

// XPSR composes the combined program status register.
func (s Snapshot) XPSR() uint32 {
	return composeXPSR(&s.Regs, s.Thumb, s.IT)
}

func composeXPSR(r *Regs, thumb bool, it uint8) uint32 {
	v := r.APSR&apsrMask | r.IPSR&0x1ff
	if thumb {
		v |= flagT
	}
	v |= uint32(it&0x3) << 25
	v |= uint32(it>>2) << 10
	return v
}

// String renders the register file the way the trace footer prints it.
func (s Snapshot) String() string {
	var b strings.Builder
	for i := 0; i < 16; i++ {
		fmt.Fprintf(&b, "%-4s=%08x", regNames[i], s.Regs.R[i])
		if i%4 == 3 {
			b.WriteByte('\n')
		} else {
			b.WriteString("  ")
		}
	}
	fmt.Fprintf(&b, "xpsr=%08x  msp =%08x  psp =%08x  ctrl=%08x", s.XPSR(), s.Regs.msp(), s.Regs.psp(), s.Regs.CONTROL)
	return b.String()
}
