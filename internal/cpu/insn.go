package cpu

import (
	"fmt"
	"strings"
)

// Op is a decoded operation.
type Op uint8

const (
	OpInvalid Op = iota

	// data processing with a flexible second operand
	OpAND
	OpEOR
	OpSUB
	OpRSB
	OpADD
	OpADC
	OpSBC
	OpRSC
	OpTST
	OpTEQ
	OpCMP
	OpCMN
	OpORR
	OpMOV
	OpBIC
	OpMVN
	OpORN

	// MOV aliases with a shifted register operand
	OpLSL
	OpLSR
	OpASR
	OpROR
	OpRRX

	OpADR
	OpMOVW
	OpMOVT

	OpMUL
	OpMLA
	OpMLS
	OpUMULL
	OpSMULL
	OpUMLAL
	OpSMLAL
	OpUDIV
	OpSDIV

	OpCLZ
	OpRBIT
	OpREV
	OpREV16
	OpREVSH
	OpSXTB
	OpSXTH
	OpUXTB
	OpUXTH
	OpUBFX
	OpSBFX
	OpBFI
	OpBFC

	OpB
	OpBL
	OpBX
	OpBLX
	OpCBZ
	OpCBNZ
	OpTBB
	OpTBH
	OpIT

	OpLDR
	OpSTR
	OpLDRD
	OpSTRD
	OpLDREX
	OpSTREX
	OpCLREX
	OpLDM
	OpSTM
	OpPUSH
	OpPOP

	OpSVC
	OpBKPT
	OpNOP
	OpDMB
	OpDSB
	OpISB
	OpCPS
	OpMSR
	OpMRS
)

var opNames = map[Op]string{
	OpAND: "and", OpEOR: "eor", OpSUB: "sub", OpRSB: "rsb", OpADD: "add",
	OpADC: "adc", OpSBC: "sbc", OpRSC: "rsc", OpTST: "tst", OpTEQ: "teq",
	OpCMP: "cmp", OpCMN: "cmn", OpORR: "orr", OpMOV: "mov", OpBIC: "bic",
	OpMVN: "mvn", OpORN: "orn",
	OpLSL: "lsl", OpLSR: "lsr", OpASR: "asr", OpROR: "ror", OpRRX: "rrx",
	OpADR: "adr", OpMOVW: "movw", OpMOVT: "movt",
	OpMUL: "mul", OpMLA: "mla", OpMLS: "mls", OpUMULL: "umull", OpSMULL: "smull",
	OpUMLAL: "umlal", OpSMLAL: "smlal", OpUDIV: "udiv", OpSDIV: "sdiv",
	OpCLZ: "clz", OpRBIT: "rbit", OpREV: "rev", OpREV16: "rev16", OpREVSH: "revsh",
	OpSXTB: "sxtb", OpSXTH: "sxth", OpUXTB: "uxtb", OpUXTH: "uxth",
	OpUBFX: "ubfx", OpSBFX: "sbfx", OpBFI: "bfi", OpBFC: "bfc",
	OpB: "b", OpBL: "bl", OpBX: "bx", OpBLX: "blx", OpCBZ: "cbz", OpCBNZ: "cbnz",
	OpTBB: "tbb", OpTBH: "tbh", OpIT: "it",
	OpLDR: "ldr", OpSTR: "str", OpLDRD: "ldrd", OpSTRD: "strd",
	OpLDREX: "ldrex", OpSTREX: "strex", OpCLREX: "clrex",
	OpLDM: "ldm", OpSTM: "stm", OpPUSH: "push", OpPOP: "pop",
	OpSVC: "svc", OpBKPT: "bkpt", OpNOP: "nop", OpDMB: "dmb", OpDSB: "dsb",
	OpISB: "isb", OpCPS: "cps", OpMSR: "msr", OpMRS: "mrs",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "invalid"
}

// Insn is one decoded instruction. Register fields hold architectural
// numbers; fields an encoding does not use are left zero.
type Insn struct {
	Op    Op
	Addr  uint32
	Size  uint32 // 2 or 4
	Raw   uint32 // first halfword in the high half for 32-bit Thumb
	Thumb bool

	// Cond is the encoded condition (ARM and Thumb B<c>). Instructions in an
	// IT block carry CondAL here; the engine supplies the IT condition.
	Cond     uint8
	SetFlags bool

	Rd, Rn, Rm, Rs, Ra int
	Rt, Rt2            int

	// second operand: an immediate or Rm shifted by ShiftN / Rs
	HasImm   bool
	Imm      uint32
	ImmCarry int8 // -1 leaves C alone
	Shift    uint8
	ShiftN   uint32
	ShiftReg bool

	// load/store
	Width  int // bytes
	Signed bool
	Index  bool // pre-indexed
	Add    bool
	Wback  bool
	RegOff bool // offset from Rm

	Regs uint16 // LDM/STM/PUSH/POP list

	FirstCond uint8 // IT
	Mask      uint8 // IT mask / MSR mask / CPS disable flag
	SysReg    uint8 // MSR/MRS SYSm
	Lsb       uint8
	BitWidth  uint8
	Hint      uint8 // NOP variant
}

// PCValue is what a read of the PC returns while this instruction executes.
func (i *Insn) PCValue() uint32 {
	if i.Thumb {
		return i.Addr + 4
	}
	return i.Addr + 8
}

// Target returns the destination of a PC-relative branch.
func (i *Insn) Target() (uint32, bool) {
	switch i.Op {
	case OpB, OpBL, OpCBZ, OpCBNZ:
		return i.PCValue() + i.Imm, true
	case OpADR:
		base := i.PCValue() &^ 3
		if i.Add {
			return base + i.Imm, true
		}
		return base - i.Imm, true
	}
	return 0, false
}

// IsBranch reports whether the instruction can change the flow of control.
func (i *Insn) IsBranch() bool {
	switch i.Op {
	case OpB, OpBL, OpBX, OpBLX, OpCBZ, OpCBNZ, OpTBB, OpTBH:
		return true
	case OpPOP, OpLDM:
		return i.Regs&(1<<RegPC) != 0
	case OpLDR:
		return i.Rt == RegPC
	}
	return false
}

func (i *Insn) mnemonic() string {
	m := i.Op.String()
	switch i.Op {
	case OpLDR, OpSTR, OpLDRD, OpSTRD:
		if i.Op == OpLDR || i.Op == OpSTR {
			if i.Signed {
				m += "s"
			}
			switch i.Width {
			case 1:
				m += "b"
			case 2:
				m += "h"
			}
		}
	case OpLDREX, OpSTREX:
		switch i.Width {
		case 1:
			m += "b"
		case 2:
			m += "h"
		}
	case OpLDM, OpSTM:
		if !i.Add {
			m += "db"
		}
	case OpNOP:
		m = hintNames[i.Hint&7]
	case OpCPS:
		if i.Mask != 0 {
			m = "cpsid"
		} else {
			m = "cpsie"
		}
	case OpSXTB, OpSXTH, OpUXTB, OpUXTH:
		if i.Rn != RegPC {
			m = m[:3] + "a" + m[3:]
		}
	case OpIT:
		return itMnemonic(i.FirstCond, i.Mask)
	}
	if i.SetFlags && !isCompare(i.Op) {
		m += "s"
	}
	if i.Cond != CondAL && i.Op != OpCBZ && i.Op != OpCBNZ {
		m += condNames[i.Cond&0xf]
	}
	if i.Thumb && i.Size == 4 && needsWide(i.Op) {
		m += ".w"
	}
	return m
}

var hintNames = [...]string{"nop", "yield", "wfe", "wfi", "sev", "nop", "nop", "nop"}

func isCompare(op Op) bool {
	return op == OpTST || op == OpTEQ || op == OpCMP || op == OpCMN
}

// needsWide marks ops whose 32-bit Thumb encoding shares a mnemonic with a
// 16-bit one.
func needsWide(op Op) bool {
	switch op {
	case OpB, OpNOP, OpPUSH, OpPOP:
		return true
	}
	return false
}

func itMnemonic(first, mask uint8) string {
	var b strings.Builder
	b.WriteString("it")
	// bits above the trailing one select then/else
	stop := 0
	for stop < 4 && mask&(1<<stop) == 0 {
		stop++
	}
	for bit := 3; bit > stop; bit-- {
		if (mask>>bit)&1 == first&1 {
			b.WriteByte('t')
		} else {
			b.WriteByte('e')
		}
	}
	b.WriteByte(' ')
	b.WriteString(condNames[first&0xf])
	return b.String()
}

func imm(v uint32) string {
	if v < 10 {
		return fmt.Sprintf("#%d", v)
	}
	return fmt.Sprintf("#0x%x", v)
}

func reglist(mask uint16) string {
	var parts []string
	for r := 0; r < 16; r++ {
		if mask&(1<<r) != 0 {
			parts = append(parts, regNames[r])
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func sysRegName(sysm uint8) string {
	switch sysm {
	case 0:
		return "apsr"
	case 1:
		return "iapsr"
	case 2:
		return "eapsr"
	case 3:
		return "xpsr"
	case 5:
		return "ipsr"
	case 6:
		return "epsr"
	case 7:
		return "iepsr"
	case 8:
		return "msp"
	case 9:
		return "psp"
	case 16:
		return "primask"
	case 17:
		return "basepri"
	case 18:
		return "basepri_max"
	case 19:
		return "faultmask"
	case 20:
		return "control"
	}
	return fmt.Sprintf("sysm%d", sysm)
}

func (i *Insn) operand2() string {
	if i.HasImm {
		return imm(i.Imm)
	}
	s := regNames[i.Rm]
	switch {
	case i.ShiftReg:
		s += ", " + shiftNames[i.Shift] + " " + regNames[i.Rs]
	case i.Shift == ShiftRRX:
		s += ", rrx"
	case i.ShiftN != 0:
		s += ", " + shiftNames[i.Shift] + " " + imm(i.ShiftN)
	}
	return s
}

func (i *Insn) address() string {
	base := regNames[i.Rn]
	var off string
	if i.RegOff {
		off = regNames[i.Rm]
		if !i.Add {
			off = "-" + off
		}
		if i.ShiftN != 0 {
			off += ", " + shiftNames[i.Shift] + " " + imm(i.ShiftN)
		}
	} else if i.Imm != 0 || !i.Add {
		if i.Add {
			off = imm(i.Imm)
		} else {
			off = "#-" + strings.TrimPrefix(imm(i.Imm), "#")
		}
	}
	switch {
	case !i.Index:
		if off == "" {
			return "[" + base + "]"
		}
		return "[" + base + "], " + off
	case off == "":
		return "[" + base + "]"
	case i.Wback:
		return "[" + base + ", " + off + "]!"
	default:
		return "[" + base + ", " + off + "]"
	}
}

// String renders the instruction in lower-case UAL.
func (i *Insn) String() string {
	m := i.mnemonic()
	r := regNames
	switch i.Op {
	case OpTST, OpTEQ, OpCMP, OpCMN:
		return fmt.Sprintf("%s %s, %s", m, r[i.Rn], i.operand2())
	case OpMOV, OpMVN:
		return fmt.Sprintf("%s %s, %s", m, r[i.Rd], i.operand2())
	case OpAND, OpEOR, OpSUB, OpRSB, OpADD, OpADC, OpSBC, OpRSC, OpORR, OpBIC, OpORN:
		return fmt.Sprintf("%s %s, %s, %s", m, r[i.Rd], r[i.Rn], i.operand2())
	case OpLSL, OpLSR, OpASR, OpROR:
		if i.ShiftReg {
			return fmt.Sprintf("%s %s, %s, %s", m, r[i.Rd], r[i.Rm], r[i.Rs])
		}
		return fmt.Sprintf("%s %s, %s, %s", m, r[i.Rd], r[i.Rm], imm(i.ShiftN))
	case OpRRX:
		return fmt.Sprintf("%s %s, %s", m, r[i.Rd], r[i.Rm])
	case OpADR:
		t, _ := i.Target()
		return fmt.Sprintf("%s %s, 0x%08x", m, r[i.Rd], t)
	case OpMOVW, OpMOVT:
		return fmt.Sprintf("%s %s, %s", m, r[i.Rd], imm(i.Imm))
	case OpMUL, OpUDIV, OpSDIV:
		return fmt.Sprintf("%s %s, %s, %s", m, r[i.Rd], r[i.Rn], r[i.Rm])
	case OpMLA, OpMLS:
		return fmt.Sprintf("%s %s, %s, %s, %s", m, r[i.Rd], r[i.Rn], r[i.Rm], r[i.Ra])
	case OpUMULL, OpSMULL, OpUMLAL, OpSMLAL:
		return fmt.Sprintf("%s %s, %s, %s, %s", m, r[i.Rd], r[i.Ra], r[i.Rn], r[i.Rm])
	case OpCLZ, OpRBIT, OpREV, OpREV16, OpREVSH:
		return fmt.Sprintf("%s %s, %s", m, r[i.Rd], r[i.Rm])
	case OpSXTB, OpSXTH, OpUXTB, OpUXTH:
		s := fmt.Sprintf("%s %s, ", m, r[i.Rd])
		if i.Rn != RegPC {
			s += r[i.Rn] + ", "
		}
		s += r[i.Rm]
		if i.ShiftN != 0 {
			s += ", ror " + imm(i.ShiftN)
		}
		return s
	case OpUBFX, OpSBFX, OpBFI:
		return fmt.Sprintf("%s %s, %s, #%d, #%d", m, r[i.Rd], r[i.Rn], i.Lsb, i.BitWidth)
	case OpBFC:
		return fmt.Sprintf("%s %s, #%d, #%d", m, r[i.Rd], i.Lsb, i.BitWidth)
	case OpB, OpBL:
		t, _ := i.Target()
		return fmt.Sprintf("%s 0x%08x", m, t)
	case OpCBZ, OpCBNZ:
		t, _ := i.Target()
		return fmt.Sprintf("%s %s, 0x%08x", m, r[i.Rn], t)
	case OpBX, OpBLX:
		return fmt.Sprintf("%s %s", m, r[i.Rm])
	case OpTBB:
		return fmt.Sprintf("%s [%s, %s]", m, r[i.Rn], r[i.Rm])
	case OpTBH:
		return fmt.Sprintf("%s [%s, %s, lsl #1]", m, r[i.Rn], r[i.Rm])
	case OpIT:
		return m
	case OpLDR, OpSTR:
		return fmt.Sprintf("%s %s, %s", m, r[i.Rt], i.address())
	case OpLDRD, OpSTRD:
		return fmt.Sprintf("%s %s, %s, %s", m, r[i.Rt], r[i.Rt2], i.address())
	case OpLDREX:
		return fmt.Sprintf("%s %s, %s", m, r[i.Rt], i.address())
	case OpSTREX:
		return fmt.Sprintf("%s %s, %s, %s", m, r[i.Rd], r[i.Rt], i.address())
	case OpLDM, OpSTM:
		wb := ""
		if i.Wback {
			wb = "!"
		}
		return fmt.Sprintf("%s %s%s, %s", m, r[i.Rn], wb, reglist(i.Regs))
	case OpPUSH, OpPOP:
		return fmt.Sprintf("%s %s", m, reglist(i.Regs))
	case OpSVC, OpBKPT:
		return fmt.Sprintf("%s %s", m, imm(i.Imm))
	case OpDMB, OpDSB, OpISB:
		return m + " sy"
	case OpCPS:
		return m + " i"
	case OpMSR:
		return fmt.Sprintf("%s %s, %s", m, sysRegName(i.SysReg), r[i.Rn])
	case OpMRS:
		return fmt.Sprintf("%s %s, %s", m, r[i.Rd], sysRegName(i.SysReg))
	}
	return m
}
