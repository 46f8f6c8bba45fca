package cpu

import "encoding/binary"

var armDataOps = [16]Op{
	OpAND, OpEOR, OpSUB, OpRSB, OpADD, OpADC, OpSBC, OpRSC,
	OpTST, OpTEQ, OpCMP, OpCMN, OpORR, OpMOV, OpBIC, OpMVN,
}

// DecodeARM decodes the A32 word at the start of code. Only the subset a
// Cortex-M boot shim or a mis-set mode bit is likely to reach is supported:
// data processing, multiplies, single and multiple transfers, branches and
// SVC.
func DecodeARM(code []byte, addr uint32) (*Insn, error) {
	if len(code) < 4 {
		return nil, &DecodeError{Addr: addr, Size: 4}
	}
	w := binary.LittleEndian.Uint32(code)
	i := &Insn{Addr: addr, Size: 4, Raw: w, Cond: uint8(w >> 28), ImmCarry: -1}
	if i.Cond == 0xf || !decodeARM(i, w) {
		return nil, &DecodeError{Addr: addr, Raw: w, Size: 4}
	}
	return i, nil
}

func decodeARM(i *Insn, w uint32) bool {
	switch (w >> 25) & 7 {
	case 0:
		switch {
		case w&0x0ffffff0 == 0x012fff10:
			i.Op, i.Rm = OpBX, r4(w, 0)
		case w&0x0ffffff0 == 0x012fff30:
			i.Op, i.Rm = OpBLX, r4(w, 0)
		case w&0x0fff0ff0 == 0x016f0f10:
			i.Op, i.Rd, i.Rm = OpCLZ, r4(w, 12), r4(w, 0)
		case w&0x0fc000f0 == 0x00000090:
			i.Rd, i.Ra, i.Rs, i.Rm = r4(w, 16), r4(w, 12), r4(w, 8), r4(w, 0)
			i.Rn, i.Rm = i.Rm, i.Rs
			i.SetFlags = w&(1<<20) != 0
			i.Op = OpMUL
			if w&(1<<21) != 0 {
				i.Op = OpMLA
			}
		case w&0x0f8000f0 == 0x00800090:
			i.Rd, i.Ra = r4(w, 12), r4(w, 16)
			i.Rn, i.Rm = r4(w, 0), r4(w, 8)
			i.SetFlags = w&(1<<20) != 0
			signed, acc := w&(1<<22) != 0, w&(1<<21) != 0
			switch {
			case signed && acc:
				i.Op = OpSMLAL
			case signed:
				i.Op = OpSMULL
			case acc:
				i.Op = OpUMLAL
			default:
				i.Op = OpUMULL
			}
		case w&0x0e000090 == 0x00000090 && (w>>5)&3 != 0:
			return armExtraLoadStore(i, w)
		case (w>>23)&3 == 2 && w&(1<<20) == 0:
			// MRS/MSR and friends in the compare space
			return false
		default:
			return armDataProcessing(i, w)
		}
	case 1:
		switch {
		case w&0x0ff00000 == 0x03000000:
			i.Op, i.Rd, i.Imm = OpMOVW, r4(w, 12), (w>>16)&0xf<<12|w&0xfff
		case w&0x0ff00000 == 0x03400000:
			i.Op, i.Rd, i.Imm = OpMOVT, r4(w, 12), (w>>16)&0xf<<12|w&0xfff
		case (w>>23)&3 == 2 && w&(1<<20) == 0:
			return false
		default:
			return armDataProcessing(i, w)
		}
	case 2, 3:
		if (w>>25)&1 != 0 && w&(1<<4) != 0 {
			return false
		}
		i.Op = OpSTR
		if w&(1<<20) != 0 {
			i.Op = OpLDR
		}
		i.Width = 4
		if w&(1<<22) != 0 {
			i.Width = 1
		}
		i.Rn, i.Rt = r4(w, 16), r4(w, 12)
		i.Index, i.Add = w&(1<<24) != 0, w&(1<<23) != 0
		i.Wback = !i.Index || w&(1<<21) != 0
		if (w>>25)&1 == 0 {
			i.Imm = w & 0xfff
		} else {
			i.RegOff, i.Rm = true, r4(w, 0)
			i.Shift, i.ShiftN = decodeImmShift(uint8(w>>5)&3, (w>>7)&0x1f)
		}
	case 4:
		if w&(1<<22) != 0 {
			return false
		}
		i.Op = OpSTM
		if w&(1<<20) != 0 {
			i.Op = OpLDM
		}
		i.Rn, i.Regs, i.Wback = r4(w, 16), uint16(w), w&(1<<21) != 0
		before, up := w&(1<<24) != 0, w&(1<<23) != 0
		// only IA and DB have Thumb-2 equivalents
		switch {
		case !before && up:
			i.Add = true
		case before && !up:
			i.Add = false
		default:
			return false
		}
		if i.Regs == 0 {
			return false
		}
		if i.Rn == RegSP && i.Wback {
			if i.Op == OpLDM && i.Add {
				i.Op = OpPOP
			} else if i.Op == OpSTM && !i.Add {
				i.Op = OpPUSH
			}
		}
	case 5:
		i.Op = OpB
		if w&(1<<24) != 0 {
			i.Op = OpBL
		}
		i.Imm = signExtend((w&0xffffff)<<2, 26)
	case 7:
		if w&(1<<24) == 0 {
			return false
		}
		i.Op, i.Imm = OpSVC, w&0xffffff
	default:
		return false
	}
	return true
}

func armDataProcessing(i *Insn, w uint32) bool {
	opc := (w >> 21) & 0xf
	i.Op = armDataOps[opc]
	i.SetFlags = w&(1<<20) != 0
	i.Rn, i.Rd = r4(w, 16), r4(w, 12)
	if isCompare(i.Op) && !i.SetFlags {
		return false
	}
	if (w>>25)&1 != 0 {
		i.HasImm = true
		i.Imm, i.ImmCarry = armExpandImm(w & 0xfff)
		return true
	}
	i.Rm = r4(w, 0)
	if w&(1<<4) != 0 {
		if w&(1<<7) != 0 {
			return false
		}
		i.Rs, i.ShiftReg, i.Shift = r4(w, 8), true, uint8(w>>5)&3
	} else {
		i.Shift, i.ShiftN = decodeImmShift(uint8(w>>5)&3, (w>>7)&0x1f)
	}
	if i.Op == OpMOV && (i.ShiftReg || i.Shift != ShiftLSL || i.ShiftN != 0) {
		i.Op = OpLSL + Op(i.Shift)
	}
	return true
}

func armExtraLoadStore(i *Insn, w uint32) bool {
	load := w&(1<<20) != 0
	switch (w >> 5) & 3 {
	case 1:
		i.Width = 2
	case 2:
		if !load {
			return false
		}
		i.Width, i.Signed = 1, true
	case 3:
		if !load {
			return false
		}
		i.Width, i.Signed = 2, true
	}
	i.Op = OpSTR
	if load {
		i.Op = OpLDR
	}
	i.Rn, i.Rt = r4(w, 16), r4(w, 12)
	i.Index, i.Add = w&(1<<24) != 0, w&(1<<23) != 0
	i.Wback = !i.Index || w&(1<<21) != 0
	if w&(1<<22) != 0 {
		i.Imm = (w>>8)&0xf<<4 | w&0xf
	} else {
		i.RegOff, i.Rm = true, r4(w, 0)
	}
	return true
}
