package cpu

import (
	"encoding/binary"
	"fmt"
)

// DecodeError reports an encoding the engine does not implement.
type DecodeError struct {
	Addr  uint32
	Raw   uint32
	Size  uint32
	Thumb bool
}

func (e *DecodeError) Error() string {
	switch {
	case !e.Thumb:
		return fmt.Sprintf("undefined arm instruction %08x at 0x%08x", e.Raw, e.Addr)
	case e.Size == 4:
		return fmt.Sprintf("undefined thumb2 instruction %04x %04x at 0x%08x", e.Raw>>16, e.Raw&0xffff, e.Addr)
	default:
		return fmt.Sprintf("undefined thumb instruction %04x at 0x%08x", e.Raw, e.Addr)
	}
}

// Is32BitThumb reports whether hw is the first half of a 32-bit Thumb-2
// instruction.
func Is32BitThumb(hw uint16) bool {
	return hw&0xf800 == 0xe800 || hw&0xf000 == 0xf000
}

// DecodeThumb decodes the Thumb instruction at the start of code. inIT
// reports whether the instruction sits inside an IT block, where 16-bit data
// processing does not set flags.
func DecodeThumb(code []byte, addr uint32, inIT bool) (*Insn, error) {
	if len(code) < 2 {
		return nil, &DecodeError{Addr: addr, Size: 2, Thumb: true}
	}
	hw1 := binary.LittleEndian.Uint16(code)
	if !Is32BitThumb(hw1) {
		return decodeThumb16(hw1, addr, inIT)
	}
	if len(code) < 4 {
		return nil, &DecodeError{Addr: addr, Raw: uint32(hw1) << 16, Size: 4, Thumb: true}
	}
	return decodeThumb32(hw1, binary.LittleEndian.Uint16(code[2:]), addr)
}

func r3(h uint32, shift uint) int { return int(h>>shift) & 7 }
func r4(h uint32, shift uint) int { return int(h>>shift) & 0xf }

func decodeThumb16(hw uint16, addr uint32, inIT bool) (*Insn, error) {
	h := uint32(hw)
	i := &Insn{Addr: addr, Size: 2, Raw: h, Thumb: true, Cond: CondAL, ImmCarry: -1}
	undef := func() (*Insn, error) { return nil, &DecodeError{Addr: addr, Raw: h, Size: 2, Thumb: true} }
	setflags := !inIT

	switch {
	case h>>14 == 0:
		op := (h >> 11) & 7
		switch op {
		case 0, 1, 2:
			i.Rd, i.Rm = r3(h, 0), r3(h, 3)
			imm5 := (h >> 6) & 0x1f
			if op == 0 && imm5 == 0 {
				i.Op = OpMOV
				i.SetFlags = true
				break
			}
			i.Op = OpLSL + Op(op)
			i.Shift, i.ShiftN = decodeImmShift(uint8(op), imm5)
			i.SetFlags = setflags
		case 3:
			i.Rd, i.Rn = r3(h, 0), r3(h, 3)
			i.Op = OpADD
			if h&(1<<9) != 0 {
				i.Op = OpSUB
			}
			if h&(1<<10) != 0 {
				i.HasImm, i.Imm = true, (h>>6)&7
			} else {
				i.Rm = r3(h, 6)
			}
			i.SetFlags = setflags
		default:
			i.HasImm, i.Imm = true, h&0xff
			rdn := r3(h, 8)
			i.Rd, i.Rn = rdn, rdn
			i.Op = [...]Op{OpMOV, OpCMP, OpADD, OpSUB}[op-4]
			i.SetFlags = setflags
		}

	case h>>10 == 0x10:
		rdn, rm := r3(h, 0), r3(h, 3)
		i.Rd, i.Rn, i.Rm = rdn, rdn, rm
		i.SetFlags = setflags
		switch (h >> 6) & 0xf {
		case 0:
			i.Op = OpAND
		case 1:
			i.Op = OpEOR
		case 2, 3, 4, 7:
			typ := [...]uint8{2: ShiftLSL, 3: ShiftLSR, 4: ShiftASR, 7: ShiftROR}[(h>>6)&0xf]
			i.Op = OpLSL + Op(typ)
			i.Rm, i.Rs, i.ShiftReg, i.Shift = rdn, rm, true, typ
		case 5:
			i.Op = OpADC
		case 6:
			i.Op = OpSBC
		case 8:
			i.Op = OpTST
		case 9:
			i.Op = OpRSB
			i.Rn, i.HasImm = rm, true
		case 10:
			i.Op = OpCMP
		case 11:
			i.Op = OpCMN
		case 12:
			i.Op = OpORR
		case 13:
			i.Op = OpMUL
			i.Rn, i.Rm = rm, rdn
		case 14:
			i.Op = OpBIC
		case 15:
			i.Op = OpMVN
		}

	case h>>10 == 0x11:
		rdn := int(h&7) | int((h>>7)&1)<<3
		rm := r4(h, 3)
		switch (h >> 8) & 3 {
		case 0:
			i.Op, i.Rd, i.Rn, i.Rm = OpADD, rdn, rdn, rm
		case 1:
			i.Op, i.Rn, i.Rm = OpCMP, rdn, rm
		case 2:
			i.Op, i.Rd, i.Rm = OpMOV, rdn, rm
		case 3:
			i.Op, i.Rm = OpBX, rm
			if h&(1<<7) != 0 {
				i.Op = OpBLX
			}
			if h&7 != 0 {
				return undef()
			}
		}

	case h>>11 == 0x09:
		i.Op, i.Width, i.Rt, i.Rn = OpLDR, 4, r3(h, 8), RegPC
		i.Imm, i.Index, i.Add = (h&0xff)<<2, true, true

	case h>>12 == 0x5:
		i.Rt, i.Rn, i.Rm = r3(h, 0), r3(h, 3), r3(h, 6)
		i.RegOff, i.Index, i.Add = true, true, true
		spec := [...]struct {
			op     Op
			width  int
			signed bool
		}{
			{OpSTR, 4, false}, {OpSTR, 2, false}, {OpSTR, 1, false}, {OpLDR, 1, true},
			{OpLDR, 4, false}, {OpLDR, 2, false}, {OpLDR, 1, false}, {OpLDR, 2, true},
		}[(h>>9)&7]
		i.Op, i.Width, i.Signed = spec.op, spec.width, spec.signed

	case h>>13 == 0x3:
		i.Rt, i.Rn = r3(h, 0), r3(h, 3)
		i.Index, i.Add = true, true
		imm5 := (h >> 6) & 0x1f
		if h&(1<<12) != 0 {
			i.Width, i.Imm = 1, imm5
		} else {
			i.Width, i.Imm = 4, imm5<<2
		}
		i.Op = OpSTR
		if h&(1<<11) != 0 {
			i.Op = OpLDR
		}

	case h>>12 == 0x8:
		i.Rt, i.Rn = r3(h, 0), r3(h, 3)
		i.Width, i.Imm, i.Index, i.Add = 2, ((h>>6)&0x1f)<<1, true, true
		i.Op = OpSTR
		if h&(1<<11) != 0 {
			i.Op = OpLDR
		}

	case h>>12 == 0x9:
		i.Rt, i.Rn = r3(h, 8), RegSP
		i.Width, i.Imm, i.Index, i.Add = 4, (h&0xff)<<2, true, true
		i.Op = OpSTR
		if h&(1<<11) != 0 {
			i.Op = OpLDR
		}

	case h>>11 == 0x14:
		i.Op, i.Rd, i.Imm, i.Add = OpADR, r3(h, 8), (h&0xff)<<2, true

	case h>>11 == 0x15:
		i.Op, i.Rd, i.Rn = OpADD, r3(h, 8), RegSP
		i.HasImm, i.Imm = true, (h&0xff)<<2

	case h>>12 == 0xb:
		if !decodeThumbMisc(i, h) {
			return undef()
		}

	case h>>11 == 0x18:
		i.Op, i.Rn, i.Regs = OpSTM, r3(h, 8), uint16(h&0xff)
		i.Add, i.Wback = true, true
		if i.Regs == 0 {
			return undef()
		}

	case h>>11 == 0x19:
		i.Op, i.Rn, i.Regs = OpLDM, r3(h, 8), uint16(h&0xff)
		i.Add = true
		i.Wback = i.Regs&(1<<i.Rn) == 0
		if i.Regs == 0 {
			return undef()
		}

	case h>>12 == 0xd:
		cond := uint8(h>>8) & 0xf
		switch cond {
		case 0xe:
			return undef()
		case 0xf:
			i.Op, i.Imm = OpSVC, h&0xff
		default:
			i.Op, i.Cond, i.Imm = OpB, cond, signExtend((h&0xff)<<1, 9)
		}

	case h>>11 == 0x1c:
		i.Op, i.Imm = OpB, signExtend((h&0x7ff)<<1, 12)

	default:
		return undef()
	}
	return i, nil
}

func decodeThumbMisc(i *Insn, h uint32) bool {
	switch {
	case h&0xff00 == 0xb000:
		i.Op, i.Rd, i.Rn = OpADD, RegSP, RegSP
		if h&(1<<7) != 0 {
			i.Op = OpSUB
		}
		i.HasImm, i.Imm = true, (h&0x7f)<<2
	case h&0xf500 == 0xb100:
		i.Op, i.Rn = OpCBZ, r3(h, 0)
		if h&(1<<11) != 0 {
			i.Op = OpCBNZ
		}
		i.Imm = (h>>9)&1<<6 | (h>>3)&0x1f<<1
	case h&0xff00 == 0xb200:
		i.Op = [...]Op{OpSXTH, OpSXTB, OpUXTH, OpUXTB}[(h>>6)&3]
		i.Rd, i.Rm, i.Rn = r3(h, 0), r3(h, 3), RegPC
	case h&0xfe00 == 0xb400:
		i.Op, i.Regs = OpPUSH, uint16(h&0xff)|uint16((h>>8)&1)<<RegLR
		i.Rn, i.Wback = RegSP, true
		if i.Regs == 0 {
			return false
		}
	case h&0xffe8 == 0xb660:
		i.Op, i.Mask, i.Imm = OpCPS, uint8(h>>4)&1, h&3
	case h&0xffc0 == 0xba00:
		i.Op, i.Rd, i.Rm = OpREV, r3(h, 0), r3(h, 3)
	case h&0xffc0 == 0xba40:
		i.Op, i.Rd, i.Rm = OpREV16, r3(h, 0), r3(h, 3)
	case h&0xffc0 == 0xbac0:
		i.Op, i.Rd, i.Rm = OpREVSH, r3(h, 0), r3(h, 3)
	case h&0xfe00 == 0xbc00:
		i.Op, i.Regs = OpPOP, uint16(h&0xff)|uint16((h>>8)&1)<<RegPC
		i.Rn, i.Wback, i.Add = RegSP, true, true
		if i.Regs == 0 {
			return false
		}
	case h&0xff00 == 0xbe00:
		i.Op, i.Imm = OpBKPT, h&0xff
	case h&0xff00 == 0xbf00:
		if h&0xf != 0 {
			i.Op, i.FirstCond, i.Mask = OpIT, uint8(h>>4)&0xf, uint8(h)&0xf
			return i.FirstCond != 0xf
		}
		i.Op = OpNOP
		if hint := uint8(h>>4) & 0xf; hint <= 4 {
			i.Hint = hint
		}
	default:
		return false
	}
	return true
}

func decodeThumb32(hw1, hw2 uint16, addr uint32) (*Insn, error) {
	h1, h2 := uint32(hw1), uint32(hw2)
	i := &Insn{Addr: addr, Size: 4, Raw: h1<<16 | h2, Thumb: true, Cond: CondAL, ImmCarry: -1}
	op1 := (h1 >> 11) & 3
	op2 := (h1 >> 4) & 0x7f

	ok := false
	switch op1 {
	case 1:
		switch {
		case op2&0x64 == 0x00:
			ok = t32LoadStoreMultiple(i, h1, h2)
		case op2&0x64 == 0x04:
			ok = t32DualExclusive(i, h1, h2)
		case op2&0x60 == 0x20:
			ok = t32ShiftedRegister(i, h1, h2)
		}
	case 2:
		switch {
		case h2&0x8000 != 0:
			ok = t32BranchMisc(i, h1, h2)
		case op2&0x20 == 0:
			ok = t32ModifiedImmediate(i, h1, h2)
		default:
			ok = t32PlainImmediate(i, h1, h2)
		}
	case 3:
		switch {
		case op2&0x71 == 0x00:
			ok = t32LoadStore(i, h1, h2, 1<<((h1>>5)&3), false)
		case op2&0x67 == 0x01:
			ok = t32LoadStore(i, h1, h2, 1, true)
		case op2&0x67 == 0x03:
			ok = t32LoadStore(i, h1, h2, 2, true)
		case op2&0x67 == 0x05:
			ok = t32LoadStore(i, h1, h2, 4, true)
		case op2&0x70 == 0x20:
			ok = t32Register(i, h1, h2)
		case op2&0x78 == 0x30:
			ok = t32Multiply(i, h1, h2)
		case op2&0x78 == 0x38:
			ok = t32LongMultiply(i, h1, h2)
		}
	}
	if !ok {
		return nil, &DecodeError{Addr: addr, Raw: i.Raw, Size: 4, Thumb: true}
	}
	return i, nil
}

func t32LoadStoreMultiple(i *Insn, h1, h2 uint32) bool {
	switch (h1 >> 7) & 3 {
	case 1:
		i.Add = true
	case 2:
		i.Add = false
	default:
		return false
	}
	load := h1&(1<<4) != 0
	i.Rn, i.Regs, i.Wback = r4(h1, 0), uint16(h2), h1&(1<<5) != 0
	i.Op = OpSTM
	if load {
		i.Op = OpLDM
	}
	if i.Regs == 0 || i.Rn == RegPC {
		return false
	}
	if i.Rn == RegSP && i.Wback {
		switch {
		case load && i.Add:
			i.Op = OpPOP
		case !load && !i.Add:
			i.Op = OpPUSH
		}
	}
	return true
}

func t32DualExclusive(i *Insn, h1, h2 uint32) bool {
	opA, opB := (h1>>7)&3, (h1>>4)&3
	i.Rn = r4(h1, 0)
	i.Index, i.Add = true, true
	switch {
	case opA == 0 && opB == 0:
		i.Op, i.Rd, i.Rt, i.Width, i.Imm = OpSTREX, r4(h2, 8), r4(h2, 12), 4, (h2&0xff)<<2
	case opA == 0 && opB == 1:
		i.Op, i.Rt, i.Width, i.Imm = OpLDREX, r4(h2, 12), 4, (h2&0xff)<<2
	case opA == 1 && opB == 1:
		switch (h2 >> 4) & 0xf {
		case 0:
			i.Op, i.Rm = OpTBB, r4(h2, 0)
		case 1:
			i.Op, i.Rm = OpTBH, r4(h2, 0)
		case 4:
			i.Op, i.Rt, i.Width = OpLDREX, r4(h2, 12), 1
		case 5:
			i.Op, i.Rt, i.Width = OpLDREX, r4(h2, 12), 2
		default:
			return false
		}
	case opA == 1 && opB == 0:
		switch (h2 >> 4) & 0xf {
		case 4:
			i.Op, i.Rd, i.Rt, i.Width = OpSTREX, r4(h2, 0), r4(h2, 12), 1
		case 5:
			i.Op, i.Rd, i.Rt, i.Width = OpSTREX, r4(h2, 0), r4(h2, 12), 2
		default:
			return false
		}
	default:
		i.Op = OpSTRD
		if h1&(1<<4) != 0 {
			i.Op = OpLDRD
		}
		i.Rt, i.Rt2, i.Imm = r4(h2, 12), r4(h2, 8), (h2&0xff)<<2
		i.Index, i.Add, i.Wback = h1&(1<<8) != 0, h1&(1<<7) != 0, h1&(1<<5) != 0
		i.Width = 4
	}
	return true
}

// dataOp maps the shared Thumb-2 data processing opcode field.
func t32DataOp(i *Insn, opc uint32, rn, rd int, s bool) bool {
	i.Rn, i.Rd, i.SetFlags = rn, rd, s
	switch opc {
	case 0:
		i.Op = OpAND
		if rd == RegPC && s {
			i.Op = OpTST
		}
	case 1:
		i.Op = OpBIC
	case 2:
		i.Op = OpORR
		if rn == RegPC {
			i.Op = OpMOV
		}
	case 3:
		i.Op = OpORN
		if rn == RegPC {
			i.Op = OpMVN
		}
	case 4:
		i.Op = OpEOR
		if rd == RegPC && s {
			i.Op = OpTEQ
		}
	case 8:
		i.Op = OpADD
		if rd == RegPC && s {
			i.Op = OpCMN
		}
	case 10:
		i.Op = OpADC
	case 11:
		i.Op = OpSBC
	case 13:
		i.Op = OpSUB
		if rd == RegPC && s {
			i.Op = OpCMP
		}
	case 14:
		i.Op = OpRSB
	default:
		return false
	}
	return true
}

func t32ShiftedRegister(i *Insn, h1, h2 uint32) bool {
	if !t32DataOp(i, (h1>>5)&0xf, r4(h1, 0), r4(h2, 8), h1&(1<<4) != 0) {
		return false
	}
	i.Rm = r4(h2, 0)
	imm5 := (h2>>12)&7<<2 | (h2>>6)&3
	i.Shift, i.ShiftN = decodeImmShift(uint8(h2>>4)&3, imm5)
	if i.Op == OpMOV && (i.Shift != ShiftLSL || i.ShiftN != 0) {
		i.Op = OpLSL + Op(i.Shift)
	}
	return true
}

func t32ModifiedImmediate(i *Insn, h1, h2 uint32) bool {
	if !t32DataOp(i, (h1>>5)&0xf, r4(h1, 0), r4(h2, 8), h1&(1<<4) != 0) {
		return false
	}
	imm12 := (h1>>10)&1<<11 | (h2>>12)&7<<8 | h2&0xff
	i.HasImm = true
	i.Imm, i.ImmCarry = thumbExpandImm(imm12)
	return true
}

func t32PlainImmediate(i *Insn, h1, h2 uint32) bool {
	rn, rd := r4(h1, 0), r4(h2, 8)
	imm12 := (h1>>10)&1<<11 | (h2>>12)&7<<8 | h2&0xff
	lsb := uint8((h2>>12)&7<<2 | (h2>>6)&3)
	i.Rn, i.Rd = rn, rd
	switch (h1 >> 4) & 0x1f {
	case 0x00:
		if rn == RegPC {
			i.Op, i.Imm, i.Add = OpADR, imm12, true
			break
		}
		i.Op, i.HasImm, i.Imm = OpADD, true, imm12
	case 0x0a:
		if rn == RegPC {
			i.Op, i.Imm, i.Add = OpADR, imm12, false
			break
		}
		i.Op, i.HasImm, i.Imm = OpSUB, true, imm12
	case 0x04:
		i.Op, i.Imm = OpMOVW, (h1&0xf)<<12|imm12
	case 0x0c:
		i.Op, i.Imm = OpMOVT, (h1&0xf)<<12|imm12
	case 0x14, 0x1c:
		i.Op = OpSBFX
		if (h1>>4)&0x1f == 0x1c {
			i.Op = OpUBFX
		}
		i.Lsb, i.BitWidth = lsb, uint8(h2&0x1f)+1
		if int(i.Lsb)+int(i.BitWidth) > 32 {
			return false
		}
	case 0x16:
		msb := uint8(h2 & 0x1f)
		if msb < lsb {
			return false
		}
		i.Op, i.Lsb, i.BitWidth = OpBFI, lsb, msb-lsb+1
		if rn == RegPC {
			i.Op = OpBFC
		}
	default:
		return false
	}
	return true
}

func t32BranchMisc(i *Insn, h1, h2 uint32) bool {
	s := (h1 >> 10) & 1
	j1, j2 := (h2>>13)&1, (h2>>11)&1
	switch (h2 >> 12) & 5 {
	case 0:
		if (h1>>7)&7 != 7 {
			off := s<<20 | j2<<19 | j1<<18 | (h1&0x3f)<<12 | (h2&0x7ff)<<1
			i.Op, i.Cond, i.Imm = OpB, uint8(h1>>6)&0xf, signExtend(off, 21)
			return true
		}
		switch (h1 >> 4) & 0x7f {
		case 0x38, 0x39:
			i.Op, i.Rn, i.SysReg, i.Mask = OpMSR, r4(h1, 0), uint8(h2), uint8(h2>>10)&3
		case 0x3a:
			i.Op = OpNOP
			if hint := uint8(h2); hint <= 4 {
				i.Hint = hint
			}
		case 0x3b:
			switch (h2 >> 4) & 0xf {
			case 2:
				i.Op = OpCLREX
			case 4:
				i.Op = OpDSB
			case 5:
				i.Op = OpDMB
			case 6:
				i.Op = OpISB
			default:
				return false
			}
		case 0x3e, 0x3f:
			i.Op, i.Rd, i.SysReg = OpMRS, r4(h2, 8), uint8(h2)
		default:
			return false
		}
		return true
	case 1, 5:
		i1 := ^(j1 ^ s) & 1
		i2 := ^(j2 ^ s) & 1
		off := s<<24 | i1<<23 | i2<<22 | (h1&0x3ff)<<12 | (h2&0x7ff)<<1
		i.Imm = signExtend(off, 25)
		i.Op = OpB
		if h2&(1<<14) != 0 {
			i.Op = OpBL
		}
		return true
	}
	return false
}

func t32LoadStore(i *Insn, h1, h2 uint32, width int, load bool) bool {
	if width > 4 {
		return false
	}
	i.Op, i.Width = OpSTR, width
	if load {
		i.Op = OpLDR
		i.Signed = h1&(1<<8) != 0
		if i.Signed && width == 4 {
			return false
		}
	}
	i.Rn, i.Rt = r4(h1, 0), r4(h2, 12)
	switch {
	case i.Rn == RegPC:
		if !load {
			return false
		}
		i.Index, i.Add, i.Imm = true, h1&(1<<7) != 0, h2&0xfff
	case h1&(1<<7) != 0:
		i.Index, i.Add, i.Imm = true, true, h2&0xfff
	case h2&(1<<11) != 0:
		i.Index, i.Add, i.Wback = h2&(1<<10) != 0, h2&(1<<9) != 0, h2&(1<<8) != 0
		i.Imm = h2 & 0xff
		if !i.Index && !i.Wback {
			return false
		}
	case (h2>>6)&0x3f == 0:
		i.Rm, i.RegOff, i.Index, i.Add = r4(h2, 0), true, true, true
		i.Shift, i.ShiftN = ShiftLSL, (h2>>4)&3
	default:
		return false
	}
	// preload hints
	if load && i.Rt == RegPC && width < 4 {
		*i = Insn{Op: OpNOP, Addr: i.Addr, Size: 4, Raw: i.Raw, Thumb: true, Cond: CondAL, ImmCarry: -1}
	}
	return true
}

func t32Register(i *Insn, h1, h2 uint32) bool {
	opA, opB := (h1>>4)&0xf, (h2>>4)&0xf
	rn, rd, rm := r4(h1, 0), r4(h2, 8), r4(h2, 0)
	if h2&0xf000 != 0xf000 {
		return false
	}
	switch {
	case opB == 0 && opA < 8:
		typ := uint8(opA >> 1)
		i.Op, i.Rd, i.Rm, i.Rs = OpLSL+Op(typ), rd, rn, rm
		i.Shift, i.ShiftReg, i.SetFlags = typ, true, opA&1 != 0
	case opB&8 != 0 && (opA == 0 || opA == 1 || opA == 4 || opA == 5):
		i.Op = map[uint32]Op{0: OpSXTH, 1: OpUXTH, 4: OpSXTB, 5: OpUXTB}[opA]
		i.Rd, i.Rn, i.Rm, i.ShiftN = rd, rn, rm, ((h2>>4)&3)*8
		if i.ShiftN != 0 {
			i.Shift = ShiftROR
		}
	case opA&0xc == 8 && opB&0xc == 8:
		i.Rd, i.Rm = rd, rm
		switch {
		case opA&3 == 1:
			i.Op = [...]Op{OpREV, OpREV16, OpRBIT, OpREVSH}[opB&3]
		case opA&3 == 3 && opB&3 == 0:
			i.Op = OpCLZ
		default:
			return false
		}
	default:
		return false
	}
	return true
}

func t32Multiply(i *Insn, h1, h2 uint32) bool {
	if (h1>>4)&7 != 0 {
		return false
	}
	i.Rd, i.Rn, i.Rm, i.Ra = r4(h2, 8), r4(h1, 0), r4(h2, 0), r4(h2, 12)
	switch (h2 >> 4) & 3 {
	case 0:
		i.Op = OpMLA
		if i.Ra == RegPC {
			i.Op = OpMUL
		}
	case 1:
		i.Op = OpMLS
	default:
		return false
	}
	return true
}

func t32LongMultiply(i *Insn, h1, h2 uint32) bool {
	op1, op2 := (h1>>4)&7, (h2>>4)&0xf
	i.Rn, i.Rm = r4(h1, 0), r4(h2, 0)
	switch {
	case op2 == 0xf && (op1 == 1 || op1 == 3):
		i.Op, i.Rd = OpSDIV, r4(h2, 8)
		if op1 == 3 {
			i.Op = OpUDIV
		}
		return true
	case op2 != 0:
		return false
	}
	i.Rd, i.Ra = r4(h2, 12), r4(h2, 8)
	switch op1 {
	case 0:
		i.Op = OpSMULL
	case 2:
		i.Op = OpUMULL
	case 4:
		i.Op = OpSMLAL
	case 6:
		i.Op = OpUMLAL
	default:
		return false
	}
	return true
}
