package cpu

import (
	"math/bits"
)

// rd reads a register as an operand; PC reads return the pipeline value.
func (e *Engine) rd(r int) uint32 {
	if r == RegPC {
		return e.cur.PCValue()
	}
	return e.regs.R[r]
}

// wr writes a result register. Writes to PC branch: plain in Thumb state,
// interworking in ARM state.
func (e *Engine) wr(r int, v uint32) {
	switch r {
	case RegPC:
		if e.thumb {
			e.branchTo(v)
		} else {
			e.bxWritePC(v)
		}
	case RegSP:
		e.regs.R[RegSP] = v &^ 3
	default:
		e.regs.R[r] = v
	}
}

func (e *Engine) branchTo(addr uint32) {
	if e.thumb {
		addr &^= 1
	} else {
		addr &^= 3
	}
	e.regs.R[RegPC] = addr
	e.branched = true
}

// bxWritePC switches instruction set from bit 0 of addr.
func (e *Engine) bxWritePC(addr uint32) {
	e.thumb = addr&1 != 0
	e.branchTo(addr)
}

// returnAddr is the LR value for a call from the current instruction.
func (e *Engine) returnAddr() uint32 {
	next := e.cur.Addr + e.cur.Size
	if e.thumb {
		return next | 1
	}
	return next
}

func (e *Engine) operand2(i *Insn) (uint32, bool) {
	carry := e.regs.C()
	if i.HasImm {
		if i.ImmCarry >= 0 {
			carry = i.ImmCarry == 1
		}
		return i.Imm, carry
	}
	v := e.rd(i.Rm)
	if i.ShiftReg {
		return shiftC(v, i.Shift, e.rd(i.Rs)&0xff, carry)
	}
	return shiftC(v, i.Shift, i.ShiftN, carry)
}

func (e *Engine) execute(i *Insn) error {
	switch i.Op {
	case OpAND, OpEOR, OpORR, OpORN, OpBIC, OpMOV, OpMVN, OpTST, OpTEQ,
		OpLSL, OpLSR, OpASR, OpROR, OpRRX:
		e.logical(i)
	case OpADD, OpADC, OpSUB, OpSBC, OpRSB, OpRSC, OpCMP, OpCMN:
		e.arith(i)

	case OpADR:
		t, _ := i.Target()
		e.wr(i.Rd, t)
	case OpMOVW:
		e.wr(i.Rd, i.Imm)
	case OpMOVT:
		e.wr(i.Rd, e.regs.R[i.Rd]&0xffff|i.Imm<<16)

	case OpMUL, OpMLA, OpMLS:
		p := e.rd(i.Rn) * e.rd(i.Rm)
		switch i.Op {
		case OpMLA:
			p += e.rd(i.Ra)
		case OpMLS:
			p = e.rd(i.Ra) - p
		}
		e.wr(i.Rd, p)
		if i.SetFlags {
			e.regs.setNZ(p)
		}
	case OpUMULL, OpSMULL, OpUMLAL, OpSMLAL:
		e.longMultiply(i)
	case OpUDIV:
		var q uint32
		if d := e.rd(i.Rm); d != 0 {
			q = e.rd(i.Rn) / d
		}
		e.wr(i.Rd, q)
	case OpSDIV:
		var q int32
		n, d := int32(e.rd(i.Rn)), int32(e.rd(i.Rm))
		switch {
		case d == 0:
		case n == -1<<31 && d == -1:
			q = n
		default:
			q = n / d
		}
		e.wr(i.Rd, uint32(q))

	case OpCLZ:
		e.wr(i.Rd, uint32(bits.LeadingZeros32(e.rd(i.Rm))))
	case OpRBIT:
		e.wr(i.Rd, bits.Reverse32(e.rd(i.Rm)))
	case OpREV:
		e.wr(i.Rd, bits.ReverseBytes32(e.rd(i.Rm)))
	case OpREV16:
		v := e.rd(i.Rm)
		e.wr(i.Rd, (v&0xff00ff00)>>8|(v&0x00ff00ff)<<8)
	case OpREVSH:
		v := bits.ReverseBytes16(uint16(e.rd(i.Rm)))
		e.wr(i.Rd, signExtend(uint32(v), 16))
	case OpSXTB, OpSXTH, OpUXTB, OpUXTH:
		v := bits.RotateLeft32(e.rd(i.Rm), -int(i.ShiftN))
		switch i.Op {
		case OpSXTB:
			v = signExtend(v&0xff, 8)
		case OpSXTH:
			v = signExtend(v&0xffff, 16)
		case OpUXTB:
			v &= 0xff
		case OpUXTH:
			v &= 0xffff
		}
		if i.Rn != RegPC {
			v += e.rd(i.Rn)
		}
		e.wr(i.Rd, v)
	case OpUBFX, OpSBFX:
		v := (e.rd(i.Rn) >> i.Lsb) & fieldMask(i.BitWidth)
		if i.Op == OpSBFX {
			v = signExtend(v, uint(i.BitWidth))
		}
		e.wr(i.Rd, v)
	case OpBFI, OpBFC:
		mask := fieldMask(i.BitWidth) << i.Lsb
		var ins uint32
		if i.Op == OpBFI {
			ins = e.rd(i.Rn) << i.Lsb & mask
		}
		e.wr(i.Rd, e.regs.R[i.Rd]&^mask|ins)

	case OpB:
		t, _ := i.Target()
		e.branchTo(t)
	case OpBL:
		t, _ := i.Target()
		e.regs.R[RegLR] = e.returnAddr()
		e.branchTo(t)
	case OpBX:
		e.bxWritePC(e.rd(i.Rm))
	case OpBLX:
		t := e.rd(i.Rm)
		e.regs.R[RegLR] = e.returnAddr()
		e.bxWritePC(t)
	case OpCBZ, OpCBNZ:
		if (e.regs.R[i.Rn] == 0) == (i.Op == OpCBZ) {
			t, _ := i.Target()
			e.branchTo(t)
		}
	case OpTBB, OpTBH:
		addr, size := e.rd(i.Rn)+e.rd(i.Rm), 1
		if i.Op == OpTBH {
			addr, size = e.rd(i.Rn)+e.rd(i.Rm)<<1, 2
		}
		off, err := e.read(addr, size)
		if err != nil {
			return err
		}
		e.branchTo(i.PCValue() + off*2)
	case OpIT:
		e.it = i.FirstCond<<4 | i.Mask

	case OpLDR, OpSTR, OpLDRD, OpSTRD, OpLDREX, OpSTREX:
		return e.transfer(i)
	case OpCLREX:
		e.exclusive = false
	case OpLDM, OpPOP:
		return e.loadMultiple(i)
	case OpSTM, OpPUSH:
		return e.storeMultiple(i)

	case OpSVC, OpBKPT:
		if !e.hooks.Intr(e, i.Imm) {
			return e.setFault(FaultException, i.Addr, i.Size, nil)
		}
	case OpNOP, OpDMB, OpDSB, OpISB:
	case OpCPS:
		var v uint32
		if i.Mask != 0 {
			v = 1
		}
		if i.Imm&2 != 0 {
			e.regs.PRIMASK = v
		}
		if i.Imm&1 != 0 {
			e.regs.FAULTMASK = v
		}
	case OpMSR:
		e.msr(i.SysReg, i.Mask, e.rd(i.Rn))
	case OpMRS:
		e.wr(i.Rd, e.mrs(i.SysReg))

	default:
		return e.setFault(FaultDecode, i.Addr, i.Size, &DecodeError{Addr: i.Addr, Raw: i.Raw, Size: i.Size, Thumb: i.Thumb})
	}
	return nil
}

func fieldMask(width uint8) uint32 {
	return uint32(uint64(1)<<width - 1)
}

func (e *Engine) logical(i *Insn) {
	op2, carry := e.operand2(i)
	var r uint32
	switch i.Op {
	case OpAND, OpTST:
		r = e.rd(i.Rn) & op2
	case OpEOR, OpTEQ:
		r = e.rd(i.Rn) ^ op2
	case OpORR:
		r = e.rd(i.Rn) | op2
	case OpORN:
		r = e.rd(i.Rn) | ^op2
	case OpBIC:
		r = e.rd(i.Rn) &^ op2
	case OpMVN:
		r = ^op2
	default:
		r = op2
	}
	if !isCompare(i.Op) {
		e.wr(i.Rd, r)
	}
	if i.SetFlags || isCompare(i.Op) {
		e.regs.setNZC(r, carry)
	}
}

func (e *Engine) arith(i *Insn) {
	op2, _ := e.operand2(i)
	rn := e.rd(i.Rn)
	c := e.regs.C()
	var (
		r          uint32
		carry, ovf bool
	)
	switch i.Op {
	case OpADD:
		r, carry, ovf = addWithCarry(rn, op2, false)
	case OpCMN:
		r, carry, ovf = addWithCarry(rn, op2, false)
	case OpADC:
		r, carry, ovf = addWithCarry(rn, op2, c)
	case OpSUB, OpCMP:
		r, carry, ovf = addWithCarry(rn, ^op2, true)
	case OpSBC:
		r, carry, ovf = addWithCarry(rn, ^op2, c)
	case OpRSB:
		r, carry, ovf = addWithCarry(^rn, op2, true)
	case OpRSC:
		r, carry, ovf = addWithCarry(^rn, op2, c)
	}
	if !isCompare(i.Op) {
		e.wr(i.Rd, r)
	}
	if i.SetFlags || isCompare(i.Op) {
		e.regs.setNZCV(r, carry, ovf)
	}
}

func (e *Engine) longMultiply(i *Insn) {
	var r uint64
	switch i.Op {
	case OpUMULL, OpUMLAL:
		r = uint64(e.rd(i.Rn)) * uint64(e.rd(i.Rm))
	default:
		r = uint64(int64(int32(e.rd(i.Rn))) * int64(int32(e.rd(i.Rm))))
	}
	if i.Op == OpUMLAL || i.Op == OpSMLAL {
		r += uint64(e.regs.R[i.Ra])<<32 | uint64(e.regs.R[i.Rd])
	}
	e.wr(i.Rd, uint32(r))
	e.wr(i.Ra, uint32(r>>32))
	if i.SetFlags {
		e.regs.setFlag(flagN, r>>63 != 0)
		e.regs.setFlag(flagZ, r == 0)
	}
}

// address computes the effective and write-back addresses of a single
// transfer.
func (e *Engine) address(i *Insn) (uint32, uint32) {
	base := e.rd(i.Rn)
	if i.Rn == RegPC {
		base &^= 3
	}
	off := i.Imm
	if i.RegOff {
		off, _ = shiftC(e.rd(i.Rm), i.Shift, i.ShiftN, e.regs.C())
	}
	wb := base + off
	if !i.Add {
		wb = base - off
	}
	if i.Index {
		return wb, wb
	}
	return base, wb
}

func (e *Engine) transfer(i *Insn) error {
	addr, wb := e.address(i)
	switch i.Op {
	case OpLDR:
		v, err := e.read(addr, i.Width)
		if err != nil {
			return err
		}
		if i.Signed {
			v = signExtend(v, uint(i.Width*8))
		}
		if i.Wback && i.Rn != i.Rt {
			e.regs.R[i.Rn] = wb
		}
		if i.Rt == RegPC {
			e.bxWritePC(v)
		} else {
			e.wr(i.Rt, v)
		}
	case OpSTR:
		if err := e.write(addr, i.Width, e.rd(i.Rt)); err != nil {
			return err
		}
		if i.Wback {
			e.regs.R[i.Rn] = wb
		}
	case OpLDRD:
		lo, err := e.read(addr, 4)
		if err != nil {
			return err
		}
		hi, err := e.read(addr+4, 4)
		if err != nil {
			return err
		}
		if i.Wback {
			e.regs.R[i.Rn] = wb
		}
		e.wr(i.Rt, lo)
		e.wr(i.Rt2, hi)
	case OpSTRD:
		if err := e.write(addr, 4, e.rd(i.Rt)); err != nil {
			return err
		}
		if err := e.write(addr+4, 4, e.rd(i.Rt2)); err != nil {
			return err
		}
		if i.Wback {
			e.regs.R[i.Rn] = wb
		}
	case OpLDREX:
		v, err := e.read(addr, i.Width)
		if err != nil {
			return err
		}
		e.exclusive = true
		e.wr(i.Rt, v)
	case OpSTREX:
		status := uint32(1)
		if e.exclusive {
			if err := e.write(addr, i.Width, e.rd(i.Rt)); err != nil {
				return err
			}
			status = 0
		}
		e.exclusive = false
		e.wr(i.Rd, status)
	}
	return nil
}

func (e *Engine) blockStart(i *Insn) (uint32, uint32) {
	base := e.rd(i.Rn)
	n := uint32(bits.OnesCount16(i.Regs)) * 4
	if i.Add {
		return base, base + n
	}
	return base - n, base - n
}

// loadMultiple reads every word before touching a register so a fault
// leaves the register file unchanged.
func (e *Engine) loadMultiple(i *Insn) error {
	addr, wb := e.blockStart(i)
	var vals [16]uint32
	for r := 0; r < 16; r++ {
		if i.Regs&(1<<r) == 0 {
			continue
		}
		v, err := e.read(addr, 4)
		if err != nil {
			return err
		}
		vals[r] = v
		addr += 4
	}
	if i.Wback && i.Regs&(1<<i.Rn) == 0 {
		e.regs.R[i.Rn] = wb
	}
	for r := 0; r < 15; r++ {
		if i.Regs&(1<<r) != 0 {
			e.wr(r, vals[r])
		}
	}
	if i.Regs&(1<<RegPC) != 0 {
		e.bxWritePC(vals[RegPC])
	}
	return nil
}

func (e *Engine) storeMultiple(i *Insn) error {
	addr, wb := e.blockStart(i)
	for r := 0; r < 16; r++ {
		if i.Regs&(1<<r) == 0 {
			continue
		}
		if err := e.write(addr, 4, e.rd(r)); err != nil {
			return err
		}
		addr += 4
	}
	if i.Wback {
		e.regs.R[i.Rn] = wb
	}
	return nil
}

func (e *Engine) msr(sysm, mask uint8, v uint32) {
	switch {
	case sysm < 8:
		if sysm&4 == 0 && mask&2 != 0 {
			e.regs.APSR = v & apsrMask
		}
	case sysm == 8:
		e.regs.setMSP(v)
	case sysm == 9:
		e.regs.setPSP(v)
	case sysm == 16:
		e.regs.PRIMASK = v & 1
	case sysm == 17:
		e.regs.BASEPRI = v & 0xff
	case sysm == 18:
		if v &= 0xff; v != 0 && (e.regs.BASEPRI == 0 || v < e.regs.BASEPRI) {
			e.regs.BASEPRI = v
		}
	case sysm == 19:
		e.regs.FAULTMASK = v & 1
	case sysm == 20:
		e.regs.setControl(v)
	}
}

func (e *Engine) mrs(sysm uint8) uint32 {
	switch {
	case sysm < 8:
		var v uint32
		if sysm&1 != 0 {
			v |= e.regs.IPSR & 0x1ff
		}
		if sysm&4 == 0 {
			v |= e.regs.APSR & apsrMask
		}
		return v
	case sysm == 8:
		return e.regs.msp()
	case sysm == 9:
		return e.regs.psp()
	case sysm == 16:
		return e.regs.PRIMASK
	case sysm == 17, sysm == 18:
		return e.regs.BASEPRI
	case sysm == 19:
		return e.regs.FAULTMASK
	case sysm == 20:
		return e.regs.CONTROL
	}
	return 0
}
