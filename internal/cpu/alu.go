package cpu

import "math/bits"

// Shift types as encoded in the instruction stream. RRX is ROR #0 in the
// immediate form and is given its own value after decoding.
const (
	ShiftLSL uint8 = iota
	ShiftLSR
	ShiftASR
	ShiftROR
	ShiftRRX
)

var shiftNames = [...]string{"lsl", "lsr", "asr", "ror", "rrx"}

// decodeImmShift maps the (type, imm5) pair of a register operand to a
// shift type and amount.
func decodeImmShift(typ uint8, imm5 uint32) (uint8, uint32) {
	switch typ {
	case ShiftLSL:
		return ShiftLSL, imm5
	case ShiftLSR, ShiftASR:
		if imm5 == 0 {
			return typ, 32
		}
		return typ, imm5
	default:
		if imm5 == 0 {
			return ShiftRRX, 1
		}
		return ShiftROR, imm5
	}
}

// shiftC shifts v and returns the carry out. A zero amount leaves both the
// value and carry untouched.
func shiftC(v uint32, typ uint8, n uint32, carry bool) (uint32, bool) {
	if n == 0 && typ != ShiftRRX {
		return v, carry
	}
	switch typ {
	case ShiftLSL:
		if n > 32 {
			return 0, false
		}
		if n == 32 {
			return 0, v&1 != 0
		}
		return v << n, (v>>(32-n))&1 != 0
	case ShiftLSR:
		if n > 32 {
			return 0, false
		}
		if n == 32 {
			return 0, v>>31 != 0
		}
		return v >> n, (v>>(n-1))&1 != 0
	case ShiftASR:
		if n >= 32 {
			if v>>31 != 0 {
				return 0xffffffff, true
			}
			return 0, false
		}
		return uint32(int32(v) >> n), (v>>(n-1))&1 != 0
	case ShiftROR:
		r := bits.RotateLeft32(v, -int(n&31))
		return r, r>>31 != 0
	case ShiftRRX:
		r := v >> 1
		if carry {
			r |= 0x80000000
		}
		return r, v&1 != 0
	}
	return v, carry
}

// addWithCarry returns x + y + carry with the resulting carry and overflow.
func addWithCarry(x, y uint32, carry bool) (uint32, bool, bool) {
	var cin uint64
	if carry {
		cin = 1
	}
	sum := uint64(x) + uint64(y) + cin
	r := uint32(sum)
	c := sum>>32 != 0
	v := ((x^r)&(y^r))>>31 != 0
	return r, c, v
}

// thumbExpandImm expands a Thumb-2 modified immediate. carry is -1 when the
// encoding leaves C unchanged.
func thumbExpandImm(imm12 uint32) (uint32, int8) {
	if imm12>>10 == 0 {
		imm8 := imm12 & 0xff
		switch (imm12 >> 8) & 3 {
		case 0:
			return imm8, -1
		case 1:
			return imm8<<16 | imm8, -1
		case 2:
			return imm8<<24 | imm8<<8, -1
		default:
			return imm8 * 0x01010101, -1
		}
	}
	v := bits.RotateLeft32(0x80|imm12&0x7f, -int(imm12>>7))
	return v, int8(v >> 31)
}

// armExpandImm expands an ARM rotated 8-bit immediate.
func armExpandImm(imm12 uint32) (uint32, int8) {
	rot := (imm12 >> 8) * 2
	v := bits.RotateLeft32(imm12&0xff, -int(rot))
	if rot == 0 {
		return v, -1
	}
	return v, int8(v >> 31)
}

func signExtend(v uint32, width uint) uint32 {
	shift := 32 - width
	return uint32(int32(v<<shift) >> shift)
}

// Condition codes.
const (
	CondEQ uint8 = iota
	CondNE
	CondCS
	CondCC
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
)

var condNames = [...]string{"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "", ""}

// condPassed evaluates cond against the flags.
func condPassed(cond uint8, r *Regs) bool {
	var ok bool
	switch cond >> 1 {
	case 0:
		ok = r.Z()
	case 1:
		ok = r.C()
	case 2:
		ok = r.N()
	case 3:
		ok = r.V()
	case 4:
		ok = r.C() && !r.Z()
	case 5:
		ok = r.N() == r.V()
	case 6:
		ok = r.N() == r.V() && !r.Z()
	default:
		return true
	}
	if cond&1 != 0 {
		return !ok
	}
	return ok
}
