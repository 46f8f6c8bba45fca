// Package disasm renders machine code for traces.
//
// The default backend reuses the engine decoder for Thumb and
// golang.org/x/arch/arm/armasm for ARM state. Building with the capstone
// tag swaps in a capstone backend.
package disasm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"

	"github.com/zboralski/loris/internal/cpu"
)

// Mode selects the instruction set.
type Mode int

const (
	ModeThumb Mode = iota
	ModeARM
)

func (m Mode) String() string {
	if m == ModeARM {
		return "arm"
	}
	return "thumb"
}

// ModeFor returns the mode matching the engine's T bit.
func ModeFor(thumb bool) Mode {
	if thumb {
		return ModeThumb
	}
	return ModeARM
}

// Ins is one rendered instruction.
type Ins struct {
	Addr     uint32
	Bytes    []byte
	Mnemonic string
	OpStr    string
}

// Text returns "mnemonic operands".
func (i Ins) Text() string {
	if i.OpStr == "" {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + i.OpStr
}

func (i Ins) String() string {
	return fmt.Sprintf("%08x: %-9x %s", i.Addr, i.Bytes, i.Text())
}

// Disassembler renders code starting at addr.
type Disassembler interface {
	Disasm(mode Mode, code []byte, addr uint32) ([]Ins, error)
}

// ErrEmpty is returned for a zero-length buffer.
var ErrEmpty = errors.New("disasm: no code")

// Native disassembles without cgo.
type Native struct{}

func split(text string) (string, string) {
	m, ops, _ := strings.Cut(text, " ")
	return m, ops
}

// Disasm renders every instruction in code. Undecodable units become
// ".short"/".word" data so a trace line is always produced.
func (Native) Disasm(mode Mode, code []byte, addr uint32) ([]Ins, error) {
	if len(code) == 0 {
		return nil, ErrEmpty
	}
	var out []Ins
	for off := 0; off < len(code); {
		var ins Ins
		if mode == ModeThumb {
			ins = thumb(code[off:], addr+uint32(off))
		} else {
			ins = arm(code[off:], addr+uint32(off))
		}
		if len(ins.Bytes) == 0 {
			break
		}
		out = append(out, ins)
		off += len(ins.Bytes)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("disasm: %d byte(s) at 0x%08x too short for %s", len(code), addr, mode)
	}
	return out, nil
}

func thumb(code []byte, addr uint32) Ins {
	if len(code) < 2 {
		return Ins{}
	}
	insn, err := cpu.DecodeThumb(code, addr, false)
	if err != nil {
		hw := binary.LittleEndian.Uint16(code)
		if cpu.Is32BitThumb(hw) && len(code) >= 4 {
			return Ins{Addr: addr, Bytes: code[:4], Mnemonic: ".inst.w",
				OpStr: fmt.Sprintf("0x%04x%04x", hw, binary.LittleEndian.Uint16(code[2:]))}
		}
		if cpu.Is32BitThumb(hw) {
			return Ins{}
		}
		return Ins{Addr: addr, Bytes: code[:2], Mnemonic: ".short", OpStr: fmt.Sprintf("0x%04x", hw)}
	}
	m, ops := split(insn.String())
	return Ins{Addr: addr, Bytes: code[:insn.Size], Mnemonic: m, OpStr: ops}
}

func arm(code []byte, addr uint32) Ins {
	if len(code) < 4 {
		return Ins{}
	}
	inst, err := armasm.Decode(code[:4], armasm.ModeARM)
	if err != nil {
		return Ins{Addr: addr, Bytes: code[:4], Mnemonic: ".word",
			OpStr: fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(code))}
	}
	m, ops := split(strings.ToLower(armasm.GNUSyntax(inst)))
	return Ins{Addr: addr, Bytes: code[:4], Mnemonic: m, OpStr: ops}
}

// One renders the first instruction in code, falling back to a data
// directive when nothing decodes.
func One(d Disassembler, mode Mode, code []byte, addr uint32) Ins {
	ins, err := d.Disasm(mode, code, addr)
	if err != nil || len(ins) == 0 {
		return Ins{Addr: addr, Bytes: code, Mnemonic: "???"}
	}
	return ins[0]
}
