//go:build capstone

package disasm

import (
	cs "github.com/lunixbochs/capstr"
	"github.com/pkg/errors"
)

// Capstone disassembles through libcapstone. Engines are opened lazily,
// one per mode.
type Capstone struct {
	engines map[Mode]*cs.Engine
}

// New returns the build's preferred disassembler.
func New() Disassembler {
	return &Capstone{}
}

func (c *Capstone) engine(mode Mode) (*cs.Engine, error) {
	if e, ok := c.engines[mode]; ok {
		return e, nil
	}
	csMode := cs.MODE_THUMB
	if mode == ModeARM {
		csMode = cs.MODE_ARM
	}
	e, err := cs.New(cs.ARCH_ARM, csMode)
	if err != nil {
		return nil, errors.Wrap(err, "cs.New() failed")
	}
	if c.engines == nil {
		c.engines = make(map[Mode]*cs.Engine)
	}
	c.engines[mode] = e
	return e, nil
}

func (c *Capstone) Disasm(mode Mode, code []byte, addr uint32) ([]Ins, error) {
	if len(code) == 0 {
		return nil, ErrEmpty
	}
	e, err := c.engine(mode)
	if err != nil {
		return nil, err
	}
	dis, err := e.Dis(code, uint64(addr), 0)
	if err != nil {
		return nil, errors.Wrap(err, "capstone disassembly failed")
	}
	out := make([]Ins, len(dis))
	for i, v := range dis {
		out[i] = Ins{Addr: uint32(v.Addr()), Bytes: v.Bytes(), Mnemonic: v.Mnemonic(), OpStr: v.OpStr()}
	}
	return out, nil
}
