package intercept

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/memory"
)

// Cortex-M bit-band windows. Each bit of the 1 MiB target is mirrored by a
// word in the 32 MiB alias.
const (
	SRAMBitBandBase    = 0x20000000
	SRAMBitBandAlias   = 0x22000000
	PeriphBitBandBase  = 0x40000000
	PeriphBitBandAlias = 0x42000000
	BitBandSpan        = 1 << 20
)

var bitBandWindows = [...]struct{ base, alias uint32 }{
	{SRAMBitBandBase, SRAMBitBandAlias},
	{PeriphBitBandBase, PeriphBitBandAlias},
}

// BitBandAlias returns the alias word for bit of the byte at addr.
func BitBandAlias(addr uint32, bit uint) (uint32, bool) {
	if bit > 7 {
		return 0, false
	}
	for _, w := range bitBandWindows {
		if addr >= w.base && addr-w.base < BitBandSpan {
			return w.alias + (addr-w.base)*32 + uint32(bit)*4, true
		}
	}
	return 0, false
}

// BitBandTarget resolves an alias address to the word-aligned target and
// the bit index within that word.
func BitBandTarget(alias uint32) (word uint32, bit uint, ok bool) {
	for _, w := range bitBandWindows {
		if alias >= w.alias && alias-w.alias < BitBandSpan*32 {
			off := (alias - w.alias) / 4
			byteAddr := w.base + off/8
			bit = uint(off%8) + 8*uint(byteAddr&3)
			return byteAddr &^ 3, bit, true
		}
	}
	return 0, 0, false
}

// BitBand maps the alias window for [base, base+size) and keeps it coherent
// with the target: alias reads return the target bit, alias writes set or
// clear it.
type BitBand struct {
	Base, Size uint32
	alias      uint32
	handles    []*hook.Handle
	log        *zap.Logger
}

// InstallBitBand maps the alias words for a target range inside one of the
// bit-band windows and registers the hooks that drive them. Target accesses
// that fail are logged at warn level and leave memory untouched.
func InstallBitBand(mem *memory.Map, d *hook.Dispatcher, base, size uint32, lg *zap.Logger) (*BitBand, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	alias, ok := BitBandAlias(base, 0)
	if !ok || size == 0 || size > BitBandSpan || uint64(base)+uint64(size) > uint64(base&^(BitBandSpan-1))+BitBandSpan {
		return nil, fmt.Errorf("bit-band: 0x%08x+0x%x is outside a bit-band region", base, size)
	}
	b := &BitBand{Base: base, Size: size, alias: alias, log: lg}
	if _, err := mem.Map(alias, size*32, memory.ProtRead|memory.ProtWrite, "bitband"); err != nil {
		return nil, fmt.Errorf("bit-band: %w", err)
	}
	last := alias + size*32 - 1
	rh, err := d.Register(hook.MemRead, hook.MemFunc(b.onRead), alias, last)
	if err != nil {
		return nil, err
	}
	wh, err := d.Register(hook.MemWrite, hook.MemFunc(b.onWrite), alias, last)
	if err != nil {
		return nil, err
	}
	b.handles = []*hook.Handle{rh, wh}
	return b, nil
}

// Uninstall removes the hooks. The alias mapping stays.
func (b *BitBand) Uninstall(d *hook.Dispatcher) {
	for _, h := range b.handles {
		d.Remove(h)
	}
}

func (b *BitBand) onRead(m hook.Machine, _ hook.Access, addr uint32, _ int, _ uint32) {
	word, bit, _ := BitBandTarget(addr)
	v, err := readWord(m, word)
	if err != nil {
		b.warn("bit-band read failed", m, addr, err)
		return
	}
	var out [4]byte
	out[0] = byte(v >> bit & 1)
	if err := m.MemWrite(addr&^3, out[:]); err != nil {
		b.warn("bit-band alias update failed", m, addr, err)
	}
}

func (b *BitBand) onWrite(m hook.Machine, _ hook.Access, addr uint32, _ int, value uint32) {
	word, bit, _ := BitBandTarget(addr)
	v, err := readWord(m, word)
	if err != nil {
		b.warn("bit-band read failed", m, addr, err)
		return
	}
	if value&1 != 0 {
		v |= 1 << bit
	} else {
		v &^= 1 << bit
	}
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], v)
	if err := m.MemWrite(word, out[:]); err != nil {
		b.warn("bit-band write failed", m, addr, err)
	}
}

func (b *BitBand) warn(msg string, m hook.Machine, alias uint32, err error) {
	b.log.Warn(msg, zap.String("alias", log.Hex(alias)), log.PC(m.PC()), zap.Error(err))
}

func readWord(m hook.Machine, addr uint32) (uint32, error) {
	p, err := m.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}
