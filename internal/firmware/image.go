// Package firmware loads Cortex-M flash images and lays them out in a
// memory map the way the part boots them.
package firmware

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Formats accepted by Load.
const (
	FormatAuto = "auto"
	FormatRaw  = "raw"
	FormatELF  = "elf"
)

// DefaultFlashBase is where STM32-class parts map their flash.
const DefaultFlashBase = 0x08000000

// Symbol is a named address from an ELF symbol table. Thumb function
// addresses are stored without the mode bit.
type Symbol struct {
	Name string
	Addr uint32
	Size uint32
}

// Image is a flat flash image plus whatever metadata the container had.
type Image struct {
	Path    string
	Format  string
	Base    uint32 // load address of Data[0]
	Data    []byte
	Entry   uint32 // ELF entry, or the reset vector for raw images
	Symbols []Symbol
}

// FromBytes wraps a raw image loaded at base.
func FromBytes(data []byte, base uint32) *Image {
	img := &Image{Format: FormatRaw, Base: base, Data: data}
	if _, pc, err := img.Vector(); err == nil {
		img.Entry = pc
	}
	return img
}

// Load reads path. FormatAuto picks ELF when the file starts with the ELF
// magic and raw otherwise. base only applies to raw images.
func Load(path, format string, base uint32) (*Image, error) {
	if format == "" {
		format = FormatAuto
	}
	if format == FormatAuto {
		head := make([]byte, 4)
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open firmware: %w", err)
		}
		n, _ := f.Read(head)
		f.Close()
		format = FormatRaw
		if n == 4 && bytes.Equal(head, []byte(elf.ELFMAG)) {
			format = FormatELF
		}
	}
	switch format {
	case FormatRaw:
		return LoadRaw(path, base)
	case FormatELF:
		return LoadELF(path)
	}
	return nil, fmt.Errorf("unknown firmware format %q", format)
}

// LoadRaw reads a flat binary.
func LoadRaw(path string, base uint32) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("firmware %s is empty", path)
	}
	img := FromBytes(data, base)
	img.Path = path
	return img, nil
}

// LoadELF flattens the PT_LOAD segments of a 32-bit ARM ELF into one image
// placed at the lowest physical address. Segments are laid out by load
// address, so initialised data sits where the startup code copies it from.
func LoadELF(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_ARM {
		return nil, fmt.Errorf("expected 32-bit ARM (EM_ARM), got %v %v", f.Class, f.Machine)
	}

	type seg struct {
		addr uint32
		data []byte
	}
	var segs []seg
	lo, hi := uint64(1<<32), uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("read segment at 0x%x: %w", prog.Paddr, err)
		}
		segs = append(segs, seg{addr: uint32(prog.Paddr), data: data})
		if prog.Paddr < lo {
			lo = prog.Paddr
		}
		if end := prog.Paddr + prog.Filesz; end > hi {
			hi = end
		}
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("no loadable segments in %s", path)
	}
	if hi-lo > 64<<20 {
		return nil, fmt.Errorf("loadable segments span 0x%x bytes; not a flash image", hi-lo)
	}

	img := &Image{
		Path:   path,
		Format: FormatELF,
		Base:   uint32(lo),
		Data:   make([]byte, hi-lo),
		Entry:  uint32(f.Entry),
	}
	for _, s := range segs {
		copy(img.Data[s.addr-img.Base:], s.data)
	}

	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			typ := elf.ST_TYPE(s.Info)
			if s.Name == "" || s.Value == 0 || (typ != elf.STT_FUNC && typ != elf.STT_OBJECT) {
				continue
			}
			// skip mapping symbols like $t and $d
			if strings.HasPrefix(s.Name, "$") {
				continue
			}
			addr := uint32(s.Value)
			if typ == elf.STT_FUNC {
				addr &^= 1
			}
			img.Symbols = append(img.Symbols, Symbol{Name: s.Name, Addr: addr, Size: uint32(s.Size)})
		}
		sort.Slice(img.Symbols, func(i, j int) bool { return img.Symbols[i].Addr < img.Symbols[j].Addr })
	}
	return img, nil
}

// Vector returns the initial SP and reset PC from the first two words.
func (img *Image) Vector() (sp, pc uint32, err error) {
	if len(img.Data) < 8 {
		return 0, 0, fmt.Errorf("image too short for a vector table: %d bytes", len(img.Data))
	}
	return binary.LittleEndian.Uint32(img.Data), binary.LittleEndian.Uint32(img.Data[4:]), nil
}

// End returns the address one past the image.
func (img *Image) End() uint64 {
	return uint64(img.Base) + uint64(len(img.Data))
}

// Symbol resolves addr to the enclosing symbol and the offset into it.
func (img *Image) Symbol(addr uint32) (Symbol, uint32, bool) {
	i := sort.Search(len(img.Symbols), func(i int) bool { return img.Symbols[i].Addr > addr })
	if i == 0 {
		return Symbol{}, 0, false
	}
	s := img.Symbols[i-1]
	off := addr - s.Addr
	if s.Size != 0 && off >= s.Size {
		return Symbol{}, 0, false
	}
	return s, off, true
}

// Lookup returns the address of a named symbol.
func (img *Image) Lookup(name string) (uint32, bool) {
	for _, s := range img.Symbols {
		if s.Name == name {
			return s.Addr, true
		}
	}
	return 0, false
}
