package firmware

import (
	"fmt"
	"strings"

	"github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/memory"
)

// Region is an extra window to map, typically a peripheral block.
type Region struct {
	Name string `yaml:"name"`
	Base uint32 `yaml:"base"`
	Size uint32 `yaml:"size"`
	Prot string `yaml:"prot"` // "rw", "rx", "rwx"
}

// Layout describes where things go in the address space.
type Layout struct {
	Alias   bool   // mirror the image at address 0 for the boot fetch
	RAMBase uint32
	RAMSize uint32
	Extra   []Region
}

// DefaultLayout is a Cortex-M boot from main flash with 1 MiB of SRAM.
func DefaultLayout() Layout {
	return Layout{
		Alias:   true,
		RAMBase: 0x20000000,
		RAMSize: 1 << 20,
	}
}

// ParseProt converts "rwx"-style flags to memory protections.
func ParseProt(s string) (int, error) {
	prot := memory.ProtNone
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			prot |= memory.ProtRead
		case 'w':
			prot |= memory.ProtWrite
		case 'x':
			prot |= memory.ProtExec
		case '-':
		default:
			return 0, fmt.Errorf("bad protection %q", s)
		}
	}
	return prot, nil
}

// Setup maps the image read/execute at its base (and at 0 when aliased),
// then RAM and any extra regions. SRAM is executable as on the Cortex-M
// system map, so code copied to RAM can run there.
func Setup(mem *memory.Map, img *Image, l Layout) error {
	if len(img.Data) == 0 {
		return fmt.Errorf("setup: empty image")
	}
	if img.End() > 1<<32 {
		return fmt.Errorf("setup: image at 0x%08x overflows the address space", img.Base)
	}
	lg := log.Get()
	size := uint32(len(img.Data))
	rx := memory.ProtRead | memory.ProtExec

	if l.Alias && img.Base != 0 {
		if err := mapWrite(mem, 0, size, rx, "alias", img.Data); err != nil {
			return err
		}
		lg.Region("alias", 0, size, memory.ProtString(rx))
	}
	if err := mapWrite(mem, img.Base, size, rx, "flash", img.Data); err != nil {
		return err
	}
	lg.Region("flash", img.Base, size, memory.ProtString(rx))

	if l.RAMSize != 0 {
		if _, err := mem.Map(l.RAMBase, l.RAMSize, memory.ProtAll, "ram"); err != nil {
			return fmt.Errorf("setup ram: %w", err)
		}
		lg.Region("ram", l.RAMBase, l.RAMSize, memory.ProtString(memory.ProtAll))
	}

	for _, r := range l.Extra {
		prot := memory.ProtRead | memory.ProtWrite
		if r.Prot != "" {
			p, err := ParseProt(r.Prot)
			if err != nil {
				return fmt.Errorf("setup %s: %w", r.Name, err)
			}
			prot = p
		}
		if _, err := mem.Map(r.Base, r.Size, prot, r.Name); err != nil {
			return fmt.Errorf("setup %s: %w", r.Name, err)
		}
		lg.Region(r.Name, r.Base, r.Size, memory.ProtString(prot))
	}
	return nil
}

func mapWrite(mem *memory.Map, base, size uint32, prot int, name string, data []byte) error {
	if _, err := mem.Map(base, size, prot, name); err != nil {
		return fmt.Errorf("setup %s: %w", name, err)
	}
	if err := mem.Write(base, data); err != nil {
		return fmt.Errorf("setup %s: %w", name, err)
	}
	return nil
}
