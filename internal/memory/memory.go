// Package memory implements a sparse 32-bit address space made of
// non-overlapping, byte-backed regions.
//
// Every access must be fully contained in exactly one region. Accesses that
// straddle two adjacent regions or touch unmapped space fail as a whole and
// leave memory untouched.
package memory

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// Map is the address space. It is not safe for concurrent use; an engine run
// borrows it exclusively.
type Map struct {
	regions regions
}

// New returns an empty address space.
func New() *Map {
	return &Map{}
}

// Map reserves a zero-initialised region.
func (m *Map) Map(base, size uint32, prot int, name string) (*Region, error) {
	if size == 0 {
		return nil, errors.Errorf("map %s: zero-size region at 0x%08x", name, base)
	}
	if uint64(base)+uint64(size) > 1<<32 {
		return nil, errors.Errorf("map %s: region 0x%08x+0x%x exceeds 32-bit space", name, base, size)
	}
	for _, r := range m.regions {
		if r.Overlaps(base, size) {
			return nil, &OverlapError{Base: base, Size: size, Existing: r}
		}
	}
	r := &Region{Name: name, Base: base, Size: size, Prot: prot, Data: make([]byte, size)}
	m.regions = append(m.regions, r)
	sort.Sort(m.regions)
	return r, nil
}

// Unmap removes the region starting exactly at base.
func (m *Map) Unmap(base uint32) error {
	for i, r := range m.regions {
		if r.Base == base {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("unmap: no region at 0x%08x", base)
}

// Regions returns the mapped regions sorted by base address.
func (m *Map) Regions() []*Region {
	out := make([]*Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// Region returns the region containing addr, or nil.
func (m *Map) Region(addr uint32) *Region {
	return m.regions.find(addr)
}

// Mapped reports whether [addr, addr+size) is inside one region.
func (m *Map) Mapped(addr, size uint32) bool {
	r := m.regions.find(addr)
	return r != nil && r.ContainsRange(addr, size)
}

func (m *Map) lookup(op Op, addr, size uint32, prot int) (*Region, error) {
	r := m.regions.find(addr)
	if r == nil || !r.ContainsRange(addr, size) {
		return nil, &UnmappedError{Op: op, Addr: addr, Size: size}
	}
	if prot != 0 && r.Prot&prot != prot {
		return nil, &ProtError{Op: op, Addr: addr, Size: size, Region: r}
	}
	return r, nil
}

// Read copies size bytes starting at addr. Protections are not checked.
func (m *Map) Read(addr, size uint32) ([]byte, error) {
	p := make([]byte, size)
	if err := m.ReadInto(p, addr); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadInto fills p from addr. Protections are not checked.
func (m *Map) ReadInto(p []byte, addr uint32) error {
	r, err := m.lookup(OpRead, addr, uint32(len(p)), 0)
	if err != nil {
		return err
	}
	copy(p, r.Data[addr-r.Base:])
	return nil
}

// Write copies p to addr. Protections are not checked, so loaders and hooks
// can patch read-only flash.
func (m *Map) Write(addr uint32, p []byte) error {
	r, err := m.lookup(OpWrite, addr, uint32(len(p)), 0)
	if err != nil {
		return err
	}
	copy(r.Data[addr-r.Base:], p)
	return nil
}

// Fetch reads instruction bytes, requiring execute permission.
func (m *Map) Fetch(addr, size uint32) ([]byte, error) {
	r, err := m.lookup(OpFetch, addr, size, ProtExec)
	if err != nil {
		return nil, err
	}
	o := addr - r.Base
	return r.Data[o : o+size : o+size], nil
}

// ReadProt reads while checking for read permission. This exists for the CPU
// interpreter.
func (m *Map) ReadProt(addr, size uint32) ([]byte, error) {
	r, err := m.lookup(OpRead, addr, size, ProtRead)
	if err != nil {
		return nil, err
	}
	p := make([]byte, size)
	copy(p, r.Data[addr-r.Base:])
	return p, nil
}

// WriteProt writes while checking for write permission.
func (m *Map) WriteProt(addr uint32, p []byte) error {
	r, err := m.lookup(OpWrite, addr, uint32(len(p)), ProtWrite)
	if err != nil {
		return err
	}
	copy(r.Data[addr-r.Base:], p)
	return nil
}

// ReadU32 reads a little-endian word.
func (m *Map) ReadU32(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := m.ReadInto(buf[:], addr); err != nil {
		return 0, errors.Wrapf(err, "read u32 at 0x%08x", addr)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteU32 writes a little-endian word.
func (m *Map) WriteU32(addr, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return errors.Wrapf(m.Write(addr, buf[:]), "write u32 at 0x%08x", addr)
}

// ReadU16 reads a little-endian halfword.
func (m *Map) ReadU16(addr uint32) (uint16, error) {
	var buf [2]byte
	if err := m.ReadInto(buf[:], addr); err != nil {
		return 0, errors.Wrapf(err, "read u16 at 0x%08x", addr)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// WriteU16 writes a little-endian halfword.
func (m *Map) WriteU16(addr uint32, val uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], val)
	return errors.Wrapf(m.Write(addr, buf[:]), "write u16 at 0x%08x", addr)
}
