package memory

import "fmt"

// Protection flags. Values follow the unicorn PROT_* constants.
const (
	ProtNone  = 0
	ProtRead  = 1
	ProtWrite = 2
	ProtExec  = 4
	ProtAll   = ProtRead | ProtWrite | ProtExec
)

// ProtString renders a protection mask as "rwx".
func ProtString(prot int) string {
	prots := []int{ProtRead, ProtWrite, ProtExec}
	chars := []byte{'r', 'w', 'x'}
	out := make([]byte, 3)
	for i := range prots {
		if prot&prots[i] != 0 {
			out[i] = chars[i]
		} else {
			out[i] = '-'
		}
	}
	return string(out)
}

// Region is a mapped, byte-backed span of the address space.
type Region struct {
	Name string
	Base uint32
	Size uint32
	Prot int
	Data []byte
}

// End returns the first address past the region (as uint64 so 4 GiB tops don't wrap).
func (r *Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint32) bool {
	return addr >= r.Base && uint64(addr) < r.End()
}

// ContainsRange reports whether [addr, addr+size) is fully inside the region.
func (r *Region) ContainsRange(addr uint32, size uint32) bool {
	return r.Contains(addr) && uint64(addr)+uint64(size) <= r.End()
}

// Overlaps reports whether [addr, addr+size) intersects the region.
func (r *Region) Overlaps(addr uint32, size uint32) bool {
	end := uint64(addr) + uint64(size)
	return uint64(r.Base) < end && uint64(addr) < r.End()
}

func (r *Region) String() string {
	desc := fmt.Sprintf("0x%08x-0x%08x %s", r.Base, r.End(), ProtString(r.Prot))
	if r.Name != "" {
		desc += fmt.Sprintf(" [%s]", r.Name)
	}
	return desc
}

// regions is sorted by Base.
type regions []*Region

func (s regions) Len() int           { return len(s) }
func (s regions) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s regions) Less(i, j int) bool { return s[i].Base < s[j].Base }

// find returns the region containing addr, or nil.
func (s regions) find(addr uint32) *Region {
	lo, hi := 0, len(s)
	for lo < hi {
		mid := (lo + hi) / 2
		r := s[mid]
		switch {
		case addr < r.Base:
			hi = mid
		case uint64(addr) >= r.End():
			lo = mid + 1
		default:
			return r
		}
	}
	return nil
}
