package memory

import "fmt"

// Op identifies the kind of memory access that failed.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFetch
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFetch:
		return "fetch"
	}
	return "access"
}

// OverlapError is returned by Map when the new region intersects an existing one.
type OverlapError struct {
	Base     uint32
	Size     uint32
	Existing *Region
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("region 0x%08x+0x%x overlaps %s", e.Base, e.Size, e.Existing)
}

// UnmappedError reports an access whose range is not contained in a single region.
// Op distinguishes unmapped reads, writes and instruction fetches.
type UnmappedError struct {
	Op   Op
	Addr uint32
	Size uint32
}

func (e *UnmappedError) Error() string {
	return fmt.Sprintf("unmapped %s at 0x%08x(%d)", e.Op, e.Addr, e.Size)
}

// ProtError reports an access that hit a region lacking the needed permission.
type ProtError struct {
	Op     Op
	Addr   uint32
	Size   uint32
	Region *Region
}

func (e *ProtError) Error() string {
	return fmt.Sprintf("protected %s at 0x%08x(%d) in %s", e.Op, e.Addr, e.Size, e.Region)
}
