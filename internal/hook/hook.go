// Package hook is the observer registry the execution engine dispatches to.
//
// Callbacks are grouped by event class and run synchronously, in registration
// order, on the engine's goroutine. There is no re-entrancy protection: a
// callback must never call back into the engine's Run.
package hook

import (
	"fmt"
)

// Class identifies an event class.
type Class int

const (
	// Code fires before each decoded instruction executes.
	Code Class = iota
	// FetchUnmapped fires once when the PC points outside mapped memory.
	FetchUnmapped
	// MemRead fires before a data read is delivered.
	MemRead
	// MemWrite fires after a data write is committed.
	MemWrite
	// MemUnmapped fires on a data access outside mapped memory. Returning
	// true asks the engine to retry the access once.
	MemUnmapped
	// Interrupt fires for SVC and BKPT.
	Interrupt

	numClasses
)

var classNames = [...]string{"code", "fetch-unmapped", "mem-read", "mem-write", "mem-unmapped", "interrupt"}

func (c Class) String() string {
	if c >= 0 && c < numClasses {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Access is the direction of a memory event.
type Access int

const (
	Read Access = iota
	Write
	Fetch
)

func (a Access) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case Fetch:
		return "fetch"
	}
	return "access"
}

// Machine is the view of the running engine handed to callbacks. Memory
// access through it goes straight to the memory map and never triggers hooks.
type Machine interface {
	MemRead(addr, size uint32) ([]byte, error)
	MemWrite(addr uint32, p []byte) error
	RegRead(reg int) uint32
	RegWrite(reg int, val uint32)
	PC() uint32
	Stop()
}

// Callback signatures per class.
type (
	CodeFunc  func(m Machine, addr uint32, size uint32)
	MemFunc   func(m Machine, access Access, addr uint32, size int, value uint32)
	FaultFunc func(m Machine, access Access, addr uint32, size int, value uint32) bool
	IntrFunc  func(m Machine, intno uint32)
)

// Handle identifies a registration. The range is inclusive; Begin > End
// matches every address.
type Handle struct {
	Class Class
	Begin uint32
	End   uint32

	code  CodeFunc
	mem   MemFunc
	fault FaultFunc
	intr  IntrFunc
}

// Contains reports whether addr passes the range filter.
func (h *Handle) Contains(addr uint32) bool {
	return h.Begin > h.End || addr >= h.Begin && addr <= h.End
}

// overlaps reports whether [addr, addr+size) touches the range filter.
func (h *Handle) overlaps(addr uint32, size int) bool {
	if h.Begin > h.End {
		return true
	}
	if size <= 0 {
		size = 1
	}
	last := uint64(addr) + uint64(size) - 1
	return uint64(h.Begin) <= last && addr <= h.End
}

// Dispatcher holds the per-class ordered callback lists.
type Dispatcher struct {
	hooks  [numClasses][]*Handle
	counts [numClasses]int
}

// New returns an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Register appends cb to the list for class. cb must match the class
// signature (CodeFunc, MemFunc, FaultFunc or IntrFunc).
func (d *Dispatcher) Register(class Class, cb interface{}, begin, end uint32) (*Handle, error) {
	h := &Handle{Class: class, Begin: begin, End: end}
	ok := false
	switch class {
	case Code:
		h.code, ok = asCode(cb)
	case MemRead, MemWrite:
		h.mem, ok = asMem(cb)
	case FetchUnmapped, MemUnmapped:
		h.fault, ok = asFault(cb)
	case Interrupt:
		h.intr, ok = asIntr(cb)
	default:
		return nil, fmt.Errorf("unknown hook class %d", int(class))
	}
	if !ok {
		return nil, fmt.Errorf("%s hook: unexpected callback type %T", class, cb)
	}
	d.hooks[class] = append(d.hooks[class], h)
	return h, nil
}

func asCode(cb interface{}) (CodeFunc, bool) {
	switch f := cb.(type) {
	case CodeFunc:
		return f, true
	case func(Machine, uint32, uint32):
		return f, true
	}
	return nil, false
}

func asMem(cb interface{}) (MemFunc, bool) {
	switch f := cb.(type) {
	case MemFunc:
		return f, true
	case func(Machine, Access, uint32, int, uint32):
		return f, true
	}
	return nil, false
}

func asFault(cb interface{}) (FaultFunc, bool) {
	switch f := cb.(type) {
	case FaultFunc:
		return f, true
	case func(Machine, Access, uint32, int, uint32) bool:
		return f, true
	}
	return nil, false
}

func asIntr(cb interface{}) (IntrFunc, bool) {
	switch f := cb.(type) {
	case IntrFunc:
		return f, true
	case func(Machine, uint32):
		return f, true
	}
	return nil, false
}

// OnCode registers an instruction hook over every address.
func (d *Dispatcher) OnCode(cb CodeFunc) *Handle {
	h, _ := d.Register(Code, cb, 1, 0)
	return h
}

// OnRead registers a read hook over [begin, end].
func (d *Dispatcher) OnRead(cb MemFunc, begin, end uint32) *Handle {
	h, _ := d.Register(MemRead, cb, begin, end)
	return h
}

// OnWrite registers a write hook over [begin, end].
func (d *Dispatcher) OnWrite(cb MemFunc, begin, end uint32) *Handle {
	h, _ := d.Register(MemWrite, cb, begin, end)
	return h
}

// OnFetchUnmapped registers an unmapped-fetch observer.
func (d *Dispatcher) OnFetchUnmapped(cb FaultFunc) *Handle {
	h, _ := d.Register(FetchUnmapped, cb, 1, 0)
	return h
}

// OnMemUnmapped registers an unmapped data access handler.
func (d *Dispatcher) OnMemUnmapped(cb FaultFunc) *Handle {
	h, _ := d.Register(MemUnmapped, cb, 1, 0)
	return h
}

// OnInterrupt registers an SVC/BKPT handler.
func (d *Dispatcher) OnInterrupt(cb IntrFunc) *Handle {
	h, _ := d.Register(Interrupt, cb, 1, 0)
	return h
}

// Remove unregisters h. Removing an unknown handle is a no-op.
func (d *Dispatcher) Remove(h *Handle) {
	if h == nil || h.Class < 0 || h.Class >= numClasses {
		return
	}
	list := d.hooks[h.Class]
	tmp := make([]*Handle, 0, len(list))
	for _, v := range list {
		if v != h {
			tmp = append(tmp, v)
		}
	}
	d.hooks[h.Class] = tmp
}

// Len returns the number of registrations for class.
func (d *Dispatcher) Len(class Class) int {
	return len(d.hooks[class])
}

// Has reports whether any callback for class would see addr.
func (d *Dispatcher) Has(class Class, addr uint32) bool {
	for _, h := range d.hooks[class] {
		if h.Contains(addr) {
			return true
		}
	}
	return false
}

// Count returns how many callback invocations class has seen.
func (d *Dispatcher) Count(class Class) int {
	return d.counts[class]
}

// ResetCounts zeroes the invocation counters.
func (d *Dispatcher) ResetCounts() {
	d.counts = [numClasses]int{}
}

// Code dispatches an instruction event.
func (d *Dispatcher) Code(m Machine, addr, size uint32) {
	for _, h := range d.hooks[Code] {
		if h.Contains(addr) {
			d.counts[Code]++
			h.code(m, addr, size)
		}
	}
}

// Mem dispatches a read or write event.
func (d *Dispatcher) Mem(m Machine, class Class, access Access, addr uint32, size int, value uint32) {
	for _, h := range d.hooks[class] {
		if h.overlaps(addr, size) {
			d.counts[class]++
			h.mem(m, access, addr, size, value)
		}
	}
}

// Fault dispatches an unmapped-access event. It returns true if any callback
// asked for the access to be retried.
func (d *Dispatcher) Fault(m Machine, class Class, access Access, addr uint32, size int, value uint32) bool {
	retry := false
	for _, h := range d.hooks[class] {
		if h.overlaps(addr, size) {
			d.counts[class]++
			if h.fault(m, access, addr, size, value) {
				retry = true
			}
		}
	}
	return retry
}

// Intr dispatches an interrupt event. For interrupt hooks the range filter
// selects interrupt numbers, not addresses. It returns false if nothing
// handled it.
func (d *Dispatcher) Intr(m Machine, intno uint32) bool {
	handled := false
	for _, h := range d.hooks[Interrupt] {
		if !h.Contains(intno) {
			continue
		}
		d.counts[Interrupt]++
		h.intr(m, intno)
		handled = true
	}
	return handled
}
