// Package trace provides types for trace event collection and analysis.
package trace

import (
	"fmt"
	"time"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Read       Tag = "read"
	Write      Tag = "write"
	Unmapped   Tag = "unmapped"
	Interrupt  Tag = "interrupt"
	Intercept  Tag = "intercept"
	Script     Tag = "script"
	Stub       Tag = "stub"
	Fault      Tag = "fault"
	Peripheral Tag = "periph"
	RAM        Tag = "ram"
	Flash      Tag = "flash"
	System     Tag = "scs"
	BitBand    Tag = "bitband"
	Stack      Tag = "stack"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Event is one memory-side observation made while an instruction ran.
type Event struct {
	PC          uint32 // instruction that caused the event
	Addr        uint32
	Size        int
	Value       uint32
	Tags        Tags   // first is primary
	Name        string // register name from SVD, if known
	Detail      string
	Annotations Annotations
	Timestamp   time.Time
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(pc uint32, category Tag, addr uint32, size int, value uint32) *Event {
	return &Event{
		PC:          pc,
		Addr:        addr,
		Size:        size,
		Value:       value,
		Tags:        Tags{category},
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations[k] = v
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Comment renders the event as a trace line comment, for example
// "read GPIOA.IDR [0x40010808] = 0x00000001".
func (e *Event) Comment() string {
	where := fmt.Sprintf("[0x%08x]", e.Addr)
	if e.Name != "" {
		where = e.Name + " " + where
	}
	switch e.Tags.Primary() {
	case Read, Write:
		s := fmt.Sprintf("%s %s = 0x%0*x", e.Tags.Primary(), where, 2*e.Size, e.Value)
		if e.Detail != "" {
			s += " " + e.Detail
		}
		return s
	case Interrupt:
		return fmt.Sprintf("interrupt #%d", e.Value)
	case Intercept, Script, Stub:
		s := string(e.Tags.Primary()) + " " + e.Name
		if e.Detail != "" {
			s += " " + e.Detail
		}
		return s
	}
	s := fmt.Sprintf("%s %s", e.Tags.Primary(), where)
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

// Enricher enriches trace events after they are recorded.
type Enricher func(e *Event)

// DefaultEnricher tags events with the Cortex-M memory region they hit.
func DefaultEnricher(e *Event) {
	switch e.Tags.Primary() {
	case Read, Write, Unmapped:
	default:
		return
	}
	switch a := e.Addr; {
	case a >= 0x22000000 && a < 0x24000000, a >= 0x42000000 && a < 0x44000000:
		e.AddTag(BitBand)
	case a >= 0x20000000 && a < 0x40000000:
		e.AddTag(RAM)
	case a >= 0x40000000 && a < 0x60000000:
		e.AddTag(Peripheral)
	case a >= 0xe0000000 && a < 0xe0100000:
		e.AddTag(System)
	case a < 0x20000000:
		e.AddTag(Flash)
	}
}

// Namer names an address, typically an SVD device.
type Namer interface {
	Lookup(addr uint32) (string, bool)
}

// NameEnricher fills Name from n for peripheral accesses.
func NameEnricher(n Namer) Enricher {
	return func(e *Event) {
		if e.Name != "" || n == nil {
			return
		}
		if name, ok := n.Lookup(e.Addr); ok {
			e.Name = name
		}
	}
}

// StackEnricher tags accesses between limit and top as stack traffic.
func StackEnricher(limit, top uint32) Enricher {
	return func(e *Event) {
		if e.Addr >= limit && e.Addr < top {
			e.AddTag(Stack)
		}
	}
}
