package trace

import (
	"github.com/zboralski/loris/internal/hook"
)

// Recorder turns memory hooks into events. Events for the instruction in
// flight accumulate in Pending until Drain is called from the next code
// hook or after the run.
type Recorder struct {
	enrichers []Enricher
	pending   []*Event
	all       []*Event
	keep      bool
	handles   []*hook.Handle
	onEvent   func(*Event)
}

// NewRecorder returns a recorder running DefaultEnricher then extra.
func NewRecorder(extra ...Enricher) *Recorder {
	return &Recorder{enrichers: append([]Enricher{DefaultEnricher}, extra...)}
}

// Keep makes the recorder retain every event for Events.
func (r *Recorder) Keep(on bool) { r.keep = on }

// OnEvent sets a callback run for every event as it is recorded.
func (r *Recorder) OnEvent(fn func(*Event)) { r.onEvent = fn }

// Install registers global read, write and unmapped hooks. Interrupts are
// left alone: registering a handler would stop SVC from faulting.
// The read hook is registered after any intercepts already installed, so
// recorded values are the ones the instruction observes.
func (r *Recorder) Install(d *hook.Dispatcher) error {
	reg := func(class hook.Class, cb interface{}) error {
		h, err := d.Register(class, cb, 1, 0)
		if err != nil {
			return err
		}
		r.handles = append(r.handles, h)
		return nil
	}
	if err := reg(hook.MemRead, hook.MemFunc(r.onRead)); err != nil {
		return err
	}
	if err := reg(hook.MemWrite, hook.MemFunc(r.onWrite)); err != nil {
		return err
	}
	if err := reg(hook.MemUnmapped, hook.FaultFunc(r.onUnmapped)); err != nil {
		return err
	}
	return reg(hook.FetchUnmapped, hook.FaultFunc(r.onUnmapped))
}

// Uninstall removes the recorder's hooks.
func (r *Recorder) Uninstall(d *hook.Dispatcher) {
	for _, h := range r.handles {
		d.Remove(h)
	}
	r.handles = nil
}

// Add records an event produced elsewhere (intercepts, scripts).
func (r *Recorder) Add(e *Event) {
	for _, en := range r.enrichers {
		en(e)
	}
	r.pending = append(r.pending, e)
	if r.keep {
		r.all = append(r.all, e)
	}
	if r.onEvent != nil {
		r.onEvent(e)
	}
}

// Drain returns and clears the pending events.
func (r *Recorder) Drain() []*Event {
	out := r.pending
	r.pending = nil
	return out
}

// Events returns every event seen while Keep was on.
func (r *Recorder) Events() []*Event {
	return r.all
}

func (r *Recorder) onRead(m hook.Machine, _ hook.Access, addr uint32, size int, _ uint32) {
	// value is what memory holds once earlier read hooks have run
	e := NewEvent(m.PC(), Read, addr, size, 0)
	if b, err := m.MemRead(addr, uint32(size)); err == nil {
		for i := len(b) - 1; i >= 0; i-- {
			e.Value = e.Value<<8 | uint32(b[i])
		}
	}
	r.Add(e)
}

func (r *Recorder) onWrite(m hook.Machine, _ hook.Access, addr uint32, size int, value uint32) {
	r.Add(NewEvent(m.PC(), Write, addr, size, value))
}

func (r *Recorder) onUnmapped(m hook.Machine, access hook.Access, addr uint32, size int, value uint32) bool {
	e := NewEvent(m.PC(), Unmapped, addr, size, value)
	e.Detail = access.String()
	r.Add(e)
	return false
}
