// Package stubs replaces firmware functions with Go implementations. Stubs
// are matched by symbol name against the image's symbol table, so they only
// apply to ELF images.
//
// Stub packages register themselves from init(); import stubs/all to get
// every one. Detectors activate extra hooks when a symbol pattern shows a
// known runtime (FreeRTOS) is linked in.
package stubs

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/log"
)

// HookFunc runs in place of the firmware function. Returns true to stop
// the run at the function entry.
type HookFunc func(c *Call) bool

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // symbol name, e.g. "HAL_Delay"
	Aliases  []string // alternative symbol names
	Hook     HookFunc
	Category string // "hal", "rtos"
}

// DetectorFunc is called when a detector's pattern matches. Returns the
// number of hooks installed.
type DetectorFunc func(t *Target, symbols map[string]uint32) int

// Detector activates on any symbol matching one of its patterns.
type Detector struct {
	Name        string
	Patterns    []string // exact, prefix*, *suffix or *contains*
	Activate    DetectorFunc
	Description string
}

// Registry holds stub definitions and detectors.
type Registry struct {
	mu        sync.RWMutex
	stubs     map[string]*StubDef
	detectors []*Detector

	// OnCall sees every stub call after it ran.
	OnCall func(category, name, detail string)
}

// DefaultRegistry is the registry init() functions register with.
var DefaultRegistry = NewRegistry()

// Debug logs registrations.
var Debug = false

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stubs: make(map[string]*StubDef)}
}

// Register adds a stub definition under its name and aliases.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}
	if Debug {
		log.Get().Debug("registered",
			zap.String("cat", def.Category),
			zap.String("fn", def.Name),
			zap.Strings("aliases", def.Aliases))
	}
}

// RegisterFunc registers a simple stub.
func (r *Registry) RegisterFunc(category, name string, fn HookFunc, aliases ...string) {
	r.Register(StubDef{Name: name, Aliases: aliases, Hook: fn, Category: category})
}

// RegisterDetector adds a detector checked on every Install.
func (r *Registry) RegisterDetector(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors = append(r.detectors, &d)
}

// matchPattern checks a symbol name against an exact or glob pattern.
func matchPattern(name, pattern string) bool {
	switch {
	case len(pattern) > 1 && strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(name, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(name, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	return name == pattern
}

// Install hooks every registered stub whose symbol is in symbols and runs
// the detectors. Each Install gets its own Target, so detector activation
// and stub state are per machine. Returns the number of hooks installed.
func (r *Registry) Install(d *hook.Dispatcher, lg *log.Logger, symbols map[string]uint32) (*Target, int) {
	if lg == nil {
		lg = log.NewNop()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := &Target{
		hooks:  d,
		log:    lg,
		onCall: r.OnCall,
		seen:   make(map[uint32]bool),
	}
	names := make([]string, 0, len(symbols))
	for name := range symbols {
		names = append(names, name)
	}
	sort.Strings(names)

	installed := 0
	for _, det := range r.detectors {
		for _, name := range names {
			if !anyMatch(name, det.Patterns) {
				continue
			}
			lg.Debug("detector", zap.String("name", det.Name), zap.String("desc", det.Description), zap.String("match", name))
			installed += det.Activate(t, symbols)
			break
		}
	}
	for _, name := range names {
		if def, ok := r.stubs[name]; ok && t.Hook(def, name, symbols[name]) {
			installed++
		}
	}
	return t, installed
}

func anyMatch(name string, patterns []string) bool {
	for _, p := range patterns {
		if matchPattern(name, p) {
			return true
		}
	}
	return false
}

// Count returns the number of registered symbol names, aliases included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns the primary names of registered stubs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, def := range r.stubs {
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

// Register adds a stub to the default registry.
func Register(def StubDef) { DefaultRegistry.Register(def) }

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, fn HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, fn, aliases...)
}

// RegisterDetector adds a detector to the default registry.
func RegisterDetector(d Detector) { DefaultRegistry.RegisterDetector(d) }

// Install hooks the default registry's stubs.
func Install(d *hook.Dispatcher, lg *log.Logger, symbols map[string]uint32) (*Target, int) {
	return DefaultRegistry.Install(d, lg, symbols)
}
