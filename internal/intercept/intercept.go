// Package intercept rewrites memory around engine accesses to stand in for
// hardware registers: a status bit that must read as clear, a write-one-to-
// clear flag, a bit-band alias.
package intercept

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/log"
)

// Trigger selects which access fires a rule.
type Trigger string

const (
	OnRead  Trigger = "read"
	OnWrite Trigger = "write"
)

// Rule rewrites Size bytes at Addr. Read rules store Value before the
// access is delivered; write rules rewrite the cell after the store commits.
// A non-zero Mask limits the rewrite to the masked bits.
//
// An Addr inside a bit-band alias window is resolved to the target word with
// Mask set to the aliased bit; a non-zero Value sets it and zero clears it.
type Rule struct {
	Name  string  `yaml:"name"`
	Addr  uint32  `yaml:"addr"`
	Size  int     `yaml:"size"`
	Value uint32  `yaml:"value"`
	Mask  uint32  `yaml:"mask"`
	On    Trigger `yaml:"on"`
}

// Normalize fills defaults and resolves bit-band aliases.
func (r Rule) Normalize() (Rule, error) {
	if r.On == "" {
		r.On = OnRead
	}
	if r.On != OnRead && r.On != OnWrite {
		return r, fmt.Errorf("rule %s: trigger %q is neither read nor write", r.Label(), r.On)
	}
	if target, bit, ok := BitBandTarget(r.Addr); ok {
		if r.Size != 0 && r.Size != 4 {
			return r, fmt.Errorf("rule %s: bit-band rules are word sized", r.Label())
		}
		r.Addr, r.Size, r.Mask = target, 4, 1<<bit
		if r.Value != 0 {
			r.Value = r.Mask
		}
		return r, nil
	}
	if r.Size == 0 {
		r.Size = 4
	}
	switch r.Size {
	case 1, 2, 4:
	default:
		return r, fmt.Errorf("rule %s: size %d, want 1, 2 or 4", r.Label(), r.Size)
	}
	return r, nil
}

// Label names the rule in logs and traces: its name, else its address.
func (r Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return log.Hex(r.Addr)
}

// apply merges Value into the current contents of the cell.
func (r Rule) apply(old uint32) uint32 {
	if r.Mask == 0 {
		return r.Value
	}
	return old&^r.Mask | r.Value&r.Mask
}

// Set is a group of installed rules.
type Set struct {
	rules   []Rule
	hits    []int
	handles []*hook.Handle
	log     *zap.Logger

	// OnHit, when set, is called after a rule rewrites its cell.
	OnHit func(pc uint32, r Rule, value uint32)
}

// New validates rules.
func New(rules []Rule, lg *zap.Logger) (*Set, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	s := &Set{log: lg}
	for _, r := range rules {
		n, err := r.Normalize()
		if err != nil {
			return nil, err
		}
		s.rules = append(s.rules, n)
	}
	s.hits = make([]int, len(s.rules))
	return s, nil
}

// Rules returns the normalized rules.
func (s *Set) Rules() []Rule {
	return s.rules
}

// Hits returns how many times rule i fired.
func (s *Set) Hits(i int) int {
	return s.hits[i]
}

// Install registers one hook per rule.
func (s *Set) Install(d *hook.Dispatcher) error {
	for i := range s.rules {
		i := i
		r := s.rules[i]
		class := hook.MemRead
		if r.On == OnWrite {
			class = hook.MemWrite
		}
		cb := func(m hook.Machine, access hook.Access, addr uint32, size int, value uint32) {
			s.fire(m, i)
		}
		h, err := d.Register(class, cb, r.Addr, r.Addr+uint32(r.Size)-1)
		if err != nil {
			return fmt.Errorf("install %s: %w", r.Label(), err)
		}
		s.handles = append(s.handles, h)
	}
	return nil
}

// Uninstall removes every hook Install added.
func (s *Set) Uninstall(d *hook.Dispatcher) {
	for _, h := range s.handles {
		d.Remove(h)
	}
	s.handles = nil
}

func (s *Set) fire(m hook.Machine, i int) {
	r := s.rules[i]
	old, err := m.MemRead(r.Addr, uint32(r.Size))
	if err != nil {
		s.log.Warn("intercept read failed", zap.String("rule", r.Label()), zap.Error(err))
		return
	}
	v := r.apply(decode(old))
	if err := m.MemWrite(r.Addr, encode(v, r.Size)); err != nil {
		s.log.Warn("intercept write failed", zap.String("rule", r.Label()), zap.Error(err))
		return
	}
	s.hits[i]++
	if s.OnHit != nil {
		s.OnHit(m.PC(), r, v)
	}
	s.log.Debug("intercept",
		zap.String("rule", r.Label()),
		zap.String("on", string(r.On)),
		log.Addr(r.Addr),
		log.PC(m.PC()),
		zap.String("value", log.Hex(v)))
}

func decode(b []byte) uint32 {
	switch len(b) {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	}
	return binary.LittleEndian.Uint32(b)
}

func encode(v uint32, size int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b[:size]
}
