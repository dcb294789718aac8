package module

import (
	"strings"
	"sync"

	"github.com/dshills/keyforge/internal/event"
)

// Event id patterns use dot-separated segments:
//   - "*" matches exactly one segment
//   - "**" matches zero or more segments
//
// "module.**.activated" matches the activation of any module, including
// ones whose id contains dots.
const (
	wildcardSingle = "*"
	wildcardMulti  = "**"
	separator      = "."
)

// MatchEventID reports whether id matches pattern.
func MatchEventID(id, pattern string) bool {
	return matchSegments(splitID(id), splitID(pattern))
}

func splitID(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, separator)
}

func matchSegments(id, pattern []string) bool {
	ii, pi := 0, 0

	for pi < len(pattern) {
		if pattern[pi] == wildcardMulti {
			for ii <= len(id) {
				if matchSegments(id[ii:], pattern[pi+1:]) {
					return true
				}
				ii++
			}
			return false
		}

		if ii >= len(id) {
			return false
		}
		if pattern[pi] != wildcardSingle && pattern[pi] != id[ii] {
			return false
		}
		ii++
		pi++
	}
	return ii == len(id)
}

// Observer receives every triggered event whose id matches its pattern,
// whether or not a module listens to it. Observers run on the triggering
// goroutine and must not block.
type Observer func(evt *event.Event)

type observerEntry struct {
	id      uint64
	pattern string
	fn      Observer
}

type observerSet struct {
	mu      sync.RWMutex
	entries []observerEntry
	nextID  uint64
}

func (s *observerSet) add(pattern string, fn Observer) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, observerEntry{id: id, pattern: pattern, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.entries {
			if e.id == id {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				return
			}
		}
	}
}

func (s *observerSet) publish(evt *event.Event) {
	s.mu.RLock()
	var targets []Observer
	for _, e := range s.entries {
		if MatchEventID(evt.ID(), e.pattern) {
			targets = append(targets, e.fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range targets {
		func() {
			defer func() { _ = recover() }()
			fn(evt)
		}()
	}
}

// Observe registers fn for events matching pattern. The returned function
// removes the observer.
func (c *Context) Observe(pattern string, fn Observer) (cancel func()) {
	if fn == nil || pattern == "" {
		return func() {}
	}
	return c.observers.add(pattern, fn)
}
