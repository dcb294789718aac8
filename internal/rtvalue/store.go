// Package rtvalue is a process-wide scratch space of runtime values.
//
// Values are addressed by namespace and key ("core", "env.state.all").
// Modules publish state here and UI surfaces poll or watch it.
package rtvalue

import (
	"fmt"
	"sort"
	"sync"
)

// Change describes an update to a value.
type Change struct {
	Namespace string
	Key       string
	Old       any
	New       any
	Existed   bool
}

// Listener is called after a value changes. Listeners run synchronously on
// the goroutine that performed the update and must not block.
type Listener func(Change)

type nsKey struct {
	ns  string
	key string
}

type listenerEntry struct {
	id uint64
	ns string
	fn Listener
}

// Store holds runtime values. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	values map[nsKey]any

	lmu       sync.RWMutex
	listeners []listenerEntry
	nextID    uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{values: make(map[nsKey]any)}
}

// Upsert sets namespace/key to value and notifies listeners.
func (s *Store) Upsert(namespace, key string, value any) {
	k := nsKey{namespace, key}

	s.mu.Lock()
	old, existed := s.values[k]
	s.values[k] = value
	s.mu.Unlock()

	s.notify(Change{Namespace: namespace, Key: key, Old: old, New: value, Existed: existed})
}

// Retrieve returns the value at namespace/key, or def if absent.
func (s *Store) Retrieve(namespace, key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[nsKey{namespace, key}]; ok {
		return v
	}
	return def
}

// Lookup returns the value at namespace/key and whether it exists.
func (s *Store) Lookup(namespace, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[nsKey{namespace, key}]
	return v, ok
}

// Delete removes namespace/key. Returns true if it existed.
func (s *Store) Delete(namespace, key string) bool {
	k := nsKey{namespace, key}

	s.mu.Lock()
	old, existed := s.values[k]
	delete(s.values, k)
	s.mu.Unlock()

	if existed {
		s.notify(Change{Namespace: namespace, Key: key, Old: old, Existed: true})
	}
	return existed
}

// Keys returns the keys of a namespace, sorted.
func (s *Store) Keys(namespace string) []string {
	s.mu.RLock()
	var keys []string
	for k := range s.values {
		if k.ns == namespace {
			keys = append(keys, k.key)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Watch registers fn for changes in namespace. An empty namespace watches
// everything. The returned function removes the listener.
func (s *Store) Watch(namespace string, fn Listener) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	s.lmu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, ns: namespace, fn: fn})
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(c Change) {
	s.lmu.RLock()
	targets := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		if l.ns == "" || l.ns == c.Namespace {
			targets = append(targets, l.fn)
		}
	}
	s.lmu.RUnlock()

	for _, fn := range targets {
		func() {
			defer func() { _ = recover() }()
			fn(c)
		}()
	}
}

// RetrieveAs returns the value at namespace/key converted to T, or def if
// the value is absent or holds another type.
func RetrieveAs[T any](s *Store, namespace, key string, def T) T {
	v, ok := s.Lookup(namespace, key)
	if !ok {
		return def
	}
	if t, ok := v.(T); ok {
		return t
	}
	return def
}

// RetrieveString returns the value at namespace/key formatted as a string.
func RetrieveString(s *Store, namespace, key, def string) string {
	v, ok := s.Lookup(namespace, key)
	if !ok {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}
