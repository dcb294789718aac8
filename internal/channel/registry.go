// Package channel isolates per-context services.
//
// A channel is an integer id naming an independent cryptographic context.
// Every service type has at most one instance per channel, built lazily the
// first time it is requested. Distinct channels never share an instance.
package channel

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"
)

// ID identifies a channel.
type ID int

// DefaultChannel is used by callers that do not need isolation.
const DefaultChannel ID = 0

// ErrNilConstructor is returned when a service is requested for the first
// time without a constructor.
var ErrNilConstructor = errors.New("channel: nil constructor")

type serviceKey struct {
	typ reflect.Type
	ch  ID
}

// entry guards construction of a single (type, channel) service.
// A dead entry has been removed by Teardown and must not be filled.
type entry struct {
	mu    sync.Mutex
	ready bool
	dead  bool
	value any
}

// Registry holds channel-scoped service singletons. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[serviceKey]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[serviceKey]*entry)}
}

func (r *Registry) entryFor(k serviceKey) *entry {
	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[k]; ok {
		return e
	}
	e = &entry{}
	r.entries[k] = e
	return e
}

// liveEntry returns the entry for k with its guard held. An entry torn down
// between the map lookup and the lock is skipped for its replacement.
func (r *Registry) liveEntry(k serviceKey) *entry {
	for {
		e := r.entryFor(k)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// Get returns the T service of channel ch, constructing it with ctor on the
// first request. Once a service exists, ctor is ignored: the constructor of
// the first successful call wins. A failed construction is not cached, so
// the next call retries.
//
// Construction runs under a guard private to (T, ch); constructors for other
// types or channels proceed concurrently.
func Get[T any](r *Registry, ch ID, ctor func(ID) (T, error)) (T, error) {
	var zero T
	k := serviceKey{typ: reflect.TypeFor[T](), ch: ch}
	e := r.liveEntry(k)
	defer e.mu.Unlock()

	if e.ready {
		return e.value.(T), nil
	}
	if ctor == nil {
		return zero, fmt.Errorf("%w for %v on channel %d", ErrNilConstructor, k.typ, ch)
	}

	v, err := ctor(ch)
	if err != nil {
		return zero, fmt.Errorf("channel %d: construct %v: %w", ch, k.typ, err)
	}
	e.value = v
	e.ready = true
	return v, nil
}

// MustGet is like Get for constructors that cannot fail.
func MustGet[T any](r *Registry, ch ID, ctor func(ID) T) T {
	v, err := Get(r, ch, func(id ID) (T, error) { return ctor(id), nil })
	if err != nil {
		// Only reachable with a nil ctor on first use.
		panic(err)
	}
	return v
}

// Lookup returns the T service of channel ch without constructing it.
func Lookup[T any](r *Registry, ch ID) (T, bool) {
	var zero T
	k := serviceKey{typ: reflect.TypeFor[T](), ch: ch}

	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if !ok {
		return zero, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return zero, false
	}
	return e.value.(T), true
}

// Channels returns the ids of channels holding at least one service, sorted.
func (r *Registry) Channels() []ID {
	r.mu.RLock()
	snapshot := make(map[serviceKey]*entry, len(r.entries))
	for k, e := range r.entries {
		snapshot[k] = e
	}
	r.mu.RUnlock()

	// Entry guards are taken without r.mu so a constructor that calls back
	// into the registry cannot deadlock against this scan.
	seen := make(map[ID]struct{})
	for k, e := range snapshot {
		e.mu.Lock()
		if e.ready {
			seen[k.ch] = struct{}{}
		}
		e.mu.Unlock()
	}

	ids := make([]ID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Teardown drops every service of channel ch. Services implementing
// io.Closer are closed; their errors are joined and returned. The next Get
// on the channel constructs fresh instances.
func (r *Registry) Teardown(ch ID) error {
	r.mu.Lock()
	var victims []*entry
	for k, e := range r.entries {
		if k.ch == ch {
			victims = append(victims, e)
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range victims {
		e.mu.Lock()
		v, ready := e.value, e.ready
		e.value, e.ready, e.dead = nil, false, true
		e.mu.Unlock()

		if !ready {
			continue
		}
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close tears down every channel.
func (r *Registry) Close() error {
	var errs []error
	for _, ch := range r.Channels() {
		if err := r.Teardown(ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
