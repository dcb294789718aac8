package event

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/keyforge/internal/abi"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/runloop"
	"github.com/dshills/keyforge/internal/secure"
)

// Params maps parameter names to values.
type Params map[string]string

// Clone returns an independent copy. A nil map clones to an empty one.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Callback receives a listener's reply. It is invoked on the execution
// context the event was bound to.
type Callback func(eventID, listenerID string, params Params)

// Event is a named occurrence with parameters and an optional callback.
// It is safe for concurrent use.
type Event struct {
	id        string
	triggerID string
	created   time.Time

	mu     sync.RWMutex
	params Params

	callback Callback
	runner   runloop.TaskRunner
	logger   *logging.Logger
}

// Option configures an Event.
type Option func(*Event)

// WithRunner binds the callback to the given execution context.
// Without a runner the callback runs on the goroutine delivering the reply.
func WithRunner(r runloop.TaskRunner) Option {
	return func(e *Event) {
		e.runner = r
	}
}

// WithLogger sets the logger used to report delivery failures.
func WithLogger(l *logging.Logger) Option {
	return func(e *Event) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTriggerID overrides the generated trigger id. Used when an event is
// rebuilt from its flat form.
func WithTriggerID(id string) Option {
	return func(e *Event) {
		if id != "" {
			e.triggerID = id
		}
	}
}

// New creates an event. The params map is copied; cb may be nil.
func New(id string, params Params, cb Callback, opts ...Option) *Event {
	e := &Event{
		id:        id,
		triggerID: uuid.New().String(),
		created:   time.Now(),
		params:    params.Clone(),
		callback:  cb,
		logger:    logging.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("event")
	return e
}

// ID returns the event identifier.
func (e *Event) ID() string {
	return e.id
}

// TriggerID returns the id of this occurrence. It never changes.
func (e *Event) TriggerID() string {
	return e.triggerID
}

// Created returns when the event was constructed.
func (e *Event) Created() time.Time {
	return e.created
}

// Validate reports whether the event can be dispatched.
func (e *Event) Validate() error {
	if e == nil || e.id == "" {
		return ErrInvalidEvent
	}
	return nil
}

// AddParameter sets key to value. A later call with the same key wins.
func (e *Event) AddParameter(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params[key] = value
}

// Param returns the value of key.
func (e *Event) Param(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.params[key]
	return v, ok
}

// Params returns a copy of the parameters.
func (e *Event) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.Clone()
}

// HasCallback reports whether a callback is attached.
func (e *Event) HasCallback() bool {
	return e.callback != nil
}

// Snapshot returns a copy sharing identity, callback and execution context
// but holding its own parameters. Later changes to e are not visible in
// the copy.
func (e *Event) Snapshot() *Event {
	return &Event{
		id:        e.id,
		triggerID: e.triggerID,
		created:   e.created,
		params:    e.Params(),
		callback:  e.callback,
		runner:    e.runner,
		logger:    e.logger,
	}
}

// ExecuteCallback delivers a listener's reply to the callback.
// The callback is posted onto the bound execution context and this call
// returns without waiting for it. If that context no longer accepts work,
// the failure is logged and ErrContextGone is returned.
func (e *Event) ExecuteCallback(listenerID string, params Params) error {
	if e.callback == nil {
		return nil
	}

	cb, id := e.callback, e.id
	reply := params.Clone()
	invoke := func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.WithFields(map[string]any{
					"event":    id,
					"listener": listenerID,
				}).Error("callback panicked: %v\n%s", r, debug.Stack())
			}
		}()
		cb(id, listenerID, reply)
	}

	if e.runner == nil {
		invoke()
		return nil
	}
	if !e.runner.Post(invoke) {
		e.logger.WithFields(map[string]any{
			"event":    id,
			"listener": listenerID,
			"runner":   e.runner.Name(),
		}).Warn("callback dropped: execution context is gone")
		return fmt.Errorf("event %q: %w", id, ErrContextGone)
	}
	return nil
}

// ToFlat converts the event to its boundary form using alloc.
// The receiver of the result owns it.
func (e *Event) ToFlat(alloc *secure.Allocator) (*abi.FlatEvent, error) {
	return abi.NewFlatEvent(alloc, e.id, e.triggerID, e.Params())
}

// FromFlat drains fe into a new event. The flat event is freed.
// The trigger id is preserved; a missing one is regenerated.
func FromFlat(alloc *secure.Allocator, fe *abi.FlatEvent, cb Callback, opts ...Option) *Event {
	id, triggerID, params := fe.Drain(alloc)
	opts = append(opts, WithTriggerID(triggerID))
	return New(id, params, cb, opts...)
}

// Equal reports whether both events have the same identifier.
func (e *Event) Equal(o *Event) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.id == o.id
}

// Less orders events by identifier.
func (e *Event) Less(o *Event) bool {
	return e.id < o.id
}

// String returns a short description for logs.
func (e *Event) String() string {
	return fmt.Sprintf("Event(%s, trigger=%s)", e.id, e.triggerID)
}
