package module

import (
	"context"
	"fmt"

	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/event/dispatch"
)

// TriggerEvent delivers evt to every active module listening to its id.
//
// The set of listeners is captured when the call is made. Integrated
// modules with sync delivery run on the calling goroutine; every other
// listener runs on its module's task runner. A listener that was
// deactivated after the capture is skipped. Failures and panics are
// logged and never reach the caller or other listeners.
//
// Returns true if at least one listener was found. Observers are notified
// either way.
func (c *Context) TriggerEvent(evt *event.Event) bool {
	if err := evt.Validate(); err != nil {
		c.logger.Warn("trigger rejected: %v", err)
		return false
	}
	c.triggered.Add(1)

	snap := evt.Snapshot()
	c.observers.publish(snap)

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		c.unheard.Add(1)
		return false
	}
	var listeners []*record
	for _, id := range c.order {
		rec := c.modules[id]
		if rec.state != StateActive {
			continue
		}
		if _, ok := rec.listening[snap.ID()]; ok {
			listeners = append(listeners, rec)
		}
	}
	c.mu.RUnlock()

	if len(listeners) == 0 {
		c.unheard.Add(1)
		c.logger.WithField("event", snap.ID()).Debug("no listener for event")
		return false
	}

	c.track(snap, len(listeners))

	for _, rec := range listeners {
		if rec.integrated && rec.mode == DeliverySync {
			c.deliver(rec, snap)
			continue
		}
		r := rec
		if !r.runner.Post(func() { c.deliver(r, snap) }) {
			c.dropped.Add(1)
			c.untrack(snap.TriggerID())
			c.logger.WithFields(map[string]any{
				"module": r.id,
				"event":  snap.ID(),
			}).Warn("delivery dropped: module task runner is closed")
		}
	}
	return true
}

// Trigger builds an event and triggers it. The callback, if any, runs on
// the goroutine delivering each reply unless opts bind it to a runner.
func (c *Context) Trigger(id string, params event.Params, cb event.Callback, opts ...event.Option) (*event.Event, bool) {
	opts = append([]event.Option{event.WithLogger(c.logger)}, opts...)
	evt := event.New(id, params, cb, opts...)
	return evt, c.TriggerEvent(evt)
}

// deliver runs one listener and forwards its reply to the callback.
func (c *Context) deliver(rec *record, evt *event.Event) {
	defer c.untrack(evt.TriggerID())

	if !c.IsModuleActivated(rec.id) {
		c.skipped.Add(1)
		return
	}

	log := c.logger.WithFields(map[string]any{
		"module":  rec.id,
		"event":   evt.ID(),
		"trigger": evt.TriggerID(),
	})

	res := c.dispatcher.Dispatch(context.Background(), evt, c.handlerFor(rec))
	switch {
	case res.Skipped:
		c.skipped.Add(1)
		return
	case res.Panicked:
		c.panicked.Add(1)
		err := &PanicError{ModuleID: rec.id, EventID: evt.ID(), Value: res.PanicValue, Stack: string(res.PanicStack)}
		log.Error("%v", err)
		return
	case res.Error != nil:
		c.failed.Add(1)
		err := &HandlerError{ModuleID: rec.id, EventID: evt.ID(), Err: res.Error}
		log.Warn("%v", err)
		return
	}

	c.delivered.Add(1)
	if evt.HasCallback() {
		if err := evt.ExecuteCallback(rec.id, res.Reply); err != nil {
			c.failed.Add(1)
		}
	}
}

// handlerFor adapts a module to the dispatcher. External modules speaking
// the flat ABI receive a flat copy of the event built from the shared
// allocator.
func (c *Context) handlerFor(rec *record) dispatch.Handler {
	fh, flat := rec.module.(FlatHandler)
	if rec.integrated || !flat {
		return dispatch.HandlerFunc(rec.module.Exec)
	}
	return dispatch.HandlerFunc(func(ctx context.Context, evt *event.Event) (event.Params, error) {
		req, err := evt.ToFlat(c.alloc)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		// The module owns req, but if it fails before consuming it the
		// blocks must still go back. Release is a no-op once drained.
		defer req.Release(c.alloc)

		status, reply := fh.ExecFlat(ctx, req)
		_, _, params := reply.Drain(c.alloc)
		if status != 0 {
			return nil, &StatusError{Status: status}
		}
		return params, nil
	})
}

func (c *Context) track(evt *event.Event, listeners int) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if f, ok := c.inflight[evt.TriggerID()]; ok {
		f.pending += listeners
		return
	}
	c.inflight[evt.TriggerID()] = &inflight{evt: evt, pending: listeners}
}

func (c *Context) untrack(triggerID string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	f, ok := c.inflight[triggerID]
	if !ok {
		return
	}
	f.pending--
	if f.pending <= 0 {
		delete(c.inflight, triggerID)
	}
}

// SearchEvent returns the event with the given trigger id while it is
// still being delivered.
func (c *Context) SearchEvent(triggerID string) (*event.Event, bool) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	f, ok := c.inflight[triggerID]
	if !ok {
		return nil, false
	}
	return f.evt, true
}
