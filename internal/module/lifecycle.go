package module

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/keyforge/internal/channel"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/runloop"
)

// ModuleRegisteredEvent is triggered after a module is registered.
// Lifecycle notifications carry a "module_id" parameter.
func ModuleRegisteredEvent(id string) string { return "module." + id + ".registered" }

// ModuleActivatedEvent is triggered after a module becomes active.
func ModuleActivatedEvent(id string) string { return "module." + id + ".activated" }

// ModuleDeactivatedEvent is triggered after a module becomes inactive.
func ModuleDeactivatedEvent(id string) string { return "module." + id + ".deactivated" }

// RegisterModule adds m in the Registered state and runs its Register hook.
// Integrated modules are built into the host; external ones were loaded at
// runtime and always receive events asynchronously in flat form.
// A duplicate id fails with ErrDuplicateModule. If the hook fails the
// module is removed again.
func (c *Context) RegisterModule(ctx context.Context, m Module, integrated bool, opts ...RegisterOption) error {
	if m == nil || m.ID() == "" {
		return ErrInvalidModule
	}
	id := m.ID()

	rec := &record{
		module:     m,
		id:         id,
		meta:       m.Metadata(),
		integrated: integrated,
		channel:    channel.DefaultChannel,
		mode:       DeliverySync,
		registered: time.Now(),
		state:      StateRegistered,
		listening:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(rec)
	}
	if !integrated {
		rec.mode = DeliveryAsync
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	if _, exists := c.modules[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("module %q: %w", id, ErrDuplicateModule)
	}
	rec.runner = runloop.NewLoop("module:"+id, runloop.WithLoopPanicHandler(c.onTaskPanic))
	c.modules[id] = rec
	c.order = append(c.order, id)
	c.mu.Unlock()

	rec.lifecycle.Lock()
	err := m.Register(ctx, c)
	rec.lifecycle.Unlock()

	if err != nil {
		c.remove(id)
		_ = rec.runner.Close(context.Background())
		return fmt.Errorf("module %q: register: %w", id, err)
	}

	c.logger.WithFields(map[string]any{
		"module":     id,
		"integrated": integrated,
		"channel":    rec.channel,
	}).Info("module registered")
	c.notify(ModuleRegisteredEvent(id), id)
	return nil
}

func (c *Context) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.modules, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Context) lookup(id string) (*record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.modules[id]
	if !ok {
		return nil, fmt.Errorf("module %q: %w", id, ErrModuleNotFound)
	}
	return rec, nil
}

// ActivateModule moves a module to Active, running its Activate hook.
// Activating an active module is a no-op.
func (c *Context) ActivateModule(ctx context.Context, id string) error {
	rec, err := c.lookup(id)
	if err != nil {
		return err
	}
	changed, err := c.activate(ctx, rec)
	if err != nil || !changed {
		return err
	}
	// Listeners may call back into the lifecycle of this module.
	c.notify(ModuleActivatedEvent(id), id)
	return nil
}

func (c *Context) activate(ctx context.Context, rec *record) (bool, error) {
	rec.lifecycle.Lock()
	defer rec.lifecycle.Unlock()

	c.mu.RLock()
	state, closed := rec.state, c.closed
	c.mu.RUnlock()
	if state == StateActive {
		return false, nil
	}
	if closed {
		return false, ErrContextClosed
	}

	if err := rec.module.Activate(ctx); err != nil {
		return false, fmt.Errorf("module %q: activate: %w", rec.id, err)
	}

	c.mu.Lock()
	rec.state = StateActive
	c.mu.Unlock()

	c.logger.WithField("module", rec.id).Info("module activated")
	return true, nil
}

// DeactivateModule moves an active module to Inactive, running its
// Deactivate hook. Modules that are not active are left as they are.
func (c *Context) DeactivateModule(ctx context.Context, id string) error {
	rec, err := c.lookup(id)
	if err != nil {
		return err
	}
	changed, err := c.deactivate(ctx, rec)
	if err != nil || !changed {
		return err
	}
	c.notify(ModuleDeactivatedEvent(id), id)
	return nil
}

func (c *Context) deactivate(ctx context.Context, rec *record) (bool, error) {
	rec.lifecycle.Lock()
	defer rec.lifecycle.Unlock()

	c.mu.RLock()
	state := rec.state
	c.mu.RUnlock()
	if state != StateActive {
		return false, nil
	}

	// Stop delivery before the hook runs so no event reaches a module that
	// is tearing down.
	c.mu.Lock()
	rec.state = StateInactive
	c.mu.Unlock()

	if err := rec.module.Deactivate(ctx); err != nil {
		c.mu.Lock()
		rec.state = StateActive
		c.mu.Unlock()
		return false, fmt.Errorf("module %q: deactivate: %w", rec.id, err)
	}

	c.logger.WithField("module", rec.id).Info("module deactivated")
	return true, nil
}

// ListenEvent subscribes a module to an event id. Subscriptions are
// accepted in every state; only active modules receive events.
func (c *Context) ListenEvent(moduleID, eventID string) error {
	if eventID == "" {
		return ErrInvalidEventID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.modules[moduleID]
	if !ok {
		return fmt.Errorf("module %q: %w", moduleID, ErrModuleNotFound)
	}
	rec.listening[eventID] = struct{}{}
	return nil
}

// UnlistenEvent removes a subscription. Returns false if there was none.
func (c *Context) UnlistenEvent(moduleID, eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.modules[moduleID]
	if !ok {
		return false
	}
	if _, ok := rec.listening[eventID]; !ok {
		return false
	}
	delete(rec.listening, eventID)
	return true
}

// GetModuleListening returns the event ids the module is subscribed to,
// sorted.
func (c *Context) GetModuleListening(moduleID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.modules[moduleID]
	if !ok {
		return nil, fmt.Errorf("module %q: %w", moduleID, ErrModuleNotFound)
	}
	ids := make([]string, 0, len(rec.listening))
	for id := range rec.listening {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListenersOf returns the ids of modules subscribed to eventID, in
// registration order, regardless of their state.
func (c *Context) ListenersOf(eventID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for _, id := range c.order {
		if _, ok := c.modules[id].listening[eventID]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsModuleActivated reports whether the module exists and is active.
func (c *Context) IsModuleActivated(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.modules[id]
	return ok && rec.state == StateActive
}

// IsIntegratedModule reports whether the module exists and is integrated.
func (c *Context) IsIntegratedModule(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.modules[id]
	return ok && rec.integrated
}

// SearchModule returns the module with the given id.
func (c *Context) SearchModule(id string) (Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.modules[id]
	if !ok {
		return nil, false
	}
	return rec.module, true
}

// ListAllRegisteredModuleID returns every module id in registration order.
func (c *Context) ListAllRegisteredModuleID() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// GetRegisteredModuleNum returns the number of registered modules.
func (c *Context) GetRegisteredModuleNum() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.modules)
}

// Info is a snapshot of a module record.
type Info struct {
	ID           string
	Metadata     Metadata
	State        State
	Integrated   bool
	Channel      channel.ID
	Delivery     DeliveryMode
	Listening    []string
	RegisteredAt time.Time
}

// ModuleInfo returns a snapshot of one module.
func (c *Context) ModuleInfo(id string) (Info, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.modules[id]
	if !ok {
		return Info{}, fmt.Errorf("module %q: %w", id, ErrModuleNotFound)
	}
	return rec.info(), nil
}

// ListModules returns a snapshot of every module in registration order.
func (c *Context) ListModules() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.modules[id].info())
	}
	return out
}

// info must be called with Context.mu held.
func (r *record) info() Info {
	listening := make([]string, 0, len(r.listening))
	for id := range r.listening {
		listening = append(listening, id)
	}
	sort.Strings(listening)
	return Info{
		ID:           r.id,
		Metadata:     r.meta,
		State:        r.state,
		Integrated:   r.integrated,
		Channel:      r.channel,
		Delivery:     r.mode,
		Listening:    listening,
		RegisteredAt: r.registered,
	}
}

// notify publishes a lifecycle notification to observers and listeners.
func (c *Context) notify(eventID, moduleID string) {
	c.TriggerEvent(event.New(eventID, event.Params{"module_id": moduleID}, nil,
		event.WithLogger(c.logger)))
}
