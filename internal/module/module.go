package module

import (
	"context"

	"github.com/dshills/keyforge/internal/abi"
	"github.com/dshills/keyforge/internal/channel"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/rtvalue"
	"github.com/dshills/keyforge/internal/secure"
)

// Metadata describes a module.
type Metadata struct {
	Name        string
	Version     string
	SDKVersion  string
	Author      string
	Description string

	// Hash identifies the module build. A change in hash resets the
	// module's auto-activation setting.
	Hash string

	// Path is where an external module was loaded from.
	Path string
}

// Host is the view of the runtime given to a module.
type Host interface {
	ListenEvent(moduleID, eventID string) error
	TriggerEvent(evt *event.Event) bool
	GetChannel(moduleID string) (channel.ID, error)
	Channels() *channel.Registry
	RTValues() *rtvalue.Store
	Allocator() *secure.Allocator
	Logger() *logging.Logger
}

// Module is an extension hosted by the runtime.
//
// Register runs once when the module is added and typically subscribes to
// events through the host. Activate and Deactivate run on state changes.
// A hook that returns an error leaves the module in its previous state.
type Module interface {
	ID() string
	Metadata() Metadata
	Register(ctx context.Context, host Host) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Exec(ctx context.Context, evt *event.Event) (event.Params, error)
}

// FlatHandler is implemented by external modules. It receives events in
// their boundary form and owns req. A zero status means success; reply
// may be nil and is owned by the host once returned.
type FlatHandler interface {
	ExecFlat(ctx context.Context, req *abi.FlatEvent) (status int, reply *abi.FlatEvent)
}

// Base provides no-op hooks. Embed it to implement only what is needed.
type Base struct {
	ModuleID string
	Meta     Metadata
}

// ID returns the module id.
func (b *Base) ID() string { return b.ModuleID }

// Metadata returns the module metadata.
func (b *Base) Metadata() Metadata { return b.Meta }

// Register does nothing.
func (b *Base) Register(context.Context, Host) error { return nil }

// Activate does nothing.
func (b *Base) Activate(context.Context) error { return nil }

// Deactivate does nothing.
func (b *Base) Deactivate(context.Context) error { return nil }

// Exec ignores the event.
func (b *Base) Exec(context.Context, *event.Event) (event.Params, error) { return nil, nil }

// Func is a module whose only behavior is its event handler.
type Func struct {
	Base
	Events  []string
	Handler func(ctx context.Context, evt *event.Event) (event.Params, error)
}

// NewFunc creates a Func module listening to events.
func NewFunc(id string, handler func(context.Context, *event.Event) (event.Params, error), events ...string) *Func {
	return &Func{
		Base:    Base{ModuleID: id, Meta: Metadata{Name: id}},
		Events:  events,
		Handler: handler,
	}
}

// Register subscribes to the configured events.
func (f *Func) Register(_ context.Context, host Host) error {
	for _, id := range f.Events {
		if err := host.ListenEvent(f.ModuleID, id); err != nil {
			return err
		}
	}
	return nil
}

// Exec calls the handler.
func (f *Func) Exec(ctx context.Context, evt *event.Event) (event.Params, error) {
	if f.Handler == nil {
		return nil, nil
	}
	return f.Handler(ctx, evt)
}
