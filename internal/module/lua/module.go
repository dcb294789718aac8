package lua

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/keyforge/internal/abi"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/module"
	"github.com/dshills/keyforge/internal/secure"
)

// Status codes returned by ExecFlat.
const (
	StatusOK          = 0
	StatusScriptError = 1
	StatusNoHandler   = 2
	StatusBadInput    = 3
)

// Lua hook names.
const (
	hookRegister   = "register"
	hookActivate   = "activate"
	hookDeactivate = "deactivate"
	hookOnEvent    = "on_event"
)

// Module hosts one external Lua module. It implements module.Module and
// module.FlatHandler.
type Module struct {
	manifest *Manifest
	state    *State

	mu     sync.RWMutex
	host   module.Host
	alloc  *secure.Allocator
	logger *logging.Logger
}

// New creates a module from a manifest. The entry file runs at Register.
func New(m *Manifest, opts ...StateOption) *Module {
	return &Module{
		manifest: m,
		state:    NewState(opts...),
		logger:   logging.Null(),
	}
}

// ID returns the manifest id.
func (m *Module) ID() string { return m.manifest.ID }

// Metadata returns the manifest as module metadata.
func (m *Module) Metadata() module.Metadata { return m.manifest.Metadata() }

// Manifest returns the module manifest.
func (m *Module) Manifest() *Manifest { return m.manifest }

func (m *Module) env() (module.Host, *secure.Allocator, *logging.Logger) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.host, m.alloc, m.logger
}

// Register binds the module to host, installs the gf API, subscribes to
// the manifest events and runs the entry file followed by its register
// hook.
func (m *Module) Register(ctx context.Context, host module.Host) error {
	m.mu.Lock()
	m.host = host
	m.alloc = host.Allocator()
	m.logger = host.Logger().WithField("module", m.ID())
	m.mu.Unlock()

	m.state.RegisterModule("gf", m.api())

	for _, id := range m.manifest.Events {
		if err := host.ListenEvent(m.ID(), id); err != nil {
			return fmt.Errorf("listen %q: %w", id, err)
		}
	}

	if err := m.state.DoFile(ctx, m.manifest.EntryPath()); err != nil {
		return fmt.Errorf("load %s: %w", m.manifest.Entry, err)
	}
	return m.callHook(ctx, hookRegister)
}

// Activate runs the activate hook if the script defines one.
func (m *Module) Activate(ctx context.Context) error {
	return m.callHook(ctx, hookActivate)
}

// Deactivate runs the deactivate hook if the script defines one.
func (m *Module) Deactivate(ctx context.Context) error {
	return m.callHook(ctx, hookDeactivate)
}

func (m *Module) callHook(ctx context.Context, name string) error {
	if host, _, _ := m.env(); host == nil {
		return ErrNotRegistered
	}
	if !m.state.HasFunction(name) {
		return nil
	}
	_, err := m.state.Call(ctx, name, nil)
	if err != nil {
		return fmt.Errorf("%s hook: %w", name, err)
	}
	return nil
}

// Exec delivers evt without going through the flat form.
func (m *Module) Exec(ctx context.Context, evt *event.Event) (event.Params, error) {
	status, reply := m.handle(ctx, evt.ID(), evt.TriggerID(), evt.Params())
	if status != StatusOK {
		return nil, &module.StatusError{Status: status}
	}
	return reply, nil
}

// ExecFlat consumes req, runs on_event and returns the reply in flat form.
// Nothing panics out of this call.
func (m *Module) ExecFlat(ctx context.Context, req *abi.FlatEvent) (status int, reply *abi.FlatEvent) {
	_, alloc, log := m.env()
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked: %v\n%s", r, debug.Stack())
			status, reply = StatusScriptError, nil
		}
	}()

	if req == nil || alloc == nil {
		return StatusBadInput, nil
	}
	id, trig, params := req.Drain(alloc)
	if id == "" {
		return StatusBadInput, nil
	}

	status, out := m.handle(ctx, id, trig, params)
	if status != StatusOK {
		return status, nil
	}

	fe, err := abi.NewFlatEvent(alloc, id, trig, out)
	if err != nil {
		log.Error("build reply for %q: %v", id, err)
		return StatusOK, nil
	}
	return StatusOK, fe
}

// handle calls on_event(evt) where evt is {id=, trigger_id=, params={}}.
// The script returns an optional status followed by an optional params
// table; a lone table means success.
func (m *Module) handle(ctx context.Context, id, trig string, params map[string]string) (int, event.Params) {
	_, _, log := m.env()
	if !m.state.HasFunction(hookOnEvent) {
		log.Warn("event %q delivered but on_event is not defined", id)
		return StatusNoHandler, nil
	}

	results, err := m.state.Call(ctx, hookOnEvent, func(L *lua.LState) []lua.LValue {
		evt := L.CreateTable(0, 3)
		evt.RawSetString("id", lua.LString(id))
		evt.RawSetString("trigger_id", lua.LString(trig))
		evt.RawSetString("params", paramsToTable(L, params))
		return []lua.LValue{evt}
	})
	if err != nil {
		log.Warn("on_event %q: %v", id, err)
		return StatusScriptError, nil
	}
	return parseResults(results)
}

func parseResults(results []lua.LValue) (int, event.Params) {
	if len(results) == 0 {
		return StatusOK, nil
	}

	status := StatusOK
	rest := results
	switch v := results[0].(type) {
	case lua.LNumber:
		f := float64(v)
		if f != float64(int(f)) {
			return StatusScriptError, nil
		}
		status = int(f)
		rest = results[1:]
	case *lua.LNilType:
		rest = results[1:]
	case *lua.LTable:
	default:
		return StatusScriptError, nil
	}

	if status != StatusOK || len(rest) == 0 {
		return status, nil
	}
	t, ok := rest[0].(*lua.LTable)
	if !ok {
		return status, nil
	}
	return status, tableToParams(t)
}

// Close releases the Lua state.
func (m *Module) Close() error {
	return m.state.Close()
}
