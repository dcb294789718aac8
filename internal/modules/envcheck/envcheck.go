// Package envcheck is the integrated module that decides whether the
// environment is ready.
//
// On activation it runs its checks on the global worker pool through the
// backend runner and publishes the outcome:
//
//	core/env.state.<check>  1 or 0 per check
//	core/env.state.all      1 when every check passed
//
// followed by an ENV_STATE_CHECKED event. UI surfaces poll env.state.all
// or block in WaitReady.
package envcheck

import (
	"context"
	"errors"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/keyforge/internal/channel"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/module"
	"github.com/dshills/keyforge/internal/opera"
	"github.com/dshills/keyforge/internal/rtvalue"
)

// ID is the module id.
const ID = "com.keyforge.core.envcheck"

// Runtime value locations.
const (
	Namespace = "core"
	KeyAll    = "env.state.all"
	keyPrefix = "env.state."
)

// ErrNoHost indicates the module was used before registration.
var ErrNoHost = errors.New("envcheck: module not registered")

// Check is one readiness check. A nil error means ready.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// LookPath returns a check that passes when one of the named executables
// is on PATH.
func LookPath(name string, executables ...string) Check {
	return Check{
		Name: name,
		Run: func(context.Context) error {
			var errs []error
			for _, exe := range executables {
				_, err := exec.LookPath(exe)
				if err == nil {
					return nil
				}
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	}
}

// Module publishes environment readiness.
type Module struct {
	module.Base

	runner *opera.Runner
	checks []Check

	mu   sync.RWMutex
	host module.Host
}

// New creates the module. checks run in order on every pass.
func New(runner *opera.Runner, checks ...Check) *Module {
	return &Module{
		Base: module.Base{
			ModuleID: ID,
			Meta: module.Metadata{
				Name:        "Environment Check",
				Version:     "1.0.0",
				Author:      "keyforge",
				Description: "Checks that the environment is ready and publishes env.state.all.",
			},
		},
		runner: runner,
		checks: checks,
	}
}

// Register subscribes to check requests.
func (m *Module) Register(_ context.Context, host module.Host) error {
	m.mu.Lock()
	m.host = host
	m.mu.Unlock()
	return host.ListenEvent(ID, event.EnvironmentCheckRequest)
}

// Activate starts an asynchronous check pass.
func (m *Module) Activate(ctx context.Context) error {
	return m.CheckAsync(context.WithoutCancel(ctx))
}

// Exec answers REQUEST_ENV_CHECK with a synchronous pass.
func (m *Module) Exec(ctx context.Context, evt *event.Event) (event.Params, error) {
	if evt.ID() != event.EnvironmentCheckRequest {
		return nil, nil
	}
	host, err := m.hostOrErr()
	if err != nil {
		return nil, err
	}
	ch, _ := host.GetChannel(ID)
	res, err := m.runner.RunSync(ctx, ch, "env-check", m.run)
	ok := m.publish(res, err)
	return event.Params{"state": flag(ok)}, nil
}

// CheckAsync runs a pass on the worker pool and publishes its outcome from
// there.
func (m *Module) CheckAsync(ctx context.Context) error {
	host, err := m.hostOrErr()
	if err != nil {
		return err
	}
	ch, _ := host.GetChannel(ID)
	return m.runner.RunAsync(ctx, ch, "env-check", m.run, nil, func(res opera.Result, err error) {
		m.publish(res, err)
	})
}

func (m *Module) hostOrErr() (module.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.host == nil {
		return nil, ErrNoHost
	}
	return m.host, nil
}

func (m *Module) run(ctx context.Context, _ channel.ID) (opera.Result, error) {
	res := make(opera.Result, len(m.checks))
	for _, c := range m.checks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := c.Run(ctx)
		res[c.Name] = err == nil
		if err != nil {
			res[c.Name+".error"] = err.Error()
		}
	}
	return res, nil
}

// publish stores the per-check and overall state and announces it.
func (m *Module) publish(res opera.Result, runErr error) bool {
	host, err := m.hostOrErr()
	if err != nil {
		return false
	}
	log := host.Logger().WithField("module", ID)
	rt := host.RTValues()

	all := runErr == nil
	var failed []string
	for _, c := range m.checks {
		ok := runErr == nil && res.Bool(c.Name)
		rt.Upsert(Namespace, keyPrefix+c.Name, boolInt(ok))
		if !ok {
			all = false
			failed = append(failed, c.Name)
			log.Warn("check %s failed: %s", c.Name, res.String(c.Name+".error"))
		}
	}
	if runErr != nil {
		log.Error("environment check aborted: %v", runErr)
	}
	rt.Upsert(Namespace, KeyAll, boolInt(all))

	sort.Strings(failed)
	host.TriggerEvent(event.New(event.EnvironmentChecked, event.Params{
		"state":  flag(all),
		"failed": strings.Join(failed, ","),
	}, nil, event.WithLogger(log)))
	return all
}

// Ready reports whether the last pass succeeded.
func Ready(rt *rtvalue.Store) bool {
	return rtvalue.RetrieveAs(rt, Namespace, KeyAll, 0) == 1
}

// WaitReady blocks until env.state.all becomes 1 or ctx ends.
func WaitReady(ctx context.Context, rt *rtvalue.Store) error {
	ready := make(chan struct{})
	var once sync.Once
	cancel := rt.Watch(Namespace, func(c rtvalue.Change) {
		if c.Key == KeyAll && c.New == 1 {
			once.Do(func() { close(ready) })
		}
	})
	defer cancel()

	if Ready(rt) {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
