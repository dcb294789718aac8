// Package app wires the keyforge runtime together: configuration, logging,
// the global worker pool, the module context, the module settings store,
// the integrated modules and the external modules found on disk.
package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/keyforge/internal/config"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/module"
	"github.com/dshills/keyforge/internal/modules/envcheck"
	"github.com/dshills/keyforge/internal/modules/passcache"
	"github.com/dshills/keyforge/internal/opera"
	"github.com/dshills/keyforge/internal/runloop"
	"github.com/dshills/keyforge/internal/settings"
)

// Application owns every runtime component.
type Application struct {
	mu sync.RWMutex

	// Core infrastructure
	config   config.Config
	logger   *logging.Logger
	pool     *runloop.Pool
	modules  *module.Context
	runner   *opera.Runner
	settings *settings.Store

	// Integrated modules
	envcheck  *envcheck.Module
	passcache *passcache.Module

	// External modules
	external []string
	failures []*LoadError

	started atomic.Bool
	closed  atomic.Bool

	opts Options
}

// Options configures the application.
type Options struct {
	// ConfigPath is the configuration file. Empty means config.DefaultPath.
	ConfigPath string

	// Config is used as is when set, skipping file and environment loading.
	Config *config.Config

	// LogLevel overrides the configured level when not empty.
	LogLevel string

	// LogOutput receives log lines. Defaults to stderr.
	LogOutput io.Writer

	// ModulePaths replaces the external module search paths.
	ModulePaths []string

	// Checks replaces the default environment checks.
	Checks []envcheck.Check

	// PassphraseTTL expires cached passphrases. Zero keeps them until
	// forgotten.
	PassphraseTTL time.Duration
}

// New loads configuration and builds the runtime. Modules are registered
// and activated by Start.
func New(opts Options) (*Application, error) {
	app := &Application{opts: opts}
	if err := newBootstrapper(app, opts).bootstrap(); err != nil {
		return nil, err
	}
	return app, nil
}

// Start registers and activates the integrated modules, loads the external
// modules unless disabled, activates those flagged for auto activation and
// triggers APPLICATION_LOADED.
func (app *Application) Start(ctx context.Context) error {
	if app.closed.Load() {
		return ErrClosed
	}
	if !app.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := app.startIntegrated(ctx); err != nil {
		return err
	}
	app.loadExternal(ctx)

	app.modules.TriggerEvent(event.New(event.ApplicationLoaded, nil, nil))
	app.logger.Info("application loaded: %d modules, %d load failures",
		app.modules.GetRegisteredModuleNum(), len(app.LoadFailures()))
	return nil
}

// Shutdown closes the module context, which deactivates and closes every
// module, then stops the worker pool and the settings store. It is safe to
// call more than once.
func (app *Application) Shutdown(ctx context.Context) error {
	if !app.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := app.modules.Close(ctx); err != nil && !errors.Is(err, module.ErrContextClosed) {
		errs = append(errs, err)
	}
	if err := app.pool.Stop(ctx); err != nil && !errors.Is(err, runloop.ErrNotRunning) {
		errs = append(errs, err)
	}
	if err := app.settings.Close(); err != nil {
		errs = append(errs, err)
	}
	app.logger.Info("application stopped")
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (app *Application) Config() config.Config {
	return app.config
}

// Logger returns the root logger.
func (app *Application) Logger() *logging.Logger {
	return app.logger
}

// Modules returns the module context.
func (app *Application) Modules() *module.Context {
	return app.modules
}

// Runner returns the crypto backend runner.
func (app *Application) Runner() *opera.Runner {
	return app.runner
}

// Settings returns the module settings store.
func (app *Application) Settings() *settings.Store {
	return app.settings
}

// EnvCheck returns the environment check module.
func (app *Application) EnvCheck() *envcheck.Module {
	return app.envcheck
}

// PassCache returns the passphrase cache module.
func (app *Application) PassCache() *passcache.Module {
	return app.passcache
}

// ExternalModules returns the ids of the loaded external modules in load
// order.
func (app *Application) ExternalModules() []string {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return append([]string(nil), app.external...)
}

// LoadFailures returns the external modules that failed to load.
func (app *Application) LoadFailures() []*LoadError {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return append([]*LoadError(nil), app.failures...)
}

// IsStarted reports whether Start has run.
func (app *Application) IsStarted() bool {
	return app.started.Load()
}
