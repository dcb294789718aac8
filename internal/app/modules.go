package app

import (
	"context"

	"github.com/dshills/keyforge/internal/module"
	"github.com/dshills/keyforge/internal/module/lua"
)

// startIntegrated registers and activates the built-in modules. Any failure
// here is fatal for Start.
func (app *Application) startIntegrated(ctx context.Context) error {
	for _, m := range []module.Module{app.envcheck, app.passcache} {
		if err := app.modules.RegisterModule(ctx, m, true); err != nil {
			return &InitError{Component: m.ID(), Err: err}
		}
		if err := app.modules.ActivateModule(ctx, m.ID()); err != nil {
			return &InitError{Component: m.ID(), Err: err}
		}
	}
	return nil
}

// modulePaths returns the external module search paths: the explicit
// override, else the configured directory followed by the defaults.
func (app *Application) modulePaths() []string {
	if len(app.opts.ModulePaths) > 0 {
		return app.opts.ModulePaths
	}
	paths := lua.DefaultModulePaths()
	if dir := app.config.Modules.Dir; dir != "" {
		paths = append([]string{dir}, paths...)
	}
	return paths
}

// loadExternal discovers the external modules, registers each one and
// activates those whose settings ask for it. A module whose entry file
// changed since the last run has its auto activation reset and stays
// registered only.
func (app *Application) loadExternal(ctx context.Context) {
	logger := app.logger.WithComponent("loader")
	if app.config.Modules.DisableLoadingAll {
		logger.Info("external module loading disabled")
		return
	}

	for _, d := range lua.NewLoader(lua.WithPaths(app.modulePaths()...)).Discover() {
		if d.Err != nil {
			app.fail(&LoadError{Dir: d.Dir, Stage: "discover", Err: d.Err})
			continue
		}
		id := d.Manifest.ID
		m := lua.New(d.Manifest, lua.WithCallTimeout(lua.DefaultCallTimeout))
		if err := app.modules.RegisterModule(ctx, m, false); err != nil {
			_ = m.Close()
			app.fail(&LoadError{Dir: d.Dir, ModuleID: id, Stage: "register", Err: err})
			continue
		}
		app.mu.Lock()
		app.external = append(app.external, id)
		app.mu.Unlock()

		entry, reset, err := app.settings.Sync(id, d.Manifest.Hash)
		if err != nil {
			logger.WithField("module", id).Warn("settings sync failed: %v", err)
			continue
		}
		if reset {
			logger.WithField("module", id).Info("module changed, auto activation reset")
		}
		if !entry.AutoActivate {
			continue
		}
		if err := app.modules.ActivateModule(ctx, id); err != nil {
			app.fail(&LoadError{Dir: d.Dir, ModuleID: id, Stage: "activate", Err: err})
		}
	}
}

func (app *Application) fail(err *LoadError) {
	app.logger.WithComponent("loader").Warn("%v", err)
	app.mu.Lock()
	app.failures = append(app.failures, err)
	app.mu.Unlock()
}
