package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/keyforge/internal/config"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/module"
	"github.com/dshills/keyforge/internal/modules/envcheck"
	"github.com/dshills/keyforge/internal/modules/passcache"
	"github.com/dshills/keyforge/internal/opera"
	"github.com/dshills/keyforge/internal/runloop"
	"github.com/dshills/keyforge/internal/settings"
)

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app       *Application
	opts      Options
	initOrder []string
}

func newBootstrapper(app *Application, opts Options) *bootstrapper {
	return &bootstrapper{
		app:       app,
		opts:      opts,
		initOrder: make([]string, 0, 8),
	}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap() error {
	steps := []func() error{
		b.initConfig,
		b.initLogger,
		b.initPool,
		b.initModuleContext,
		b.initRunner,
		b.initSettings,
		b.initIntegrated,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			b.cleanup()
			return err
		}
	}
	return nil
}

func (b *bootstrapper) initConfig() error {
	if b.opts.Config != nil {
		if err := b.opts.Config.Validate(); err != nil {
			return &InitError{Component: "config", Err: err}
		}
		b.app.config = *b.opts.Config
		return nil
	}

	path := b.opts.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return &InitError{Component: "config", Err: err}
	}
	b.app.config = cfg
	return nil
}

func (b *bootstrapper) initLogger() error {
	lc := logging.DefaultConfig()
	lc.Level = b.app.config.LogLevel()
	if b.opts.LogLevel != "" {
		lc.Level = logging.ParseLevel(b.opts.LogLevel)
	}
	if b.opts.LogOutput != nil {
		lc.Output = b.opts.LogOutput
	}
	b.app.logger = logging.New(lc)
	logging.SetDefault(b.app.logger)
	return nil
}

func (b *bootstrapper) initPool() error {
	logger := b.app.logger.WithComponent("runloop")
	b.app.pool = runloop.NewPool("global",
		runloop.WithWorkerCount(b.app.config.Runner.Workers),
		runloop.WithQueueSize(b.app.config.Runner.QueueSize),
		runloop.WithPoolPanicHandler(func(runner string, v any, stack []byte) {
			logger.WithField("runner", runner).Error("task panicked: %v\n%s", v, stack)
		}),
	)
	if err := b.app.pool.Start(); err != nil {
		return &InitError{Component: "worker pool", Err: err}
	}
	b.initOrder = append(b.initOrder, "pool")
	return nil
}

func (b *bootstrapper) initModuleContext() error {
	mc, err := module.New(
		module.WithLogger(b.app.logger),
		module.WithGlobalRunner(b.app.pool),
		module.WithHandlerTimeout(b.app.config.Bus.HandlerTimeout.Std()),
	)
	if err != nil {
		return &InitError{Component: "module context", Err: err}
	}
	b.app.modules = mc
	b.initOrder = append(b.initOrder, "modules")
	return nil
}

func (b *bootstrapper) initRunner() error {
	b.app.runner = opera.NewRunner(b.app.pool,
		opera.WithLogger(b.app.logger),
		opera.WithTimeout(b.app.config.Bus.HandlerTimeout.Std()),
	)
	return nil
}

func (b *bootstrapper) initSettings() error {
	path := b.app.config.Modules.SettingsFile
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &InitError{Component: "settings", Err: err}
	}
	st, err := settings.Open(path, settings.WithLogger(b.app.logger))
	if err != nil {
		return &InitError{Component: "settings", Err: err}
	}
	logger := b.app.logger.WithComponent("settings")
	st.OnChange(func(all []settings.ModuleSettings) {
		logger.Debug("module settings changed: %d entries", len(all))
	})
	if err := st.Watch(); err != nil {
		logger.Warn("settings file will not be watched: %v", err)
	}
	b.app.settings = st
	b.initOrder = append(b.initOrder, "settings")
	return nil
}

func (b *bootstrapper) initIntegrated() error {
	checks := b.opts.Checks
	if checks == nil {
		checks = defaultChecks(b.app.config)
	}
	b.app.envcheck = envcheck.New(b.app.runner, checks...)
	b.app.passcache = passcache.New(passcache.WithTTL(b.opts.PassphraseTTL))
	return nil
}

// defaultChecks requires a GnuPG binary on PATH and a usable settings
// directory.
func defaultChecks(cfg config.Config) []envcheck.Check {
	dir := filepath.Dir(cfg.Modules.SettingsFile)
	return []envcheck.Check{
		envcheck.LookPath("gnupg", "gpg2", "gpg"),
		{
			Name: "settings",
			Run: func(context.Context) error {
				info, err := os.Stat(dir)
				if err != nil {
					return err
				}
				if !info.IsDir() {
					return fmt.Errorf("%s is not a directory", dir)
				}
				return nil
			},
		},
	}
}

// cleanup performs cleanup in reverse initialization order.
// Called when bootstrap fails partway through.
func (b *bootstrapper) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(b.initOrder) - 1; i >= 0; i-- {
		b.cleanupComponent(ctx, b.initOrder[i])
	}
}

func (b *bootstrapper) cleanupComponent(ctx context.Context, component string) {
	switch component {
	case "pool":
		_ = b.app.pool.Stop(ctx)
		b.app.pool = nil
	case "modules":
		_ = b.app.modules.Close(ctx)
		b.app.modules = nil
	case "settings":
		_ = b.app.settings.Close()
		b.app.settings = nil
	}
}
