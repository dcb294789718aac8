package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/keyforge/internal/config"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/modules/envcheck"
	"github.com/dshills/keyforge/internal/modules/passcache"
)

const echoID = "com.example.echo"

const echoScript = `
function on_event(evt)
    return 0, {pong = evt.params.name}
end
`

func writeModule(t *testing.T, dir, manifest, script string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "module.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
}

type env struct {
	root     string
	modules  string
	settings string
}

func newEnv(t *testing.T) env {
	t.Helper()
	root := t.TempDir()
	e := env{
		root:     root,
		modules:  filepath.Join(root, "modules"),
		settings: filepath.Join(root, "state", "modules.toml"),
	}
	writeModule(t, filepath.Join(e.modules, "echo"),
		"id: "+echoID+"\nversion: 1.0.0\nsdk_version: 0.1.0\nauthor: tester\nevents:\n  - PING\n", echoScript)
	writeModule(t, filepath.Join(e.modules, "broken"), "id: broken\n", "")
	return e
}

func (e env) options(mutate ...func(*config.Config)) Options {
	cfg := config.Default()
	cfg.Modules.SettingsFile = e.settings
	cfg.Bus.HandlerTimeout = config.Duration(2 * time.Second)
	for _, m := range mutate {
		m(&cfg)
	}
	return Options{
		Config:      &cfg,
		LogOutput:   io.Discard,
		ModulePaths: []string{e.modules},
		Checks:      []envcheck.Check{{Name: "ok", Run: func(context.Context) error { return nil }}},
	}
}

func start(t *testing.T, opts Options) *Application {
	t.Helper()
	app, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return app
}

func TestNew_InvalidConfig(t *testing.T) {
	e := newEnv(t)
	_, err := New(e.options(func(c *config.Config) { c.Runner.Workers = 0 }))

	var ie *InitError
	if !errors.As(err, &ie) || ie.Component != "config" {
		t.Fatalf("New() error = %v, want config InitError", err)
	}
	if !errors.Is(err, config.ErrInvalidValue) {
		t.Errorf("New() error = %v, want ErrInvalidValue", err)
	}
}

func TestNew_FromFile(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.root, "config.toml")
	cfg := config.Default()
	cfg.Runner.Workers = 3
	cfg.Modules.SettingsFile = e.settings
	cfg.Modules.DisableLoadingAll = true
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	app, err := New(Options{ConfigPath: path, LogOutput: io.Discard, LogLevel: "debug"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer app.Shutdown(context.Background())

	if got := app.Config().Runner.Workers; got != 3 {
		t.Errorf("Runner.Workers = %d, want 3", got)
	}
	if got := app.Logger().Level().String(); !strings.EqualFold(got, "debug") {
		t.Errorf("log level = %s, want debug", got)
	}
	if _, err := os.Stat(filepath.Dir(e.settings)); err != nil {
		t.Errorf("settings directory not created: %v", err)
	}
}

func TestStart_Integrated(t *testing.T) {
	e := newEnv(t)
	app, err := New(e.options(func(c *config.Config) { c.Modules.DisableLoadingAll = true }))
	if err != nil {
		t.Fatal(err)
	}
	defer app.Shutdown(context.Background())

	var loaded atomic.Int32
	cancel := app.Modules().Observe(event.ApplicationLoaded, func(*event.Event) { loaded.Add(1) })
	defer cancel()

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := app.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	if loaded.Load() != 1 {
		t.Errorf("APPLICATION_LOADED triggered %d times, want 1", loaded.Load())
	}

	for _, id := range []string{envcheck.ID, passcache.ID} {
		if !app.Modules().IsModuleActivated(id) {
			t.Errorf("%s not active", id)
		}
		if !app.Modules().IsIntegratedModule(id) {
			t.Errorf("%s not integrated", id)
		}
	}

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	if err := envcheck.WaitReady(wctx, app.Modules().RTValues()); err != nil {
		t.Errorf("environment never became ready: %v", err)
	}
	if n := len(app.ExternalModules()); n != 0 {
		t.Errorf("loaded %d external modules with loading disabled", n)
	}
}

func TestStart_ExternalModules(t *testing.T) {
	e := newEnv(t)
	app := start(t, e.options())

	if diff := cmp.Diff([]string{echoID}, app.ExternalModules()); diff != "" {
		t.Errorf("ExternalModules() mismatch (-want +got):\n%s", diff)
	}
	failures := app.LoadFailures()
	if len(failures) != 1 || failures[0].Stage != "discover" || !strings.HasSuffix(failures[0].Dir, "broken") {
		t.Errorf("LoadFailures() = %v", failures)
	}
	if app.Modules().IsModuleActivated(echoID) {
		t.Error("new module must not be auto activated")
	}
	if app.Modules().IsIntegratedModule(echoID) {
		t.Error("external module reported as integrated")
	}
	s, ok := app.Settings().Get(echoID)
	if !ok || s.ModuleHash == "" || s.AutoActivate {
		t.Errorf("settings entry = %+v, %v", s, ok)
	}
}

func TestStart_AutoActivation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := start(t, e.options())
	if err := first.Settings().SetAutoActivate(echoID, true); err != nil {
		t.Fatal(err)
	}
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	second := start(t, e.options())
	if !second.Modules().IsModuleActivated(echoID) {
		t.Fatal("module flagged for auto activation is not active")
	}
	replies := make(chan event.Params, 1)
	if _, heard := second.Modules().Trigger("PING", event.Params{"name": "alice"}, func(_, _ string, p event.Params) {
		replies <- p
	}); !heard {
		t.Fatal("PING not heard")
	}
	select {
	case p := <-replies:
		if p["pong"] != "alice" {
			t.Errorf("reply = %v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from external module")
	}
	if err := second.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// A changed entry file resets the flag.
	if err := os.WriteFile(filepath.Join(e.modules, "echo", "main.lua"), []byte(echoScript+"\n-- v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	third := start(t, e.options())
	if third.Modules().IsModuleActivated(echoID) {
		t.Error("changed module must not be auto activated")
	}
	if s, _ := third.Settings().Get(echoID); s.AutoActivate {
		t.Error("auto activation not reset after hash change")
	}
}

func TestShutdown(t *testing.T) {
	e := newEnv(t)
	app := start(t, e.options())
	ctx := context.Background()

	if err := app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := app.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	if err := app.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Shutdown error = %v, want ErrClosed", err)
	}
	if app.Modules().IsModuleActivated(passcache.ID) {
		t.Error("modules still active after Shutdown")
	}
	if app.Modules().TriggerEvent(event.New(event.PassphraseRequest, nil, nil)) {
		t.Error("trigger heard after Shutdown")
	}
}

func TestLoadError(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		err  *LoadError
		want string
	}{
		{&LoadError{Dir: "/m/x", Stage: "discover", Err: cause}, "load module /m/x: discover: boom"},
		{&LoadError{Dir: "/m/x", ModuleID: "x", Stage: "activate", Err: cause}, `load module "x" (/m/x): activate: boom`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
		if !errors.Is(tt.err, cause) {
			t.Error("LoadError must unwrap to its cause")
		}
	}
}
