package console

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/uniseg"

	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/module"
	"github.com/dshills/keyforge/internal/settings"
)

const (
	alpha = "com.example.alpha"
	beta  = "com.example.beta"
)

func newHost(t *testing.T, extra ...module.Module) *module.Context {
	t.Helper()
	mc, err := module.New(module.WithLogger(logging.Null()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mc.Close(context.Background()) })

	ctx := context.Background()
	mods := append([]module.Module{module.NewFunc(alpha, nil), module.NewFunc(beta, nil)}, extra...)
	for _, m := range mods {
		if err := mc.RegisterModule(ctx, m, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := mc.ActivateModule(ctx, alpha); err != nil {
		t.Fatal(err)
	}
	return mc
}

func newSettings(t *testing.T) *settings.Store {
	t.Helper()
	s, err := settings.Open(filepath.Join(t.TempDir(), "modules.toml"), settings.WithLogger(logging.Null()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newScreen(t *testing.T, w, h int) tcell.SimulationScreen {
	t.Helper()
	scr := tcell.NewSimulationScreen("UTF-8")
	if err := scr.Init(); err != nil {
		t.Fatal(err)
	}
	scr.SetSize(w, h)
	t.Cleanup(scr.Fini)
	return scr
}

func rowText(scr tcell.Screen, y int) string {
	w, _ := scr.Size()
	var b strings.Builder
	for x := 0; x < w; x++ {
		r, comb, _, width := scr.GetContent(x, y)
		b.WriteRune(r)
		for _, c := range comb {
			b.WriteRune(c)
		}
		if width > 1 {
			x += width - 1
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func key(r rune) *tcell.EventKey {
	return tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone)
}

func TestDraw(t *testing.T) {
	mc := newHost(t)
	st := newSettings(t)
	if _, _, err := st.Sync(alpha, "h1"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetAutoActivate(alpha, true); err != nil {
		t.Fatal(err)
	}

	scr := newScreen(t, 100, 24)
	c := New(scr, mc, WithSettings(st), WithLogger(logging.Null()))
	c.Draw()

	if got := rowText(scr, 0); !strings.Contains(got, "env:pending") || !strings.Contains(got, "modules:2") {
		t.Errorf("title row = %q", got)
	}
	if got := rowText(scr, 1); !strings.HasPrefix(got, " ID") || !strings.HasSuffix(got, "AUTO") {
		t.Errorf("header row = %q", got)
	}

	first := rowText(scr, 2)
	for _, want := range []string{alpha, "active", "integrated"} {
		if !strings.Contains(first, want) {
			t.Errorf("row 2 = %q, missing %q", first, want)
		}
	}
	if !strings.HasSuffix(first, " on") {
		t.Errorf("row 2 = %q, want auto flag on", first)
	}
	second := rowText(scr, 3)
	if !strings.Contains(second, beta) || !strings.Contains(second, "registered") || !strings.HasSuffix(second, " -") {
		t.Errorf("row 3 = %q", second)
	}

	found := false
	for y := 4; y < 23; y++ {
		if rowText(scr, y) == " id:        "+alpha {
			found = true
		}
	}
	if !found {
		t.Error("details of the selected module not drawn")
	}
	if got := rowText(scr, 23); !strings.HasSuffix(got, "q quit") {
		t.Errorf("help row = %q", got)
	}
}

func TestDraw_Empty(t *testing.T) {
	mc, err := module.New(module.WithLogger(logging.Null()))
	if err != nil {
		t.Fatal(err)
	}
	defer mc.Close(context.Background())

	scr := newScreen(t, 80, 20)
	c := New(scr, mc, WithLogger(logging.Null()))
	c.Draw()
	if got := rowText(scr, 2); got != "  no modules registered" {
		t.Errorf("row 2 = %q", got)
	}
	if c.Selected() != "" {
		t.Errorf("Selected() = %q, want empty", c.Selected())
	}
	if c.HandleKey(context.Background(), key('a')) || c.Status() != "" {
		t.Error("activate with no modules must be a no-op")
	}
}

func TestHandleKey_Navigation(t *testing.T) {
	c := New(newScreen(t, 80, 20), newHost(t), WithLogger(logging.Null()))
	ctx := context.Background()

	steps := []struct {
		ev   *tcell.EventKey
		want string
	}{
		{key('k'), alpha},
		{key('j'), beta},
		{tcell.NewEventKey(tcell.KeyDown, 0, tcell.ModNone), beta},
		{tcell.NewEventKey(tcell.KeyUp, 0, tcell.ModNone), alpha},
		{key('j'), beta},
	}
	for i, s := range steps {
		if c.HandleKey(ctx, s.ev) {
			t.Fatalf("step %d: unexpected quit", i)
		}
		if got := c.Selected(); got != s.want {
			t.Errorf("step %d: Selected() = %q, want %q", i, got, s.want)
		}
	}
}

func TestHandleKey_ActivateDeactivate(t *testing.T) {
	mc := newHost(t)
	c := New(newScreen(t, 80, 20), mc, WithLogger(logging.Null()))
	ctx := context.Background()

	c.HandleKey(ctx, key('j'))
	c.HandleKey(ctx, key('a'))
	if !mc.IsModuleActivated(beta) {
		t.Error("a must activate the selected module")
	}
	if got := c.Status(); got != beta+" activated" {
		t.Errorf("Status() = %q", got)
	}

	c.HandleKey(ctx, key('d'))
	if mc.IsModuleActivated(beta) {
		t.Error("d must deactivate the selected module")
	}
	if got := c.Status(); got != beta+" deactivated" {
		t.Errorf("Status() = %q", got)
	}
	if !mc.IsModuleActivated(alpha) {
		t.Error("unselected module changed state")
	}
}

func TestHandleKey_ToggleAuto(t *testing.T) {
	ctx := context.Background()

	bare := New(newScreen(t, 80, 20), newHost(t), WithLogger(logging.Null()))
	bare.HandleKey(ctx, key('t'))
	if got := bare.Status(); got != "no settings store" {
		t.Errorf("without settings Status() = %q", got)
	}

	st := newSettings(t)
	c := New(newScreen(t, 80, 20), newHost(t), WithSettings(st), WithLogger(logging.Null()))
	c.HandleKey(ctx, key('t'))
	if got := c.Status(); got != alpha+" has no settings entry" {
		t.Errorf("Status() = %q", got)
	}

	if _, _, err := st.Sync(alpha, "h1"); err != nil {
		t.Fatal(err)
	}
	c.HandleKey(ctx, key('t'))
	if e, _ := st.Get(alpha); !e.AutoActivate {
		t.Error("t must turn auto activation on")
	}
	if got := c.Status(); got != alpha+" auto activation on" {
		t.Errorf("Status() = %q", got)
	}
	c.HandleKey(ctx, key('t'))
	if e, _ := st.Get(alpha); e.AutoActivate {
		t.Error("second t must turn auto activation off")
	}
}

func TestHandleKey_EnvCheck(t *testing.T) {
	ctx := context.Background()

	c := New(newScreen(t, 80, 20), newHost(t), WithLogger(logging.Null()))
	c.HandleKey(ctx, key('r'))
	if got := c.Status(); got != "no environment checker registered" {
		t.Errorf("Status() = %q", got)
	}

	var calls int
	checker := module.NewFunc("com.example.checker", func(context.Context, *event.Event) (event.Params, error) {
		calls++
		return event.Params{"state": "1"}, nil
	}, event.EnvironmentCheckRequest)
	mc := newHost(t, checker)
	if err := mc.ActivateModule(ctx, "com.example.checker"); err != nil {
		t.Fatal(err)
	}

	c = New(newScreen(t, 80, 20), mc, WithLogger(logging.Null()))
	c.HandleKey(ctx, key('r'))
	if got := c.Status(); got != "environment check requested" {
		t.Errorf("Status() = %q", got)
	}
	if calls != 1 {
		t.Errorf("checker called %d times, want 1", calls)
	}
}

func TestHandleKey_Quit(t *testing.T) {
	c := New(newScreen(t, 80, 20), newHost(t), WithLogger(logging.Null()))
	tests := []struct {
		name string
		ev   *tcell.EventKey
		want bool
	}{
		{"q", key('q'), true},
		{"escape", tcell.NewEventKey(tcell.KeyEscape, 0, tcell.ModNone), true},
		{"ctrl-c", tcell.NewEventKey(tcell.KeyCtrlC, 0, tcell.ModNone), true},
		{"other rune", key('x'), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.HandleKey(context.Background(), tt.ev); got != tt.want {
				t.Errorf("HandleKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRun_ContextCanceled(t *testing.T) {
	scr := tcell.NewSimulationScreen("UTF-8")
	c := New(scr, newHost(t), WithLogger(logging.Null()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func TestPad(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"abc", 5, "abc  "},
		{"abcde", 5, "abcde"},
		{"abcdefgh", 5, "abcd…"},
		{"日本語テキスト", 6, "日本… "},
	}
	for _, tt := range tests {
		got := pad(tt.in, tt.width)
		if got != tt.want {
			t.Errorf("pad(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
		if w := uniseg.StringWidth(got); w != tt.width {
			t.Errorf("pad(%q, %d) width = %d", tt.in, tt.width, w)
		}
	}
}
