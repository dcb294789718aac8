package module

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/keyforge/internal/channel"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/secure"
)

func newTestContext(t *testing.T, opts ...Option) *Context {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Null()),
		WithAllocator(secure.NewAllocator()),
		WithHandlerTimeout(5 * time.Second),
	}, opts...)
	c, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

// hookModule records hook calls and can fail any of them.
type hookModule struct {
	Base
	registerErr   error
	activateErr   error
	deactivateErr error

	registered  int
	activated   int
	deactivated int
}

func newHookModule(id string) *hookModule {
	return &hookModule{Base: Base{ModuleID: id, Meta: Metadata{Name: id, Version: "1.0.0"}}}
}

func (m *hookModule) Register(context.Context, Host) error {
	m.registered++
	return m.registerErr
}

func (m *hookModule) Activate(context.Context) error {
	m.activated++
	return m.activateErr
}

func (m *hookModule) Deactivate(context.Context) error {
	m.deactivated++
	return m.deactivateErr
}

func TestRegisterModule(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	m := newHookModule("com.example.a")
	if err := c.RegisterModule(ctx, m, true); err != nil {
		t.Fatalf("RegisterModule() error = %v", err)
	}
	if m.registered != 1 {
		t.Errorf("Register hook called %d times, want 1", m.registered)
	}
	if c.GetRegisteredModuleNum() != 1 {
		t.Errorf("GetRegisteredModuleNum() = %d, want 1", c.GetRegisteredModuleNum())
	}
	if c.IsModuleActivated(m.ID()) {
		t.Error("module should not be active after registration")
	}
	if !c.IsIntegratedModule(m.ID()) {
		t.Error("IsIntegratedModule() = false, want true")
	}
	got, ok := c.SearchModule(m.ID())
	if !ok || got != Module(m) {
		t.Errorf("SearchModule() = %v, %v", got, ok)
	}

	info, err := c.ModuleInfo(m.ID())
	if err != nil {
		t.Fatalf("ModuleInfo() error = %v", err)
	}
	if info.State != StateRegistered {
		t.Errorf("State = %v, want %v", info.State, StateRegistered)
	}
	if info.Metadata.Version != "1.0.0" {
		t.Errorf("Metadata.Version = %q", info.Metadata.Version)
	}
}

func TestRegisterModule_Errors(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	if err := c.RegisterModule(ctx, nil, true); !errors.Is(err, ErrInvalidModule) {
		t.Errorf("nil module: error = %v, want ErrInvalidModule", err)
	}
	if err := c.RegisterModule(ctx, newHookModule(""), true); !errors.Is(err, ErrInvalidModule) {
		t.Errorf("empty id: error = %v, want ErrInvalidModule", err)
	}

	if err := c.RegisterModule(ctx, newHookModule("dup"), true); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterModule(ctx, newHookModule("dup"), false); !errors.Is(err, ErrDuplicateModule) {
		t.Errorf("duplicate: error = %v, want ErrDuplicateModule", err)
	}
	if c.GetRegisteredModuleNum() != 1 {
		t.Errorf("GetRegisteredModuleNum() = %d, want 1", c.GetRegisteredModuleNum())
	}
}

func TestRegisterModule_HookFailureRemoves(t *testing.T) {
	c := newTestContext(t)
	m := newHookModule("broken")
	m.registerErr = errors.New("boom")

	err := c.RegisterModule(context.Background(), m, true)
	if err == nil || !errors.Is(err, m.registerErr) {
		t.Fatalf("RegisterModule() error = %v, want wrapped hook error", err)
	}
	if _, ok := c.SearchModule("broken"); ok {
		t.Error("module should be removed after a failed Register hook")
	}
	if _, ok := c.GetTaskRunner("broken"); ok {
		t.Error("task runner should be removed after a failed Register hook")
	}
}

func TestActivateDeactivate(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	m := newHookModule("m")
	if err := c.RegisterModule(ctx, m, true); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := c.ActivateModule(ctx, "m"); err != nil {
			t.Fatalf("ActivateModule() error = %v", err)
		}
	}
	if m.activated != 1 {
		t.Errorf("Activate hook called %d times, want 1", m.activated)
	}
	if !c.IsModuleActivated("m") {
		t.Error("module should be active")
	}

	for i := 0; i < 2; i++ {
		if err := c.DeactivateModule(ctx, "m"); err != nil {
			t.Fatalf("DeactivateModule() error = %v", err)
		}
	}
	if m.deactivated != 1 {
		t.Errorf("Deactivate hook called %d times, want 1", m.deactivated)
	}
	info, _ := c.ModuleInfo("m")
	if info.State != StateInactive {
		t.Errorf("State = %v, want %v", info.State, StateInactive)
	}

	// Reactivation from Inactive is allowed.
	if err := c.ActivateModule(ctx, "m"); err != nil {
		t.Fatal(err)
	}
	if m.activated != 2 {
		t.Errorf("Activate hook called %d times, want 2", m.activated)
	}
}

func TestDeactivate_NotActiveIsNoop(t *testing.T) {
	c := newTestContext(t)
	m := newHookModule("m")
	if err := c.RegisterModule(context.Background(), m, true); err != nil {
		t.Fatal(err)
	}
	if err := c.DeactivateModule(context.Background(), "m"); err != nil {
		t.Fatalf("DeactivateModule() error = %v", err)
	}
	if m.deactivated != 0 {
		t.Errorf("Deactivate hook called %d times, want 0", m.deactivated)
	}
	info, _ := c.ModuleInfo("m")
	if info.State != StateRegistered {
		t.Errorf("State = %v, want %v", info.State, StateRegistered)
	}
}

func TestLifecycle_HookFailureKeepsState(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	m := newHookModule("m")
	m.activateErr = errors.New("no")
	if err := c.RegisterModule(ctx, m, true); err != nil {
		t.Fatal(err)
	}

	if err := c.ActivateModule(ctx, "m"); !errors.Is(err, m.activateErr) {
		t.Fatalf("ActivateModule() error = %v", err)
	}
	if c.IsModuleActivated("m") {
		t.Error("failed activation must leave the module inactive")
	}

	m.activateErr = nil
	m.deactivateErr = errors.New("stuck")
	if err := c.ActivateModule(ctx, "m"); err != nil {
		t.Fatal(err)
	}
	if err := c.DeactivateModule(ctx, "m"); !errors.Is(err, m.deactivateErr) {
		t.Fatalf("DeactivateModule() error = %v", err)
	}
	if !c.IsModuleActivated("m") {
		t.Error("failed deactivation must leave the module active")
	}
}

func TestLifecycle_UnknownModule(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"activate", func() error { return c.ActivateModule(ctx, "nope") }},
		{"deactivate", func() error { return c.DeactivateModule(ctx, "nope") }},
		{"listen", func() error { return c.ListenEvent("nope", "E") }},
		{"info", func() error { _, err := c.ModuleInfo("nope"); return err }},
		{"channel", func() error { _, err := c.GetChannel("nope"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrModuleNotFound) {
				t.Errorf("error = %v, want ErrModuleNotFound", err)
			}
		})
	}
}

func TestListenEvent(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := c.RegisterModule(ctx, newHookModule(id), true); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.ListenEvent("a", ""); !errors.Is(err, ErrInvalidEventID) {
		t.Errorf("empty event id: error = %v", err)
	}
	for _, id := range []string{"c", "a"} {
		if err := c.ListenEvent(id, "E"); err != nil {
			t.Fatal(err)
		}
	}
	// Listening twice is harmless.
	if err := c.ListenEvent("a", "E"); err != nil {
		t.Fatal(err)
	}

	if err := c.ListenEvent("a", "D"); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"a", "c"}, c.ListenersOf("E")); diff != "" {
		t.Errorf("ListenersOf() mismatch (-want +got):\n%s", diff)
	}
	got, err := c.GetModuleListening("a")
	if err != nil {
		t.Fatalf("GetModuleListening() error = %v", err)
	}
	if diff := cmp.Diff([]string{"D", "E"}, got); diff != "" {
		t.Errorf("GetModuleListening() mismatch (-want +got):\n%s", diff)
	}
	if got, err := c.GetModuleListening("b"); err != nil || len(got) != 0 {
		t.Errorf("GetModuleListening(b) = %v, %v, want empty", got, err)
	}
	if _, err := c.GetModuleListening("missing"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("GetModuleListening(missing) error = %v, want ErrModuleNotFound", err)
	}
	if !c.UnlistenEvent("a", "E") {
		t.Error("UnlistenEvent() = false, want true")
	}
	if c.UnlistenEvent("a", "E") {
		t.Error("second UnlistenEvent() = true, want false")
	}
	if diff := cmp.Diff([]string{"c"}, c.ListenersOf("E")); diff != "" {
		t.Errorf("ListenersOf() mismatch (-want +got):\n%s", diff)
	}
	if got, _ := c.GetModuleListening("a"); !cmp.Equal([]string{"D"}, got) {
		t.Errorf("GetModuleListening(a) = %v after unlisten, want [D]", got)
	}
}

func TestListModules(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	if err := c.RegisterModule(ctx, newHookModule("first"), true); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterModule(ctx, newHookModule("second"), false, WithChannel(3), WithDelivery(DeliverySync)); err != nil {
		t.Fatal(err)
	}
	_ = c.ListenEvent("second", "Z")
	_ = c.ListenEvent("second", "A")

	if diff := cmp.Diff([]string{"first", "second"}, c.ListAllRegisteredModuleID()); diff != "" {
		t.Errorf("ListAllRegisteredModuleID() mismatch (-want +got):\n%s", diff)
	}

	infos := c.ListModules()
	if len(infos) != 2 {
		t.Fatalf("ListModules() returned %d entries", len(infos))
	}
	second := infos[1]
	if second.Integrated {
		t.Error("second.Integrated = true")
	}
	if second.Delivery != DeliveryAsync {
		t.Errorf("external module delivery = %v, want async", second.Delivery)
	}
	if second.Channel != channel.ID(3) {
		t.Errorf("Channel = %d, want 3", second.Channel)
	}
	if diff := cmp.Diff([]string{"A", "Z"}, second.Listening); diff != "" {
		t.Errorf("Listening mismatch (-want +got):\n%s", diff)
	}

	ch, err := c.GetChannel("second")
	if err != nil || ch != 3 {
		t.Errorf("GetChannel() = %d, %v", ch, err)
	}
	ch, _ = c.GetChannel("first")
	if ch != c.GetDefaultChannel() {
		t.Errorf("GetChannel(first) = %d, want default", ch)
	}
}

func TestClose(t *testing.T) {
	c, err := New(WithLogger(logging.Null()), WithAllocator(secure.NewAllocator()))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var order []string
	for _, id := range []string{"a", "b"} {
		m := &orderModule{hookModule: newHookModule(id), order: &order}
		if err := c.RegisterModule(ctx, m, true); err != nil {
			t.Fatal(err)
		}
		if err := c.ActivateModule(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if diff := cmp.Diff([]string{"b", "a"}, order); diff != "" {
		t.Errorf("deactivation order mismatch (-want +got):\n%s", diff)
	}
	if err := c.Close(ctx); !errors.Is(err, ErrContextClosed) {
		t.Errorf("second Close() error = %v, want ErrContextClosed", err)
	}
	if err := c.RegisterModule(ctx, newHookModule("late"), true); !errors.Is(err, ErrContextClosed) {
		t.Errorf("RegisterModule after Close error = %v", err)
	}
	if c.GetGlobalTaskRunner().Post(func() {}) {
		t.Error("global runner should be stopped after Close")
	}
}

type orderModule struct {
	*hookModule
	order *[]string
}

func (m *orderModule) Deactivate(ctx context.Context) error {
	*m.order = append(*m.order, m.ID())
	return m.hookModule.Deactivate(ctx)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateRegistered, "registered"},
		{StateActive, "active"},
		{StateInactive, "inactive"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
	if DeliveryAsync.String() != "async" || DeliverySync.String() != "sync" {
		t.Error("unexpected DeliveryMode strings")
	}
}

func TestLifecycle_ReentrantFromListener(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	target := newHookModule("target")
	if err := c.RegisterModule(ctx, target, true); err != nil {
		t.Fatal(err)
	}
	var reentryErr error
	watcher := NewFunc("watcher", func(ctx context.Context, _ *event.Event) (event.Params, error) {
		reentryErr = c.DeactivateModule(ctx, "target")
		return nil, nil
	}, ModuleActivatedEvent("target"))
	if err := c.RegisterModule(ctx, watcher, true, WithDelivery(DeliverySync)); err != nil {
		t.Fatal(err)
	}
	if err := c.ActivateModule(ctx, "watcher"); err != nil {
		t.Fatal(err)
	}

	// An observer re-activates the module once it sees the deactivation.
	var reactivated atomic.Bool
	cancel := c.Observe(ModuleDeactivatedEvent("target"), func(*event.Event) {
		if reactivated.CompareAndSwap(false, true) {
			_ = c.ActivateModule(ctx, "target")
		}
	})
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.ActivateModule(ctx, "target") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ActivateModule() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ActivateModule() did not return with a listener re-entering the lifecycle")
	}

	if reentryErr != nil {
		t.Errorf("DeactivateModule() from listener error = %v", reentryErr)
	}
	if !reactivated.Load() {
		t.Error("observer never saw the deactivation")
	}
	if target.activated != 2 || target.deactivated != 2 {
		t.Errorf("hooks: activated %d, deactivated %d, want 2 and 2", target.activated, target.deactivated)
	}
	if c.IsModuleActivated("target") {
		t.Error("target still active after the listener deactivated it")
	}
}
