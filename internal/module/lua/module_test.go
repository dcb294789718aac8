package lua

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/keyforge/internal/abi"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/module"
	"github.com/dshills/keyforge/internal/secure"
)

type fixture struct {
	ctx   *module.Context
	alloc *secure.Allocator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	alloc := secure.NewAllocator()
	c, err := module.New(
		module.WithLogger(logging.Null()),
		module.WithAllocator(alloc),
		module.WithHandlerTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return &fixture{ctx: c, alloc: alloc}
}

func (f *fixture) load(t *testing.T, id, script string, events ...string) *Module {
	t.Helper()
	dir := writeModule(t, filepath.Join(t.TempDir(), id), "module.yaml", yamlManifest(id, events...), script)
	man, err := LoadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	m := New(man, WithCallTimeout(time.Second))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func (f *fixture) start(t *testing.T, m *Module) {
	t.Helper()
	if err := f.ctx.RegisterModule(context.Background(), m, false); err != nil {
		t.Fatalf("RegisterModule() error = %v", err)
	}
	if err := f.ctx.ActivateModule(context.Background(), m.ID()); err != nil {
		t.Fatalf("ActivateModule() error = %v", err)
	}
}

func (f *fixture) trigger(t *testing.T, id string, params event.Params) (event.Params, bool) {
	t.Helper()
	replies := make(chan event.Params, 1)
	if _, ok := f.ctx.Trigger(id, params, func(_, _ string, p event.Params) { replies <- p }); !ok {
		t.Fatalf("Trigger(%s) found no listener", id)
	}
	select {
	case p := <-replies:
		return p, true
	case <-time.After(2 * time.Second):
		return nil, false
	}
}

func waitNoLeaks(t *testing.T, a *secure.Allocator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for a.Stats().Live != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("allocator still has live blocks: %+v", a.Stats())
		}
		time.Sleep(time.Millisecond)
	}
	if s := a.Stats(); s.DoubleFrees != 0 {
		t.Errorf("double frees: %+v", s)
	}
}

const echoScript = `
local seen = 0

function on_event(evt)
    seen = seen + 1
    return 0, {
        id = evt.id,
        trigger = evt.trigger_id,
        name = evt.params.name,
        seen = seen,
        module = gf.module_id(),
    }
end
`

func TestModule_FlatRoundTrip(t *testing.T) {
	f := newFixture(t)
	m := f.load(t, "echo", echoScript, "PING")
	f.start(t, m)

	reply, ok := f.trigger(t, "PING", event.Params{"name": "alice"})
	if !ok {
		t.Fatal("no reply")
	}
	if reply["trigger"] == "" {
		t.Error("trigger id not passed to script")
	}
	delete(reply, "trigger")

	want := event.Params{"id": "PING", "name": "alice", "seen": "1", "module": "echo"}
	if diff := cmp.Diff(want, reply); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}

	reply, _ = f.trigger(t, "PING", nil)
	if reply["seen"] != "2" {
		t.Errorf("script state not kept between events: %v", reply)
	}
	waitNoLeaks(t, f.alloc)
}

func TestModule_Hooks(t *testing.T) {
	f := newFixture(t)
	m := f.load(t, "hooks", `
function register()
    gf.rt_set("hooks", "register", true)
    gf.listen("LATE")
end
function activate()
    gf.rt_set("hooks", "activate", gf.rt_get("hooks", "activate", 0) + 1)
end
function deactivate()
    gf.rt_set("hooks", "deactivate", "done")
end
function on_event(evt) return {ok = "1"} end
`)
	f.start(t, m)

	rt := f.ctx.RTValues()
	if v, _ := rt.Lookup("hooks", "register"); v != true {
		t.Errorf("register hook value = %v", v)
	}
	if v, _ := rt.Lookup("hooks", "activate"); v != int64(1) {
		t.Errorf("activate hook value = %v (%T)", v, v)
	}
	if diff := cmp.Diff([]string{"hooks"}, f.ctx.ListenersOf("LATE")); diff != "" {
		t.Errorf("gf.listen mismatch (-want +got):\n%s", diff)
	}
	if listening, err := f.ctx.GetModuleListening("hooks"); err != nil || !slices.Contains(listening, "LATE") {
		t.Errorf("GetModuleListening(hooks) = %v, %v", listening, err)
	}

	if reply, ok := f.trigger(t, "LATE", nil); !ok || reply["ok"] != "1" {
		t.Errorf("reply = %v, %v", reply, ok)
	}

	if err := f.ctx.DeactivateModule(context.Background(), "hooks"); err != nil {
		t.Fatal(err)
	}
	if v, _ := rt.Lookup("hooks", "deactivate"); v != "done" {
		t.Errorf("deactivate hook value = %v", v)
	}
}

func TestModule_RegisterFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"syntax error", "function on_event(evt"},
		{"runtime error at load", "error('nope')"},
		{"register hook fails", "function register() error('refused') end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			m := f.load(t, "bad", tt.script)
			if err := f.ctx.RegisterModule(context.Background(), m, false); err == nil {
				t.Fatal("RegisterModule() should fail")
			}
			if _, ok := f.ctx.SearchModule("bad"); ok {
				t.Error("failed module must not stay registered")
			}
		})
	}
}

func TestModule_HookBeforeRegister(t *testing.T) {
	f := newFixture(t)
	m := f.load(t, "early", "")
	if err := m.Activate(context.Background()); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Activate() error = %v, want ErrNotRegistered", err)
	}
}

func TestModule_TriggerFromScript(t *testing.T) {
	f := newFixture(t)

	got := make(chan event.Params, 1)
	sink := module.NewFunc("sink", func(_ context.Context, evt *event.Event) (event.Params, error) {
		got <- evt.Params()
		return nil, nil
	}, event.PassphraseCached)
	if err := f.ctx.RegisterModule(context.Background(), sink, true); err != nil {
		t.Fatal(err)
	}
	if err := f.ctx.ActivateModule(context.Background(), "sink"); err != nil {
		t.Fatal(err)
	}

	m := f.load(t, "relay", `
function on_event(evt)
    local heard = gf.trigger("PASSPHRASE_CACHED", {fpr = evt.params.fpr, n = 7})
    local missed = gf.trigger("NOBODY")
    return 0, {heard = heard, missed = missed, channel = gf.channel()}
end
`, "RELAY")
	f.start(t, m)

	reply, ok := f.trigger(t, "RELAY", event.Params{"fpr": "ABCD"})
	if !ok {
		t.Fatal("no reply")
	}
	want := event.Params{"heard": "true", "missed": "false", "channel": "0"}
	if diff := cmp.Diff(want, reply); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}

	select {
	case p := <-got:
		if diff := cmp.Diff(event.Params{"fpr": "ABCD", "n": "7"}, p); diff != "" {
			t.Errorf("relayed params mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("sink never received the relayed event")
	}
}

func TestModule_FailuresBecomeStatus(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"script error", "function on_event(evt) error('bad') end"},
		{"non-zero status", "function on_event(evt) return 4, {x = 1} end"},
		{"no handler", "-- nothing"},
		{"bad return", "function on_event(evt) return 'what' end"},
		{"runaway loop", "function on_event(evt) while true do end end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			m := f.load(t, "failing", tt.script, "E")
			f.start(t, m)

			replied := make(chan event.Params, 1)
			if _, ok := f.ctx.Trigger("E", nil, func(_, _ string, p event.Params) { replied <- p }); !ok {
				t.Fatal("Trigger() = false")
			}
			deadline := time.Now().Add(5 * time.Second)
			for f.ctx.Stats().Failed == 0 {
				if time.Now().After(deadline) {
					t.Fatal("listener failure was never recorded")
				}
				time.Sleep(time.Millisecond)
			}
			select {
			case p := <-replied:
				t.Errorf("callback should not run for a failed listener, got %v", p)
			default:
			}
			waitNoLeaks(t, f.alloc)
		})
	}
}

func TestModule_Sandbox(t *testing.T) {
	f := newFixture(t)
	m := f.load(t, "sandbox", `
function on_event(evt)
    local names = {"io", "os", "debug", "package", "dofile", "loadfile", "load", "loadstring", "require", "print"}
    local out = {}
    for _, n in ipairs(names) do
        out[n] = tostring(_G[n] == nil)
    end
    out.math = tostring(math.floor(2.5) == 2)
    out.string = string.upper("ok")
    return out
end
`, "CHECK")
	f.start(t, m)

	reply, ok := f.trigger(t, "CHECK", nil)
	if !ok {
		t.Fatal("no reply")
	}
	for k, v := range reply {
		switch k {
		case "string":
			if v != "OK" {
				t.Errorf("string lib: %q", v)
			}
		default:
			if v != "true" {
				t.Errorf("%s: got %q, want true", k, v)
			}
		}
	}
	if len(reply) != 12 {
		t.Errorf("reply has %d entries: %v", len(reply), reply)
	}
}

func TestModule_ExecFlatDirect(t *testing.T) {
	f := newFixture(t)
	m := f.load(t, "direct", echoScript, "PING")
	if err := f.ctx.RegisterModule(context.Background(), m, false); err != nil {
		t.Fatal(err)
	}

	if status, reply := m.ExecFlat(context.Background(), nil); status != StatusBadInput || reply != nil {
		t.Errorf("ExecFlat(nil) = %d, %v", status, reply)
	}

	req, err := abi.NewFlatEvent(f.alloc, "PING", "trig-1", map[string]string{"name": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	status, reply := m.ExecFlat(context.Background(), req)
	if status != StatusOK {
		t.Fatalf("status = %d", status)
	}
	id, trig, params := reply.Drain(f.alloc)
	if id != "PING" || trig != "trig-1" || params["name"] != "bob" || params["trigger"] != "trig-1" {
		t.Errorf("reply = %s %s %v", id, trig, params)
	}
	waitNoLeaks(t, f.alloc)
}

func TestModule_ExecNonFlat(t *testing.T) {
	f := newFixture(t)
	m := f.load(t, "plain", `function on_event(evt) if evt.params.fail then return 9 end return {ok = "1"} end`)
	if err := f.ctx.RegisterModule(context.Background(), m, false); err != nil {
		t.Fatal(err)
	}

	reply, err := m.Exec(context.Background(), event.New("X", nil, nil))
	if err != nil || reply["ok"] != "1" {
		t.Errorf("Exec() = %v, %v", reply, err)
	}

	_, err = m.Exec(context.Background(), event.New("X", event.Params{"fail": "y"}, nil))
	var se *module.StatusError
	if !errors.As(err, &se) || se.Status != 9 {
		t.Errorf("Exec() error = %v, want status 9", err)
	}
}

func TestParseResults(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	tbl := L.NewTable()
	tbl.RawSetString("k", lua.LString("v"))

	tests := []struct {
		name       string
		in         []lua.LValue
		wantStatus int
		wantParams event.Params
	}{
		{"nothing", nil, StatusOK, nil},
		{"status only", []lua.LValue{lua.LNumber(0)}, StatusOK, nil},
		{"status and table", []lua.LValue{lua.LNumber(0), tbl}, StatusOK, event.Params{"k": "v"}},
		{"table only", []lua.LValue{tbl}, StatusOK, event.Params{"k": "v"}},
		{"nil and table", []lua.LValue{lua.LNil, tbl}, StatusOK, event.Params{"k": "v"}},
		{"error status drops params", []lua.LValue{lua.LNumber(5), tbl}, 5, nil},
		{"fractional status", []lua.LValue{lua.LNumber(1.5)}, StatusScriptError, nil},
		{"string", []lua.LValue{lua.LString("x")}, StatusScriptError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, params := parseResults(tt.in)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if diff := cmp.Diff(tt.wantParams, params); diff != "" {
				t.Errorf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestState_Closed(t *testing.T) {
	s := NewState()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !s.IsClosed() {
		t.Error("IsClosed() = false")
	}
	if err := s.DoString(context.Background(), "x = 1"); !errors.Is(err, ErrStateClosed) {
		t.Errorf("DoString() error = %v", err)
	}
	if s.HasFunction("x") {
		t.Error("HasFunction() on closed state")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestState_CallErrors(t *testing.T) {
	s := NewState(WithCallTimeout(50 * time.Millisecond))
	defer s.Close()

	if err := s.DoString(context.Background(), "value = 3\nfunction spin() while true do end end"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Call(context.Background(), "value", nil); !errors.Is(err, ErrNotFunction) {
		t.Errorf("Call(non-function) error = %v", err)
	}
	if _, err := s.Call(context.Background(), "missing", nil); !errors.Is(err, ErrNotFunction) {
		t.Errorf("Call(missing) error = %v", err)
	}

	start := time.Now()
	_, err := s.Call(context.Background(), "spin", nil)
	if err == nil {
		t.Fatal("runaway call should be stopped")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestBridge_Values(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	in := map[string]any{
		"s":    "x",
		"n":    int64(3),
		"f":    1.5,
		"b":    true,
		"list": []any{"a", "b"},
	}
	got := toGoValue(toLValue(L, in))
	want := map[string]any{
		"s":    "x",
		"n":    int64(3),
		"f":    1.5,
		"b":    true,
		"list": []any{"a", "b"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	cyc := L.NewTable()
	cyc.RawSetString("self", cyc)
	if m, ok := toGoValue(cyc).(map[string]any); !ok || m["self"] != nil {
		t.Errorf("cyclic table = %v", m)
	}
	if toGoValue(lua.LNil) != nil {
		t.Error("nil should convert to nil")
	}
}
