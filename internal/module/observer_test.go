package module

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/keyforge/internal/event"
)

func TestMatchEventID(t *testing.T) {
	tests := []struct {
		id, pattern string
		want        bool
	}{
		{"PASSPHRASE_CACHED", "PASSPHRASE_CACHED", true},
		{"PASSPHRASE_CACHED", "PASSPHRASE_REQUEST", false},
		{"module.a.activated", "module.*.activated", true},
		{"module.a.b.activated", "module.*.activated", false},
		{"module.a.b.activated", "module.**.activated", true},
		{"module.a.activated", "module.**", true},
		{"module", "module.**", true},
		{"module.a", "*", false},
		{"anything.at.all", "**", true},
		{"", "**", true},
		{"", "*", false},
		{"module.a.registered", "module.*.activated", false},
	}
	for _, tt := range tests {
		t.Run(tt.id+"~"+tt.pattern, func(t *testing.T) {
			if got := MatchEventID(tt.id, tt.pattern); got != tt.want {
				t.Errorf("MatchEventID(%q, %q) = %v, want %v", tt.id, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestObserve_Lifecycle(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	var seen []string
	cancel := c.Observe("module.**", func(evt *event.Event) {
		id, _ := evt.Param("module_id")
		seen = append(seen, evt.ID()+"@"+id)
	})

	m := newHookModule("com.example.pass")
	if err := c.RegisterModule(ctx, m, true); err != nil {
		t.Fatal(err)
	}
	if err := c.ActivateModule(ctx, m.ID()); err != nil {
		t.Fatal(err)
	}
	if err := c.DeactivateModule(ctx, m.ID()); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"module.com.example.pass.registered@com.example.pass",
		"module.com.example.pass.activated@com.example.pass",
		"module.com.example.pass.deactivated@com.example.pass",
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("observed events mismatch (-want +got):\n%s", diff)
	}

	cancel()
	cancel()
	if err := c.ActivateModule(ctx, m.ID()); err != nil {
		t.Fatal(err)
	}
	if len(seen) != len(want) {
		t.Errorf("observer still called after cancel: %v", seen)
	}
}

func TestObserve_UnheardEvents(t *testing.T) {
	c := newTestContext(t)

	var got []string
	c.Observe(event.EnvironmentChecked, func(evt *event.Event) { got = append(got, evt.ID()) })

	if _, ok := c.Trigger(event.EnvironmentChecked, nil, nil); ok {
		t.Error("Trigger() = true with no listeners")
	}
	if diff := cmp.Diff([]string{event.EnvironmentChecked}, got); diff != "" {
		t.Errorf("observer mismatch (-want +got):\n%s", diff)
	}
}

func TestObserve_PanicContained(t *testing.T) {
	c := newTestContext(t)

	var after bool
	c.Observe("E", func(*event.Event) { panic("observer") })
	c.Observe("E", func(*event.Event) { after = true })

	c.Trigger("E", nil, nil)
	if !after {
		t.Error("a panicking observer must not stop the others")
	}
}

func TestObserve_InvalidArgs(t *testing.T) {
	c := newTestContext(t)
	c.Observe("", func(*event.Event) { t.Error("empty pattern should never match") })
	c.Observe("E", nil)()
	c.Trigger("E", nil, nil)
}
