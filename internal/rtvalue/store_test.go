package rtvalue

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRetrieve_Default(t *testing.T) {
	s := NewStore()
	if got := s.Retrieve("core", "env.state.all", 0); got != 0 {
		t.Errorf("Retrieve default = %v", got)
	}

	s.Upsert("core", "env.state.all", 1)
	if got := s.Retrieve("core", "env.state.all", 0); got != 1 {
		t.Errorf("Retrieve = %v, want 1", got)
	}
}

func TestRetrieveAs(t *testing.T) {
	s := NewStore()
	s.Upsert("core", "count", 3)
	s.Upsert("core", "name", "gpg")

	if got := RetrieveAs(s, "core", "count", 0); got != 3 {
		t.Errorf("RetrieveAs[int] = %d", got)
	}
	if got := RetrieveAs(s, "core", "name", 0); got != 0 {
		t.Errorf("type mismatch should yield default, got %d", got)
	}
	if got := RetrieveAs(s, "core", "missing", "def"); got != "def" {
		t.Errorf("missing should yield default, got %q", got)
	}
	if got := RetrieveString(s, "core", "count", ""); got != "3" {
		t.Errorf("RetrieveString = %q", got)
	}
}

func TestNamespacesIsolated(t *testing.T) {
	s := NewStore()
	s.Upsert("a", "k", 1)
	s.Upsert("b", "k", 2)

	if s.Retrieve("a", "k", nil) != 1 || s.Retrieve("b", "k", nil) != 2 {
		t.Error("namespaces leak into each other")
	}
	if diff := cmp.Diff([]string{"k"}, s.Keys("a")); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
}

func TestWatch(t *testing.T) {
	s := NewStore()

	var got []Change
	cancel := s.Watch("core", func(c Change) { got = append(got, c) })

	s.Upsert("core", "x", 1)
	s.Upsert("core", "x", 2)
	s.Upsert("other", "x", 9)
	s.Delete("core", "x")
	cancel()
	s.Upsert("core", "x", 3)

	want := []Change{
		{Namespace: "core", Key: "x", New: 1},
		{Namespace: "core", Key: "x", Old: 1, New: 2, Existed: true},
		{Namespace: "core", Key: "x", Old: 2, Existed: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestWatch_PanicContained(t *testing.T) {
	s := NewStore()
	s.Watch("", func(Change) { panic("bad listener") })

	var called bool
	s.Watch("", func(Change) { called = true })

	s.Upsert("a", "b", 1)
	if !called {
		t.Error("panicking listener blocked the next one")
	}
}

func TestConcurrent(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Upsert("ns", "k", n)
			_ = s.Retrieve("ns", "k", nil)
		}(i)
	}
	wg.Wait()

	if _, ok := s.Lookup("ns", "k"); !ok {
		t.Error("value missing after concurrent upserts")
	}
}
