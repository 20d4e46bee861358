package session

import (
	"sync"
	"testing"
)

type stubConn struct {
	id string
}

func (c *stubConn) ID() string                  { return c.id }
func (c *stubConn) Send(event string, v any) bool { return true }

func TestRegisterLookupUnregister(t *testing.T) {
	r := NewRegistry()
	c := &stubConn{id: "c1"}

	if evicted := r.Register(Identity{ID: "u1", Username: "alice"}, c, "online"); evicted != nil {
		t.Fatalf("expected no eviction on first register")
	}

	s, ok := r.Lookup("u1")
	if !ok || s.Conn != c {
		t.Fatalf("lookup failed")
	}
	if s.Identity.Username != "alice" {
		t.Fatalf("unexpected identity: %+v", s.Identity)
	}

	if !r.Unregister("u1", c) {
		t.Fatalf("expected unregister to remove entry")
	}
	if _, ok := r.Lookup("u1"); ok {
		t.Fatalf("expected entry removed")
	}
	// Idempotent.
	if r.Unregister("u1", c) {
		t.Fatalf("expected second unregister to be a no-op")
	}
}

func TestRegisterSupersedes(t *testing.T) {
	r := NewRegistry()
	old := &stubConn{id: "c1"}
	neu := &stubConn{id: "c2"}

	r.Register(Identity{ID: "u1"}, old, "online")
	evicted := r.Register(Identity{ID: "u1"}, neu, "online")
	if evicted == nil || evicted.Conn != old {
		t.Fatalf("expected old session to be evicted")
	}

	// The stale connection must not remove the superseding entry.
	if r.Unregister("u1", old) {
		t.Fatalf("stale unregister should be a no-op")
	}
	s, ok := r.Lookup("u1")
	if !ok || s.Conn != neu {
		t.Fatalf("expected superseding session to survive")
	}
}

func TestStatus(t *testing.T) {
	r := NewRegistry()
	c := &stubConn{id: "c1"}
	r.Register(Identity{ID: "u1"}, c, "online")

	if st, ok := r.GetStatus("u1"); !ok || st != "online" {
		t.Fatalf("expected online, got %q %v", st, ok)
	}
	if !r.SetStatus("u1", "busy") {
		t.Fatalf("expected status update to find session")
	}
	if st, _ := r.GetStatus("u1"); st != "busy" {
		t.Fatalf("expected busy, got %q", st)
	}
	if r.SetStatus("ghost", "away") {
		t.Fatalf("expected no session for ghost")
	}
}

func TestConcurrentRegisterSingleEntry(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register(Identity{ID: "u1"}, &stubConn{id: "c"}, "online")
		}(i)
	}
	wg.Wait()

	if r.Len() != 1 {
		t.Fatalf("expected exactly one entry, got %d", r.Len())
	}
}
