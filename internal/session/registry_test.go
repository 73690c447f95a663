package session

import (
	"sync"
	"testing"
	"time"

	"warden/internal/events"
	"warden/internal/protocol"
)

type fakeConn struct {
	mu          sync.Mutex
	sent        []*protocol.Envelope
	closed      bool
	closeReason string
}

func (c *fakeConn) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeReason = reason
}

func (c *fakeConn) closedWith() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeReason
}

func newTestRegistry() *Registry {
	return NewRegistry(events.NewBus(), time.Hour)
}

func TestRegisterIssuesSession(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	s := r.Register("srv-1", "10.0.0.5", &fakeConn{})
	if s.ID == "" {
		t.Error("expected session id")
	}
	if len(s.Token) != 64 {
		t.Errorf("token length = %d, want 64", len(s.Token))
	}
	if !s.TokenExpiry.After(time.Now()) {
		t.Error("token expiry should be in the future")
	}
	if got := r.Get("srv-1"); got != s {
		t.Error("Get did not return the registered session")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestReconnectSupersedes(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	oldConn := &fakeConn{}
	old := r.Register("srv-1", "10.0.0.5", oldConn)
	replacement := r.Register("srv-1", "10.0.0.6", &fakeConn{})

	if closed, reason := oldConn.closedWith(); !closed || reason != "superseded" {
		t.Errorf("old conn closed=%v reason=%q, want superseded", closed, reason)
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
	if got := r.Get("srv-1"); got != replacement {
		t.Error("replacement session is not current")
	}
	if old.Token == replacement.Token {
		t.Error("superseding session reused the old token")
	}
}

func TestRemoveSupersededDoesNotEvictReplacement(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	old := r.Register("srv-1", "10.0.0.5", &fakeConn{})
	replacement := r.Register("srv-1", "10.0.0.5", &fakeConn{})

	// The superseded connection's read loop exits and removes itself; the
	// replacement must survive.
	r.Remove(old, "superseded")
	if got := r.Get("srv-1"); got != replacement {
		t.Error("replacement evicted by superseded session's removal")
	}

	r.Remove(replacement, "closed")
	if r.Get("srv-1") != nil {
		t.Error("expected no session after removal")
	}
}

func TestSweepClosesStaleSessions(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	staleConn := &fakeConn{}
	stale := r.Register("srv-stale", "10.0.0.5", staleConn)
	fresh := r.Register("srv-fresh", "10.0.0.6", &fakeConn{})

	// Backdate the stale session's heartbeat past the timeout.
	stale.mu.Lock()
	stale.lastHeartbeat = time.Now().Add(-time.Hour)
	stale.mu.Unlock()
	fresh.Touch()

	r.sweep(10 * time.Minute)

	if closed, reason := staleConn.closedWith(); !closed || reason != "heartbeat_timeout" {
		t.Errorf("stale conn closed=%v reason=%q, want heartbeat_timeout", closed, reason)
	}
	if r.Get("srv-stale") != nil {
		t.Error("stale session still registered")
	}
	if r.Get("srv-fresh") == nil {
		t.Error("fresh session swept")
	}
}

func TestHeartbeatTimeoutEvent(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}, events.HeartbeatTimeout)

	r := NewRegistry(bus, time.Hour)
	defer r.Stop()

	s := r.Register("srv-1", "10.0.0.5", &fakeConn{})
	s.mu.Lock()
	s.lastHeartbeat = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	r.sweep(time.Minute)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ServerID != "srv-1" {
		t.Errorf("heartbeat timeout events = %v, want one for srv-1", got)
	}
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	conns := []*fakeConn{{}, {}}
	r.Register("srv-1", "10.0.0.5", conns[0])
	r.Register("srv-2", "10.0.0.6", conns[1])

	r.CloseAll("server shutdown")
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
	for i, c := range conns {
		if closed, reason := c.closedWith(); !closed || reason != "server shutdown" {
			t.Errorf("conn %d closed=%v reason=%q", i, closed, reason)
		}
	}
}

func TestTouchAdvancesHeartbeat(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	s := r.Register("srv-1", "10.0.0.5", &fakeConn{})
	before := s.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	s.Touch()
	if !s.LastHeartbeat().After(before) {
		t.Error("Touch did not advance last heartbeat")
	}
}

func TestSweepEmitsOneEventPerExpiry(t *testing.T) {
	bus := events.NewBus()
	r := NewRegistry(bus, time.Hour)
	defer r.Stop()

	s := r.Register("srv-1", "10.0.0.5", &fakeConn{})
	s.mu.Lock()
	s.lastHeartbeat = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	// Subscribe after registering so the connect event is not counted.
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	r.sweep(time.Minute)

	// The read-loop cleanup that follows a swept close must stay silent too.
	r.Remove(s, "heartbeat_timeout")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("events = %d, want exactly 1", len(got))
	}
	if got[0].Type != events.HeartbeatTimeout {
		t.Errorf("event type = %s, want %s", got[0].Type, events.HeartbeatTimeout)
	}
}
