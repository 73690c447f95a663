package rotation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"warden/internal/credstore"
	"warden/internal/events"
	"warden/internal/protocol"
	"warden/internal/session"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (c *fakeConn) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(reason string) {}

func (c *fakeConn) lastSent() *protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

type fixture struct {
	store    *credstore.Store
	registry *session.Registry
	bus      *events.Bus
	coord    *Coordinator

	mu     sync.Mutex
	events []events.Event
}

func setup(t *testing.T, window time.Duration) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := credstore.Migrate(db); err != nil {
		t.Fatal(err)
	}

	key := make([]byte, 32)
	cipher, err := credstore.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store: credstore.NewStore(db, cipher),
		bus:   events.NewBus(),
	}
	f.bus.Subscribe(func(e events.Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	f.registry = session.NewRegistry(f.bus, time.Hour)
	t.Cleanup(f.registry.Stop)
	f.coord = NewCoordinator(f.store, f.registry, f.bus, window)
	t.Cleanup(f.coord.Stop)
	return f
}

func (f *fixture) eventTypes() []events.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func (f *fixture) hasEvent(t events.EventType) bool {
	for _, got := range f.eventTypes() {
		if got == t {
			return true
		}
	}
	return false
}

func TestStartPushesSealedUpdate(t *testing.T) {
	f := setup(t, time.Hour)
	srv, currentSecret, err := f.store.RegisterServer("web-01", []string{"system:info"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{}
	f.registry.Register(srv.ServerID, "10.0.0.5", conn)

	rot, err := f.coord.Start(srv.ServerID)
	if err != nil {
		t.Fatal(err)
	}

	env := conn.lastSent()
	if env == nil || env.Type != protocol.TypeCredentialUpdate {
		t.Fatalf("expected credential_update frame, got %+v", env)
	}
	var upd protocol.CredentialUpdate
	if err := json.Unmarshal(env.Payload, &upd); err != nil {
		t.Fatal(err)
	}
	if upd.RotationID != rot.ID {
		t.Errorf("rotation id = %q, want %q", upd.RotationID, rot.ID)
	}
	if upd.NewKeyPrefix != rot.PendingKeyPrefix {
		t.Errorf("key prefix = %q, want %q", upd.NewKeyPrefix, rot.PendingKeyPrefix)
	}

	// The new secret rides sealed under the current credential, and the agent
	// can open it with what it already holds.
	opened, err := credstore.OpenInBand([]byte(currentSecret), upd.NewSecret)
	if err != nil {
		t.Fatalf("open in-band secret: %v", err)
	}
	if len(opened) == 0 {
		t.Error("empty pending secret")
	}
	if !f.hasEvent(events.RotationStarted) {
		t.Error("expected rotation_started event")
	}
}

func TestStartOfflineStoresPendingWithoutPush(t *testing.T) {
	f := setup(t, time.Hour)
	srv, _, err := f.store.RegisterServer("web-01", []string{"system:info"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rot, err := f.coord.Start(srv.ServerID)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetServer(srv.ServerID)
	if got.Rotation == nil || got.Rotation.ID != rot.ID {
		t.Error("pending rotation not stored for offline server")
	}
}

func TestStartConflict(t *testing.T) {
	f := setup(t, time.Hour)
	srv, _, _ := f.store.RegisterServer("web-01", []string{"system:info"}, nil)

	if _, err := f.coord.Start(srv.ServerID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Start(srv.ServerID); !errors.Is(err, credstore.ErrRotationInFlight) {
		t.Errorf("err = %v, want ErrRotationInFlight", err)
	}
}

func TestAckCommitsRotation(t *testing.T) {
	f := setup(t, time.Hour)
	srv, oldSecret, _ := f.store.RegisterServer("web-01", []string{"system:info"}, nil)

	rot, err := f.coord.Start(srv.ServerID)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.coord.HandleAck(srv.ServerID, rot.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetServer(srv.ServerID)
	if got.KeyPrefix != rot.PendingKeyPrefix {
		t.Error("pending credential not promoted")
	}
	newSecret, err := f.store.DecryptSecret(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(newSecret) == oldSecret {
		t.Error("active secret unchanged after ack")
	}
	if !f.hasEvent(events.RotationCommitted) {
		t.Error("expected rotation_committed event")
	}
}

func TestStaleAckRejected(t *testing.T) {
	f := setup(t, time.Hour)
	srv, _, _ := f.store.RegisterServer("web-01", []string{"system:info"}, nil)

	if err := f.coord.HandleAck(srv.ServerID, "never-started"); !errors.Is(err, protocol.ErrRotationExpired) {
		t.Errorf("err = %v, want ErrRotationExpired", err)
	}
	if f.hasEvent(events.RotationCommitted) {
		t.Error("stale ack must not publish a commit event")
	}
}

func TestExpiredRotationRevertsOnSweep(t *testing.T) {
	f := setup(t, -time.Minute)
	srv, _, _ := f.store.RegisterServer("web-01", []string{"system:info"}, nil)

	rot, err := f.coord.Start(srv.ServerID)
	if err != nil {
		t.Fatal(err)
	}

	f.coord.sweep()

	if !f.hasEvent(events.RotationExpired) {
		t.Error("expected rotation_expired event")
	}
	got, _ := f.store.GetServer(srv.ServerID)
	if got.Rotation != nil {
		t.Error("expired rotation survived the sweep")
	}
	if got.KeyPrefix != srv.KeyPrefix {
		t.Error("active credential changed without ack")
	}

	// And a late ack for the swept rotation is refused.
	if err := f.coord.HandleAck(srv.ServerID, rot.ID); !errors.Is(err, protocol.ErrRotationExpired) {
		t.Errorf("late ack err = %v, want ErrRotationExpired", err)
	}
}
