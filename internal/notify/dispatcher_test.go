package notify

import (
	"database/sql"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"warden/internal/events"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) Send(url, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, message)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return ""
	}
	return s.sent[len(s.sent)-1]
}

func setupNotifyDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addTarget(t *testing.T, db *sql.DB, minSeverity string, cooldownSec int) int64 {
	t.Helper()
	id, err := CreateTarget(db, &Target{
		Name:        "test-discord",
		ShoutrrrURL: "discord://token@channel",
		MinSeverity: minSeverity,
		CooldownSec: cooldownSec,
		Enabled:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestDispatchesMatchingEvent(t *testing.T) {
	db := setupNotifyDB(t)
	addTarget(t, db, "warning", 0)

	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(db, bus, sender)
	d.Start()

	bus.Publish(events.Event{
		Type:     events.AuthFailureBurst,
		Severity: events.SeverityCritical,
		ServerID: "srv-1",
		SourceIP: "10.0.0.9",
		Message:  "6 failed auth attempts",
	})
	d.Stop()

	if sender.count() != 1 {
		t.Fatalf("sent = %d, want 1", sender.count())
	}
	msg := sender.last()
	if !strings.Contains(msg, "srv-1") || !strings.Contains(msg, "10.0.0.9") {
		t.Errorf("message %q missing server or ip", msg)
	}
}

func TestSeverityGate(t *testing.T) {
	db := setupNotifyDB(t)
	addTarget(t, db, "critical", 0)

	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(db, bus, sender)
	d.Start()

	bus.Publish(events.Event{Type: events.AgentConnected, Severity: events.SeverityInfo, Message: "hi"})
	bus.Publish(events.Event{Type: events.HeartbeatTimeout, Severity: events.SeverityWarning, Message: "late"})
	bus.Publish(events.Event{Type: events.ReplayDetected, Severity: events.SeverityCritical, Message: "replay"})
	d.Stop()

	if sender.count() != 1 {
		t.Errorf("sent = %d, want only the critical event", sender.count())
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	db := setupNotifyDB(t)
	addTarget(t, db, "info", 600)

	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(db, bus, sender)
	d.Start()

	for i := 0; i < 5; i++ {
		bus.Publish(events.Event{Type: events.HeartbeatTimeout, Severity: events.SeverityWarning, Message: "late"})
	}
	d.Stop()

	if sender.count() != 1 {
		t.Errorf("sent = %d, want 1 within cooldown", sender.count())
	}
}

func TestCriticalBypassesCooldown(t *testing.T) {
	db := setupNotifyDB(t)
	addTarget(t, db, "info", 600)

	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(db, bus, sender)
	d.Start()

	for i := 0; i < 3; i++ {
		bus.Publish(events.Event{Type: events.ReplayDetected, Severity: events.SeverityCritical, Message: "replay"})
	}
	d.Stop()

	if sender.count() != 3 {
		t.Errorf("sent = %d, want 3 critical deliveries", sender.count())
	}
}

func TestDisabledTargetSkipped(t *testing.T) {
	db := setupNotifyDB(t)
	id := addTarget(t, db, "info", 0)
	if _, err := db.Exec("UPDATE notification_targets SET enabled = 0 WHERE id = ?", id); err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(db, bus, sender)
	d.Start()

	bus.Publish(events.Event{Type: events.ReplayDetected, Severity: events.SeverityCritical, Message: "replay"})
	d.Stop()

	if sender.count() != 0 {
		t.Errorf("sent = %d, want 0 for disabled target", sender.count())
	}
}

func TestTargetCRUD(t *testing.T) {
	db := setupNotifyDB(t)
	id := addTarget(t, db, "warning", 300)

	list, err := ListEnabledTargets(db)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("targets = %d, want 1", len(list))
	}
	if list[0].MinSeverity != "warning" || list[0].CooldownSec != 300 {
		t.Errorf("target = %+v", list[0])
	}

	if err := DeleteTarget(db, id); err != nil {
		t.Fatal(err)
	}
	list, _ = ListEnabledTargets(db)
	if len(list) != 0 {
		t.Errorf("targets after delete = %d, want 0", len(list))
	}
}
