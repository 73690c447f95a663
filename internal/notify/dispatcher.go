package notify

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"warden/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested without
// hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Dispatcher subscribes to the event bus, filters by each target's minimum
// severity, enforces per-(target, event type) cooldowns, and dispatches via
// Shoutrrr.
type Dispatcher struct {
	db     *sql.DB
	bus    *events.Bus
	sender Sender

	mu        sync.Mutex
	cooldowns map[string]time.Time // "targetID:eventType" → last dispatch

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher wired to the given bus and database.
func NewDispatcher(db *sql.DB, bus *events.Bus, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{
		db:        db,
		bus:       bus,
		sender:    sender,
		cooldowns: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to all events and begins dispatching.
func (d *Dispatcher) Start() {
	ch := make(chan events.Event, 256)

	d.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("notify: event queue full, dropping %s event", e.Type)
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatcher goroutine to finish and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// handle processes a single event against all enabled targets.
func (d *Dispatcher) handle(e events.Event) {
	targets, err := ListEnabledTargets(d.db)
	if err != nil {
		log.Printf("notify: list targets: %v", err)
		return
	}

	for _, t := range targets {
		if e.Severity < minSeverity(t.MinSeverity) {
			continue
		}
		if d.inCooldown(t, e) {
			continue
		}
		if err := d.sender.Send(t.ShoutrrrURL, formatMessage(e)); err != nil {
			log.Printf("notify: send to %s failed: %v", t.Name, err)
		}
	}
}

// inCooldown checks and, when clear, arms the cooldown for (target, type).
// Critical events always go through.
func (d *Dispatcher) inCooldown(t Target, e events.Event) bool {
	if t.CooldownSec <= 0 || e.Severity == events.SeverityCritical {
		return false
	}
	key := fmt.Sprintf("%d:%s", t.ID, e.Type)

	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.cooldowns[key]
	now := time.Now()
	if ok && now.Sub(last) < time.Duration(t.CooldownSec)*time.Second {
		return true
	}
	d.cooldowns[key] = now
	return false
}

func formatMessage(e events.Event) string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Severity, e.Type, e.Message)
	if e.ServerID != "" {
		msg += fmt.Sprintf(" (server %s", e.ServerID)
		if e.SourceIP != "" {
			msg += ", ip " + e.SourceIP
		}
		msg += ")"
	}
	return msg
}

func minSeverity(s string) events.Severity {
	switch s {
	case "critical":
		return events.SeverityCritical
	case "warning":
		return events.SeverityWarning
	default:
		return events.SeverityInfo
	}
}
