// Package anomaly watches authentication outcomes per server and raises
// security alerts when failure rates or connection patterns cross thresholds.
package anomaly

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"warden/internal/alerts"
	"warden/internal/events"
	"warden/internal/shard"
)

// Thresholds configures the detector. Zero values fall back to defaults.
type Thresholds struct {
	// BurstPerMinute failed auth attempts within one minute raise an
	// auth_failure_burst alert (default 5, strictly greater-than).
	BurstPerMinute int
	// BurstPerHour failed attempts within one hour raise the same alert
	// (default 20).
	BurstPerHour int
	// MalformedPerMinute protocol errors on one session within a minute mark
	// the session abusive (default 10).
	MalformedPerMinute int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.BurstPerMinute <= 0 {
		t.BurstPerMinute = 5
	}
	if t.BurstPerHour <= 0 {
		t.BurstPerHour = 20
	}
	if t.MalformedPerMinute <= 0 {
		t.MalformedPerMinute = 10
	}
	return t
}

// Detector counts auth failures and new-IP events per server within sliding
// windows. Failure windows live in sharded in-memory maps keyed by server,
// so one server's failure burst never contends with another's handshake;
// known IPs persist so an agent reconnecting after a server restart is not
// re-flagged.
type Detector struct {
	db         *sql.DB
	alertStore *alerts.Store
	bus        *events.Bus
	thresholds Thresholds

	failures  *shard.Map[[]time.Time] // serverID → failure timestamps, oldest first
	malformed *shard.Map[[]time.Time]
}

// NewDetector creates a detector and ensures the known-IP schema exists.
func NewDetector(db *sql.DB, alertStore *alerts.Store, bus *events.Bus, thresholds Thresholds) (*Detector, error) {
	d := &Detector{
		db:         db,
		alertStore: alertStore,
		bus:        bus,
		thresholds: thresholds.withDefaults(),
		failures:   shard.NewMap[[]time.Time](),
		malformed:  shard.NewMap[[]time.Time](),
	}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Detector) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS server_known_ips (
			server_id  TEXT NOT NULL,
			ip         TEXT NOT NULL,
			first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (server_id, ip)
		);
	`)
	if err != nil {
		return fmt.Errorf("create server_known_ips: %w", err)
	}
	return nil
}

// TrackAuthAttempt feeds one handshake outcome into the detector. Failed
// attempts count toward the burst windows; the first success from an IP the
// server has never used raises an informational, non-blocking new_ip alert.
func (d *Detector) TrackAuthAttempt(serverID string, success bool, ip string) {
	if success {
		d.trackSuccessIP(serverID, ip)
		return
	}

	now := time.Now()
	var minuteCount, hourCount int
	d.failures.Update(serverID, func(window []time.Time, _ bool) ([]time.Time, bool) {
		window = pruneBefore(window, now.Add(-time.Hour))
		window = append(window, now)
		minuteCount = countSince(window, now.Add(-time.Minute))
		hourCount = len(window)
		return window, true
	})

	burst := minuteCount > d.thresholds.BurstPerMinute || hourCount > d.thresholds.BurstPerHour
	if !burst {
		return
	}

	details := fmt.Sprintf("%d failed auth attempts in the last minute, %d in the last hour", minuteCount, hourCount)
	if _, _, err := d.alertStore.Raise(serverID, alerts.KindAuthFailureBurst, alerts.SeverityCritical, ip, details); err != nil {
		log.Printf("[Anomaly] record burst alert for %s: %v", serverID, err)
	}
	d.bus.Publish(events.Event{
		Type:     events.AuthFailureBurst,
		Severity: events.SeverityCritical,
		ServerID: serverID,
		SourceIP: ip,
		Message:  details,
	})
}

// TrackMalformed counts a malformed frame on an authenticated session.
// Returns true when the rate crosses the abuse threshold and the gateway
// should drop the session.
func (d *Detector) TrackMalformed(serverID string) bool {
	now := time.Now()
	count := 0
	d.malformed.Update(serverID, func(window []time.Time, _ bool) ([]time.Time, bool) {
		window = pruneBefore(window, now.Add(-time.Minute))
		window = append(window, now)
		count = len(window)
		return window, true
	})

	return count > d.thresholds.MalformedPerMinute
}

func (d *Detector) trackSuccessIP(serverID, ip string) {
	if ip == "" {
		return
	}
	res, err := d.db.Exec(`
		INSERT OR IGNORE INTO server_known_ips (server_id, ip) VALUES (?, ?)
	`, serverID, ip)
	if err != nil {
		log.Printf("[Anomaly] record known ip for %s: %v", serverID, err)
		return
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return // already known
	}

	// Skip the alert the very first time a server connects at all:
	// enrollment from an unseen IP is expected.
	var total int
	d.db.QueryRow(`SELECT COUNT(*) FROM server_known_ips WHERE server_id = ?`, serverID).Scan(&total)
	if total <= 1 {
		return
	}

	details := fmt.Sprintf("first successful connection from %s", ip)
	if _, _, err := d.alertStore.Raise(serverID, alerts.KindNewIP, alerts.SeverityInfo, ip, details); err != nil {
		log.Printf("[Anomaly] record new_ip alert for %s: %v", serverID, err)
	}
	d.bus.Publish(events.Event{
		Type:     events.NewIPSeen,
		Severity: events.SeverityInfo,
		ServerID: serverID,
		SourceIP: ip,
		Message:  details,
	})
}

func pruneBefore(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	return window[i:]
}

func countSince(window []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}
