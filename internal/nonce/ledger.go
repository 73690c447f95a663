// Package nonce implements the replay ledger: a time-bounded record of
// single-use tokens presented during authentication. A nonce entry expires at
// the handshake timestamp plus the auth window, independent of when it was
// inserted, so a message replayed just inside the window is still caught and
// one replayed outside it fails the staleness check instead.
package nonce

import (
	"sync"
	"time"

	"warden/internal/shard"
)

// Ledger records recently used nonces per server. Entries live in a sharded
// map keyed (server, nonce), so concurrent handshakes from different servers
// never contend on one lock and the common "not a replay" read stays cheap.
type Ledger struct {
	window time.Duration

	entries *shard.Map[time.Time] // → expiry

	stopOnce sync.Once
	stop     chan struct{}
}

// NewLedger creates a ledger whose entries live until handshake timestamp +
// window.
func NewLedger(window time.Duration) *Ledger {
	return &Ledger{
		window:  window,
		entries: shard.NewMap[time.Time](),
		stop:    make(chan struct{}),
	}
}

// ledgerKey joins serverID and nonce. Neither side contains NUL, so the join
// is unambiguous.
func ledgerKey(serverID, nonce string) string {
	return serverID + "\x00" + nonce
}

// Window returns the replay window.
func (l *Ledger) Window() time.Duration {
	return l.window
}

// Seen reports whether (serverID, nonce) has an unexpired record.
func (l *Ledger) Seen(serverID, nonce string) bool {
	expiry, ok := l.entries.Get(ledgerKey(serverID, nonce))
	return ok && time.Now().Before(expiry)
}

// Record stores a nonce with an expiry anchored to the handshake timestamp.
// Called only after the handshake fully succeeds.
func (l *Ledger) Record(serverID, nonce string, handshakeTime time.Time) {
	l.entries.Set(ledgerKey(serverID, nonce), handshakeTime.Add(l.window))
}

// Len returns the number of ledger entries, expired or not.
func (l *Ledger) Len() int {
	return l.entries.Len()
}

// Purge drops expired entries and returns how many were removed.
func (l *Ledger) Purge() int {
	now := time.Now()
	return l.entries.DeleteFunc(func(_ string, expiry time.Time) bool {
		return now.After(expiry)
	})
}

// StartPurge runs Purge on the given interval until Stop is called.
func (l *Ledger) StartPurge(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.Purge()
			}
		}
	}()
}

// Stop halts the purge loop.
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
