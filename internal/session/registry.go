// Package session tracks the single live connection per registered server.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/events"
	"warden/internal/protocol"
	"warden/internal/shard"
)

// Conn is the transport half a session owns: the gateway's websocket wrapper
// implements it, and tests substitute fakes.
type Conn interface {
	// Send writes an envelope to the agent. Safe for concurrent use.
	Send(env *protocol.Envelope) error
	// Close terminates the transport with a close reason.
	Close(reason string)
}

// Session is a live, authenticated binding between one agent and one
// connection.
type Session struct {
	ID          string
	ServerID    string
	ConnectedAt time.Time
	SourceIP    string
	Token       string
	TokenExpiry time.Time
	Conn        Conn

	mu            sync.Mutex
	lastHeartbeat time.Time
}

// Touch stamps traffic on the session (heartbeat or any inbound message).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// LastHeartbeat returns the time of the most recent traffic.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Registry owns all live sessions. Exactly zero or one session per server: a
// new authenticated connection supersedes and closes any prior one. Sessions
// live in a sharded map keyed by server, so connect and disconnect churn on
// one server never serializes behind another's.
type Registry struct {
	bus      *events.Bus
	tokenTTL time.Duration

	sessions *shard.Map[*Session] // serverID → session

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRegistry creates an empty registry issuing session tokens with the given
// TTL.
func NewRegistry(bus *events.Bus, tokenTTL time.Duration) *Registry {
	return &Registry{
		bus:      bus,
		tokenTTL: tokenTTL,
		sessions: shard.NewMap[*Session](),
		stop:     make(chan struct{}),
	}
}

// Register creates a session for serverID, closing any prior session for the
// same server. Returns the new session with a freshly issued token.
func (r *Registry) Register(serverID, sourceIP string, conn Conn) *Session {
	now := time.Now()
	s := &Session{
		ID:            uuid.NewString(),
		ServerID:      serverID,
		ConnectedAt:   now,
		SourceIP:      sourceIP,
		Token:         newToken(),
		TokenExpiry:   now.Add(r.tokenTTL),
		Conn:          conn,
		lastHeartbeat: now,
	}

	var prev *Session
	r.sessions.Update(serverID, func(cur *Session, ok bool) (*Session, bool) {
		if ok {
			prev = cur
		}
		return s, true
	})

	if prev != nil {
		log.Printf("[Sessions] server %s reconnected, superseding session %s", serverID, prev.ID)
		prev.Conn.Close("superseded")
	}

	r.bus.Publish(events.Event{
		Type:     events.AgentConnected,
		Severity: events.SeverityInfo,
		ServerID: serverID,
		SourceIP: sourceIP,
		Message:  "agent connected",
	})
	return s
}

// Get returns the live session for serverID, or nil.
func (r *Registry) Get(serverID string) *Session {
	s, _ := r.sessions.Get(serverID)
	return s
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*Session {
	out := make([]*Session, 0, r.sessions.Len())
	r.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// evict drops s if it is still the current session for its server. A
// superseded session removing itself on disconnect must not evict its
// replacement, hence the pointer compare.
func (r *Registry) evict(s *Session) bool {
	current := false
	r.sessions.Update(s.ServerID, func(cur *Session, ok bool) (*Session, bool) {
		if ok && cur == s {
			current = true
			return cur, false
		}
		return cur, ok
	})
	return current
}

// Remove drops a session on disconnect and announces the disconnect on the
// bus. No-op if s has already been superseded or swept.
func (r *Registry) Remove(s *Session, reason string) {
	if !r.evict(s) {
		return
	}
	r.bus.Publish(events.Event{
		Type:     events.AgentDisconnected,
		Severity: events.SeverityInfo,
		ServerID: s.ServerID,
		SourceIP: s.SourceIP,
		Message:  "agent disconnected: " + reason,
	})
}

// StartSweep runs the heartbeat-timeout sweep: any session with no traffic
// for interval×missed is force-closed. The sweep period is half the expected
// interval so detection lag stays below one heartbeat.
func (r *Registry) StartSweep(interval time.Duration, missed int) {
	if missed <= 0 {
		missed = 3
	}
	sweepEvery := interval / 2
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}

	go func() {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep(interval * time.Duration(missed))
			}
		}
	}()
	log.Printf("[Sessions] heartbeat sweep started (interval=%s, missed=%d)", interval, missed)
}

func (r *Registry) sweep(timeout time.Duration) {
	deadline := time.Now().Add(-timeout)

	var stale []*Session
	r.sessions.Range(func(_ string, s *Session) bool {
		if s.LastHeartbeat().Before(deadline) {
			stale = append(stale, s)
		}
		return true
	})

	// One logical disconnect, one event: the sweep evicts directly and
	// publishes only HeartbeatTimeout, so the generic disconnect event never
	// doubles it. The connection's own read-loop cleanup then finds the
	// session already gone.
	for _, s := range stale {
		s.Conn.Close("heartbeat_timeout")
		if !r.evict(s) {
			continue
		}
		log.Printf("[Sessions] server %s heartbeat timeout (last=%s)", s.ServerID, s.LastHeartbeat().Format(time.RFC3339))
		r.bus.Publish(events.Event{
			Type:     events.HeartbeatTimeout,
			Severity: events.SeverityWarning,
			ServerID: s.ServerID,
			SourceIP: s.SourceIP,
			Message:  "session closed after missed heartbeats",
		})
	}
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// CloseAll terminates every live session, e.g. on shutdown.
func (r *Registry) CloseAll(reason string) {
	var all []*Session
	r.sessions.DeleteFunc(func(_ string, s *Session) bool {
		all = append(all, s)
		return true
	})
	for _, s := range all {
		s.Conn.Close(reason)
	}
}

func newToken() string {
	raw := make([]byte, 32)
	rand.Read(raw)
	return hex.EncodeToString(raw)
}
