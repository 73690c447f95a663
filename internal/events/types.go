package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Security events
	AuthFailed       EventType = "auth_failed"
	AuthSucceeded    EventType = "auth_succeeded"
	ReplayDetected   EventType = "replay_detected"
	IPBlocked        EventType = "ip_blocked"
	AuthFailureBurst EventType = "auth_failure_burst"
	NewIPSeen        EventType = "new_ip_seen"

	// Session events
	AgentConnected    EventType = "agent_connected"
	AgentDisconnected EventType = "agent_disconnected"
	HeartbeatTimeout  EventType = "heartbeat_timeout"

	// Rotation events
	RotationStarted   EventType = "rotation_started"
	RotationCommitted EventType = "rotation_committed"
	RotationExpired   EventType = "rotation_expired"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	ServerID  string            `json:"server_id,omitempty"`
	SourceIP  string            `json:"source_ip,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
