package alerts

import "time"

// Kind classifies a security alert.
type Kind string

const (
	KindAuthFailureBurst Kind = "auth_failure_burst"
	KindNewIP            Kind = "new_ip"
	KindIPBlocked        Kind = "ip_blocked"
	KindReplayDetected   Kind = "replay_detected"
)

// Status is the operator-facing lifecycle of an alert.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Severity indicates urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a durable record of a security-relevant event. Append-only except
// for status transitions and the dedup counter on open alerts.
type Alert struct {
	ID        string    `json:"alert_id"`
	ServerID  string    `json:"server_id"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	SourceIP  string    `json:"source_ip,omitempty"`
	Details   string    `json:"details,omitempty"`
	Status    Status    `json:"status"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const timeFormat = "2006-01-02 15:04:05"
