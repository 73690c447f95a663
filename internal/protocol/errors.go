package protocol

import (
	"errors"
	"fmt"
)

// AuthFailReason identifies why a handshake was rejected. The reason string
// is what goes over the wire in the auth_fail frame.
type AuthFailReason string

const (
	ReasonTimestampOutOfRange AuthFailReason = "timestamp_out_of_range"
	ReasonUnknownServer       AuthFailReason = "unknown_server"
	ReasonBadKey              AuthFailReason = "bad_key"
	ReasonBadSignature        AuthFailReason = "bad_signature"
	ReasonReplayDetected      AuthFailReason = "replay_detected"
	ReasonIPBlocked           AuthFailReason = "ip_blocked"
)

// AuthFailure is terminal for the connection attempt: the gateway responds
// once with the reason and closes the transport.
type AuthFailure struct {
	Reason AuthFailReason
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// AuthFailureIs reports whether err is an AuthFailure with the given reason.
func AuthFailureIs(err error, reason AuthFailReason) bool {
	var af *AuthFailure
	return errors.As(err, &af) && af.Reason == reason
}

var (
	// ErrNoActiveSession means the target server has no live connection.
	// Returned synchronously to the command caller, never sent to an agent.
	ErrNoActiveSession = errors.New("no active session for server")

	// ErrPermissionDenied means the action's required scope is not granted
	// to the target server. Checked on the control plane, not the agent.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCommandTimeout means no result arrived before the command deadline.
	// The session stays open.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrCommandCancelled means the caller cancelled before a result arrived.
	ErrCommandCancelled = errors.New("command cancelled")

	// ErrRotationExpired means a credential_update_ack arrived after the
	// rotation window closed (or for a rotation that never existed).
	ErrRotationExpired = errors.New("rotation expired")
)

// ProtocolError marks a malformed frame on an authenticated connection.
// Non-fatal for the session unless the anomaly detector decides the rate is
// abusive.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Detail)
}
