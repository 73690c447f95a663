package protocol

import "encoding/json"

// Message type constants for the agent channel. Every frame on the wire is an
// Envelope whose Type selects the payload shape.
const (
	TypeAuth                = "auth"
	TypeAuthOK              = "auth_ok"
	TypeAuthFail            = "auth_fail"
	TypeHeartbeat           = "heartbeat"
	TypeCommand             = "command"
	TypeCommandResult       = "command_result"
	TypeSubscribe           = "subscribe"
	TypeUnsubscribe         = "unsubscribe"
	TypeStream              = "stream"
	TypeCredentialUpdate    = "credential_update"
	TypeCredentialUpdateAck = "credential_update_ack"
	TypeError               = "error"
)

// Envelope is the wire format for every message exchanged with an agent.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthRequest is the first frame an agent sends after connecting.
// Signature is hex(HMAC-SHA256(secret, server_id + ":" + timestamp + ":" + nonce)).
type AuthRequest struct {
	ServerID  string `json:"server_id"`
	KeyPrefix string `json:"key_prefix"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// AuthOK confirms a successful handshake.
type AuthOK struct {
	SessionToken string `json:"session_token"`
	ExpiresAt    string `json:"expires_at"`
}

// AuthFail carries the terminal failure reason; the gateway closes the
// transport right after writing it.
type AuthFail struct {
	Error string `json:"error"`
}

// Heartbeat carries agent-reported metrics. The control plane treats the
// metrics blob as opaque and stores it as the last-seen snapshot.
type Heartbeat struct {
	Metrics json.RawMessage `json:"metrics,omitempty"`
}

// Command is an outbound instruction to an agent.
type Command struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeout_ms"`
}

// CommandResult correlates back to a Command by ID.
type CommandResult struct {
	CommandID  string          `json:"command_id"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// Subscription names a stream channel, e.g. "container:abc123:logs".
type Subscription struct {
	Channel string `json:"channel"`
}

// StreamData is a single datum on a subscribed channel. Delivery is
// best-effort in-order for the lifetime of the session; nothing is replayed
// after a reconnect.
type StreamData struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// CredentialUpdate pushes a pending credential to the agent over the already
// authenticated channel. NewSecret is additionally sealed with the current
// shared secret so the plaintext never rides the frame directly.
type CredentialUpdate struct {
	RotationID   string `json:"rotation_id"`
	NewKeyPrefix string `json:"new_key_prefix"`
	NewSecret    string `json:"new_secret"`
}

// CredentialUpdateAck commits a rotation.
type CredentialUpdateAck struct {
	RotationID string `json:"rotation_id"`
}

// ErrorMessage is the generic error frame either side may send.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps a payload struct into an Envelope ready for writing.
func Encode(msgType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, Payload: raw}, nil
}

// Marshal renders an envelope to wire bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
