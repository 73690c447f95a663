package credstore

import "time"

// RegisteredServer is the identity of a remote agent installation. The shared
// secret is never stored in the clear: CredentialHash is a one-way bcrypt hash
// used only to verify the bootstrap handshake, and SecretCipher is the secret
// sealed with the process master key so expected HMACs can be computed.
type RegisteredServer struct {
	ServerID       string    `json:"server_id"`
	Name           string    `json:"name"`
	KeyPrefix      string    `json:"key_prefix"`
	CredentialHash string    `json:"-"`
	SecretCipher   []byte    `json:"-"`
	Scopes         []Scope   `json:"scopes"`
	AllowedIPs     []string  `json:"allowed_ips"`
	Rotation       *Rotation `json:"rotation,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastAuthAt     *time.Time `json:"last_auth_at,omitempty"`
	Enabled        bool      `json:"enabled"`
}

// Rotation is an in-flight credential swap. At most one per server; it is
// discarded when ExpiresAt passes without an ack.
type Rotation struct {
	ID               string    `json:"rotation_id"`
	PendingKeyPrefix string    `json:"pending_key_prefix"`
	PendingCipher    []byte    `json:"-"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Expired reports whether the rotation window has closed.
func (r *Rotation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// RegistrationToken is a single-use, time-limited token that authorises
// enrolling one new server.
type RegistrationToken struct {
	ID             int64      `json:"id"`
	Token          string     `json:"token"`
	Name           string     `json:"name"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	UsedByServerID *string    `json:"used_by_server_id,omitempty"`
}

const timeFormat = "2006-01-02 15:04:05"
