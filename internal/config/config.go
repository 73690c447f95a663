package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port   string
	DBPath string

	// MasterKey encrypts agent shared secrets at rest (32 bytes).
	MasterKey []byte

	// AuthWindow bounds clock skew on handshakes and doubles as the nonce
	// replay window.
	AuthWindow time.Duration

	// HeartbeatInterval is the expected agent heartbeat period;
	// HeartbeatMissed is how many intervals may pass before the session is
	// force-closed.
	HeartbeatInterval time.Duration
	HeartbeatMissed   int

	// SessionTTL is the validity of an issued session token.
	SessionTTL time.Duration

	// RotationWindow is how long a pending credential waits for an ack.
	RotationWindow time.Duration
}

// Load returns the server configuration from environment variables.
// WARDEN_MASTER_KEY is mandatory: without it agent secrets cannot be
// decrypted, so startup must fail rather than limp along.
func Load() (Config, error) {
	cfg := Config{
		Port:              getEnv("PORT", "9440"),
		DBPath:            getEnv("DB_PATH", "warden.db"),
		AuthWindow:        getDuration("AUTH_WINDOW", 5*time.Minute),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatMissed:   getInt("HEARTBEAT_MISSED", 3),
		SessionTTL:        getDuration("SESSION_TTL", time.Hour),
		RotationWindow:    getDuration("ROTATION_WINDOW", 5*time.Minute),
	}

	raw, ok := os.LookupEnv("WARDEN_MASTER_KEY")
	if !ok || raw == "" {
		return cfg, fmt.Errorf("WARDEN_MASTER_KEY is not set (expected base64-encoded 32-byte key)")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return cfg, fmt.Errorf("WARDEN_MASTER_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return cfg, fmt.Errorf("WARDEN_MASTER_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.MasterKey = key

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
