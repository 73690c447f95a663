package credstore

import (
	"database/sql"
	"fmt"
	"log"
)

// Migrate creates the server credential tables.
func Migrate(db *sql.DB) error {
	log.Println("🔐 Running migration: server credential schema")

	statements := []struct {
		label string
		sql   string
	}{
		{"server_registry", `
			CREATE TABLE IF NOT EXISTS server_registry (
				server_id           TEXT    PRIMARY KEY,
				name                TEXT    NOT NULL,
				key_prefix          TEXT    NOT NULL UNIQUE,
				credential_hash     TEXT    NOT NULL,
				secret_cipher       BLOB    NOT NULL,
				scopes_json         TEXT    NOT NULL DEFAULT '[]',
				allowed_ips_json    TEXT    NOT NULL DEFAULT '[]',
				rotation_id         TEXT,
				pending_key_prefix  TEXT,
				pending_cipher      BLOB,
				pending_hash        TEXT,
				rotation_expires_at DATETIME,
				registered_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
				last_auth_at        DATETIME,
				enabled             INTEGER DEFAULT 1
			);`},
		{"server_registry indexes", `
			CREATE INDEX IF NOT EXISTS idx_servers_key_prefix ON server_registry(key_prefix);
			CREATE INDEX IF NOT EXISTS idx_servers_enabled    ON server_registry(enabled);`},

		{"server_registration_tokens", `
			CREATE TABLE IF NOT EXISTS server_registration_tokens (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				token             TEXT    NOT NULL UNIQUE,
				name              TEXT,
				created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
				expires_at        DATETIME NOT NULL,
				used_at           DATETIME,
				used_by_server_id TEXT,
				FOREIGN KEY (used_by_server_id) REFERENCES server_registry(server_id) ON DELETE SET NULL
			);`},
		{"server_registration_tokens indexes", `
			CREATE INDEX IF NOT EXISTS idx_reg_tokens_token   ON server_registration_tokens(token);
			CREATE INDEX IF NOT EXISTS idx_reg_tokens_expires ON server_registration_tokens(expires_at);`},

		{"heartbeat_snapshots", `
			CREATE TABLE IF NOT EXISTS heartbeat_snapshots (
				server_id   TEXT PRIMARY KEY,
				metrics     JSON,
				received_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (server_id) REFERENCES server_registry(server_id) ON DELETE CASCADE
			);`},
	}

	for _, s := range statements {
		if _, err := db.Exec(s.sql); err != nil {
			return fmt.Errorf("migration failed at [%s]: %w", s.label, err)
		}
		log.Printf("  ✓ %s", s.label)
	}

	log.Println("🔐 Migration completed: server credential tables ready")
	return nil
}
