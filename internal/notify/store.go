package notify

import (
	"database/sql"
	"fmt"
	"time"
)

// Migrate creates the notification target table.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notification_targets (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			name         TEXT    NOT NULL,
			shoutrrr_url TEXT    NOT NULL,
			min_severity TEXT    NOT NULL DEFAULT 'warning',
			cooldown_sec INTEGER NOT NULL DEFAULT 300,
			enabled      INTEGER NOT NULL DEFAULT 1,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("create notification_targets: %w", err)
	}
	return nil
}

// CreateTarget inserts a new notification destination.
func CreateTarget(db *sql.DB, t *Target) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO notification_targets (name, shoutrrr_url, min_severity, cooldown_sec, enabled)
		VALUES (?, ?, ?, ?, ?)`,
		t.Name, t.ShoutrrrURL, t.MinSeverity, t.CooldownSec, boolInt(t.Enabled))
	if err != nil {
		return 0, fmt.Errorf("create notification target: %w", err)
	}
	return res.LastInsertId()
}

// ListTargets returns every configured destination, enabled or not, for the
// admin surface.
func ListTargets(db *sql.DB) ([]Target, error) {
	return listTargets(db, false)
}

// ListEnabledTargets returns only the destinations the dispatcher sends to.
func ListEnabledTargets(db *sql.DB) ([]Target, error) {
	return listTargets(db, true)
}

func listTargets(db *sql.DB, onlyEnabled bool) ([]Target, error) {
	q := `
		SELECT id, name, shoutrrr_url, min_severity, cooldown_sec, enabled, created_at
		FROM notification_targets`
	if onlyEnabled {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY name`

	rows, err := db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("list notification targets: %w", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		var enabled int
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &t.ShoutrrrURL, &t.MinSeverity,
			&t.CooldownSec, &enabled, &createdAt); err != nil {
			return nil, err
		}
		t.Enabled = enabled == 1
		t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTarget removes a destination by ID.
func DeleteTarget(db *sql.DB, id int64) error {
	_, err := db.Exec("DELETE FROM notification_targets WHERE id = ?", id)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
