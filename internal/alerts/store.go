package alerts

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Store persists security alerts in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a store and ensures the schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS security_alerts (
			alert_id   TEXT PRIMARY KEY,
			server_id  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			severity   TEXT NOT NULL,
			source_ip  TEXT,
			details    TEXT,
			status     TEXT NOT NULL DEFAULT 'open',
			count      INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_server ON security_alerts(server_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_status ON security_alerts(status);
		CREATE INDEX IF NOT EXISTS idx_alerts_kind   ON security_alerts(kind);
	`)
	return err
}

// Raise records an alert. If an open alert of the same kind already exists
// for the server it is updated in place (dedup): the count bumps and the
// latest source IP and details replace the old ones. Returns the alert ID and
// whether a new row was created.
func (s *Store) Raise(serverID string, kind Kind, severity Severity, sourceIP, details string) (string, bool, error) {
	now := time.Now().UTC().Format(timeFormat)

	var existing string
	err := s.db.QueryRow(`
		SELECT alert_id FROM security_alerts
		WHERE server_id = ? AND kind = ? AND status = 'open'
		ORDER BY created_at DESC LIMIT 1
	`, serverID, kind).Scan(&existing)

	switch {
	case err == nil:
		_, err = s.db.Exec(`
			UPDATE security_alerts
			SET count = count + 1, source_ip = ?, details = ?, severity = ?, updated_at = ?
			WHERE alert_id = ?
		`, sourceIP, details, severity, now, existing)
		if err != nil {
			return "", false, fmt.Errorf("update alert: %w", err)
		}
		return existing, false, nil

	case err == sql.ErrNoRows:
		id := uuid.NewString()
		_, err = s.db.Exec(`
			INSERT INTO security_alerts
				(alert_id, server_id, kind, severity, source_ip, details, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'open', ?, ?)
		`, id, serverID, kind, severity, sourceIP, details, now, now)
		if err != nil {
			return "", false, fmt.Errorf("insert alert: %w", err)
		}
		log.Printf("[Alerts] %s alert for server %s (ip=%s): %s", kind, serverID, sourceIP, details)
		return id, true, nil

	default:
		return "", false, fmt.Errorf("lookup open alert: %w", err)
	}
}

// SetStatus transitions an alert's status.
func (s *Store) SetStatus(alertID string, status Status) error {
	res, err := s.db.Exec(`
		UPDATE security_alerts SET status = ?, updated_at = ? WHERE alert_id = ?
	`, status, time.Now().UTC().Format(timeFormat), alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s not found", alertID)
	}
	return nil
}

// Get retrieves a single alert. Returns nil if not found.
func (s *Store) Get(alertID string) (*Alert, error) {
	row := s.db.QueryRow(alertSelect+` WHERE alert_id = ?`, alertID)
	a, err := scanAlert(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// List returns alerts, optionally filtered by status and/or server.
func (s *Store) List(status Status, serverID string) ([]Alert, error) {
	query := alertSelect + ` WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if serverID != "" {
		query += ` AND server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// OpenCount returns the number of open alerts of the given kind for a server.
func (s *Store) OpenCount(serverID string, kind Kind) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM security_alerts
		WHERE server_id = ? AND kind = ? AND status = 'open'
	`, serverID, kind).Scan(&n)
	return n, err
}

const alertSelect = `
	SELECT alert_id, server_id, kind, severity, source_ip, details, status,
	       count, created_at, updated_at
	FROM security_alerts`

func scanAlert(scan func(...any) error) (*Alert, error) {
	var a Alert
	var sourceIP, details sql.NullString
	var createdAt, updatedAt string

	if err := scan(
		&a.ID, &a.ServerID, &a.Kind, &a.Severity, &sourceIP, &details,
		&a.Status, &a.Count, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	a.SourceIP = sourceIP.String
	a.Details = details.String
	a.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	a.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &a, nil
}
