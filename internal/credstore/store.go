package credstore

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/internal/ipallow"
)

// ErrRotationInFlight is returned when a rotation is started while another
// unexpired one is still pending for the same server.
var ErrRotationInFlight = errors.New("a credential rotation is already in flight")

// ErrNoSuchRotation is returned when a commit names a rotation that does not
// exist, belongs to another server, or has already expired.
var ErrNoSuchRotation = errors.New("no matching unexpired rotation")

// ErrInvalidToken is returned when a registration token is unknown, already
// used, or expired.
var ErrInvalidToken = errors.New("invalid registration token")

// Store is the credential store: registered servers, their sealed secrets,
// scopes, IP allowlists, rotation state, and registration tokens.
type Store struct {
	db     *sql.DB
	cipher *Cipher
}

// NewStore wires a store to its database and secret cipher.
func NewStore(db *sql.DB, cipher *Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// ─── Server registry ─────────────────────────────────────────────────────────

// RegisterServer creates a new server record with freshly generated
// credentials, without a registration token. Enrollment over the API goes
// through RegisterServerWithToken; this path is for direct provisioning.
// The plaintext secret is returned exactly once, for delivery to the
// enrolling agent; only the bcrypt hash and the sealed form are stored.
func (s *Store) RegisterServer(name string, rawScopes, allowedIPs []string) (*RegisteredServer, string, error) {
	return s.registerServer("", name, rawScopes, allowedIPs)
}

// RegisterServerWithToken consumes a single-use registration token and
// creates the server row in one transaction: a bad token creates nothing,
// and a failed insert releases the token.
func (s *Store) RegisterServerWithToken(token, name string, rawScopes, allowedIPs []string) (*RegisteredServer, string, error) {
	if token == "" {
		return nil, "", fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	return s.registerServer(token, name, rawScopes, allowedIPs)
}

func (s *Store) registerServer(token, name string, rawScopes, allowedIPs []string) (*RegisteredServer, string, error) {
	scopes, err := ExpandScopes(rawScopes)
	if err != nil {
		return nil, "", err
	}
	for _, entry := range allowedIPs {
		if err := ipallow.Validate(entry); err != nil {
			return nil, "", fmt.Errorf("allowed_ips entry %q: %w", entry, err)
		}
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	keyPrefix, err := GenerateKeyPrefix()
	if err != nil {
		return nil, "", err
	}
	hash, err := HashCredential(secret)
	if err != nil {
		return nil, "", err
	}
	sealed, err := s.cipher.Seal([]byte(secret))
	if err != nil {
		return nil, "", fmt.Errorf("seal secret: %w", err)
	}

	serverID := uuid.NewString()
	scopesJSON, _ := json.Marshal(scopes)
	ipsJSON, _ := json.Marshal(allowedIPs)
	if allowedIPs == nil {
		ipsJSON = []byte("[]")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// The token is claimed before the insert so no server row, not even a
	// disabled one, can exist for a rejected token.
	if token != "" {
		if err := consumeTokenTx(tx, token, serverID); err != nil {
			return nil, "", err
		}
	}
	_, err = tx.Exec(`
		INSERT INTO server_registry
			(server_id, name, key_prefix, credential_hash, secret_cipher,
			 scopes_json, allowed_ips_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, serverID, name, keyPrefix, hash, sealed, string(scopesJSON), string(ipsJSON))
	if err != nil {
		return nil, "", fmt.Errorf("insert server: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit registration: %w", err)
	}

	server, err := s.GetServer(serverID)
	if err != nil {
		return nil, "", err
	}
	return server, secret, nil
}

// GetServer retrieves a server by ID. Returns nil if not found. An expired
// rotation is discarded on read so callers never observe a stale pending
// credential.
func (s *Store) GetServer(serverID string) (*RegisteredServer, error) {
	row := s.db.QueryRow(serverSelect+` WHERE server_id = ?`, serverID)
	return s.scanServer(row)
}

// GetServerByKeyPrefix looks up an enabled server by its active or pending
// key prefix.
func (s *Store) GetServerByKeyPrefix(prefix string) (*RegisteredServer, error) {
	row := s.db.QueryRow(serverSelect+`
		WHERE (key_prefix = ? OR pending_key_prefix = ?) AND enabled = 1`,
		prefix, prefix)
	return s.scanServer(row)
}

// ListServers returns all registered servers ordered by name.
func (s *Store) ListServers() ([]RegisteredServer, error) {
	rows, err := s.db.Query(serverSelect + ` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []RegisteredServer
	for rows.Next() {
		srv, err := s.scanServerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

// UpdateScopes replaces a server's scope set, expanding wildcards.
func (s *Store) UpdateScopes(serverID string, rawScopes []string) error {
	scopes, err := ExpandScopes(rawScopes)
	if err != nil {
		return err
	}
	scopesJSON, _ := json.Marshal(scopes)
	_, err = s.db.Exec(
		"UPDATE server_registry SET scopes_json = ? WHERE server_id = ?",
		string(scopesJSON), serverID)
	return err
}

// UpdateAllowedIPs replaces a server's IP allowlist. An empty list means
// unrestricted.
func (s *Store) UpdateAllowedIPs(serverID string, ips []string) error {
	for _, entry := range ips {
		if err := ipallow.Validate(entry); err != nil {
			return fmt.Errorf("allowed_ips entry %q: %w", entry, err)
		}
	}
	ipsJSON, _ := json.Marshal(ips)
	if ips == nil {
		ipsJSON = []byte("[]")
	}
	_, err := s.db.Exec(
		"UPDATE server_registry SET allowed_ips_json = ? WHERE server_id = ?",
		string(ipsJSON), serverID)
	return err
}

// SetEnabled flips a server's enabled flag. Disabled servers cannot
// authenticate but their record and credentials are kept.
func (s *Store) SetEnabled(serverID string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.Exec(
		"UPDATE server_registry SET enabled = ? WHERE server_id = ?", v, serverID)
	return err
}

// TouchLastAuth stamps last_auth_at to now (UTC).
func (s *Store) TouchLastAuth(serverID string) error {
	_, err := s.db.Exec(
		"UPDATE server_registry SET last_auth_at = ? WHERE server_id = ?",
		time.Now().UTC().Format(timeFormat), serverID)
	return err
}

// DecryptSecret opens the server's active sealed secret. The returned bytes
// are for one signature computation and must not be retained or logged.
func (s *Store) DecryptSecret(server *RegisteredServer) ([]byte, error) {
	return s.cipher.Open(server.SecretCipher)
}

// DecryptPendingSecret opens the pending rotation secret, if any.
func (s *Store) DecryptPendingSecret(server *RegisteredServer) ([]byte, error) {
	if server.Rotation == nil {
		return nil, fmt.Errorf("server %s has no pending rotation", server.ServerID)
	}
	return s.cipher.Open(server.Rotation.PendingCipher)
}

// ─── Rotation state ──────────────────────────────────────────────────────────

// BeginRotation generates a pending credential pair and records it with the
// given ack window. Fails with ErrRotationInFlight if an unexpired rotation
// already exists. The plaintext pending secret is returned for in-band
// delivery to the agent.
func (s *Store) BeginRotation(serverID string, window time.Duration) (*Rotation, string, error) {
	server, err := s.GetServer(serverID)
	if err != nil {
		return nil, "", err
	}
	if server == nil {
		return nil, "", fmt.Errorf("server %s not found", serverID)
	}
	if server.Rotation != nil {
		return nil, "", ErrRotationInFlight
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	prefix, err := GenerateKeyPrefix()
	if err != nil {
		return nil, "", err
	}
	hash, err := HashCredential(secret)
	if err != nil {
		return nil, "", err
	}
	sealed, err := s.cipher.Seal([]byte(secret))
	if err != nil {
		return nil, "", fmt.Errorf("seal pending secret: %w", err)
	}

	rot := &Rotation{
		ID:               uuid.NewString(),
		PendingKeyPrefix: prefix,
		PendingCipher:    sealed,
		ExpiresAt:        time.Now().UTC().Add(window),
	}

	// Guard against a concurrent BeginRotation: only claim the slot if it is
	// still empty or holds an expired rotation.
	res, err := s.db.Exec(`
		UPDATE server_registry
		SET rotation_id = ?, pending_key_prefix = ?, pending_cipher = ?,
		    pending_hash = ?, rotation_expires_at = ?
		WHERE server_id = ?
		  AND (rotation_id IS NULL OR rotation_expires_at < datetime('now'))
	`, rot.ID, prefix, sealed, hash, rot.ExpiresAt.Format(timeFormat), serverID)
	if err != nil {
		return nil, "", fmt.Errorf("store rotation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, "", ErrRotationInFlight
	}

	return rot, secret, nil
}

// CommitRotation atomically promotes the pending credential to active. Only a
// commit naming the live rotation ID succeeds; anything else (expired window,
// stale or foreign rotation ID) returns ErrNoSuchRotation and leaves the
// active credential untouched.
func (s *Store) CommitRotation(serverID, rotationID string) error {
	res, err := s.db.Exec(`
		UPDATE server_registry
		SET key_prefix = pending_key_prefix,
		    secret_cipher = pending_cipher,
		    credential_hash = pending_hash,
		    rotation_id = NULL, pending_key_prefix = NULL,
		    pending_cipher = NULL, pending_hash = NULL,
		    rotation_expires_at = NULL
		WHERE server_id = ? AND rotation_id = ?
		  AND rotation_expires_at >= datetime('now')
	`, serverID, rotationID)
	if err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchRotation
	}
	return nil
}

// DiscardExpiredRotations clears rotation state whose ack window has passed
// and returns the affected server IDs. Called from the periodic sweep; the
// same cleanup also happens lazily on server reads.
func (s *Store) DiscardExpiredRotations() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT server_id FROM server_registry
		WHERE rotation_id IS NOT NULL AND rotation_expires_at < datetime('now')
	`)
	if err != nil {
		return nil, err
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range expired {
		if _, err := s.db.Exec(`
			UPDATE server_registry
			SET rotation_id = NULL, pending_key_prefix = NULL,
			    pending_cipher = NULL, pending_hash = NULL,
			    rotation_expires_at = NULL
			WHERE server_id = ? AND rotation_expires_at < datetime('now')
		`, id); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// ─── Heartbeat snapshots ─────────────────────────────────────────────────────

// SaveHeartbeatSnapshot upserts the last reported metrics blob for a server.
func (s *Store) SaveHeartbeatSnapshot(serverID string, metrics json.RawMessage) error {
	if len(metrics) == 0 {
		metrics = json.RawMessage("{}")
	}
	_, err := s.db.Exec(`
		INSERT INTO heartbeat_snapshots (server_id, metrics, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			metrics = excluded.metrics, received_at = excluded.received_at
	`, serverID, string(metrics), time.Now().UTC().Format(timeFormat))
	return err
}

// ─── Registration tokens ─────────────────────────────────────────────────────

// CreateRegistrationToken generates and stores a single-use enrollment token
// that expires after ttl.
func (s *Store) CreateRegistrationToken(name string, ttl time.Duration) (*RegistrationToken, error) {
	raw := make([]byte, 32)
	rand.Read(raw)
	token := hex.EncodeToString(raw)

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	res, err := s.db.Exec(`
		INSERT INTO server_registration_tokens (token, name, expires_at)
		VALUES (?, ?, ?)
	`, token, name, expiresAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("create registration token: %w", err)
	}

	id, _ := res.LastInsertId()
	return &RegistrationToken{
		ID:        id,
		Token:     token,
		Name:      name,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

// ConsumeRegistrationToken validates a token and marks it used by serverID.
// Single-use: a second consumption fails even within the validity window.
func (s *Store) ConsumeRegistrationToken(token, serverID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := consumeTokenTx(tx, token, serverID); err != nil {
		return err
	}
	return tx.Commit()
}

func consumeTokenTx(tx *sql.Tx, token, serverID string) error {
	var usedAt sql.NullString
	var expired int
	err := tx.QueryRow(`
		SELECT used_at,
		       CASE WHEN expires_at < datetime('now') THEN 1 ELSE 0 END
		FROM server_registration_tokens WHERE token = ?
	`, token).Scan(&usedAt, &expired)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: not found", ErrInvalidToken)
	}
	if err != nil {
		return fmt.Errorf("lookup token: %w", err)
	}
	if usedAt.Valid {
		return fmt.Errorf("%w: already used", ErrInvalidToken)
	}
	if expired != 0 {
		return fmt.Errorf("%w: expired", ErrInvalidToken)
	}

	_, err = tx.Exec(`
		UPDATE server_registration_tokens
		SET used_at = ?, used_by_server_id = ?
		WHERE token = ?
	`, time.Now().UTC().Format(timeFormat), serverID, token)
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	return nil
}

// ListRegistrationTokens returns all tokens, including used and expired ones,
// for the admin surface.
func (s *Store) ListRegistrationTokens() ([]RegistrationToken, error) {
	rows, err := s.db.Query(`
		SELECT id, token, name, created_at, expires_at, used_at, used_by_server_id
		FROM server_registration_tokens ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegistrationToken
	for rows.Next() {
		var t RegistrationToken
		var name sql.NullString
		var createdAt, expiresAt string
		var usedAt, usedBy sql.NullString

		if err := rows.Scan(&t.ID, &t.Token, &name, &createdAt, &expiresAt, &usedAt, &usedBy); err != nil {
			return nil, err
		}
		t.Name = name.String
		t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		t.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
		if usedAt.Valid {
			ts, _ := time.Parse(timeFormat, usedAt.String)
			t.UsedAt = &ts
		}
		if usedBy.Valid {
			id := usedBy.String
			t.UsedByServerID = &id
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteRegistrationToken removes a token by ID.
func (s *Store) DeleteRegistrationToken(id int64) error {
	_, err := s.db.Exec("DELETE FROM server_registration_tokens WHERE id = ?", id)
	return err
}

// ─── Scan helpers ────────────────────────────────────────────────────────────

const serverSelect = `
	SELECT server_id, name, key_prefix, credential_hash, secret_cipher,
	       scopes_json, allowed_ips_json,
	       rotation_id, pending_key_prefix, pending_cipher, rotation_expires_at,
	       registered_at, last_auth_at, enabled
	FROM server_registry`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanServer(row *sql.Row) (*RegisteredServer, error) {
	srv, err := scanServerFields(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.discardIfExpired(srv)
	return srv, nil
}

func (s *Store) scanServerRows(rows *sql.Rows) (*RegisteredServer, error) {
	srv, err := scanServerFields(rows)
	if err != nil {
		return nil, err
	}
	s.discardIfExpired(srv)
	return srv, nil
}

// discardIfExpired drops an expired rotation both from the returned struct
// and from the table, so stale pending credentials never influence auth.
func (s *Store) discardIfExpired(srv *RegisteredServer) {
	if srv.Rotation == nil || !srv.Rotation.Expired(time.Now().UTC()) {
		return
	}
	srv.Rotation = nil
	s.db.Exec(`
		UPDATE server_registry
		SET rotation_id = NULL, pending_key_prefix = NULL,
		    pending_cipher = NULL, pending_hash = NULL,
		    rotation_expires_at = NULL
		WHERE server_id = ?`, srv.ServerID)
}

func scanServerFields(row rowScanner) (*RegisteredServer, error) {
	var srv RegisteredServer
	var scopesJSON, ipsJSON string
	var rotationID, pendingPrefix sql.NullString
	var pendingCipher []byte
	var rotationExpires sql.NullString
	var registeredAt, lastAuthAt sql.NullString
	var enabled int

	err := row.Scan(
		&srv.ServerID, &srv.Name, &srv.KeyPrefix, &srv.CredentialHash, &srv.SecretCipher,
		&scopesJSON, &ipsJSON,
		&rotationID, &pendingPrefix, &pendingCipher, &rotationExpires,
		&registeredAt, &lastAuthAt, &enabled,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(scopesJSON), &srv.Scopes)
	json.Unmarshal([]byte(ipsJSON), &srv.AllowedIPs)
	srv.Enabled = enabled == 1

	if registeredAt.Valid {
		srv.RegisteredAt, _ = time.Parse(timeFormat, registeredAt.String)
	}
	if lastAuthAt.Valid {
		t, _ := time.Parse(timeFormat, lastAuthAt.String)
		srv.LastAuthAt = &t
	}

	if rotationID.Valid && pendingPrefix.Valid && rotationExpires.Valid {
		expires, _ := time.Parse(timeFormat, rotationExpires.String)
		srv.Rotation = &Rotation{
			ID:               rotationID.String,
			PendingKeyPrefix: pendingPrefix.String,
			PendingCipher:    pendingCipher,
			ExpiresAt:        expires,
		}
	}
	return &srv, nil
}
