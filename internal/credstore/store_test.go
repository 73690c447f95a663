package credstore

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// In-memory sqlite is per-connection; keep the pool at one.
	db.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cipher, err := NewCipher(testMasterKey())
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(db, cipher), db
}

func registerTestServer(t *testing.T, store *Store) (*RegisteredServer, string) {
	t.Helper()
	srv, secret, err := store.RegisterServer("web-01", []string{"system:info", "docker:*"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return srv, secret
}

func TestRegisterAndGetServer(t *testing.T) {
	store, _ := setupTestStore(t)
	srv, secret := registerTestServer(t, store)

	if srv.ServerID == "" {
		t.Fatal("expected server id")
	}
	if secret == "" {
		t.Fatal("expected plaintext secret")
	}
	if !srv.Enabled {
		t.Error("expected new server enabled")
	}
	if len(srv.Scopes) != 6 {
		t.Errorf("scopes = %v, want 6 entries", srv.Scopes)
	}

	// The stored forms must both verify against the returned secret.
	if !VerifyCredentialHash(srv.CredentialHash, secret) {
		t.Error("credential hash does not verify")
	}
	plain, err := store.DecryptSecret(srv)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != secret {
		t.Error("sealed secret does not round-trip")
	}

	got, err := store.GetServer(srv.ServerID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "web-01" {
		t.Errorf("got = %+v, want name web-01", got)
	}
}

func TestRegisterServerRejectsBadAllowlist(t *testing.T) {
	store, _ := setupTestStore(t)
	if _, _, err := store.RegisterServer("bad", []string{"system:info"}, []string{"not-an-ip"}); err == nil {
		t.Error("expected error for invalid allowlist entry")
	}
}

func TestGetServerByKeyPrefix(t *testing.T) {
	store, _ := setupTestStore(t)
	srv, _ := registerTestServer(t, store)

	got, err := store.GetServerByKeyPrefix(srv.KeyPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ServerID != srv.ServerID {
		t.Fatal("lookup by active prefix failed")
	}

	if got, _ := store.GetServerByKeyPrefix("wk_ffffffff"); got != nil {
		t.Error("expected nil for unknown prefix")
	}

	// Disabled servers must not resolve.
	if err := store.SetEnabled(srv.ServerID, false); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.GetServerByKeyPrefix(srv.KeyPrefix); got != nil {
		t.Error("expected nil for disabled server")
	}
}

func TestGetServerByPendingPrefix(t *testing.T) {
	store, _ := setupTestStore(t)
	srv, _ := registerTestServer(t, store)

	rot, _, err := store.BeginRotation(srv.ServerID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.GetServerByKeyPrefix(rot.PendingKeyPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ServerID != srv.ServerID {
		t.Fatal("lookup by pending prefix failed")
	}
	if got.Rotation == nil || got.Rotation.ID != rot.ID {
		t.Error("expected rotation state on looked-up server")
	}
}

func TestUpdateScopes(t *testing.T) {
	store, _ := setupTestStore(t)
	srv, _ := registerTestServer(t, store)

	if err := store.UpdateScopes(srv.ServerID, []string{"exec:run"}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetServer(srv.ServerID)
	if len(got.Scopes) != 1 || got.Scopes[0] != ScopeExecRun {
		t.Errorf("scopes = %v, want [exec:run]", got.Scopes)
	}

	if err := store.UpdateScopes(srv.ServerID, []string{"bogus:scope"}); err == nil {
		t.Error("expected error for unknown scope")
	}
}

func TestUpdateAllowedIPs(t *testing.T) {
	store, _ := setupTestStore(t)
	srv, _ := registerTestServer(t, store)

	if err := store.UpdateAllowedIPs(srv.ServerID, []string{"10.0.0.0/24", "192.168.1.5"}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetServer(srv.ServerID)
	if len(got.AllowedIPs) != 2 {
		t.Errorf("allowed ips = %v, want 2 entries", got.AllowedIPs)
	}

	if err := store.UpdateAllowedIPs(srv.ServerID, []string{"10.0.0.0/99"}); err == nil {
		t.Error("expected error for invalid CIDR")
	}
}

func TestBeginRotationConflict(t *testing.T) {
	store, _ := setupTestStore(t)
	srv, _ := registerTestServer(t, store)

	if _, _, err := store.BeginRotation(srv.ServerID, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.BeginRotation(srv.ServerID, time.Hour); err != ErrRotationInFlight {
		t.Errorf("err = %v, want ErrRotationInFlight", err)
	}
}

func TestCommitRotationPromotesCredential(t *testing.T) {
	store, _ := setupTestStore(t)
	srv, oldSecret := registerTestServer(t, store)

	rot, newSecret, err := store.BeginRotation(srv.ServerID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if newSecret == oldSecret {
		t.Fatal("pending secret equals active secret")
	}

	// A commit naming the wrong rotation must not touch anything.
	if err := store.CommitRotation(srv.ServerID, "not-the-rotation"); err != ErrNoSuchRotation {
		t.Fatalf("err = %v, want ErrNoSuchRotation", err)
	}

	if err := store.CommitRotation(srv.ServerID, rot.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetServer(srv.ServerID)
	if got.KeyPrefix != rot.PendingKeyPrefix {
		t.Errorf("key prefix = %q, want %q", got.KeyPrefix, rot.PendingKeyPrefix)
	}
	if got.Rotation != nil {
		t.Error("expected rotation cleared after commit")
	}
	plain, err := store.DecryptSecret(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != newSecret {
		t.Error("active secret is not the promoted pending secret")
	}
	if !VerifyCredentialHash(got.CredentialHash, newSecret) {
		t.Error("credential hash was not promoted")
	}

	// Second commit of the same rotation must fail.
	if err := store.CommitRotation(srv.ServerID, rot.ID); err != ErrNoSuchRotation {
		t.Errorf("repeat commit err = %v, want ErrNoSuchRotation", err)
	}
}

func TestExpiredRotationDiscardedOnRead(t *testing.T) {
	store, _ := setupTestStore(t)
	srv, _ := registerTestServer(t, store)

	rot, _, err := store.BeginRotation(srv.ServerID, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.GetServer(srv.ServerID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Rotation != nil {
		t.Error("expected expired rotation discarded on read")
	}
	if err := store.CommitRotation(srv.ServerID, rot.ID); err != ErrNoSuchRotation {
		t.Errorf("commit of expired rotation err = %v, want ErrNoSuchRotation", err)
	}
	if got.KeyPrefix != srv.KeyPrefix {
		t.Error("active credential changed after expiry")
	}
}

func TestDiscardExpiredRotationsSweep(t *testing.T) {
	store, _ := setupTestStore(t)
	srv, _ := registerTestServer(t, store)

	if _, _, err := store.BeginRotation(srv.ServerID, -time.Minute); err != nil {
		t.Fatal(err)
	}

	expired, err := store.DiscardExpiredRotations()
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0] != srv.ServerID {
		t.Errorf("expired = %v, want [%s]", expired, srv.ServerID)
	}

	// A fresh rotation can start again after the discard.
	if _, _, err := store.BeginRotation(srv.ServerID, time.Hour); err != nil {
		t.Fatal(err)
	}
}

func TestRegistrationTokenSingleUse(t *testing.T) {
	store, _ := setupTestStore(t)
	srv, _ := registerTestServer(t, store)

	tok, err := store.CreateRegistrationToken("new-agent", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.ConsumeRegistrationToken(tok.Token, srv.ServerID); err != nil {
		t.Fatal(err)
	}
	if err := store.ConsumeRegistrationToken(tok.Token, srv.ServerID); err == nil {
		t.Error("expected error on second consumption")
	}

	list, err := store.ListRegistrationTokens()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 token, got %d", len(list))
	}
	if list[0].UsedAt == nil {
		t.Error("expected used_at set")
	}
	if list[0].UsedByServerID == nil || *list[0].UsedByServerID != srv.ServerID {
		t.Error("expected used_by_server_id set")
	}
}

func TestRegistrationTokenExpiry(t *testing.T) {
	store, _ := setupTestStore(t)
	tok, err := store.CreateRegistrationToken("late-agent", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.ConsumeRegistrationToken(tok.Token, "srv-x"); err == nil {
		t.Error("expected error for expired token")
	}
	if err := store.ConsumeRegistrationToken("no-such-token", "srv-x"); err == nil {
		t.Error("expected error for unknown token")
	}
}

func TestHeartbeatSnapshotUpsert(t *testing.T) {
	store, db := setupTestStore(t)
	srv, _ := registerTestServer(t, store)

	if err := store.SaveHeartbeatSnapshot(srv.ServerID, []byte(`{"cpu":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveHeartbeatSnapshot(srv.ServerID, []byte(`{"cpu":2}`)); err != nil {
		t.Fatal(err)
	}

	var count int
	var metrics string
	db.QueryRow("SELECT COUNT(*) FROM heartbeat_snapshots").Scan(&count)
	db.QueryRow("SELECT metrics FROM heartbeat_snapshots WHERE server_id = ?", srv.ServerID).Scan(&metrics)
	if count != 1 {
		t.Errorf("snapshot rows = %d, want 1", count)
	}
	if metrics != `{"cpu":2}` {
		t.Errorf("metrics = %q, want latest blob", metrics)
	}
}

func TestRegisterWithTokenAtomic(t *testing.T) {
	store, db := setupTestStore(t)

	tok, err := store.CreateRegistrationToken("new-agent", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// A garbage token must leave the registry untouched.
	_, _, err = store.RegisterServerWithToken("no-such-token", "web-01", nil, nil)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM server_registry").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("server rows after bad token = %d, want 0", count)
	}

	// A valid token registers and is burned in the same transaction.
	srv, secret, err := store.RegisterServerWithToken(tok.Token, "web-01", []string{"system:info"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if secret == "" {
		t.Fatal("expected plaintext secret")
	}
	list, err := store.ListRegistrationTokens()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].UsedByServerID == nil || *list[0].UsedByServerID != srv.ServerID {
		t.Errorf("token list = %+v, want one token used by %s", list, srv.ServerID)
	}

	if _, _, err := store.RegisterServerWithToken(tok.Token, "web-02", nil, nil); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("second use err = %v, want ErrInvalidToken", err)
	}

	if _, _, err := store.RegisterServerWithToken("", "web-03", nil, nil); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token err = %v, want ErrInvalidToken", err)
	}
}
