package gateway

import (
	"fmt"
	"log"
	"time"

	"warden/internal/alerts"
	"warden/internal/credstore"
	"warden/internal/events"
	"warden/internal/protocol"
)

// authenticate runs the handshake checks in order against an auth frame from
// ip. On success the nonce is recorded and the matching server returned. Any
// returned *protocol.AuthFailure is terminal for the connection attempt.
func (g *Gateway) authenticate(req *protocol.AuthRequest, ip string) (*credstore.RegisteredServer, error) {
	now := time.Now()
	sent := time.Unix(req.Timestamp, 0)

	// 1. Clock-skew window. Also the outer bound of replay protection: a
	// frame older than the window dies here, a younger duplicate dies at the
	// nonce check below.
	skew := now.Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.authWindow {
		return nil, g.authFailed(req.ServerID, ip, protocol.ReasonTimestampOutOfRange)
	}

	// 2. Known server.
	server, err := g.store.GetServer(req.ServerID)
	if err != nil {
		return nil, fmt.Errorf("look up server: %w", err)
	}
	if server == nil || !server.Enabled {
		return nil, g.authFailed(req.ServerID, ip, protocol.ReasonUnknownServer)
	}

	// 3. Key prefix selects the credential. During a rotation window the
	// pending prefix is accepted too, so in-flight reconnects keep working
	// whichever secret the agent currently holds.
	usePending := false
	switch {
	case req.KeyPrefix == "":
		return nil, g.authFailed(req.ServerID, ip, protocol.ReasonBadKey)
	case req.KeyPrefix == server.KeyPrefix:
	case req.KeyPrefix == pendingPrefix(server):
		usePending = true
	default:
		return nil, g.authFailed(req.ServerID, ip, protocol.ReasonBadKey)
	}

	// 4. Signature. The secret is decrypted for this one comparison and not
	// retained.
	var secret []byte
	if usePending {
		secret, err = g.store.DecryptPendingSecret(server)
	} else {
		secret, err = g.store.DecryptSecret(server)
	}
	if err != nil {
		return nil, fmt.Errorf("decrypt secret for %s: %w", req.ServerID, err)
	}
	valid := credstore.VerifyAuth(secret, req.ServerID, req.Timestamp, req.Nonce, req.Signature)

	// Bootstrap check, first handshake only: the decrypted secret must match
	// the bcrypt hash minted at registration, so a re-sealed or otherwise
	// tampered cipher cannot authenticate even with a consistent signature.
	bootstrapOK := true
	if valid && server.LastAuthAt == nil && !usePending {
		bootstrapOK = credstore.VerifyCredentialHash(server.CredentialHash, string(secret))
	}
	for i := range secret {
		secret[i] = 0
	}
	if !valid {
		return nil, g.authFailed(req.ServerID, ip, protocol.ReasonBadSignature)
	}
	if !bootstrapOK {
		log.Printf("[Gateway] server %s failed bootstrap credential check", req.ServerID)
		return nil, g.authFailed(req.ServerID, ip, protocol.ReasonBadKey)
	}

	// 5. Replay.
	if g.nonces.Seen(req.ServerID, req.Nonce) {
		g.alerts.Raise(req.ServerID, alerts.KindReplayDetected, alerts.SeverityCritical, ip,
			"auth message replayed within the nonce window")
		g.bus.Publish(events.Event{
			Type:     events.ReplayDetected,
			Severity: events.SeverityCritical,
			ServerID: req.ServerID,
			SourceIP: ip,
			Message:  "replayed auth message rejected",
		})
		return nil, g.authFailed(req.ServerID, ip, protocol.ReasonReplayDetected)
	}

	// 6. IP allowlist.
	if !g.ipAllowed(server, ip) {
		g.alerts.Raise(req.ServerID, alerts.KindIPBlocked, alerts.SeverityCritical, ip,
			fmt.Sprintf("connection from %s not in allowlist", ip))
		g.bus.Publish(events.Event{
			Type:     events.IPBlocked,
			Severity: events.SeverityCritical,
			ServerID: req.ServerID,
			SourceIP: ip,
			Message:  "connection blocked by IP allowlist",
		})
		return nil, g.authFailed(req.ServerID, ip, protocol.ReasonIPBlocked)
	}

	// 7. Success. Record the nonce anchored at the frame's own timestamp,
	// stamp the credential, and let the anomaly detector learn the IP. A
	// handshake that used the pending credential does not commit the
	// rotation: only an explicit ack does.
	g.nonces.Record(req.ServerID, req.Nonce, sent)
	g.store.TouchLastAuth(req.ServerID)
	g.detector.TrackAuthAttempt(req.ServerID, true, ip)
	if usePending {
		log.Printf("[Gateway] server %s authenticated with pending credential (rotation in flight)", req.ServerID)
	}
	return server, nil
}

// authFailed feeds the anomaly detector and wraps the reason. Every failure
// path goes through here so no rejection escapes the failure counters.
func (g *Gateway) authFailed(serverID, ip string, reason protocol.AuthFailReason) error {
	g.detector.TrackAuthAttempt(serverID, false, ip)
	g.bus.Publish(events.Event{
		Type:     events.AuthFailed,
		Severity: events.SeverityWarning,
		ServerID: serverID,
		SourceIP: ip,
		Message:  "authentication failed: " + string(reason),
	})
	return &protocol.AuthFailure{Reason: reason}
}

func pendingPrefix(server *credstore.RegisteredServer) string {
	if server.Rotation == nil {
		return ""
	}
	return server.Rotation.PendingKeyPrefix
}
