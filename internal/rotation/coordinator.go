// Package rotation drives the two-phase credential swap between the gateway
// and an agent. Per server the state machine is stable → rotating → stable:
// an operator starts a rotation (pending credential stored, update pushed
// over the live channel), and only an explicit credential_update_ack promotes
// the pending credential. During the rotating window handshakes are accepted
// against either credential, but a handshake with the pending one never
// commits the rotation by itself.
package rotation

import (
	"fmt"
	"log"
	"sync"
	"time"

	"warden/internal/credstore"
	"warden/internal/events"
	"warden/internal/protocol"
	"warden/internal/session"
)

// Coordinator manages pending rotations against the credential store.
type Coordinator struct {
	store    *credstore.Store
	sessions *session.Registry
	bus      *events.Bus
	window   time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewCoordinator wires a coordinator with the given ack window.
func NewCoordinator(store *credstore.Store, sessions *session.Registry, bus *events.Bus, window time.Duration) *Coordinator {
	return &Coordinator{
		store:    store,
		sessions: sessions,
		bus:      bus,
		window:   window,
		stop:     make(chan struct{}),
	}
}

// Start begins a rotation for serverID. The pending credential is stored
// immediately; the credential_update frame is pushed only if a live session
// exists (the new secret sealed under the current one, never in the clear on
// an unauthenticated path). Without a session the rotation simply waits for
// its window to lapse and the operator retries once the agent is back.
func (c *Coordinator) Start(serverID string) (*credstore.Rotation, error) {
	server, err := c.store.GetServer(serverID)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, fmt.Errorf("server %s not found", serverID)
	}

	rot, pendingSecret, err := c.store.BeginRotation(serverID, c.window)
	if err != nil {
		return nil, err
	}

	log.Printf("[Rotation] started rotation %s for server %s (expires %s)",
		rot.ID, serverID, rot.ExpiresAt.Format(time.RFC3339))
	c.bus.Publish(events.Event{
		Type:     events.RotationStarted,
		Severity: events.SeverityInfo,
		ServerID: serverID,
		Message:  "credential rotation started",
		Metadata: map[string]string{"rotation_id": rot.ID},
	})

	sess := c.sessions.Get(serverID)
	if sess == nil {
		log.Printf("[Rotation] server %s offline, update not pushed", serverID)
		return rot, nil
	}

	currentSecret, err := c.store.DecryptSecret(server)
	if err != nil {
		return nil, fmt.Errorf("decrypt current secret: %w", err)
	}
	sealed, err := credstore.SealInBand(currentSecret, []byte(pendingSecret))
	if err != nil {
		return nil, fmt.Errorf("seal pending secret: %w", err)
	}

	env, err := protocol.Encode(protocol.TypeCredentialUpdate, protocol.CredentialUpdate{
		RotationID:   rot.ID,
		NewKeyPrefix: rot.PendingKeyPrefix,
		NewSecret:    sealed,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Conn.Send(env); err != nil {
		return nil, fmt.Errorf("push credential update: %w", err)
	}
	return rot, nil
}

// HandleAck commits the rotation named by an inbound credential_update_ack.
// The promotion is atomic in the store; from this moment new handshakes must
// use the new secret and the old one stops working.
func (c *Coordinator) HandleAck(serverID, rotationID string) error {
	err := c.store.CommitRotation(serverID, rotationID)
	if err == credstore.ErrNoSuchRotation {
		log.Printf("[Rotation] stale ack %s from server %s", rotationID, serverID)
		return fmt.Errorf("%w: rotation %s", protocol.ErrRotationExpired, rotationID)
	}
	if err != nil {
		return err
	}

	log.Printf("[Rotation] committed rotation %s for server %s", rotationID, serverID)
	c.bus.Publish(events.Event{
		Type:     events.RotationCommitted,
		Severity: events.SeverityInfo,
		ServerID: serverID,
		Message:  "credential rotation committed",
		Metadata: map[string]string{"rotation_id": rotationID},
	})
	return nil
}

// StartSweep periodically discards rotations whose ack window lapsed,
// reverting those servers fully to their stable credential.
func (c *Coordinator) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Coordinator) sweep() {
	expired, err := c.store.DiscardExpiredRotations()
	if err != nil {
		log.Printf("[Rotation] sweep: %v", err)
		return
	}
	for _, serverID := range expired {
		log.Printf("[Rotation] rotation for server %s expired without ack, reverted", serverID)
		c.bus.Publish(events.Event{
			Type:     events.RotationExpired,
			Severity: events.SeverityWarning,
			ServerID: serverID,
			Message:  "credential rotation expired without ack",
		})
	}
}

// Stop halts the sweep loop.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
