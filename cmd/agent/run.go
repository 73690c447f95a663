package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"warden/internal/credstore"
	"warden/internal/protocol"
)

// runner owns one connection attempt cycle: dial, authenticate, then serve
// the message loop until the connection drops.
type runner struct {
	state   *agentState
	dataDir string

	heartbeatEvery time.Duration

	writeMu sync.Mutex
	ws      *websocket.Conn

	subMu sync.Mutex
	subs  map[string]chan struct{} // channel name → stop signal
}

func newRunner(state *agentState, dataDir string, heartbeatEvery time.Duration) *runner {
	return &runner{
		state:          state,
		dataDir:        dataDir,
		heartbeatEvery: heartbeatEvery,
		subs:           make(map[string]chan struct{}),
	}
}

// connectAndServe dials the gateway, authenticates (trying the current
// credential first and falling back to the previous one mid-rotation), and
// blocks until the connection closes.
func (r *runner) connectAndServe() error {
	wsURL, err := gatewayURL(r.state.ServerURL)
	if err != nil {
		return err
	}

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	r.ws = ws
	defer ws.Close()

	if err := r.authenticate(r.state.KeyPrefix, r.state.Secret); err != nil {
		if r.state.PrevSecret == "" {
			return err
		}
		log.Printf("⚠️  Auth with current credential failed (%v), retrying with previous", err)
		ws.Close()
		ws, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return fmt.Errorf("redial %s: %w", wsURL, err)
		}
		r.ws = ws
		if err := r.authenticate(r.state.PrevKeyPrefix, r.state.PrevSecret); err != nil {
			return err
		}
		// The previous credential still works: the rotation never committed.
		r.state.KeyPrefix, r.state.Secret = r.state.PrevKeyPrefix, r.state.PrevSecret
		r.state.PrevKeyPrefix, r.state.PrevSecret = "", ""
		saveState(r.dataDir, r.state)
	} else if r.state.PrevSecret != "" {
		// The new credential is live; the old one is dead weight.
		r.state.PrevKeyPrefix, r.state.PrevSecret = "", ""
		saveState(r.dataDir, r.state)
	}

	stop := make(chan struct{})
	defer close(stop)
	go r.heartbeatLoop(stop)

	return r.readLoop()
}

func (r *runner) authenticate(keyPrefix, secret string) error {
	req := protocol.AuthRequest{
		ServerID:  r.state.ServerID,
		KeyPrefix: keyPrefix,
		Timestamp: time.Now().Unix(),
		Nonce:     uuid.NewString(),
	}
	req.Signature = credstore.SignAuth([]byte(secret), req.ServerID, req.Timestamp, req.Nonce)

	if err := r.send(protocol.TypeAuth, req); err != nil {
		return err
	}

	r.ws.SetReadDeadline(time.Now().Add(15 * time.Second))
	var env protocol.Envelope
	if err := r.ws.ReadJSON(&env); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	r.ws.SetReadDeadline(time.Time{})

	switch env.Type {
	case protocol.TypeAuthOK:
		var ok protocol.AuthOK
		json.Unmarshal(env.Payload, &ok)
		log.Printf("✓ Authenticated (session expires %s)", ok.ExpiresAt)
		return nil
	case protocol.TypeAuthFail:
		var fail protocol.AuthFail
		json.Unmarshal(env.Payload, &fail)
		return fmt.Errorf("authentication rejected: %s", fail.Error)
	default:
		return fmt.Errorf("unexpected frame %q during handshake", env.Type)
	}
}

func (r *runner) readLoop() error {
	for {
		var env protocol.Envelope
		if err := r.ws.ReadJSON(&env); err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}

		switch env.Type {
		case protocol.TypeCommand:
			var cmd protocol.Command
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				continue
			}
			go r.execute(cmd)

		case protocol.TypeSubscribe:
			var sub protocol.Subscription
			if err := json.Unmarshal(env.Payload, &sub); err != nil {
				continue
			}
			r.startStream(sub.Channel)

		case protocol.TypeUnsubscribe:
			var sub protocol.Subscription
			if err := json.Unmarshal(env.Payload, &sub); err != nil {
				continue
			}
			r.stopStream(sub.Channel)

		case protocol.TypeCredentialUpdate:
			var upd protocol.CredentialUpdate
			if err := json.Unmarshal(env.Payload, &upd); err != nil {
				continue
			}
			r.handleCredentialUpdate(upd)

		case protocol.TypeError:
			var msg protocol.ErrorMessage
			if err := json.Unmarshal(env.Payload, &msg); err == nil {
				log.Printf("⚠️  Server error: %s: %s", msg.Code, msg.Message)
			}
		}
	}
}

func (r *runner) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			metrics, _ := json.Marshal(collectMetrics())
			if err := r.send(protocol.TypeHeartbeat, protocol.Heartbeat{Metrics: metrics}); err != nil {
				return
			}
		}
	}
}

// execute runs a built-in action and reports the result.
func (r *runner) execute(cmd protocol.Command) {
	started := time.Now()
	res := protocol.CommandResult{CommandID: cmd.ID}

	switch cmd.Action {
	case "ping":
		res.Success = true
		res.Data, _ = json.Marshal(map[string]string{"pong": time.Now().UTC().Format(time.RFC3339)})

	case "system.info":
		hostname, _ := os.Hostname()
		res.Success = true
		res.Data, _ = json.Marshal(map[string]string{
			"hostname": hostname,
			"os":       runtime.GOOS,
			"arch":     runtime.GOARCH,
		})

	case "metrics.collect":
		res.Success = true
		res.Data, _ = json.Marshal(collectMetrics())

	default:
		res.Success = false
		res.Error = fmt.Sprintf("action %q not supported by this agent", cmd.Action)
	}

	res.DurationMS = time.Since(started).Milliseconds()
	r.send(protocol.TypeCommandResult, res)
}

// handleCredentialUpdate unseals the pushed secret, persists it as the new
// active credential (keeping the old one as fallback), and acks so the
// gateway commits the rotation.
func (r *runner) handleCredentialUpdate(upd protocol.CredentialUpdate) {
	newSecret, err := credstore.OpenInBand([]byte(r.state.Secret), upd.NewSecret)
	if err != nil {
		log.Printf("❌ Could not unseal rotated credential: %v", err)
		return
	}

	r.state.PrevKeyPrefix, r.state.PrevSecret = r.state.KeyPrefix, r.state.Secret
	r.state.KeyPrefix, r.state.Secret = upd.NewKeyPrefix, string(newSecret)
	if err := saveState(r.dataDir, r.state); err != nil {
		log.Printf("❌ Could not persist rotated credential: %v", err)
		return
	}

	if err := r.send(protocol.TypeCredentialUpdateAck, protocol.CredentialUpdateAck{RotationID: upd.RotationID}); err != nil {
		log.Printf("❌ Could not ack rotation %s: %v", upd.RotationID, err)
		return
	}
	log.Printf("🔑 Credential rotated (prefix %s)", upd.NewKeyPrefix)
}

// startStream begins emitting on a subscribed channel. This reference agent
// only produces periodic runtime stats; a production agent attaches container
// log and stat sources here.
func (r *runner) startStream(channel string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if _, ok := r.subs[channel]; ok {
		return
	}
	stop := make(chan struct{})
	r.subs[channel] = stop

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				data, _ := json.Marshal(collectMetrics())
				if err := r.send(protocol.TypeStream, protocol.StreamData{Channel: channel, Data: data}); err != nil {
					return
				}
			}
		}
	}()
	log.Printf("▶ Streaming on channel %s", channel)
}

func (r *runner) stopStream(channel string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if stop, ok := r.subs[channel]; ok {
		close(stop)
		delete(r.subs, channel)
		log.Printf("⏹ Stopped streaming on channel %s", channel)
	}
}

func (r *runner) send(msgType string, payload any) error {
	env, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.ws.WriteJSON(env)
}

func collectMetrics() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]any{
		"goroutines":  runtime.NumGoroutine(),
		"heap_bytes":  m.HeapAlloc,
		"num_cpu":     runtime.NumCPU(),
		"reported_at": time.Now().UTC().Format(time.RFC3339),
	}
}

func gatewayURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/agents/connect"
	return u.String(), nil
}
