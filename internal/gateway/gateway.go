// Package gateway accepts agent connections, runs the authentication
// handshake, and routes messages for the lifetime of each session.
package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"warden/internal/alerts"
	"warden/internal/anomaly"
	"warden/internal/credstore"
	"warden/internal/dispatch"
	"warden/internal/events"
	"warden/internal/ipallow"
	"warden/internal/nonce"
	"warden/internal/protocol"
	"warden/internal/rotation"
	"warden/internal/session"
)

// Options bundles the tunables the gateway needs.
type Options struct {
	// AuthWindow is the permitted clock skew on handshakes.
	AuthWindow time.Duration
	// HeartbeatInterval is the expected agent heartbeat period;
	// HeartbeatMissed intervals without traffic end the session.
	HeartbeatInterval time.Duration
	HeartbeatMissed   int
	// HandshakeTimeout bounds how long an unauthenticated connection may sit
	// before sending its auth frame.
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.AuthWindow <= 0 {
		o.AuthWindow = 5 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatMissed <= 0 {
		o.HeartbeatMissed = 3
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}

// Gateway owns the agent channel: it consults the credential store, nonce
// ledger, anomaly detector and IP allowlist during the handshake, then feeds
// the dispatcher and rotation coordinator from the session's read loop.
type Gateway struct {
	store      *credstore.Store
	nonces     *nonce.Ledger
	detector   *anomaly.Detector
	alerts     *alerts.Store
	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher
	rotations  *rotation.Coordinator
	bus        *events.Bus

	authWindow time.Duration
	opts       Options
	upgrader   websocket.Upgrader
}

// New wires a gateway from its collaborators.
func New(
	store *credstore.Store,
	nonces *nonce.Ledger,
	detector *anomaly.Detector,
	alertStore *alerts.Store,
	sessions *session.Registry,
	dispatcher *dispatch.Dispatcher,
	rotations *rotation.Coordinator,
	bus *events.Bus,
	opts Options,
) *Gateway {
	opts = opts.withDefaults()
	return &Gateway{
		store:      store,
		nonces:     nonces,
		detector:   detector,
		alerts:     alertStore,
		sessions:   sessions,
		dispatcher: dispatcher,
		rotations:  rotations,
		bus:        bus,
		authWindow: opts.AuthWindow,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection is the HTTP handler agents dial. It upgrades to websocket,
// demands an auth frame before anything else, and on success runs the session
// read loop until the connection dies.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	ip := remoteIP(r)
	conn := newAgentConn(ws, ip)

	server, err := g.handshake(conn)
	if err != nil {
		var af *protocol.AuthFailure
		if errors.As(err, &af) {
			g.sendAuthFail(conn, af)
		} else {
			log.Printf("[Gateway] handshake error from %s: %v", ip, err)
		}
		// Terminal either way: the peer gets one response, then the
		// transport closes. An ip_blocked peer cannot keep probing
		// addresses on the same connection.
		conn.Close("auth_failed")
		return
	}

	sess := g.sessions.Register(server.ServerID, ip, conn)
	ok, err := protocol.Encode(protocol.TypeAuthOK, protocol.AuthOK{
		SessionToken: sess.Token,
		ExpiresAt:    sess.TokenExpiry.UTC().Format(time.RFC3339),
	})
	if err == nil {
		err = conn.Send(ok)
	}
	if err != nil {
		log.Printf("[Gateway] failed to confirm auth for %s: %v", server.ServerID, err)
		conn.Close("write_failed")
		g.sessions.Remove(sess, "write_failed")
		return
	}

	log.Printf("[Gateway] server %s (%s) connected from %s", server.Name, server.ServerID, ip)

	reason := g.readLoop(conn, sess)

	g.sessions.Remove(sess, reason)
	g.dispatcher.FailAllForServer(sess.ServerID, protocol.ErrNoActiveSession)
	g.dispatcher.DropSubscriptionsForServer(sess.ServerID)
	log.Printf("[Gateway] server %s disconnected (%s)", server.ServerID, reason)
}

// handshake reads exactly one frame, which must be a well-formed auth
// request, and authenticates it.
func (g *Gateway) handshake(conn *agentConn) (*credstore.RegisteredServer, error) {
	conn.ws.SetReadLimit(64 * 1024)
	conn.ws.SetReadDeadline(time.Now().Add(g.opts.HandshakeTimeout))

	var env protocol.Envelope
	if err := conn.ws.ReadJSON(&env); err != nil {
		return nil, &protocol.ProtocolError{Detail: "no auth frame: " + err.Error()}
	}
	if env.Type != protocol.TypeAuth {
		return nil, &protocol.ProtocolError{Detail: "expected auth frame, got " + env.Type}
	}
	var req protocol.AuthRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, &protocol.ProtocolError{Detail: "malformed auth payload"}
	}
	return g.authenticate(&req, conn.remoteIP)
}

// readLoop processes frames in arrival order until the connection closes and
// returns the close reason.
func (g *Gateway) readLoop(conn *agentConn, sess *session.Session) string {
	readWait := g.opts.HeartbeatInterval * time.Duration(g.opts.HeartbeatMissed)
	conn.ws.SetReadDeadline(time.Now().Add(readWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	go conn.pingLoop(g.opts.HeartbeatInterval)
	defer conn.Close("closed")

	for {
		var env protocol.Envelope
		if err := conn.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Gateway] read error from %s: %v", sess.ServerID, err)
			}
			return "connection_closed"
		}
		conn.ws.SetReadDeadline(time.Now().Add(readWait))

		// A superseded session may still drain frames briefly; drop them so
		// a stale connection cannot act for the server.
		if g.sessions.Get(sess.ServerID) != sess {
			return "superseded"
		}

		if excessive := g.route(conn, sess, &env); excessive {
			return "protocol_abuse"
		}
	}
}

// route handles one inbound frame. Returns true when malformed traffic has
// crossed the abuse threshold and the session must be dropped.
func (g *Gateway) route(conn *agentConn, sess *session.Session, env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := json.Unmarshal(env.Payload, &hb); err != nil {
			return g.malformed(sess, "heartbeat payload")
		}
		sess.Touch()
		if err := g.store.SaveHeartbeatSnapshot(sess.ServerID, hb.Metrics); err != nil {
			log.Printf("[Gateway] save heartbeat for %s: %v", sess.ServerID, err)
		}

	case protocol.TypeCommandResult:
		var res protocol.CommandResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			return g.malformed(sess, "command_result payload")
		}
		sess.Touch()
		g.dispatcher.Complete(&res)

	case protocol.TypeStream:
		var sd protocol.StreamData
		if err := json.Unmarshal(env.Payload, &sd); err != nil {
			return g.malformed(sess, "stream payload")
		}
		sess.Touch()
		g.dispatcher.HandleStream(sess.ServerID, sd)

	case protocol.TypeCredentialUpdateAck:
		var ack protocol.CredentialUpdateAck
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return g.malformed(sess, "credential_update_ack payload")
		}
		sess.Touch()
		if err := g.rotations.HandleAck(sess.ServerID, ack.RotationID); err != nil {
			g.sendError(conn, "rotation_expired", err.Error())
		}

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(env.Payload, &msg); err == nil {
			log.Printf("[Gateway] error from %s: %s: %s", sess.ServerID, msg.Code, msg.Message)
		}

	default:
		return g.malformed(sess, "unexpected frame type "+env.Type)
	}
	return false
}

// malformed counts a protocol error against the session. Non-fatal unless
// the anomaly detector says the rate is abusive.
func (g *Gateway) malformed(sess *session.Session, detail string) bool {
	log.Printf("[Gateway] malformed frame from %s: %s", sess.ServerID, detail)
	return g.detector.TrackMalformed(sess.ServerID)
}

func (g *Gateway) sendAuthFail(conn *agentConn, af *protocol.AuthFailure) {
	env, err := protocol.Encode(protocol.TypeAuthFail, protocol.AuthFail{Error: string(af.Reason)})
	if err == nil {
		conn.Send(env)
	}
}

func (g *Gateway) sendError(conn *agentConn, code, message string) {
	env, err := protocol.Encode(protocol.TypeError, protocol.ErrorMessage{Code: code, Message: message})
	if err == nil {
		conn.Send(env)
	}
}

func (g *Gateway) ipAllowed(server *credstore.RegisteredServer, ip string) bool {
	return ipallow.Match(server.AllowedIPs, ip)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
