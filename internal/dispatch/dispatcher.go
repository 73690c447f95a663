// Package dispatch turns caller intent ("run action X on server Y") into a
// correlated, timeout-bounded request/response exchange over the agent
// channel, plus long-lived stream subscriptions.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/credstore"
	"warden/internal/protocol"
	"warden/internal/session"
	"warden/internal/shard"
)

// ErrUnknownAction is returned for an action with no scope mapping.
var ErrUnknownAction = errors.New("unknown action")

// ServerDirectory is the slice of the credential store the dispatcher needs
// for authorization checks.
type ServerDirectory interface {
	GetServer(serverID string) (*credstore.RegisteredServer, error)
}

// outcome is what a pending command resolves to, exactly once.
type outcome struct {
	result *protocol.CommandResult
	err    error
}

// Pending is the caller's handle on an in-flight command.
type Pending struct {
	CommandID string
	ServerID  string
	Action    string
	IssuedAt  time.Time

	once sync.Once
	done chan outcome

	// Guarded by the pending map's bucket lock: written once when the
	// timeout is armed, stopped on removal.
	timer *time.Timer
}

// Wait blocks until a result arrives, the command times out, it is
// cancelled, or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*protocol.CommandResult, error) {
	select {
	case o := <-p.done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve completes the handle. First writer wins: a result racing the local
// timeout is benign, the loser is discarded.
func (p *Pending) resolve(o outcome) bool {
	won := false
	p.once.Do(func() {
		p.done <- o
		won = true
	})
	return won
}

// Dispatcher correlates commands with their asynchronous results and fans
// stream frames out to local subscribers. Pending commands live in a sharded
// map keyed by command ID, so correlation cost does not grow with the number
// of in-flight commands across the fleet.
type Dispatcher struct {
	sessions *session.Registry
	servers  ServerDirectory

	pending *shard.Map[*Pending] // commandID → handle

	subMu sync.Mutex
	subs  map[streamKey]map[string]*Subscription // (server, channel) → subID → sub
}

// NewDispatcher wires a dispatcher to the session registry and the server
// directory used for scope checks.
func NewDispatcher(sessions *session.Registry, servers ServerDirectory) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		servers:  servers,
		pending:  shard.NewMap[*Pending](),
		subs:     make(map[streamKey]map[string]*Subscription),
	}
}

// Dispatch sends action to serverID and returns a handle the caller can
// await or cancel. Fails fast with ErrNoActiveSession when the server is not
// connected and ErrPermissionDenied when the action's scope is not granted;
// neither of those ever reaches the agent.
func (d *Dispatcher) Dispatch(serverID, action string, params json.RawMessage, timeout time.Duration) (*Pending, error) {
	sess := d.sessions.Get(serverID)
	if sess == nil {
		return nil, protocol.ErrNoActiveSession
	}

	scope, known := RequiredScope(action)
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	server, err := d.servers.GetServer(serverID)
	if err != nil {
		return nil, fmt.Errorf("look up server %s: %w", serverID, err)
	}
	if server == nil {
		return nil, fmt.Errorf("server %s is not registered", serverID)
	}
	if !server.HasScope(scope) {
		return nil, fmt.Errorf("%w: action %q requires scope %q", protocol.ErrPermissionDenied, action, scope)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &Pending{
		CommandID: uuid.NewString(),
		ServerID:  serverID,
		Action:    action,
		IssuedAt:  time.Now(),
		done:      make(chan outcome, 1),
	}
	d.pending.Set(p.CommandID, p)

	// A timed-out command resolves the caller but leaves the session open: a
	// slow command is not grounds for disconnection.
	timer := time.AfterFunc(timeout, func() {
		d.remove(p.CommandID)
		if p.resolve(outcome{err: protocol.ErrCommandTimeout}) {
			log.Printf("[Dispatch] command %s (%s on %s) timed out after %s", p.CommandID, action, serverID, timeout)
		}
	})
	// Attach the timer under the bucket lock. A timeout so short it already
	// fired has removed the entry; stopping the spent timer is a no-op.
	d.pending.Update(p.CommandID, func(cur *Pending, ok bool) (*Pending, bool) {
		if !ok {
			timer.Stop()
			return cur, false
		}
		cur.timer = timer
		return cur, true
	})

	env, err := protocol.Encode(protocol.TypeCommand, protocol.Command{
		ID:        p.CommandID,
		Action:    action,
		Params:    params,
		TimeoutMS: timeout.Milliseconds(),
	})
	if err != nil {
		d.remove(p.CommandID)
		p.resolve(outcome{err: err})
		return nil, err
	}
	if err := sess.Conn.Send(env); err != nil {
		d.remove(p.CommandID)
		p.resolve(outcome{err: err})
		return nil, fmt.Errorf("send command to %s: %w", serverID, err)
	}

	return p, nil
}

// Run is the blocking convenience wrapper: dispatch and wait.
func (d *Dispatcher) Run(ctx context.Context, serverID, action string, params json.RawMessage, timeout time.Duration) (*protocol.CommandResult, error) {
	p, err := d.Dispatch(serverID, action, params, timeout)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Complete matches an inbound result to its pending command. A result for an
// unknown or already-completed ID is logged and discarded: it is most likely
// a duplicate or a late arrival after the local timeout fired.
func (d *Dispatcher) Complete(res *protocol.CommandResult) {
	p := d.remove(res.CommandID)
	if p == nil {
		log.Printf("[Dispatch] discarding result for unknown command %s", res.CommandID)
		return
	}
	p.resolve(outcome{result: res})
}

// Cancel resolves a pending command locally. The protocol has no abort
// message, so the remote side may still execute; cancellation is best-effort
// and local-only.
func (d *Dispatcher) Cancel(commandID string) bool {
	p := d.remove(commandID)
	if p == nil {
		return false
	}
	return p.resolve(outcome{err: protocol.ErrCommandCancelled})
}

// PendingCount returns the number of in-flight commands.
func (d *Dispatcher) PendingCount() int {
	return d.pending.Len()
}

// FailAllForServer resolves every pending command for a server with err,
// e.g. when its session drops with commands still outstanding.
func (d *Dispatcher) FailAllForServer(serverID string, err error) {
	var doomed []*Pending
	d.pending.DeleteFunc(func(_ string, p *Pending) bool {
		if p.ServerID != serverID {
			return false
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		doomed = append(doomed, p)
		return true
	})

	for _, p := range doomed {
		p.resolve(outcome{err: err})
	}
}

// remove takes a command out of the pending map, stopping its timeout timer
// under the bucket lock.
func (d *Dispatcher) remove(commandID string) *Pending {
	var p *Pending
	d.pending.Update(commandID, func(cur *Pending, ok bool) (*Pending, bool) {
		if ok {
			if cur.timer != nil {
				cur.timer.Stop()
			}
			p = cur
		}
		return cur, false
	})
	return p
}
