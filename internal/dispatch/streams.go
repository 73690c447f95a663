package dispatch

import (
	"log"

	"github.com/google/uuid"

	"warden/internal/protocol"
)

type streamKey struct {
	serverID string
	channel  string
}

// Subscription is one local consumer of a named stream channel. Delivery is
// best-effort in-order for the lifetime of the session; a slow consumer loses
// frames rather than stalling the read loop, and nothing is replayed after a
// reconnect.
type Subscription struct {
	ID       string
	ServerID string
	Channel  string
	C        <-chan protocol.StreamData

	ch chan protocol.StreamData
}

// Subscribe registers interest in a channel (e.g. "container:abc:logs") on a
// connected server. The first local subscriber triggers a subscribe frame to
// the agent.
func (d *Dispatcher) Subscribe(serverID, channel string) (*Subscription, error) {
	sess := d.sessions.Get(serverID)
	if sess == nil {
		return nil, protocol.ErrNoActiveSession
	}

	sub := &Subscription{
		ID:       uuid.NewString(),
		ServerID: serverID,
		Channel:  channel,
		ch:       make(chan protocol.StreamData, 64),
	}
	sub.C = sub.ch

	key := streamKey{serverID, channel}

	d.subMu.Lock()
	first := len(d.subs[key]) == 0
	if d.subs[key] == nil {
		d.subs[key] = make(map[string]*Subscription)
	}
	d.subs[key][sub.ID] = sub
	d.subMu.Unlock()

	if first {
		env, err := protocol.Encode(protocol.TypeSubscribe, protocol.Subscription{Channel: channel})
		if err == nil {
			err = sess.Conn.Send(env)
		}
		if err != nil {
			d.Unsubscribe(sub)
			return nil, err
		}
	}
	return sub, nil
}

// Unsubscribe removes a local subscriber. When the last subscriber for a
// channel leaves and the session is still live, the agent is told to stop
// producing.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	key := streamKey{sub.ServerID, sub.Channel}

	d.subMu.Lock()
	group, ok := d.subs[key]
	if ok {
		if _, present := group[sub.ID]; present {
			delete(group, sub.ID)
			close(sub.ch)
		}
		if len(group) == 0 {
			delete(d.subs, key)
		}
	}
	last := !ok || len(group) == 0
	d.subMu.Unlock()

	if last {
		if sess := d.sessions.Get(sub.ServerID); sess != nil {
			if env, err := protocol.Encode(protocol.TypeUnsubscribe, protocol.Subscription{Channel: sub.Channel}); err == nil {
				sess.Conn.Send(env)
			}
		}
	}
}

// HandleStream fans an inbound stream frame out to every local subscriber of
// its channel.
func (d *Dispatcher) HandleStream(serverID string, data protocol.StreamData) {
	key := streamKey{serverID, data.Channel}

	// The sends stay under the lock so an Unsubscribe cannot close a channel
	// mid-fanout; they never block because each subscriber channel is
	// buffered and full buffers drop instead.
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, sub := range d.subs[key] {
		select {
		case sub.ch <- data:
		default:
			log.Printf("[Dispatch] dropping stream frame on %s for slow subscriber %s", data.Channel, sub.ID)
		}
	}
}

// DropSubscriptionsForServer closes every local subscription for a server,
// used when its session ends. Agents do not replay missed stream data, so
// subscribers must resubscribe after a reconnect.
func (d *Dispatcher) DropSubscriptionsForServer(serverID string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for key, group := range d.subs {
		if key.serverID != serverID {
			continue
		}
		for id, sub := range group {
			close(sub.ch)
			delete(group, id)
		}
		delete(d.subs, key)
	}
}
