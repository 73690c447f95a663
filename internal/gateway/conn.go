package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"warden/internal/protocol"
)

const writeWait = 10 * time.Second

// agentConn wraps a websocket connection. Gorilla permits one concurrent data
// writer, so Send serializes behind a mutex; control frames (ping, close) are
// safe alongside.
type agentConn struct {
	ws       *websocket.Conn
	remoteIP string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newAgentConn(ws *websocket.Conn, remoteIP string) *agentConn {
	return &agentConn{
		ws:       ws,
		remoteIP: remoteIP,
		done:     make(chan struct{}),
	}
}

// Send writes an envelope to the agent.
func (c *agentConn) Send(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

// Close sends a close frame carrying the reason and tears the socket down.
func (c *agentConn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(writeWait),
		)
		c.ws.Close()
	})
}

// pingLoop sends periodic pings until the connection closes.
func (c *agentConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(writeWait),
			); err != nil {
				return
			}
		}
	}
}
