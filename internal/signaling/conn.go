package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn wraps a websocket and adapts it to the session registry's Conn
// contract. All writes go through a single pump goroutine; Send only
// enqueues, so lifecycle and presence code never blocks on a slow socket.
type wsConn struct {
	id   string
	sock *websocket.Conn
	log  *slog.Logger

	writeTimeout time.Duration
	pingPeriod   time.Duration

	out chan outbound

	closeOnce sync.Once
	done      chan struct{}
}

type outbound struct {
	event string
	data  any
}

func newWSConn(sock *websocket.Conn, log *slog.Logger, writeTimeout, pongTimeout time.Duration, sendBuffer int) *wsConn {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	return &wsConn{
		id:           uuid.NewString(),
		sock:         sock,
		log:          log,
		writeTimeout: writeTimeout,
		pingPeriod:   pongTimeout * 9 / 10,
		out:          make(chan outbound, sendBuffer),
		done:         make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send enqueues an event for delivery. It reports false when the
// connection is closed or the outbound queue is full; the message is
// dropped rather than blocking the caller.
func (c *wsConn) Send(event string, v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- outbound{event: event, data: v}:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("outbound queue full, dropping event", "event", event, "conn_id", c.id)
		return false
	}
}

// close tears the socket down exactly once, sending a close frame with
// the given code when the peer is still there to read it.
func (c *wsConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.sock.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.sock.Close()
	})
}

// writePump serializes all frame writes: queued events and keepalive
// pings. It exits when close is called.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.out:
			if err := c.writeEvent(msg); err != nil {
				c.log.Debug("websocket write failed", "error", err, "conn_id", c.id)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writeEvent(msg outbound) error {
	raw, err := json.Marshal(msg.data)
	if err != nil {
		c.log.Error("unmarshalable outbound payload", "event", msg.event, "error", err)
		return nil
	}
	if err := c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.sock.WriteJSON(Envelope{Event: msg.event, Data: raw})
}
