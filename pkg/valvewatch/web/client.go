package web

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jholhewres/valvewatch/pkg/valvewatch/hub"
)

// maxWSMessageSize is the maximum allowed inbound WebSocket message size.
// The dashboard never sends anything large; gorilla closes the connection
// with ErrReadLimit if exceeded.
const maxWSMessageSize = 32 * 1024

// client represents one dashboard WebSocket connection. It implements
// hub.Observer: hub broadcasts are marshaled and queued on the send
// channel, where the write pump drains them.
type client struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger
	send   chan []byte

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		id:     uuid.NewString(),
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, 256),
	}
}

// Deliver queues a hub event for this connection. Slow consumers lose
// events rather than blocking the broadcaster.
func (c *client) Deliver(evt hub.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		c.logger.Error("marshal event failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping event", "client", c.id)
	}
}

// readPump drains inbound frames. The dashboard is receive-only, so
// anything read is discarded; the pump exists to notice disconnects and
// answer pings.
func (c *client) readPump(onClose func()) {
	defer func() {
		onClose()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxWSMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}

// writePump writes queued events and keepalive pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
