package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/giovanycoelho/respondergpt/pkg/protocol"
)

const (
	clientSendBuffer  = 64
	clientWriteWait   = 10 * time.Second
	clientPingPeriod  = 30 * time.Second
	clientPongTimeout = 60 * time.Second
)

// Client is one connected admin WebSocket session. Events are pushed
// through a buffered channel; a slow consumer loses frames rather than
// blocking broadcast.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan protocol.EventFrame
	done chan struct{}
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.EventFrame, clientSendBuffer),
		done: make(chan struct{}),
	}
}

// SendEvent queues an event for delivery. Drops the frame when the
// client's buffer is full.
func (c *Client) SendEvent(event protocol.EventFrame) {
	select {
	case c.send <- event:
	case <-c.done:
	default:
		slog.Debug("admin client send buffer full, dropping event", "id", c.id, "event", event.Event)
	}
}

// Run pumps events to the socket and reads (and discards) inbound frames
// to detect disconnects. Returns when either side closes.
func (c *Client) Run(ctx context.Context) {
	go c.readPump()
	c.writePump(ctx)
}

func (c *Client) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(clientPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(clientPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case event := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteJSON(event); err != nil {
				slog.Debug("admin client write failed", "id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close tears down the underlying connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
