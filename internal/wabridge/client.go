package wabridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/giovanycoelho/respondergpt/internal/bus"
	"github.com/giovanycoelho/respondergpt/internal/config"
	"github.com/giovanycoelho/respondergpt/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	fastRetryDelay   = 2 * time.Second
	maxBackoff       = 30 * time.Second
)

// Client connects to a WhatsApp bridge over WebSocket. The bridge process
// speaks the actual WhatsApp protocol; this client exchanges JSON frames
// with it and implements bus.Transport for the outbound direction.
type Client struct {
	cfg   *config.Config
	bus   *bus.MessageBus
	state *stateMachine
	calls *callTracker

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	// onLoggedOut fires once when the bridge reports the account was
	// unlinked; used to cancel in-flight deliveries.
	onLoggedOut func()
}

// New creates a bridge client. onState receives every connection state
// transition (for admin event broadcast); either callback may be nil.
func New(cfg *config.Config, msgBus *bus.MessageBus, onState func(ConnState, string), onLoggedOut func()) (*Client, error) {
	if cfg.Bridge.URL == "" {
		return nil, fmt.Errorf("bridge url is required")
	}
	return &Client{
		cfg:         cfg,
		bus:         msgBus,
		state:       newStateMachine(onState),
		calls:       newCallTracker(callRejectWindow),
		onLoggedOut: onLoggedOut,
	}, nil
}

// State returns the current connection state and linked phone number.
func (c *Client) State() (ConnState, string) {
	return c.state.current()
}

// Start connects to the bridge and begins the read loop. An initial dial
// failure is not fatal; the loop keeps retrying.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("starting whatsapp bridge client", "url", c.cfg.Bridge.URL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		slog.Warn("initial bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()
	return nil
}

// Stop closes the connection and halts reconnection.
func (c *Client) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp bridge client")

	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.state.transition(StateDisconnected)
	return nil
}

// connect dials the bridge and moves the state machine through
// Connecting. Connected is only entered when the bridge confirms via a
// status frame; until then the socket is up but the session may not be.
func (c *Client) connect() error {
	c.state.transition(StateConnecting)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	conn, _, err := dialer.Dial(c.cfg.Bridge.URL, nil)
	if err != nil {
		c.state.transition(StateDisconnected)
		return fmt.Errorf("dial bridge %s: %w", c.cfg.Bridge.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("bridge socket established", "url", c.cfg.Bridge.URL)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// listenLoop reads frames from the bridge and reconnects on failure.
// The first MaxRetries attempts use a short fixed delay; after that the
// delay doubles up to maxBackoff. A logged_out status stops the loop.
func (c *Client) listenLoop() {
	attempts := 0
	backoff := fastRetryDelay

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if state, _ := c.state.current(); state == StateLoggedOut {
			slog.Warn("bridge session logged out, reconnect halted")
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			attempts++
			delay := backoff
			if attempts <= c.maxRetries() {
				delay = fastRetryDelay
			} else {
				backoff = min(backoff*2, maxBackoff)
			}
			slog.Info("attempting bridge reconnect", "attempt", attempts, "delay", delay)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}

			if err := c.connect(); err != nil {
				slog.Warn("bridge reconnect failed", "error", err)
				continue
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("bridge read error, will reconnect", "error", err)
			c.closeConn()
			c.state.transition(StateDisconnected)
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("invalid bridge frame", "error", err)
			continue
		}

		switch frame.Type {
		case frameStatus:
			if c.handleStatus(frame) {
				attempts = 0
				backoff = fastRetryDelay
			}
		case frameMessage:
			c.handleMessage(frame)
		case frameCall:
			c.handleCall(frame)
		default:
			slog.Debug("ignoring bridge frame", "type", frame.Type)
		}
	}
}

// handleStatus applies a bridge status frame. Reports whether the session
// reached Connected so the caller can reset its retry budget.
func (c *Client) handleStatus(f inboundFrame) bool {
	switch f.State {
	case "connected":
		if f.Phone != "" {
			c.state.setPhone(f.Phone)
		}
		c.state.transition(StateConnected)
		slog.Info("whatsapp session connected", "phone", f.Phone)
		return true
	case "logged_out":
		c.state.transition(StateLoggedOut)
		c.closeConn()
		slog.Warn("whatsapp session logged out, re-link required")
		if c.onLoggedOut != nil {
			c.onLoggedOut()
		}
	case "disconnected":
		c.state.transition(StateDisconnected)
	default:
		slog.Debug("unknown bridge status", "state", f.State)
	}
	return false
}

// handleMessage converts a message frame and publishes it on the bus.
func (c *Client) handleMessage(f inboundFrame) {
	if f.From == "" {
		return
	}

	ev, err := toInboundEvent(f)
	if err != nil {
		slog.Warn("dropping bridge message", "id", f.ID, "error", err)
		return
	}

	slog.Debug("bridge message received",
		"sender", ev.SenderKey,
		"chat", ev.ChatID,
		"kind", ev.Kind,
	)
	c.bus.PublishInbound(ev)
}

// handleCall rejects an incoming call and notifies the caller at most once
// per window.
func (c *Client) handleCall(f inboundFrame) {
	calls := c.cfg.CallSettings()
	if !calls.Reject {
		return
	}

	caller := SenderKeyFromJID(f.From)
	slog.Info("rejecting incoming call", "caller", caller)

	if err := c.writeFrame(outboundFrame{Type: frameCall, CallID: f.ID, To: f.From, Reject: true}); err != nil {
		slog.Warn("call rejection failed", "caller", caller, "error", err)
		return
	}
	c.bus.Broadcast(bus.Event{Name: protocol.EventCallRejected, Payload: map[string]string{"caller": caller}})

	if calls.RejectionMessage == "" || !c.calls.shouldNotify(caller, time.Now()) {
		return
	}
	chat := f.Chat
	if chat == "" {
		chat = f.From
	}
	if err := c.writeFrame(outboundFrame{Type: frameMessage, To: chat, Content: calls.RejectionMessage}); err != nil {
		slog.Warn("call rejection message failed", "caller", caller, "error", err)
	}
}

// writeFrame marshals and writes one frame under the connection lock.
func (c *Client) writeFrame(f outboundFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal bridge frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("bridge not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write bridge frame: %w", err)
	}
	return nil
}

// Sweep drops stale call-notification entries. Called from the serve
// loop's retention ticker.
func (c *Client) Sweep(now time.Time) {
	c.calls.sweep(now)
}

func (c *Client) maxRetries() int {
	if c.cfg.Bridge.MaxRetries > 0 {
		return c.cfg.Bridge.MaxRetries
	}
	return 3
}
