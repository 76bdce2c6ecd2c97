package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/giovanycoelho/respondergpt/internal/bus"
	"github.com/giovanycoelho/respondergpt/pkg/protocol"
)

// EventLogHandler wraps a slog.Handler and mirrors warn-and-above records to
// admin WebSocket clients as system-log events, so the dashboard can show a
// live log tail without file access.
type EventLogHandler struct {
	inner slog.Handler
	pub   bus.EventPublisher

	// fanning suppresses re-entrant broadcasts: a subscriber that logs a
	// warning must not feed the warning back into the fan-out.
	fanning *atomic.Bool
}

// SystemLogPayload is the wire shape of one fanned-out log record.
type SystemLogPayload struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

func NewEventLogHandler(inner slog.Handler, pub bus.EventPublisher) *EventLogHandler {
	return &EventLogHandler{inner: inner, pub: pub, fanning: &atomic.Bool{}}
}

func (h *EventLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *EventLogHandler) Handle(ctx context.Context, rec slog.Record) error {
	err := h.inner.Handle(ctx, rec)

	if rec.Level >= slog.LevelWarn && h.fanning.CompareAndSwap(false, true) {
		h.pub.Broadcast(bus.Event{Name: protocol.EventSystemLog, Payload: SystemLogPayload{
			Time:    rec.Time,
			Level:   rec.Level.String(),
			Message: rec.Message,
		}})
		h.fanning.Store(false)
	}
	return err
}

func (h *EventLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &EventLogHandler{inner: h.inner.WithAttrs(attrs), pub: h.pub, fanning: h.fanning}
}

func (h *EventLogHandler) WithGroup(name string) slog.Handler {
	return &EventLogHandler{inner: h.inner.WithGroup(name), pub: h.pub, fanning: h.fanning}
}
