package bus

import (
	"context"
	"log/slog"
	"sync"
)

// inboundBuffer bounds the inbound queue; the bridge read loop drops (and
// logs) when the pipeline falls this far behind.
const inboundBuffer = 256

// MessageBus carries inbound events from the bridge to the pipeline and
// fans broadcast events out to admin WS subscribers.
type MessageBus struct {
	inbound chan InboundEvent

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

func New() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundEvent, inboundBuffer),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues an inbound event for the pipeline. Non-blocking:
// when the queue is full the event is dropped with a warning rather than
// stalling the bridge read loop.
func (b *MessageBus) PublishInbound(ev InboundEvent) {
	select {
	case b.inbound <- ev:
	default:
		slog.Warn("bus: inbound queue full, dropping event",
			"event_id", ev.ID, "sender", ev.SenderKey)
	}
}

// ConsumeInbound blocks until an event is available or ctx is done.
// The second return is false when ctx was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case <-ctx.Done():
		return InboundEvent{}, false
	case ev := <-b.inbound:
		return ev, true
	}
}

// Subscribe registers an event handler under the given id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers the event to all subscribers. Handlers run inline; they
// must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.subscribers {
		h(event)
	}
}
