package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/giovanycoelho/respondergpt/internal/bus"
)

// chatQueueDepth bounds each chat's pending-event queue; a chat this far
// behind starts dropping, mirroring the inbound bus policy.
const chatQueueDepth = 32

// Dispatcher fans inbound events out to one worker per chat, so events from
// a single chat are ingested in arrival order while distinct chats proceed
// concurrently. Ordering matters because ingestion can suspend in content
// normalization (audio transcription, image description): without per-chat
// serialization a later text message would overtake a slow audio one and
// invert the transcript.
type Dispatcher struct {
	coalescer *Coalescer

	mu     sync.Mutex
	queues map[string]chan queuedEvent
}

type queuedEvent struct {
	ctx context.Context
	ev  bus.InboundEvent
}

func NewDispatcher(c *Coalescer) *Dispatcher {
	return &Dispatcher{
		coalescer: c,
		queues:    make(map[string]chan queuedEvent),
	}
}

// Enqueue hands the event to its chat's worker, starting one when none is
// running. Calls from a single goroutine reach the worker in call order;
// Enqueue itself never blocks.
func (d *Dispatcher) Enqueue(ctx context.Context, ev bus.InboundEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[ev.ChatID]
	if !ok {
		q = make(chan queuedEvent, chatQueueDepth)
		d.queues[ev.ChatID] = q
		go d.run(ev.ChatID, q)
	}

	select {
	case q <- queuedEvent{ctx: ctx, ev: ev}:
	default:
		slog.Warn("pipeline: chat queue full, dropping event",
			"chat_id", ev.ChatID, "event_id", ev.ID)
	}
}

// run drains one chat's queue. A worker whose queue is empty retires and
// removes itself, so idle chats hold no goroutine; the emptiness check and
// the removal happen under the same lock Enqueue sends under, so no queued
// event can be stranded.
func (d *Dispatcher) run(chatID string, q chan queuedEvent) {
	for {
		select {
		case item := <-q:
			if item.ctx.Err() != nil {
				continue
			}
			d.coalescer.Offer(item.ctx, item.ev)
		default:
			d.mu.Lock()
			if len(q) == 0 {
				delete(d.queues, chatID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
		}
	}
}
