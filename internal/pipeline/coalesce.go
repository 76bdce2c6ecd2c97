package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/giovanycoelho/respondergpt/internal/bus"
)

// Coalescer debounces admitted messages per chat: a reply is generated only
// after responseDelay has passed without another message from the chat, and
// the buffered texts are answered as one run. Mirrors the upstream
// responseDelay queue so rapid-fire messages get one coherent reply instead
// of several interleaved ones.
type Coalescer struct {
	pipeline *Pipeline
	delay    func() time.Duration

	mu      sync.Mutex
	pending map[string]*pendingChat
}

type pendingChat struct {
	timer *time.Timer
	ev    bus.InboundEvent // latest event; carries chat/sender identity
	texts []string
}

func NewCoalescer(p *Pipeline, delay func() time.Duration) *Coalescer {
	return &Coalescer{
		pipeline: p,
		delay:    delay,
		pending:  make(map[string]*pendingChat),
	}
}

// Offer ingests the event and, when it survives admission, schedules the
// chat's reply. The returned outcome reflects admission only; generation
// happens asynchronously on flush.
func (c *Coalescer) Offer(ctx context.Context, ev bus.InboundEvent) Outcome {
	text, out := c.pipeline.Ingest(ctx, ev)
	if text == "" {
		return out
	}

	delay := c.delay()
	if delay <= 0 {
		return c.pipeline.Respond(ctx, ev, text)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pc := c.pending[ev.ChatID]
	if pc == nil {
		pc = &pendingChat{}
		c.pending[ev.ChatID] = pc
	} else if pc.timer != nil {
		pc.timer.Stop()
	}

	pc.ev = ev
	pc.texts = append(pc.texts, text)
	pc.timer = time.AfterFunc(delay, func() { c.flush(ctx, ev.ChatID) })

	return Outcome{State: StateDone}
}

func (c *Coalescer) flush(ctx context.Context, chatID string) {
	c.mu.Lock()
	pc := c.pending[chatID]
	delete(c.pending, chatID)
	c.mu.Unlock()

	if pc == nil || len(pc.texts) == 0 {
		return
	}

	message := strings.Join(pc.texts, "\n")
	c.pipeline.Respond(ctx, pc.ev, message)
}

// Flush forces all pending chats out immediately (shutdown path).
func (c *Coalescer) Flush(ctx context.Context) {
	c.mu.Lock()
	chats := make([]string, 0, len(c.pending))
	for chatID, pc := range c.pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		chats = append(chats, chatID)
	}
	c.mu.Unlock()

	for _, chatID := range chats {
		c.flush(ctx, chatID)
	}
}
