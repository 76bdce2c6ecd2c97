package pipeline

import (
	"sync"
	"sync/atomic"
)

// Counters aggregates pipeline activity for the admin surface.
type Counters struct {
	messages atomic.Int64 // inbound events ingested
	replies  atomic.Int64 // replies delivered
	errors   atomic.Int64 // generation/delivery errors

	mu    sync.Mutex
	drops map[DropReason]int64
}

func newCounters() *Counters {
	return &Counters{drops: make(map[DropReason]int64)}
}

func (c *Counters) recordMessage() { c.messages.Add(1) }
func (c *Counters) recordReply()   { c.replies.Add(1) }
func (c *Counters) recordError()   { c.errors.Add(1) }

func (c *Counters) recordDrop(reason DropReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops[reason]++
}

// StatsSnapshot is the serializable counters view.
type StatsSnapshot struct {
	Messages int64            `json:"messageCount"`
	Replies  int64            `json:"replyCount"`
	Errors   int64            `json:"errorCount"`
	Drops    map[string]int64 `json:"drops"`
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Messages: c.messages.Load(),
		Replies:  c.replies.Load(),
		Errors:   c.errors.Load(),
		Drops:    make(map[string]int64),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for reason, n := range c.drops {
		snap.Drops[string(reason)] = n
	}
	return snap
}
