package bus

import (
	"container/list"
	"sync"
	"time"
)

// DedupeCache enforces at-most-once processing per message ID. Bridge
// reconnects can replay recent history, and retried deliveries reuse the
// same ID, so the consumer checks Seen() before dispatching.
//
// Entries expire after ttl and the cache never holds more than max IDs
// (oldest evicted first).
type DedupeCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	seen  map[string]*list.Element
	order *list.List // front = oldest
}

type dedupeEntry struct {
	id string
	at time.Time
}

func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		ttl:   ttl,
		max:   max,
		seen:  make(map[string]*list.Element),
		order: list.New(),
	}
}

// Seen reports whether id was already recorded within the TTL, recording it
// as a side effect when it was not.
func (d *DedupeCache) Seen(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(now)

	if el, ok := d.seen[id]; ok {
		if now.Sub(el.Value.(*dedupeEntry).at) < d.ttl {
			return true
		}
		d.order.Remove(el)
		delete(d.seen, id)
	}

	for len(d.seen) >= d.max {
		oldest := d.order.Front()
		if oldest == nil {
			break
		}
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(*dedupeEntry).id)
	}

	d.seen[id] = d.order.PushBack(&dedupeEntry{id: id, at: now})
	return false
}

func (d *DedupeCache) pruneLocked(now time.Time) {
	for {
		oldest := d.order.Front()
		if oldest == nil || now.Sub(oldest.Value.(*dedupeEntry).at) < d.ttl {
			return
		}
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(*dedupeEntry).id)
	}
}

// Len returns the number of tracked IDs (for tests and stats).
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
