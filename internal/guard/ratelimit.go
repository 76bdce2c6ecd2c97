package guard

import (
	"sync"
	"time"
)

// RateLimiter is per-sender sliding-window admission control. Each sender key
// owns an ordered list of admit timestamps within the trailing window;
// entries older than the window are pruned lazily on each check.
//
// Calls for distinct keys proceed concurrently; calls for the same key
// serialize on the window's own mutex so no admit is ever lost.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateWindow

	cfgMu  sync.RWMutex
	window time.Duration
	max    int
}

type rateWindow struct {
	mu         sync.Mutex
	admits     []time.Time // ascending
	lastActive time.Time
}

func NewRateLimiter(window time.Duration, maxPerWindow int) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		window:  window,
		max:     maxPerWindow,
	}
}

// SetLimits hot-applies new window parameters. Existing windows keep their
// recorded admits; the new bounds take effect on the next check.
func (r *RateLimiter) SetLimits(window time.Duration, maxPerWindow int) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	r.window = window
	r.max = maxPerWindow
}

func (r *RateLimiter) limits() (time.Duration, int) {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.window, r.max
}

// Admit reports whether a message from senderKey may trigger a reply at now.
// A rejection records nothing: it never counts against the sender's window.
func (r *RateLimiter) Admit(senderKey string, now time.Time) bool {
	window, max := r.limits()
	w := r.getWindow(senderKey)

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	i := 0
	for i < len(w.admits) && !w.admits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.admits = append(w.admits[:0], w.admits[i:]...)
	}

	w.lastActive = now
	if len(w.admits) >= max {
		return false
	}
	w.admits = append(w.admits, now)
	return true
}

func (r *RateLimiter) getWindow(key string) *rateWindow {
	r.mu.RLock()
	w := r.windows[key]
	r.mu.RUnlock()
	if w != nil {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w = r.windows[key]; w == nil {
		w = &rateWindow{}
		r.windows[key] = w
	}
	return w
}

// Sweep drops windows idle since before cutoff. Long-running processes call
// this periodically so the outer per-sender map cannot grow without bound.
func (r *RateLimiter) Sweep(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, w := range r.windows {
		w.mu.Lock()
		idle := w.lastActive.Before(cutoff)
		w.mu.Unlock()
		if idle {
			delete(r.windows, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of sender keys currently held (stats surface).
func (r *RateLimiter) Tracked() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.windows)
}
