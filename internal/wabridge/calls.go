package wabridge

import (
	"sync"
	"time"
)

// callRejectWindow is how long a caller waits before getting another
// rejection message. Calls themselves are always rejected; only the
// courtesy text is throttled.
const callRejectWindow = time.Hour

type callTracker struct {
	mu       sync.Mutex
	window   time.Duration
	notified map[string]time.Time
}

func newCallTracker(window time.Duration) *callTracker {
	return &callTracker{
		window:   window,
		notified: make(map[string]time.Time),
	}
}

// shouldNotify reports whether the caller is due a rejection message and
// records the notification when so.
func (t *callTracker) shouldNotify(caller string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.notified[caller]; ok && now.Sub(last) < t.window {
		return false
	}
	t.notified[caller] = now
	return true
}

// sweep drops entries older than the window.
func (t *callTracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for caller, last := range t.notified {
		if now.Sub(last) >= t.window {
			delete(t.notified, caller)
		}
	}
}
