package guard

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LoopConfig holds loop-detection tuning. Defaults mirror the upstream
// constants.
type LoopConfig struct {
	Window        int           // entries kept per sender
	Threshold     int           // similar entries that trigger a block
	BlockDuration time.Duration // how long a looping sender stays blocked
	MinTimeSpan   time.Duration // duplicates younger than this never count
	SimilarityMin float64       // similarity at or above which two texts match
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Window:        15,
		Threshold:     5,
		BlockDuration: 2 * time.Minute,
		MinTimeSpan:   30 * time.Second,
		SimilarityMin: 0.95,
	}
}

// LoopDetector suppresses feedback loops: a sender repeating near-identical
// content is blocked for a cooldown so the responder never amplifies its own
// echoes or another bot's.
type LoopDetector struct {
	mu   sync.RWMutex
	logs map[string]*recentLog

	cfgMu sync.RWMutex
	cfg   LoopConfig
}

type recentLog struct {
	mu           sync.Mutex
	entries      []logEntry // ascending by time, capped at cfg.Window
	blockedUntil time.Time
	lastActive   time.Time
}

type logEntry struct {
	content string
	at      time.Time
}

func NewLoopDetector(cfg LoopConfig) *LoopDetector {
	if cfg.Window <= 0 {
		cfg = DefaultLoopConfig()
	}
	return &LoopDetector{
		logs: make(map[string]*recentLog),
		cfg:  cfg,
	}
}

// SetConfig hot-applies new loop-detection parameters.
func (d *LoopDetector) SetConfig(cfg LoopConfig) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.cfg = cfg
}

func (d *LoopDetector) config() LoopConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// IsLoop evaluates content from senderKey at now. While the sender is
// blocked it returns true regardless of content. The message is appended to
// the sender's log after evaluation either way, subject to capacity eviction.
func (d *LoopDetector) IsLoop(senderKey, content string, now time.Time) bool {
	cfg := d.config()
	l := d.getLog(senderKey)
	content = strings.TrimSpace(content)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastActive = now

	blocked := now.Before(l.blockedUntil)
	if !blocked {
		// Count the current message plus similar logged entries. Logged
		// duplicates younger than MinTimeSpan are ignored: repetitions that
		// all landed within that span are a legitimate fast double-send,
		// not a loop.
		similar := 1
		for _, e := range l.entries {
			if now.Sub(e.at) < cfg.MinTimeSpan {
				continue
			}
			if Similarity(content, e.content) >= cfg.SimilarityMin {
				similar++
			}
		}
		if similar >= cfg.Threshold {
			l.blockedUntil = now.Add(cfg.BlockDuration)
			blocked = true
			slog.Warn("loop detected, sender blocked",
				"sender", senderKey,
				"similar", similar,
				"blocked_until", l.blockedUntil,
			)
		}
	}

	l.entries = append(l.entries, logEntry{content: content, at: now})
	if over := len(l.entries) - cfg.Window; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}

	return blocked
}

func (d *LoopDetector) getLog(key string) *recentLog {
	d.mu.RLock()
	l := d.logs[key]
	d.mu.RUnlock()
	if l != nil {
		return l
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if l = d.logs[key]; l == nil {
		l = &recentLog{}
		d.logs[key] = l
	}
	return l
}

// Sweep drops sender logs idle since before cutoff.
func (d *LoopDetector) Sweep(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, l := range d.logs {
		l.mu.Lock()
		idle := l.lastActive.Before(cutoff) && !l.blockedUntil.After(cutoff)
		l.mu.Unlock()
		if idle {
			delete(d.logs, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of sender logs currently held.
func (d *LoopDetector) Tracked() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.logs)
}
