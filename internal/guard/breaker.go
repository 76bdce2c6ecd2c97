package guard

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerConfig holds per-service breaker settings.
type BreakerConfig struct {
	Threshold int           // consecutive failures before the circuit opens
	Cooldown  time.Duration // how long the circuit stays open after the last failure
}

// DefaultBreakerConfig matches the upstream defaults: 5 consecutive failures
// open the circuit for 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

// CircuitBreaker isolates failing upstream services per service name.
//
// There is no half-open probe state: once the cooldown since the last failure
// has elapsed, the next Allow call closes the circuit optimistically and the
// next failure reopens it immediately. This mirrors the upstream policy and
// is documented rather than accidental.
type CircuitBreaker struct {
	mu       sync.RWMutex
	services map[string]*breakerState
	configs  map[string]BreakerConfig
	def      BreakerConfig

	onOpen  func(service string)
	onClose func(service string)
}

type breakerState struct {
	failures        atomic.Int32
	lastFailureNano atomic.Int64 // unix nanos of the most recent failure
	open            atomic.Bool
}

func NewCircuitBreaker(def BreakerConfig) *CircuitBreaker {
	if def.Threshold <= 0 {
		def.Threshold = 5
	}
	if def.Cooldown <= 0 {
		def.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		services: make(map[string]*breakerState),
		configs:  make(map[string]BreakerConfig),
		def:      def,
	}
}

// Configure overrides settings for one named service.
func (b *CircuitBreaker) Configure(service string, cfg BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[service] = cfg
}

// OnTransition registers callbacks fired when a circuit opens or closes.
// Callbacks run inline and must not block.
func (b *CircuitBreaker) OnTransition(onOpen, onClose func(service string)) {
	b.onOpen = onOpen
	b.onClose = onClose
}

func (b *CircuitBreaker) configFor(service string) BreakerConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if cfg, ok := b.configs[service]; ok {
		return cfg
	}
	return b.def
}

func (b *CircuitBreaker) state(service string) *breakerState {
	b.mu.RLock()
	st := b.services[service]
	b.mu.RUnlock()
	if st != nil {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st = b.services[service]; st == nil {
		st = &breakerState{}
		b.services[service] = st
	}
	return st
}

// Allow reports whether the service may be called right now. The open→closed
// transition is evaluated lazily here: once the cooldown since the last
// failure has elapsed the failure count resets and the call is allowed.
func (b *CircuitBreaker) Allow(service string) bool {
	return b.allowAt(service, time.Now())
}

func (b *CircuitBreaker) allowAt(service string, now time.Time) bool {
	st := b.state(service)
	cfg := b.configFor(service)

	if st.failures.Load() < int32(cfg.Threshold) {
		return true
	}

	last := time.Unix(0, st.lastFailureNano.Load())
	if now.Sub(last) < cfg.Cooldown {
		if st.open.CompareAndSwap(false, true) && b.onOpen != nil {
			b.onOpen(service)
		}
		return false
	}

	// Cooldown elapsed: close optimistically. The next failure reopens.
	st.failures.Store(0)
	if st.open.CompareAndSwap(true, false) && b.onClose != nil {
		b.onClose(service)
	}
	return true
}

// RecordSuccess resets the service's consecutive-failure count.
func (b *CircuitBreaker) RecordSuccess(service string) {
	st := b.state(service)
	st.failures.Store(0)
	if st.open.CompareAndSwap(true, false) && b.onClose != nil {
		b.onClose(service)
	}
}

// RecordFailure counts one failure. Concurrent failures only ever increment;
// the count cannot go below zero.
func (b *CircuitBreaker) RecordFailure(service string) {
	st := b.state(service)
	st.lastFailureNano.Store(time.Now().UnixNano())
	failures := st.failures.Add(1)

	cfg := b.configFor(service)
	if failures >= int32(cfg.Threshold) {
		if st.open.CompareAndSwap(false, true) && b.onOpen != nil {
			b.onOpen(service)
		}
	}
}

// BreakerSnapshot is the admin-surface view of one service's circuit.
type BreakerSnapshot struct {
	Service     string    `json:"service"`
	Failures    int       `json:"failures"`
	Open        bool      `json:"open"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// Snapshot returns the current state of every tracked service.
func (b *CircuitBreaker) Snapshot() []BreakerSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(b.services))
	for name, st := range b.services {
		snap := BreakerSnapshot{
			Service:  name,
			Failures: int(st.failures.Load()),
			Open:     st.open.Load(),
		}
		if nano := st.lastFailureNano.Load(); nano > 0 {
			snap.LastFailure = time.Unix(0, nano)
		}
		out = append(out, snap)
	}
	return out
}
