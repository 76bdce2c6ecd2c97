// Package humanize paces and chunks outbound text so replies land with a
// human typing cadence instead of one instant wall of text.
package humanize

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/time/rate"

	"github.com/giovanycoelho/respondergpt/internal/bus"
)

const (
	// minTypingDelay..maxTypingDelay bound the per-fragment typing pause.
	minTypingDelay = 1000 * time.Millisecond
	maxTypingDelay = 5000 * time.Millisecond

	// perCharDelay scales the pause with fragment width.
	perCharDelay = 50 * time.Millisecond

	// randomDelayBound is the upper bound of the jitter added per fragment.
	randomDelayBound = 2000 * time.Millisecond

	// interSentencePause separates consecutive fragments.
	interSentencePause = 1000 * time.Millisecond
)

// Options modify one delivery.
type Options struct {
	// Ephemeral skips pacing entirely: the whole text goes out as one unit.
	Ephemeral bool
}

// Sender delivers reply text through the transport with typing simulation.
// Deliveries are best-effort at-most-once: a failed fragment is logged, the
// remaining fragments are still attempted, and the first error is reported.
type Sender struct {
	transport bus.Transport
	limiter   *rate.Limiter // global outbound throttle, nil = off

	// sleep and jitter are injectable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration

	mu     sync.Mutex
	active map[string]map[*context.CancelFunc]struct{} // chatID → in-flight cancels
}

// Option configures a Sender.
type Option func(*Sender)

// WithTiming overrides the sleep and jitter functions. Tests use it to run
// deliveries without real pauses.
func WithTiming(sleep func(context.Context, time.Duration) error, jitter func() time.Duration) Option {
	return func(s *Sender) {
		s.sleep = sleep
		s.jitter = jitter
	}
}

func NewSender(transport bus.Transport, sendsPerSecond float64, opts ...Option) *Sender {
	var limiter *rate.Limiter
	if sendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(sendsPerSecond), 1)
	}
	s := &Sender{
		transport: transport,
		limiter:   limiter,
		sleep:     sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(randomDelayBound)))
		},
		active: make(map[string]map[*context.CancelFunc]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SplitSentences splits text on sentence-terminal punctuation, trimming each
// fragment and discarding empty ones.
func SplitSentences(text string) []string {
	var out []string
	var sb strings.Builder
	flush := func() {
		if s := strings.TrimSpace(sb.String()); s != "" {
			out = append(out, s)
		}
		sb.Reset()
	}
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			flush()
		default:
			sb.WriteRune(r)
		}
	}
	flush()
	return out
}

// TypingDelay computes the pre-send pause for one fragment, before jitter:
// proportional to display width with a lower bound. Callers add jitter and
// clamp to maxTypingDelay.
func TypingDelay(fragment string) time.Duration {
	d := time.Duration(runewidth.StringWidth(fragment)) * perCharDelay
	if d < minTypingDelay {
		d = minTypingDelay
	}
	return d
}

// Deliver sends text to chatID, fragment by fragment. The context carries
// the per-chat cancellation signal: when the chat's session dies mid-
// delivery, remaining fragments are abandoned rather than sent into a dead
// session.
func (s *Sender) Deliver(ctx context.Context, chatID, text string, opts Options) error {
	text = strings.TrimSpace(text)
	if text == "" {
		slog.Warn("humanize: empty reply text, skipping delivery", "chat_id", chatID)
		return nil
	}

	ctx, done := s.register(ctx, chatID)
	defer done()

	if opts.Ephemeral {
		return s.send(ctx, chatID, text)
	}

	fragments := SplitSentences(text)
	if len(fragments) == 0 {
		return nil
	}

	var firstErr error
	for i, fragment := range fragments {
		if err := s.transport.SetPresence(ctx, chatID, bus.PresenceComposing); err != nil {
			slog.Debug("humanize: presence update failed", "chat_id", chatID, "error", err)
		}

		delay := TypingDelay(fragment) + s.jitter()
		if delay > maxTypingDelay {
			delay = maxTypingDelay
		}
		if err := s.sleep(ctx, delay); err != nil {
			return firstOf(firstErr, err)
		}

		if err := s.send(ctx, chatID, fragment); err != nil {
			slog.Warn("humanize: fragment send failed",
				"chat_id", chatID, "fragment", i, "error", err)
			firstErr = firstOf(firstErr, err)
		}

		if i < len(fragments)-1 {
			if err := s.sleep(ctx, interSentencePause); err != nil {
				return firstOf(firstErr, err)
			}
		}
	}

	if err := s.transport.SetPresence(ctx, chatID, bus.PresencePaused); err != nil {
		slog.Debug("humanize: presence update failed", "chat_id", chatID, "error", err)
	}
	return firstErr
}

func (s *Sender) send(ctx context.Context, chatID, text string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return s.transport.Send(ctx, chatID, text)
}

// register derives a cancellable context tracked under chatID so CancelChat
// and CancelAll can abort in-flight deliveries.
func (s *Sender) register(ctx context.Context, chatID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	key := &cancel

	s.mu.Lock()
	set := s.active[chatID]
	if set == nil {
		set = make(map[*context.CancelFunc]struct{})
		s.active[chatID] = set
	}
	set[key] = struct{}{}
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		if set := s.active[chatID]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(s.active, chatID)
			}
		}
		s.mu.Unlock()
		cancel()
	}
}

// CancelChat aborts in-flight deliveries for one chat.
func (s *Sender) CancelChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cancel := range s.active[chatID] {
		(*cancel)()
	}
}

// CancelAll aborts every in-flight delivery (session logout / shutdown).
func (s *Sender) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.active {
		for cancel := range set {
			(*cancel)()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstOf(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
