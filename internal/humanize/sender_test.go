package humanize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giovanycoelho/respondergpt/internal/bus"
)

type fakeTransport struct {
	mu        sync.Mutex
	sends     []string
	presences []bus.PresenceState
	sendErr   error
}

func (f *fakeTransport) Send(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	return f.sendErr
}

func (f *fakeTransport) SendAudio(_ context.Context, _ string, _ []byte) error { return nil }

func (f *fakeTransport) SetPresence(_ context.Context, _ string, state bus.PresenceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, state)
	return nil
}

// newTestSender returns a sender with sleeps and jitter zeroed out.
func newTestSender(tr bus.Transport) *Sender {
	s := NewSender(tr, 0)
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	s.jitter = func() time.Duration { return 0 }
	return s
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"Hi. How are you? Great!", []string{"Hi", "How are you", "Great"}},
		{"no terminal punctuation", []string{"no terminal punctuation"}},
		{"trailing dot.", []string{"trailing dot"}},
		{"..!?", nil},
		{"", nil},
	}

	for _, tt := range tests {
		got := SplitSentences(tt.text)
		if len(got) != len(tt.want) {
			t.Errorf("SplitSentences(%q) = %v, want %v", tt.text, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SplitSentences(%q)[%d] = %q, want %q", tt.text, i, got[i], tt.want[i])
			}
		}
	}
}

func TestTypingDelayBounds(t *testing.T) {
	if d := TypingDelay("oi"); d != minTypingDelay {
		t.Errorf("short fragment delay = %v, want the %v floor", d, minTypingDelay)
	}
	// 100 chars × 50ms = 5s, above the floor.
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	if d := TypingDelay(string(long)); d != 100*perCharDelay {
		t.Errorf("long fragment delay = %v, want %v", d, 100*perCharDelay)
	}
}

func TestDeliverSendsEachFragment(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSender(tr)

	if err := s.Deliver(context.Background(), "chat", "Hi. How are you? Great!", Options{}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if len(tr.sends) != 3 {
		t.Fatalf("got %d sends, want 3", len(tr.sends))
	}
	if tr.sends[0] != "Hi" || tr.sends[2] != "Great" {
		t.Errorf("fragments = %v", tr.sends)
	}
	// Composing before each fragment, paused once at the end.
	if len(tr.presences) != 4 {
		t.Fatalf("got %d presence updates, want 4", len(tr.presences))
	}
	if tr.presences[0] != bus.PresenceComposing || tr.presences[3] != bus.PresencePaused {
		t.Errorf("presences = %v", tr.presences)
	}
}

func TestDeliverEphemeralSingleUnit(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSender(tr)

	text := "First. Second. Third."
	if err := s.Deliver(context.Background(), "chat", text, Options{Ephemeral: true}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if len(tr.sends) != 1 {
		t.Fatalf("got %d sends, want 1", len(tr.sends))
	}
	if tr.sends[0] != text {
		t.Errorf("sent %q, want the full text", tr.sends[0])
	}
	if len(tr.presences) != 0 {
		t.Errorf("ephemeral delivery should not simulate typing, got %v", tr.presences)
	}
}

func TestDeliverEmptyTextIsNoop(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSender(tr)

	if err := s.Deliver(context.Background(), "chat", "   ", Options{}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(tr.sends) != 0 {
		t.Errorf("got %d sends for blank text, want 0", len(tr.sends))
	}
}

func TestDeliverContinuesAfterFragmentFailure(t *testing.T) {
	sendErr := errors.New("bridge down")
	tr := &fakeTransport{sendErr: sendErr}
	s := newTestSender(tr)

	err := s.Deliver(context.Background(), "chat", "One. Two.", Options{})
	if !errors.Is(err, sendErr) {
		t.Fatalf("Deliver error = %v, want the send error", err)
	}
	if len(tr.sends) != 2 {
		t.Errorf("got %d send attempts, want 2; failures must not abort the rest", len(tr.sends))
	}
}

func TestCancelChatAbortsDelivery(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSender(tr, 0)
	s.jitter = func() time.Duration { return 0 }

	started := make(chan struct{})
	var once sync.Once
	s.sleep = func(ctx context.Context, _ time.Duration) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Deliver(context.Background(), "chat", "One. Two. Three.", Options{})
	}()

	<-started
	s.CancelChat("chat")

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Deliver error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver did not return after CancelChat")
	}
	if len(tr.sends) != 0 {
		t.Errorf("got %d sends after cancellation, want 0", len(tr.sends))
	}
}
