package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giovanycoelho/respondergpt/internal/bus"
	"github.com/giovanycoelho/respondergpt/internal/config"
	"github.com/giovanycoelho/respondergpt/internal/guard"
	"github.com/giovanycoelho/respondergpt/internal/history"
	"github.com/giovanycoelho/respondergpt/internal/humanize"
	"github.com/giovanycoelho/respondergpt/internal/media"
	"github.com/giovanycoelho/respondergpt/internal/providers"
)

type fakeCompleter struct {
	name  string
	reply string
	err   error

	mu      sync.Mutex
	calls   int
	lastReq providers.CompletionRequest
}

func (f *fakeCompleter) Name() string { return f.name }

func (f *fakeCompleter) Complete(_ context.Context, req providers.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	return f.reply, f.err
}

type fakeTransport struct {
	mu    sync.Mutex
	sends []string
	audio [][]byte
}

func (f *fakeTransport) Send(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	return nil
}

func (f *fakeTransport) SendAudio(_ context.Context, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, data)
	return nil
}

func (f *fakeTransport) SetPresence(context.Context, string, bus.PresenceState) error { return nil }

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

type testRig struct {
	cfg     *config.Config
	openai  *fakeCompleter
	gemini  *fakeCompleter
	tr      *fakeTransport
	breaker *guard.CircuitBreaker
	hist    *history.Manager
	pipe    *Pipeline
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	cfg := config.Default()

	openai := &fakeCompleter{name: "openai", reply: "Olá! Como posso ajudar?"}
	gemini := &fakeCompleter{name: "gemini", reply: "Resposta do gemini."}
	tr := &fakeTransport{}
	breaker := guard.NewCircuitBreaker(guard.DefaultBreakerConfig())
	hist := history.NewManager(20)

	instant := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	noJitter := func() time.Duration { return 0 }
	sender := humanize.NewSender(tr, 0, humanize.WithTiming(instant, noJitter))

	pipe := New(Deps{
		Config:      cfg,
		RateLimiter: guard.NewRateLimiter(time.Minute, 10),
		LoopDetect:  guard.NewLoopDetector(guard.DefaultLoopConfig()),
		Breaker:     breaker,
		History:     hist,
		Chain:       providers.NewChain(openai, gemini),
		Sender:      sender,
		Transport:   tr,
	})

	return &testRig{cfg: cfg, openai: openai, gemini: gemini, tr: tr, breaker: breaker, hist: hist, pipe: pipe}
}

func textEvent(id, sender, text string) bus.InboundEvent {
	return bus.InboundEvent{
		ID:         id,
		SenderKey:  sender,
		ChatID:     sender + "@s.whatsapp.net",
		Kind:       bus.ContentText,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func TestProcessHappyPath(t *testing.T) {
	rig := newTestRig(t)
	ev := textEvent("m1", "5511999999999", "oi, vocês estão abertos?")

	out := rig.pipe.Process(context.Background(), ev)

	if out.State != StateDone {
		t.Fatalf("state = %v (%v), want done", out.State, out.Err)
	}
	if out.Service != "openai" || out.Reply != rig.openai.reply {
		t.Errorf("outcome = %+v, want openai reply", out)
	}
	if rig.openai.calls != 1 {
		t.Errorf("openai called %d times, want 1", rig.openai.calls)
	}
	if rig.openai.lastReq.Message != ev.Text {
		t.Errorf("backend got message %q, want %q", rig.openai.lastReq.Message, ev.Text)
	}
	if rig.openai.lastReq.SystemPrompt == "" {
		t.Error("system prompt should be passed through")
	}

	msgs := rig.hist.Get(ev.ChatID)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("transcript = %+v, want one user and one assistant turn", msgs)
	}
	if len(rig.tr.sent()) == 0 {
		t.Error("reply was never delivered")
	}
}

func TestProcessDropsSelfEcho(t *testing.T) {
	rig := newTestRig(t)
	ev := textEvent("m1", "5511999999999", "resposta que nós mesmos enviamos")
	ev.FromSelf = true

	out := rig.pipe.Process(context.Background(), ev)

	if out.State != StateDropped || out.Reason != DropSelfEcho {
		t.Fatalf("outcome = %+v, want self-echo drop", out)
	}
	if rig.openai.calls != 0 {
		t.Error("self echo must never reach a backend")
	}
	if rig.hist.Get(ev.ChatID) != nil {
		t.Error("self echo must not enter the transcript")
	}
}

func TestProcessEnforcesRateLimit(t *testing.T) {
	rig := newTestRig(t)
	rig.pipe.limiter.SetLimits(time.Minute, 1)

	first := rig.pipe.Process(context.Background(), textEvent("m1", "sender", "primeira"))
	if first.State != StateDone {
		t.Fatalf("first message should pass, got %+v", first)
	}

	second := rig.pipe.Process(context.Background(), textEvent("m2", "sender", "segunda"))
	if second.State != StateDropped || second.Reason != DropRateLimited {
		t.Fatalf("outcome = %+v, want rate-limited drop", second)
	}
	if rig.openai.calls != 1 {
		t.Errorf("backend called %d times, want 1", rig.openai.calls)
	}
}

func TestProcessDropsDetectedLoop(t *testing.T) {
	rig := newTestRig(t)
	rig.pipe.loops.SetConfig(guard.LoopConfig{
		Window:        15,
		Threshold:     2,
		BlockDuration: 2 * time.Minute,
		MinTimeSpan:   0,
		SimilarityMin: 0.95,
	})

	base := time.Now()
	ev1 := textEvent("m1", "sender", "mesma mensagem")
	ev1.ReceivedAt = base
	if out := rig.pipe.Process(context.Background(), ev1); out.State != StateDone {
		t.Fatalf("first message should pass, got %+v", out)
	}

	ev2 := textEvent("m2", "sender", "mesma mensagem")
	ev2.ReceivedAt = base.Add(time.Second)
	out := rig.pipe.Process(context.Background(), ev2)
	if out.State != StateDropped || out.Reason != DropLoop {
		t.Fatalf("outcome = %+v, want loop drop", out)
	}
}

func TestProcessDropsEmptyContent(t *testing.T) {
	rig := newTestRig(t)

	out := rig.pipe.Process(context.Background(), textEvent("m1", "sender", "   "))
	if out.State != StateDropped || out.Reason != DropEmpty {
		t.Fatalf("outcome = %+v, want empty drop", out)
	}
}

func TestProcessFailsOverToSecondBackend(t *testing.T) {
	rig := newTestRig(t)
	rig.openai.err = errors.New("openai 500")

	out := rig.pipe.Process(context.Background(), textEvent("m1", "sender", "oi"))

	if out.State != StateDone || out.Service != "gemini" {
		t.Fatalf("outcome = %+v, want gemini reply", out)
	}
	if rig.openai.calls != 1 || rig.gemini.calls != 1 {
		t.Errorf("calls = openai:%d gemini:%d, want 1 each", rig.openai.calls, rig.gemini.calls)
	}
}

func TestProcessSkipsOpenCircuits(t *testing.T) {
	rig := newTestRig(t)
	rig.breaker.Configure("openai", guard.BreakerConfig{Threshold: 1, Cooldown: time.Minute})
	rig.breaker.RecordFailure("openai")

	out := rig.pipe.Process(context.Background(), textEvent("m1", "sender", "oi"))

	if out.State != StateDone || out.Service != "gemini" {
		t.Fatalf("outcome = %+v, want gemini reply", out)
	}
	if rig.openai.calls != 0 {
		t.Error("open-circuit backend must not be called")
	}
}

func TestProcessSilentDropWhenAllCircuitsOpen(t *testing.T) {
	rig := newTestRig(t)
	for _, svc := range []string{"openai", "gemini"} {
		rig.breaker.Configure(svc, guard.BreakerConfig{Threshold: 1, Cooldown: time.Minute})
		rig.breaker.RecordFailure(svc)
	}

	out := rig.pipe.Process(context.Background(), textEvent("m1", "sender", "oi"))

	if out.State != StateDropped || out.Reason != DropServiceUnavailable {
		t.Fatalf("outcome = %+v, want service-unavailable drop", out)
	}
	if !errors.Is(out.Err, ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", out.Err)
	}
	if len(rig.tr.sent()) != 0 {
		t.Error("nothing should be delivered while every circuit is open")
	}
}

func TestProcessDeliversFallbackWhenAllBackendsFail(t *testing.T) {
	rig := newTestRig(t)
	rig.openai.err = errors.New("openai down")
	rig.gemini.err = errors.New("gemini down")

	out := rig.pipe.Process(context.Background(), textEvent("m1", "sender", "oi"))

	if out.State != StateFailed {
		t.Fatalf("outcome = %+v, want failed", out)
	}
	sends := rig.tr.sent()
	if len(sends) != 1 || sends[0] != rig.cfg.DeliverySettings().FallbackMessage {
		t.Errorf("sends = %v, want the fallback message", sends)
	}
	// The failed exchange must not pollute future context with a phantom
	// assistant turn.
	for _, m := range rig.hist.Get("sender@s.whatsapp.net") {
		if m.Role == "assistant" {
			t.Error("no assistant turn should be recorded on failure")
		}
	}
}

func TestProcessDegradesAudioToPlaceholder(t *testing.T) {
	rig := newTestRig(t)
	ev := textEvent("m1", "sender", "")
	ev.Kind = bus.ContentAudio
	ev.Media = []byte{0x01}
	ev.MimeType = "audio/ogg"

	out := rig.pipe.Process(context.Background(), ev)

	if out.State != StateDone {
		t.Fatalf("outcome = %+v, want done", out)
	}
	if rig.openai.lastReq.Message != media.AudioPlaceholder {
		t.Errorf("backend got %q, want the audio placeholder", rig.openai.lastReq.Message)
	}
}

func TestProcessEphemeralDeliveredAsOneUnit(t *testing.T) {
	rig := newTestRig(t)
	rig.openai.reply = "Primeira frase. Segunda frase. Terceira frase."
	ev := textEvent("m1", "sender", "oi")
	ev.Ephemeral = true

	out := rig.pipe.Process(context.Background(), ev)

	if out.State != StateDone {
		t.Fatalf("outcome = %+v, want done", out)
	}
	sends := rig.tr.sent()
	if len(sends) != 1 {
		t.Fatalf("got %d sends, want 1 for an ephemeral chat", len(sends))
	}
	if sends[0] != rig.openai.reply {
		t.Errorf("sent %q, want the unfragmented reply", sends[0])
	}
}

func TestRespondTrimsTrailingUserRunFromContext(t *testing.T) {
	rig := newTestRig(t)
	chat := "sender@s.whatsapp.net"

	rig.pipe.Process(context.Background(), textEvent("m1", "sender", "oi"))
	rig.pipe.Process(context.Background(), textEvent("m2", "sender", "tudo bem?"))

	req := rig.openai.lastReq
	if len(req.History) != 2 {
		t.Fatalf("context = %+v, want the first exchange only", req.History)
	}
	if req.History[1].Role != "assistant" {
		t.Errorf("context should end with the assistant turn, got %+v", req.History)
	}

	// The full transcript still carries all four turns.
	if got := len(rig.hist.Get(chat)); got != 4 {
		t.Errorf("transcript has %d turns, want 4", got)
	}
}

func TestStatsCountOutcomes(t *testing.T) {
	rig := newTestRig(t)

	rig.pipe.Process(context.Background(), textEvent("m1", "sender", "oi"))
	ev := textEvent("m2", "sender", "eco")
	ev.FromSelf = true
	rig.pipe.Process(context.Background(), ev)

	stats := rig.pipe.Stats()
	if stats.Messages != 2 {
		t.Errorf("messages = %d, want 2", stats.Messages)
	}
	if stats.Replies != 1 {
		t.Errorf("replies = %d, want 1", stats.Replies)
	}
	if stats.Drops[string(DropSelfEcho)] != 1 {
		t.Errorf("drops = %v, want one self-echo", stats.Drops)
	}
}

type slowTranscriber struct {
	delay time.Duration
	text  string
}

func (s *slowTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	time.Sleep(s.delay)
	return s.text, nil
}

func audioEvent(id, sender string) bus.InboundEvent {
	ev := textEvent(id, sender, "")
	ev.Kind = bus.ContentAudio
	ev.Media = []byte{0x01}
	ev.MimeType = "audio/ogg"
	return ev
}

func TestDispatcherKeepsSameChatArrivalOrder(t *testing.T) {
	rig := newTestRig(t)
	rig.pipe.transcriber = &slowTranscriber{delay: 150 * time.Millisecond, text: "transcrição do áudio"}
	disp := NewDispatcher(NewCoalescer(rig.pipe, func() time.Duration { return time.Hour }))

	// A slow audio message followed shortly by a text: the text must not
	// overtake the transcription in the transcript.
	ctx := context.Background()
	disp.Enqueue(ctx, audioEvent("m1", "sender"))
	time.Sleep(10 * time.Millisecond)
	disp.Enqueue(ctx, textEvent("m2", "sender", "segunda mensagem"))

	chat := "sender@s.whatsapp.net"
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := rig.hist.Get(chat)
		if len(msgs) == 2 {
			if msgs[0].Content != "transcrição do áudio" || msgs[1].Content != "segunda mensagem" {
				t.Fatalf("transcript order = [%q, %q], want transcription first",
					msgs[0].Content, msgs[1].Content)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript incomplete: %+v", msgs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherRunsDistinctChatsConcurrently(t *testing.T) {
	rig := newTestRig(t)
	rig.pipe.transcriber = &slowTranscriber{delay: 500 * time.Millisecond, text: "transcrição"}
	disp := NewDispatcher(NewCoalescer(rig.pipe, func() time.Duration { return time.Hour }))

	ctx := context.Background()
	disp.Enqueue(ctx, audioEvent("m1", "chat-a"))
	disp.Enqueue(ctx, textEvent("m2", "chat-b", "oi"))

	// chat-b must land well before chat-a's transcription finishes.
	deadline := time.Now().Add(250 * time.Millisecond)
	for {
		if len(rig.hist.Get("chat-b@s.whatsapp.net")) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("independent chat blocked behind a slow one")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoalescerMergesBurstIntoOneReply(t *testing.T) {
	rig := newTestRig(t)
	co := NewCoalescer(rig.pipe, func() time.Duration { return 30 * time.Millisecond })

	ctx := context.Background()
	ev1 := textEvent("m1", "sender", "primeira parte")
	ev2 := textEvent("m2", "sender", "segunda parte")

	if out := co.Offer(ctx, ev1); out.State != StateDone {
		t.Fatalf("first offer = %+v", out)
	}
	if out := co.Offer(ctx, ev2); out.State != StateDone {
		t.Fatalf("second offer = %+v", out)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rig.openai.mu.Lock()
		calls, last := rig.openai.calls, rig.openai.lastReq
		rig.openai.mu.Unlock()
		if calls > 0 {
			if calls != 1 {
				t.Fatalf("backend called %d times, want 1 coalesced call", calls)
			}
			want := "primeira parte\nsegunda parte"
			if last.Message != want {
				t.Errorf("coalesced message = %q, want %q", last.Message, want)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("coalesced reply never generated")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoalescerFlushDrainsPending(t *testing.T) {
	rig := newTestRig(t)
	co := NewCoalescer(rig.pipe, func() time.Duration { return time.Hour })

	ctx := context.Background()
	co.Offer(ctx, textEvent("m1", "sender", "pendente"))

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	co.Flush(flushCtx)

	if rig.openai.calls != 1 {
		t.Errorf("backend called %d times after Flush, want 1", rig.openai.calls)
	}
	if !strings.Contains(rig.openai.lastReq.Message, "pendente") {
		t.Errorf("flushed message = %q", rig.openai.lastReq.Message)
	}
}
