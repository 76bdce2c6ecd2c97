// Package pipeline orchestrates message admission and reply delivery:
// admit → normalize → loop check → context build → generate → humanized
// delivery. Independent chats run concurrently; events for one chat are
// serialized in arrival order by the Dispatcher.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giovanycoelho/respondergpt/internal/bus"
	"github.com/giovanycoelho/respondergpt/internal/config"
	"github.com/giovanycoelho/respondergpt/internal/guard"
	"github.com/giovanycoelho/respondergpt/internal/history"
	"github.com/giovanycoelho/respondergpt/internal/humanize"
	"github.com/giovanycoelho/respondergpt/internal/media"
	"github.com/giovanycoelho/respondergpt/internal/providers"
	"github.com/giovanycoelho/respondergpt/pkg/protocol"
)

// Journal persists pipeline outcomes for the admin surface. Implemented by
// the sqlite audit store; nil disables journaling.
type Journal interface {
	RecordOutcome(eventID, senderKey, chatID string, state State, reason DropReason, service string)
}

// Speaker synthesizes a reply as audio for voice responses. Nil disables
// voice replies regardless of config.
type Speaker interface {
	Synthesize(ctx context.Context, text, voice, model string) ([]byte, error)
}

// Pipeline wires the admission guards, content collaborators, AI backends
// and the humanized sender into one per-event state machine.
type Pipeline struct {
	cfg     *config.Config
	limiter *guard.RateLimiter
	loops   *guard.LoopDetector
	breaker *guard.CircuitBreaker
	hist    *history.Manager
	chain   *providers.Chain

	transcriber media.Transcriber
	describer   media.Describer

	sender    *humanize.Sender
	transport bus.Transport
	events    bus.EventPublisher
	journal   Journal
	speaker   Speaker

	counters *Counters
	tracer   trace.Tracer
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Config      *config.Config
	RateLimiter *guard.RateLimiter
	LoopDetect  *guard.LoopDetector
	Breaker     *guard.CircuitBreaker
	History     *history.Manager
	Chain       *providers.Chain
	Transcriber media.Transcriber
	Describer   media.Describer
	Sender      *humanize.Sender
	Transport   bus.Transport
	Events      bus.EventPublisher
	Journal     Journal
	Speaker     Speaker
}

func New(d Deps) *Pipeline {
	return &Pipeline{
		cfg:         d.Config,
		limiter:     d.RateLimiter,
		loops:       d.LoopDetect,
		breaker:     d.Breaker,
		hist:        d.History,
		chain:       d.Chain,
		transcriber: d.Transcriber,
		describer:   d.Describer,
		sender:      d.Sender,
		transport:   d.Transport,
		events:      d.Events,
		journal:     d.Journal,
		speaker:     d.Speaker,
		counters:    newCounters(),
		tracer:      otel.Tracer("respondergpt/pipeline"),
	}
}

// Stats returns the current counters snapshot.
func (p *Pipeline) Stats() StatsSnapshot { return p.counters.Snapshot() }

// Ingest runs the admission half of the state machine for one inbound
// event: self-echo drop, rate limit, content normalization, loop detection,
// transcript append. It returns the normalized text when the event survived
// and should be answered.
func (p *Pipeline) Ingest(ctx context.Context, ev bus.InboundEvent) (string, Outcome) {
	ctx, span := p.tracer.Start(ctx, "pipeline.ingest",
		trace.WithAttributes(attribute.String("sender", ev.SenderKey)))
	defer span.End()

	p.counters.recordMessage()

	if ev.FromSelf {
		return "", p.finish(ev, dropped(DropSelfEcho))
	}

	now := ev.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	if !p.limiter.Admit(ev.SenderKey, now) {
		slog.Warn("pipeline: rate limit exceeded", "sender", ev.SenderKey)
		return "", p.finish(ev, Outcome{State: StateDropped, Reason: DropRateLimited, Err: ErrRateLimited})
	}

	text := p.normalize(ctx, ev)
	if strings.TrimSpace(text) == "" {
		return "", p.finish(ev, dropped(DropEmpty))
	}

	if p.loops.IsLoop(ev.SenderKey, text, now) {
		slog.Warn("pipeline: message loop detected, skipping", "sender", ev.SenderKey)
		return "", p.finish(ev, Outcome{State: StateDropped, Reason: DropLoop, Err: ErrLoopDetected})
	}

	p.hist.Append(ev.ChatID, "user", text)
	return text, Outcome{State: StateDone}
}

// normalize maps raw event content to text. Audio and image failures degrade
// to placeholders; a collaborator can never fail the pipeline.
func (p *Pipeline) normalize(ctx context.Context, ev bus.InboundEvent) string {
	switch ev.Kind {
	case bus.ContentText:
		return ev.Text

	case bus.ContentAudio:
		if p.transcriber == nil {
			return media.AudioPlaceholder
		}
		text, err := p.transcriber.Transcribe(ctx, ev.Media, ev.MimeType)
		if err != nil || strings.TrimSpace(text) == "" {
			if err != nil {
				slog.Warn("pipeline: transcription failed, using placeholder",
					"sender", ev.SenderKey, "error", err)
			}
			return media.AudioPlaceholder
		}
		return text

	case bus.ContentImage:
		if p.describer == nil {
			return media.ImagePlaceholder
		}
		desc, err := p.describer.Describe(ctx, ev.Media, ev.MimeType)
		if err != nil || strings.TrimSpace(desc) == "" {
			if err != nil {
				slog.Warn("pipeline: image description failed, using placeholder",
					"sender", ev.SenderKey, "error", err)
			}
			return media.ImagePlaceholder
		}
		return media.ImagePrefix + desc

	default:
		return ev.Text
	}
}

// Respond runs the reply half for a chat whose pending user turns are
// already in the transcript: build context, generate through the breaker-
// guarded chain, append the assistant turn, deliver humanized.
func (p *Pipeline) Respond(ctx context.Context, ev bus.InboundEvent, message string) Outcome {
	ctx, span := p.tracer.Start(ctx, "pipeline.respond",
		trace.WithAttributes(attribute.String("chat", ev.ChatID)))
	defer span.End()

	// The transcript already ends with the user turns for this run; context
	// is everything before them, and message carries them explicitly.
	snapshot := p.hist.Get(ev.ChatID)
	ctxMsgs := trimTrailingUserRun(snapshot)

	reply, service, attempted, err := p.generate(ctx, ctxMsgs, message)
	if err != nil {
		p.counters.recordError()

		if !attempted {
			// Every configured backend was open-circuit: silent drop.
			return p.finish(ev, Outcome{State: StateDropped, Reason: DropServiceUnavailable, Err: err})
		}

		// Total generation failure: still attempt a user-visible fallback.
		if fallback := p.cfg.DeliverySettings().FallbackMessage; fallback != "" {
			if derr := p.sender.Deliver(ctx, ev.ChatID, fallback, humanize.Options{Ephemeral: true}); derr != nil {
				slog.Warn("pipeline: fallback delivery failed", "chat_id", ev.ChatID, "error", derr)
			}
		}
		return p.finish(ev, Outcome{State: StateFailed, Err: err})
	}

	p.hist.Append(ev.ChatID, "assistant", reply)

	single := ev.Ephemeral && p.cfg.DeliverySettings().EphemeralSingleMessage
	if derr := p.sender.Deliver(ctx, ev.ChatID, reply, humanize.Options{Ephemeral: single}); derr != nil {
		// Delivery is at-most-once best-effort: log, count, move on.
		slog.Warn("pipeline: delivery failed", "chat_id", ev.ChatID, "error", derr)
		p.counters.recordError()
	}

	p.maybeSpeak(ctx, ev.ChatID, reply)

	p.counters.recordReply()
	return p.finish(ev, Outcome{State: StateDone, Service: service, Reply: reply})
}

// Process runs both halves back to back. The serve path uses the coalescer
// between them; Process is the direct path (responseDelay=0) and the one
// tests exercise.
func (p *Pipeline) Process(ctx context.Context, ev bus.InboundEvent) Outcome {
	text, out := p.Ingest(ctx, ev)
	if text == "" {
		return out
	}
	return p.Respond(ctx, ev, text)
}

// maybeSpeak synthesizes and sends a voice note for the reply when voice
// responses are enabled. Never fatal.
func (p *Pipeline) maybeSpeak(ctx context.Context, chatID, reply string) {
	audio := p.cfg.AudioSettings()
	if !audio.Responses || p.speaker == nil {
		return
	}
	data, err := p.speaker.Synthesize(ctx, reply, audio.Voice, audio.TTSModel)
	if err != nil {
		slog.Warn("pipeline: speech synthesis failed", "chat_id", chatID, "error", err)
		return
	}
	if err := p.transport.SendAudio(ctx, chatID, data); err != nil {
		slog.Warn("pipeline: voice note send failed", "chat_id", chatID, "error", err)
	}
}

// finish counts, journals, and broadcasts the outcome, then returns it.
func (p *Pipeline) finish(ev bus.InboundEvent, out Outcome) Outcome {
	switch out.State {
	case StateDropped:
		p.counters.recordDrop(out.Reason)
	case StateFailed:
		// already counted at the failure site
	}

	if p.journal != nil {
		p.journal.RecordOutcome(ev.ID, ev.SenderKey, ev.ChatID, out.State, out.Reason, out.Service)
	}

	if p.events != nil {
		name := protocol.EventMessageProcessed
		switch out.State {
		case StateDropped:
			name = protocol.EventMessageDropped
		case StateFailed:
			name = protocol.EventMessageFailed
		}
		p.events.Broadcast(bus.Event{Name: name, Payload: protocol.MessagePayload{
			EventID:   ev.ID,
			SenderKey: ev.SenderKey,
			ChatID:    ev.ChatID,
			State:     string(out.State),
			Reason:    string(out.Reason),
			Service:   out.Service,
		}})
	}
	return out
}

// trimTrailingUserRun drops the trailing run of user turns: those are the
// current (possibly coalesced) message, passed to the backend explicitly,
// and must not appear in the context twice.
func trimTrailingUserRun(msgs []providers.Message) []providers.Message {
	n := len(msgs)
	for n > 0 && msgs[n-1].Role == "user" {
		n--
	}
	return msgs[:n]
}
