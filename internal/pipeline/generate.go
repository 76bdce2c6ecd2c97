package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giovanycoelho/respondergpt/internal/providers"
)

// generate walks the failover chain in configured order. Services whose
// breaker is open are skipped; the first successful completion wins. The
// attempted flag distinguishes "every circuit was open" (nothing was tried)
// from "backends were tried and all failed".
func (p *Pipeline) generate(ctx context.Context, ctxMsgs []providers.Message, message string) (reply, service string, attempted bool, err error) {
	ai := p.cfg.AISettings()

	order := ai.Failover
	byName := make(map[string]providers.Completer, p.chain.Len())
	for _, c := range p.chain.All() {
		byName[c.Name()] = c
	}
	if len(order) == 0 {
		order = p.chain.Names()
	}

	var lastErr error
	for _, name := range order {
		backend, ok := byName[name]
		if !ok {
			continue
		}

		if !p.breaker.Allow(name) {
			slog.Warn("pipeline: circuit open, skipping backend", "service", name)
			continue
		}

		attempted = true
		start := time.Now()

		genCtx, span := p.tracer.Start(ctx, "pipeline.generate",
			trace.WithAttributes(attribute.String("service", name)))

		req := providers.CompletionRequest{
			SystemPrompt: ai.SystemPrompt,
			History:      ctxMsgs,
			Message:      message,
			MaxTokens:    ai.MaxTokens,
			Temperature:  ai.Temperature,
		}
		if name == "gemini" && ai.GeminiModel != "" {
			req.Model = ai.GeminiModel
		} else if name == "openai" {
			req.Model = ai.Model
		}

		text, cerr := backend.Complete(genCtx, req)
		if cerr != nil {
			span.SetStatus(codes.Error, cerr.Error())
			span.End()
			// Timeouts and transport errors count identically.
			p.breaker.RecordFailure(name)
			slog.Warn("pipeline: backend call failed",
				"service", name,
				"elapsed", time.Since(start),
				"error", cerr,
			)
			lastErr = cerr
			continue
		}
		span.End()

		p.breaker.RecordSuccess(name)
		slog.Info("pipeline: reply generated",
			"service", name,
			"elapsed", time.Since(start),
			"reply_len", len(text),
		)
		return text, name, true, nil
	}

	if !attempted {
		return "", "", false, fmt.Errorf("%w: all circuits open", ErrUpstreamUnavailable)
	}
	return "", "", true, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}
