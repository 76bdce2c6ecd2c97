package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/giovanycoelho/respondergpt/internal/bus"
	"github.com/giovanycoelho/respondergpt/internal/config"
	"github.com/giovanycoelho/respondergpt/internal/gateway"
	"github.com/giovanycoelho/respondergpt/internal/guard"
	"github.com/giovanycoelho/respondergpt/internal/history"
	"github.com/giovanycoelho/respondergpt/internal/humanize"
	"github.com/giovanycoelho/respondergpt/internal/media"
	"github.com/giovanycoelho/respondergpt/internal/pipeline"
	"github.com/giovanycoelho/respondergpt/internal/providers"
	"github.com/giovanycoelho/respondergpt/internal/store"
	"github.com/giovanycoelho/respondergpt/internal/telemetry"
	"github.com/giovanycoelho/respondergpt/internal/tts"
	"github.com/giovanycoelho/respondergpt/internal/wabridge"
	"github.com/giovanycoelho/respondergpt/pkg/protocol"
)

// Inbound dedupe bounds: bridge reconnects can replay recent messages.
const (
	dedupeTTL = 20 * time.Minute
	dedupeMax = 5000
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	msgBus := bus.New()

	// Warnings and errors are mirrored to admin WS clients as a log tail.
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(gateway.NewEventLogHandler(textHandler, msgBus)))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ai := cfg.AISettings()
	if ai.OpenAIAPIKey == "" && ai.GeminiAPIKey == "" {
		fmt.Println("No AI API key found. Set one and restart:")
		fmt.Println()
		fmt.Printf("  export %s=sk-...\n", config.EnvOpenAIKey)
		fmt.Println()
		fmt.Println("Or run the setup wizard:  respondergpt onboard")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	// Admission guards from config.
	adm := cfg.AdmissionSettings()
	limiter := guard.NewRateLimiter(time.Duration(adm.RateWindowSeconds)*time.Second, adm.RateMax)
	loops := guard.NewLoopDetector(loopConfigFrom(adm.Loop))
	hist := history.NewManager(adm.HistoryMax)

	breaker := guard.NewCircuitBreaker(guard.DefaultBreakerConfig())
	configureBreakers(breaker, cfg)
	breaker.OnTransition(
		func(service string) {
			msgBus.Broadcast(bus.Event{Name: protocol.EventBreakerOpened, Payload: map[string]string{"service": service}})
		},
		func(service string) {
			msgBus.Broadcast(bus.Event{Name: protocol.EventBreakerClosed, Payload: map[string]string{"service": service}})
		},
	)

	// AI backends in failover order; only keyed services join the chain.
	var completers []providers.Completer
	if ai.OpenAIAPIKey != "" {
		completers = append(completers, providers.NewOpenAIProvider(ai.OpenAIAPIKey, ai.OpenAIAPIBase, ai.Model))
	}
	if ai.GeminiAPIKey != "" {
		completers = append(completers, providers.NewGeminiProvider(ai.GeminiAPIKey, ai.GeminiAPIBase, ai.GeminiModel))
	}
	chain := providers.NewChain(completers...)
	slog.Info("ai backends configured", "services", chain.Names())

	// Media understanding and voice replies ride on the OpenAI key.
	var transcriber media.Transcriber
	var describer media.Describer
	var speaker pipeline.Speaker
	if ai.OpenAIAPIKey != "" {
		transcriber = media.NewWhisperTranscriber(ai.OpenAIAPIKey, ai.OpenAIAPIBase, "")
		describer = media.NewVisionDescriber(ai.OpenAIAPIKey, ai.OpenAIAPIBase, ai.Model)
		speaker = tts.New(ai.OpenAIAPIKey)
	}

	var journal *store.Store
	if path := cfg.Store.Path; path != "" {
		journal, err = store.Open(path)
		if err != nil {
			slog.Error("failed to open audit journal", "path", path, "error", err)
			os.Exit(1)
		}
		defer journal.Close()
	}

	// The sender cancels in-flight deliveries on logout, but it needs the
	// bridge as transport first; resolve the cycle with a late binding.
	var sender *humanize.Sender
	bridge, err := wabridge.New(cfg, msgBus,
		func(state wabridge.ConnState, phone string) {
			msgBus.Broadcast(bus.Event{
				Name: protocol.EventConnectionStatus,
				Payload: protocol.ConnectionStatusPayload{
					State:       state.String(),
					PhoneNumber: phone,
				},
			})
		},
		func() {
			if sender != nil {
				sender.CancelAll()
			}
		},
	)
	if err != nil {
		slog.Error("failed to create bridge client", "error", err)
		os.Exit(1)
	}
	sender = humanize.NewSender(bridge, cfg.DeliverySettings().SendsPerSecond)

	deps := pipeline.Deps{
		Config:      cfg,
		RateLimiter: limiter,
		LoopDetect:  loops,
		Breaker:     breaker,
		History:     hist,
		Chain:       chain,
		Transcriber: transcriber,
		Describer:   describer,
		Sender:      sender,
		Transport:   bridge,
		Events:      msgBus,
		Speaker:     speaker,
	}
	if journal != nil {
		deps.Journal = journal
	}
	pipe := pipeline.New(deps)

	coalescer := pipeline.NewCoalescer(pipe, func() time.Duration {
		return time.Duration(cfg.DeliverySettings().ResponseDelaySeconds) * time.Second
	})

	// Hot config: both the file watcher and admin POST /config re-apply
	// guard settings through the config.updated event.
	applyGuards := func() {
		adm := cfg.AdmissionSettings()
		limiter.SetLimits(time.Duration(adm.RateWindowSeconds)*time.Second, adm.RateMax)
		loops.SetConfig(loopConfigFrom(adm.Loop))
		configureBreakers(breaker, cfg)
	}
	msgBus.Subscribe("serve-guards", func(ev bus.Event) {
		if ev.Name == protocol.EventConfigUpdated {
			applyGuards()
		}
	})
	go func() {
		if err := config.Watch(ctx, cfg, cfgPath, func() {
			applyGuards()
			msgBus.Broadcast(bus.Event{Name: protocol.EventConfigUpdated})
		}); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	// Consumer: dedupe, then dispatch. The dispatcher keeps one chat's
	// events in arrival order; distinct chats proceed concurrently.
	dedupe := bus.NewDedupeCache(dedupeTTL, dedupeMax)
	dispatcher := pipeline.NewDispatcher(coalescer)
	go func() {
		slog.Info("inbound consumer started")
		for {
			ev, ok := msgBus.ConsumeInbound(ctx)
			if !ok {
				slog.Info("inbound consumer stopped")
				return
			}
			if ev.ID != "" && dedupe.Seen(ev.ID) {
				slog.Debug("skipping duplicate inbound event", "id", ev.ID)
				continue
			}
			dispatcher.Enqueue(ctx, ev)
		}
	}()

	// Retention: evict idle per-sender state so memory stays bounded.
	go func() {
		ret := cfg.RetentionSettings()
		ticker := time.NewTicker(ret.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				cutoff := now.Add(-cfg.RetentionSettings().StateRetention())
				evicted := limiter.Sweep(cutoff) + loops.Sweep(cutoff) + hist.Sweep(cutoff)
				bridge.Sweep(now)
				if journal != nil {
					if _, err := journal.Prune(ctx, cutoff); err != nil {
						slog.Warn("journal prune failed", "error", err)
					}
				}
				if evicted > 0 {
					slog.Debug("state sweep", "evicted", evicted)
				}
			}
		}
	}()

	if err := bridge.Start(ctx); err != nil {
		slog.Error("failed to start bridge client", "error", err)
		os.Exit(1)
	}

	adminSrv := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		ConfigPath: cfgPath,
		Events:     msgBus,
		Pipeline:   pipe,
		Breaker:    breaker,
		Bridge:     bridge,
		Journal:    journal,
	})

	if err := adminSrv.Start(ctx); err != nil {
		slog.Error("admin server failed", "error", err)
	}

	// Graceful drain: answer coalesced chats, then stop delivering.
	msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coalescer.Flush(drainCtx)
	sender.CancelAll()
	_ = bridge.Stop(drainCtx)

	slog.Info("respondergpt stopped")
}

func loopConfigFrom(s config.LoopSettings) guard.LoopConfig {
	cfg := guard.DefaultLoopConfig()
	if s.Window > 0 {
		cfg.Window = s.Window
	}
	if s.Threshold > 0 {
		cfg.Threshold = s.Threshold
	}
	if s.BlockSeconds > 0 {
		cfg.BlockDuration = time.Duration(s.BlockSeconds) * time.Second
	}
	if s.MinSpanSeconds > 0 {
		cfg.MinTimeSpan = time.Duration(s.MinSpanSeconds) * time.Second
	}
	if s.Similarity > 0 {
		cfg.SimilarityMin = s.Similarity
	}
	return cfg
}

func configureBreakers(breaker *guard.CircuitBreaker, cfg *config.Config) {
	for service, bs := range cfg.AISettings().Breakers {
		breaker.Configure(service, guard.BreakerConfig{
			Threshold: bs.Threshold,
			Cooldown:  time.Duration(bs.CooldownSeconds) * time.Second,
		})
	}
}
