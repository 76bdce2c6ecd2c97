package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the responder gateway. Secrets are
// never persisted: API keys come from environment variables only.
//
// Mutable at runtime: admin POST /config and the file watcher both apply
// updates through Apply, so reads of hot sections go through the accessor
// methods below.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Bridge    BridgeConfig    `json:"bridge"`
	AI        AIConfig        `json:"ai"`
	Admission AdmissionConfig `json:"admission"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Audio     AudioConfig     `json:"audio,omitempty"`
	Calls     CallsConfig     `json:"calls,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the admin HTTP/WS surface.
type GatewayConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"` // from env RESPONDERGPT_ADMIN_TOKEN only
}

// BridgeConfig configures the WhatsApp bridge connection.
type BridgeConfig struct {
	URL        string `json:"url"`                   // ws:// endpoint of the bridge
	MaxRetries int    `json:"max_retries,omitempty"` // fast retries before slow backoff
}

// BreakerSettings configures one upstream service's circuit breaker.
type BreakerSettings struct {
	Threshold       int `json:"threshold"`
	CooldownSeconds int `json:"cooldown_seconds"`
}

// AIConfig configures reply generation.
type AIConfig struct {
	SystemPrompt string  `json:"system_prompt"`
	Model        string  `json:"model"`
	GeminiModel  string  `json:"gemini_model,omitempty"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`

	// Failover lists backend services in order; the first allowed by its
	// breaker handles the request.
	Failover []string `json:"failover,omitempty"`

	Breakers map[string]BreakerSettings `json:"breakers,omitempty"`

	OpenAIAPIKey  string `json:"-"` // env RESPONDERGPT_OPENAI_API_KEY
	GeminiAPIKey  string `json:"-"` // env RESPONDERGPT_GEMINI_API_KEY
	OpenAIAPIBase string `json:"openai_api_base,omitempty"`
	GeminiAPIBase string `json:"gemini_api_base,omitempty"`
}

// LoopSettings configures loop detection.
type LoopSettings struct {
	Window         int     `json:"window"`
	Threshold      int     `json:"threshold"`
	BlockSeconds   int     `json:"block_seconds"`
	MinSpanSeconds int     `json:"min_span_seconds"`
	Similarity     float64 `json:"similarity"`
}

// AdmissionConfig configures rate limiting and loop detection.
type AdmissionConfig struct {
	RateWindowSeconds int          `json:"rate_window_seconds"`
	RateMax           int          `json:"rate_max"`
	Loop              LoopSettings `json:"loop"`
	HistoryMax        int          `json:"history_max"`
}

// DeliveryConfig configures outbound pacing.
type DeliveryConfig struct {
	// ResponseDelaySeconds debounces inbound messages per chat before one
	// pipeline run handles the coalesced text.
	ResponseDelaySeconds int `json:"response_delay_seconds"`

	// EphemeralSingleMessage sends replies to disappearing-message chats as
	// one unit instead of paced fragments.
	EphemeralSingleMessage bool `json:"ephemeral_single_message"`

	// FallbackMessage is sent when every backend fails.
	FallbackMessage string `json:"fallback_message"`

	// SendsPerSecond throttles outbound bridge sends globally (0 = off).
	SendsPerSecond float64 `json:"sends_per_second,omitempty"`
}

// AudioConfig configures voice replies.
type AudioConfig struct {
	Responses bool   `json:"responses"`
	Voice     string `json:"voice,omitempty"`
	TTSModel  string `json:"tts_model,omitempty"`
}

// CallsConfig configures incoming-call handling.
type CallsConfig struct {
	Reject           bool   `json:"reject"`
	RejectionMessage string `json:"rejection_message,omitempty"`
}

// StoreConfig configures the local audit journal.
type StoreConfig struct {
	Path string `json:"path,omitempty"` // empty = audit journal disabled
}

// RetentionConfig bounds per-sender state in a long-running process.
type RetentionConfig struct {
	StateHours   int `json:"state_hours"`   // idle senders evicted after this
	SweepMinutes int `json:"sweep_minutes"` // sweep cadence
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP/HTTP collector
}

// Default returns a Config with the upstream defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 3000,
		},
		Bridge: BridgeConfig{
			URL:        "ws://127.0.0.1:3001/ws",
			MaxRetries: 3,
		},
		AI: AIConfig{
			SystemPrompt: "Você é um assistente útil do WhatsApp.",
			Model:        "gpt-4o-mini",
			GeminiModel:  "gemini-2.0-flash",
			MaxTokens:    300,
			Temperature:  0.7,
			Failover:     []string{"openai", "gemini"},
			Breakers: map[string]BreakerSettings{
				"openai": {Threshold: 5, CooldownSeconds: 30},
				"gemini": {Threshold: 5, CooldownSeconds: 30},
			},
		},
		Admission: AdmissionConfig{
			RateWindowSeconds: 60,
			RateMax:           10,
			Loop: LoopSettings{
				Window:         15,
				Threshold:      5,
				BlockSeconds:   120,
				MinSpanSeconds: 30,
				Similarity:     0.95,
			},
			HistoryMax: 20,
		},
		Delivery: DeliveryConfig{
			ResponseDelaySeconds:   10,
			EphemeralSingleMessage: true,
			FallbackMessage:        "Desculpe, estou com dificuldades técnicas no momento. Tente novamente em alguns minutos.",
			SendsPerSecond:         5,
		},
		Audio: AudioConfig{
			Voice:    "alloy",
			TTSModel: "gpt-4o-mini-tts",
		},
		Calls: CallsConfig{
			RejectionMessage: "Estou indisponível no momento. Por favor, deixe uma mensagem que responderei assim que possível.",
		},
		Store: StoreConfig{
			Path: "responder.db",
		},
		Retention: RetentionConfig{
			StateHours:   24,
			SweepMinutes: 10,
		},
	}
}

// AISettings returns a copy of the AI section.
func (c *Config) AISettings() AIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AI
}

// AdmissionSettings returns a copy of the admission section.
func (c *Config) AdmissionSettings() AdmissionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Admission
}

// DeliverySettings returns a copy of the delivery section.
func (c *Config) DeliverySettings() DeliveryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Delivery
}

// AudioSettings returns a copy of the audio section.
func (c *Config) AudioSettings() AudioConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Audio
}

// CallSettings returns a copy of the calls section.
func (c *Config) CallSettings() CallsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Calls
}

// RetentionSettings returns a copy of the retention section.
func (c *Config) RetentionSettings() RetentionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Retention
}

// StateRetention returns the idle-state eviction window as a duration.
func (r RetentionConfig) StateRetention() time.Duration {
	h := r.StateHours
	if h <= 0 {
		h = 24
	}
	return time.Duration(h) * time.Hour
}

// SweepInterval returns the sweep cadence as a duration.
func (r RetentionConfig) SweepInterval() time.Duration {
	m := r.SweepMinutes
	if m <= 0 {
		m = 10
	}
	return time.Duration(m) * time.Minute
}

// Apply merges the mutable sections of other into c under lock. Connection
// and secret fields (gateway bind, bridge URL, API keys, store path) are
// intentionally not hot-swappable.
func (c *Config) Apply(other *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := struct{ openai, gemini string }{c.AI.OpenAIAPIKey, c.AI.GeminiAPIKey}
	c.AI = other.AI
	c.AI.OpenAIAPIKey = keys.openai
	c.AI.GeminiAPIKey = keys.gemini

	c.Admission = other.Admission
	c.Delivery = other.Delivery
	c.Audio = other.Audio
	c.Calls = other.Calls
	c.Retention = other.Retention
}

// View returns a detached copy of the persistable configuration for
// serialization.
func (c *Config) View() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Gateway:   c.Gateway,
		Bridge:    c.Bridge,
		AI:        c.AI,
		Admission: c.Admission,
		Delivery:  c.Delivery,
		Audio:     c.Audio,
		Calls:     c.Calls,
		Store:     c.Store,
		Retention: c.Retention,
		Telemetry: c.Telemetry,
	}
}
