package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Admission.RateMax != 10 || cfg.Admission.RateWindowSeconds != 60 {
		t.Errorf("rate defaults = %d/%ds, want 10/60s", cfg.Admission.RateMax, cfg.Admission.RateWindowSeconds)
	}
	if cfg.AI.Model != "gpt-4o-mini" {
		t.Errorf("default model = %q, want gpt-4o-mini", cfg.AI.Model)
	}
	if cfg.Delivery.ResponseDelaySeconds != 10 {
		t.Errorf("default response delay = %d, want 10", cfg.Delivery.ResponseDelaySeconds)
	}
}

func TestLoadOverlaysJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// comments and trailing commas are fine
		ai: { model: "gpt-4o", max_tokens: 500, },
		admission: { rate_max: 3, rate_window_seconds: 60 },
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AI.Model != "gpt-4o" || cfg.AI.MaxTokens != 500 {
		t.Errorf("ai overlay not applied: %+v", cfg.AI)
	}
	if cfg.Admission.RateMax != 3 {
		t.Errorf("rate_max = %d, want 3", cfg.Admission.RateMax)
	}
	// Untouched sections keep their defaults.
	if cfg.Delivery.ResponseDelaySeconds != 10 {
		t.Errorf("delivery default lost: %d", cfg.Delivery.ResponseDelaySeconds)
	}
}

func TestLoadPullsSecretsFromEnv(t *testing.T) {
	t.Setenv(EnvOpenAIKey, "sk-test")
	t.Setenv(EnvAdminToken, "secret-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AI.OpenAIAPIKey != "sk-test" {
		t.Error("OpenAI key not read from environment")
	}
	if cfg.Gateway.Token != "secret-token" {
		t.Error("admin token not read from environment")
	}
}

func TestApplyPreservesSecrets(t *testing.T) {
	cfg := Default()
	cfg.AI.OpenAIAPIKey = "sk-live"
	cfg.AI.GeminiAPIKey = "gm-live"

	incoming := Default()
	incoming.AI.Model = "gpt-4o"
	incoming.Admission.RateMax = 2

	cfg.Apply(incoming)

	ai := cfg.AISettings()
	if ai.Model != "gpt-4o" {
		t.Errorf("model = %q after Apply, want gpt-4o", ai.Model)
	}
	if ai.OpenAIAPIKey != "sk-live" || ai.GeminiAPIKey != "gm-live" {
		t.Error("Apply must keep the env-loaded API keys")
	}
	if cfg.AdmissionSettings().RateMax != 2 {
		t.Errorf("rate_max = %d after Apply, want 2", cfg.AdmissionSettings().RateMax)
	}
}

func TestSaveOmitsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.AI.OpenAIAPIKey = "sk-live"
	cfg.Gateway.Token = "secret-token"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-live") || strings.Contains(string(data), "secret-token") {
		t.Error("secrets must never be persisted to the config file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.AI.Model = "gpt-4o"
	cfg.Delivery.ResponseDelaySeconds = 3
	cfg.Calls.Reject = true

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.AI.Model != "gpt-4o" || loaded.Delivery.ResponseDelaySeconds != 3 || !loaded.Calls.Reject {
		t.Errorf("round trip lost settings: %+v", loaded.View())
	}
}

func TestRetentionDurations(t *testing.T) {
	r := RetentionConfig{StateHours: 0, SweepMinutes: 0}
	if r.StateRetention().Hours() != 24 {
		t.Errorf("zero StateHours should default to 24h, got %v", r.StateRetention())
	}
	if r.SweepInterval().Minutes() != 10 {
		t.Errorf("zero SweepMinutes should default to 10m, got %v", r.SweepInterval())
	}
}
