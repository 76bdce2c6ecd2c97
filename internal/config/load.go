package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Env variable names for secrets. Secrets never live in the config file.
const (
	EnvOpenAIKey  = "RESPONDERGPT_OPENAI_API_KEY"
	EnvGeminiKey  = "RESPONDERGPT_GEMINI_API_KEY"
	EnvAdminToken = "RESPONDERGPT_ADMIN_TOKEN"
)

// Load reads the config file (JSON5: comments and trailing commas allowed),
// overlays it on the defaults, and pulls secrets from the environment.
// A missing file yields defaults plus env secrets, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run: defaults only.
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.AI.OpenAIAPIKey = os.Getenv(EnvOpenAIKey)
	cfg.AI.GeminiAPIKey = os.Getenv(EnvGeminiKey)
	cfg.Gateway.Token = os.Getenv(EnvAdminToken)

	return cfg, nil
}

// Save writes the persistable view of cfg as pretty-printed JSON.
// The write goes through a temp file + rename so a crash mid-write never
// leaves a truncated config.
func Save(cfg *Config, path string) error {
	view := cfg.View()
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}
