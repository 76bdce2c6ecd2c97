// Package tts synthesizes speech for voice replies through the OpenAI
// speech endpoint.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini-tts"
	defaultVoice   = "alloy"
	requestTimeout = 30 * time.Second

	// maxAudioBytes caps a synthesized payload; a voice note should never
	// get anywhere near this.
	maxAudioBytes = 16 << 20
)

// Synthesizer calls the OpenAI text-to-speech API.
type Synthesizer struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey string) *Synthesizer {
	return &Synthesizer{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize renders text as AAC audio suitable for a WhatsApp voice note.
// Empty voice/model fall back to the package defaults.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice, model string) ([]byte, error) {
	if voice == "" {
		voice = defaultVoice
	}
	if model == "" {
		model = defaultModel
	}

	body, err := json.Marshal(speechRequest{
		Model:          model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: "aac",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("speech request: status %d: %s", resp.StatusCode, msg)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	return audio, nil
}
