package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

const describeTimeout = 30 * time.Second

// maxVisionEdge is the longest image edge forwarded to the vision API.
// Larger inbound photos are downscaled first to keep request bodies small.
const maxVisionEdge = 1024

// maxImageBytes is the safety limit for inbound image payloads (10MB).
const maxImageBytes = 10 * 1024 * 1024

// defaultDescribePrompt asks the model for a short description the responder
// can treat as the message text. Kept in pt-BR like the other user-facing
// defaults.
const defaultDescribePrompt = "Descreva brevemente o conteúdo desta imagem em uma ou duas frases."

// VisionDescriber implements Describer using an OpenAI-compatible vision
// chat endpoint.
type VisionDescriber struct {
	apiKey  string
	apiBase string
	model   string
	prompt  string
	client  *http.Client
}

func NewVisionDescriber(apiKey, apiBase, model string) *VisionDescriber {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &VisionDescriber{
		apiKey:  apiKey,
		apiBase: apiBase,
		model:   model,
		prompt:  defaultDescribePrompt,
		client:  &http.Client{Timeout: describeTimeout},
	}
}

type visionContentPart struct {
	Type     string          `json:"type"` // "text" or "image_url"
	Text     string          `json:"text,omitempty"`
	ImageURL *visionImageURL `json:"image_url,omitempty"`
}

type visionImageURL struct {
	URL string `json:"url"` // data URI
}

type visionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string              `json:"role"`
		Content []visionContentPart `json:"content"`
	} `json:"messages"`
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Describe downscales the image when needed and asks the vision model for a
// short description.
func (v *VisionDescriber) Describe(ctx context.Context, img []byte, mimeType string) (string, error) {
	if len(img) == 0 {
		return "", fmt.Errorf("describe: empty image payload")
	}
	if len(img) > maxImageBytes {
		return "", fmt.Errorf("describe: image payload too large (%d bytes)", len(img))
	}

	prepared, preparedMime, err := prepareImage(img, mimeType)
	if err != nil {
		// Undecodable images still go through as-is; the API may cope.
		prepared, preparedMime = img, mimeType
	}

	dataURI := fmt.Sprintf("data:%s;base64,%s", preparedMime, base64.StdEncoding.EncodeToString(prepared))

	req := visionRequest{Model: v.model, MaxTokens: 300}
	req.Messages = append(req.Messages, struct {
		Role    string              `json:"role"`
		Content []visionContentPart `json:"content"`
	}{
		Role: "user",
		Content: []visionContentPart{
			{Type: "text", Text: v.prompt},
			{Type: "image_url", ImageURL: &visionImageURL{URL: dataURI}},
		},
	})

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("describe: marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, v.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("describe: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("describe: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("describe: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("describe: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("describe: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("describe: empty choices in response")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// prepareImage decodes the payload and, when a dimension exceeds
// maxVisionEdge, downscales it preserving aspect ratio. Output is
// re-encoded as JPEG; already-small images pass through untouched.
func prepareImage(data []byte, mimeType string) ([]byte, string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("describe: decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxVisionEdge && bounds.Dy() <= maxVisionEdge {
		return data, mimeType, nil
	}

	resized := imaging.Fit(img, maxVisionEdge, maxVisionEdge, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", fmt.Errorf("describe: re-encode image: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
