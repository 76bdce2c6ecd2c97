package providers

import "context"

// Message is one turn of conversation context sent to a backend.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// CompletionRequest is the input for a Complete call. History is ordered
// oldest-first and already bounded by the caller.
type CompletionRequest struct {
	SystemPrompt string
	History      []Message
	Message      string
	Model        string
	MaxTokens    int
	Temperature  float64
}

// Completer is the AI backend collaborator. Implementations are named per
// service ("openai", "gemini") for circuit-breaker partitioning.
type Completer interface {
	// Complete generates a reply for the given request. The implementation
	// enforces its own request timeout; a timeout is returned as an error
	// and counts as a failure for circuit-breaker purposes.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// Name returns the service identifier used for breaker partitioning.
	Name() string
}
