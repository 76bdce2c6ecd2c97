// Package media wraps the transcription and image-description collaborators.
// Both are opaque bytes→text functions over HTTP; the pipeline degrades to a
// placeholder string when they fail, so neither can ever fail a message.
package media

import "context"

// Placeholder strings substituted when a collaborator fails or is not
// configured. Preserved verbatim from the upstream defaults (pt-BR).
const (
	AudioPlaceholder = "[Mensagem de áudio - transcrição não disponível]"
	ImagePlaceholder = "[Imagem enviada - análise não disponível]"
)

// ImagePrefix is prepended to a successful image description.
const ImagePrefix = "[Imagem enviada] "

// Transcriber converts audio bytes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Describer converts image bytes to a textual description.
type Describer interface {
	Describe(ctx context.Context, image []byte, mimeType string) (string, error)
}
