package bus

import (
	"context"
	"time"
)

// ContentKind classifies the raw content of an inbound event.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentAudio ContentKind = "audio"
	ContentImage ContentKind = "image"
)

// InboundEvent is one decoded message event from the bridge. Immutable once
// created; consumed exactly once by the pipeline.
type InboundEvent struct {
	ID         string      `json:"id"`
	SenderKey  string      `json:"sender_key"` // phone-number-normalized partition key
	ChatID     string      `json:"chat_id"`
	Kind       ContentKind `json:"kind"`
	Text       string      `json:"text,omitempty"`  // kind=text
	Media      []byte      `json:"media,omitempty"` // kind=audio/image: decoded bytes
	MimeType   string      `json:"mime_type,omitempty"`
	PushName   string      `json:"push_name,omitempty"`
	Ephemeral  bool        `json:"ephemeral,omitempty"` // disappearing-message chat
	FromSelf   bool        `json:"from_self,omitempty"` // authored by our own account
	ReceivedAt time.Time   `json:"received_at"`
}

// PresenceState is the chat presence signalled around humanized delivery.
type PresenceState string

const (
	PresenceComposing PresenceState = "composing"
	PresencePaused    PresenceState = "paused"
)

// Transport is the outbound side of the bridge collaborator. All calls are
// best-effort and may fail; none retries internally.
type Transport interface {
	Send(ctx context.Context, chatID, text string) error
	SendAudio(ctx context.Context, chatID string, audio []byte) error
	SetPresence(ctx context.Context, chatID string, state PresenceState) error
}

// Event is a server-side event broadcast to admin WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so the admin server
// and the pipeline stay decoupled from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
