package wabridge

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/giovanycoelho/respondergpt/internal/bus"
)

// Frame types exchanged with the bridge process over the websocket.
const (
	frameMessage  = "message"
	frameCall     = "call"
	frameStatus   = "status"
	framePresence = "presence"
	frameAudio    = "audio"
)

// inboundFrame is the wire shape of everything the bridge pushes to us.
// Fields are a union; Type selects which ones are meaningful.
type inboundFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	From      string `json:"from,omitempty"`
	Chat      string `json:"chat,omitempty"`
	Content   string `json:"content,omitempty"`
	FromMe    bool   `json:"from_me,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	PushName  string `json:"push_name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Media     string `json:"media,omitempty"` // base64
	MimeType  string `json:"mime_type,omitempty"`
	State     string `json:"state,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// outboundFrame is the wire shape of everything we push to the bridge.
type outboundFrame struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`
	Data    string `json:"data,omitempty"` // base64
	Mime    string `json:"mime,omitempty"`
	PTT     bool   `json:"ptt,omitempty"`
	State   string `json:"state,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Reject  bool   `json:"reject,omitempty"`
}

// SenderKeyFromJID reduces a WhatsApp JID to the bare identifier used as
// the per-sender key everywhere downstream. "5511999999999@s.whatsapp.net"
// becomes "5511999999999"; group JIDs keep their full group id.
func SenderKeyFromJID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i > 0 {
		return jid[:i]
	}
	return jid
}

// toInboundEvent converts a message frame to the bus event the pipeline
// consumes. Media payloads arrive base64 encoded.
func toInboundEvent(f inboundFrame) (bus.InboundEvent, error) {
	ev := bus.InboundEvent{
		ID:         f.ID,
		SenderKey:  SenderKeyFromJID(f.From),
		ChatID:     f.Chat,
		Kind:       bus.ContentText,
		Text:       f.Content,
		MimeType:   f.MimeType,
		PushName:   f.PushName,
		Ephemeral:  f.Ephemeral,
		FromSelf:   f.FromMe,
		ReceivedAt: time.Now(),
	}
	if f.Chat == "" {
		ev.ChatID = f.From
	}
	if f.Timestamp > 0 {
		ev.ReceivedAt = time.Unix(f.Timestamp, 0)
	}
	switch f.MediaType {
	case "":
	case "audio":
		ev.Kind = bus.ContentAudio
	case "image":
		ev.Kind = bus.ContentImage
	default:
		return ev, fmt.Errorf("unsupported media type %q", f.MediaType)
	}
	if f.Media != "" {
		raw, err := base64.StdEncoding.DecodeString(f.Media)
		if err != nil {
			return ev, fmt.Errorf("decode media payload: %w", err)
		}
		ev.Media = raw
	}
	return ev, nil
}
