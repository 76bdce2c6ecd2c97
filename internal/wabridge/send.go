package wabridge

import (
	"context"
	"encoding/base64"

	"github.com/giovanycoelho/respondergpt/internal/bus"
)

// voiceNoteMime is what the bridge expects for push-to-talk voice notes.
const voiceNoteMime = "audio/mp4"

// Send delivers one text message to a chat through the bridge.
func (c *Client) Send(_ context.Context, chatID, text string) error {
	return c.writeFrame(outboundFrame{
		Type:    frameMessage,
		To:      chatID,
		Content: text,
	})
}

// SendAudio delivers synthesized speech as a voice note.
func (c *Client) SendAudio(_ context.Context, chatID string, audio []byte) error {
	return c.writeFrame(outboundFrame{
		Type: frameAudio,
		To:   chatID,
		Data: base64.StdEncoding.EncodeToString(audio),
		Mime: voiceNoteMime,
		PTT:  true,
	})
}

// SetPresence signals composing/paused presence in a chat. Presence is
// cosmetic; callers treat failures as non-fatal.
func (c *Client) SetPresence(_ context.Context, chatID string, state bus.PresenceState) error {
	return c.writeFrame(outboundFrame{
		Type:  framePresence,
		To:    chatID,
		State: string(state),
	})
}

var _ bus.Transport = (*Client)(nil)
