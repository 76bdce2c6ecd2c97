// Package history keeps the bounded per-chat rolling transcript used as AI
// context. Transcripts live only in process memory: there is deliberately no
// persistence across restarts.
package history

import (
	"sync"
	"time"

	"github.com/giovanycoelho/respondergpt/internal/providers"
)

// DefaultMaxLength matches the upstream transcript bound.
const DefaultMaxLength = 20

// Manager owns one bounded FIFO transcript per chat.
type Manager struct {
	mu    sync.RWMutex
	chats map[string]*transcript
	max   int
}

type transcript struct {
	messages   []providers.Message
	lastActive time.Time
}

func NewManager(maxLength int) *Manager {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Manager{
		chats: make(map[string]*transcript),
		max:   maxLength,
	}
}

// Append records one turn for the chat, evicting the oldest entry when the
// transcript is full.
func (m *Manager) Append(chatID, role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.chats[chatID]
	if t == nil {
		t = &transcript{}
		m.chats[chatID] = t
	}

	t.messages = append(t.messages, providers.Message{Role: role, Content: content})
	if over := len(t.messages) - m.max; over > 0 {
		t.messages = append(t.messages[:0], t.messages[over:]...)
	}
	t.lastActive = time.Now()
}

// Get returns a snapshot of the chat's transcript, oldest first. The returned
// slice is a copy: later appends never show through it.
func (m *Manager) Get(chatID string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := m.chats[chatID]
	if t == nil || len(t.messages) == 0 {
		return nil
	}
	out := make([]providers.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Clear discards the chat's transcript.
func (m *Manager) Clear(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, chatID)
}

// Sweep drops transcripts idle since before cutoff.
func (m *Manager) Sweep(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for chatID, t := range m.chats {
		if t.lastActive.Before(cutoff) {
			delete(m.chats, chatID)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of chats with a live transcript.
func (m *Manager) Tracked() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chats)
}
