package protocol

// ProtocolVersion is bumped when event payload shapes change incompatibly.
const ProtocolVersion = 1

// WebSocket event names pushed from the admin server to clients.
const (
	EventConnectionStatus = "connection-status"
	EventSystemLog        = "system-log"
	EventMessageProcessed = "message.processed"
	EventMessageDropped   = "message.dropped"
	EventMessageFailed    = "message.failed"
	EventConfigUpdated    = "config.updated"
	EventBreakerOpened    = "breaker.opened"
	EventBreakerClosed    = "breaker.closed"
	EventCallRejected     = "call.rejected"
	EventShutdown         = "shutdown"
)

// EventFrame is the wire shape for server-pushed WS events.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame for broadcast.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Event: name, Payload: payload}
}

// ConnectionStatusPayload mirrors the bridge connection state for admin clients.
type ConnectionStatusPayload struct {
	State       string `json:"state"` // "disconnected", "connecting", "connected", "logged_out"
	PhoneNumber string `json:"phoneNumber,omitempty"`
	RetryCount  int    `json:"retryCount,omitempty"`
}

// MessagePayload describes one pipeline outcome for admin clients.
type MessagePayload struct {
	EventID   string `json:"eventId"`
	SenderKey string `json:"senderKey"`
	ChatID    string `json:"chatId"`
	State     string `json:"state"`            // "done", "dropped", "failed"
	Reason    string `json:"reason,omitempty"` // drop reason when state="dropped"
	Service   string `json:"service,omitempty"`
}
