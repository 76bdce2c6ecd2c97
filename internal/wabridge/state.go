package wabridge

import "sync"

// ConnState is the bridge connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateLoggedOut // terminal until the account is re-linked
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// stateMachine serializes connection state transitions and fires the
// registered observer outside its lock. Reconnect scheduling hangs off
// transitions, not ad-hoc flags.
type stateMachine struct {
	mu    sync.Mutex
	state ConnState
	phone string

	onChange func(ConnState, string)
}

func newStateMachine(onChange func(ConnState, string)) *stateMachine {
	return &stateMachine{state: StateDisconnected, onChange: onChange}
}

// transition moves to next when the move is legal and reports whether it
// happened. LoggedOut is sticky: only an explicit reset leaves it.
func (m *stateMachine) transition(next ConnState) bool {
	m.mu.Lock()
	if m.state == next || m.state == StateLoggedOut {
		m.mu.Unlock()
		return false
	}
	m.state = next
	phone := m.phone
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(next, phone)
	}
	return true
}

func (m *stateMachine) setPhone(phone string) {
	m.mu.Lock()
	m.phone = phone
	m.mu.Unlock()
}

func (m *stateMachine) current() (ConnState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.phone
}
