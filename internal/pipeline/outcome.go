package pipeline

import "errors"

// State is the terminal state of one event's trip through the pipeline.
type State string

const (
	StateDone    State = "done"
	StateDropped State = "dropped"
	StateFailed  State = "failed"
)

// DropReason explains a silent drop. Drops are logged and counted but never
// surfaced to the sender.
type DropReason string

const (
	DropNone               DropReason = ""
	DropSelfEcho           DropReason = "self-echo"
	DropDuplicate          DropReason = "duplicate"
	DropRateLimited        DropReason = "rate-limited"
	DropLoop               DropReason = "loop"
	DropEmpty              DropReason = "empty"
	DropServiceUnavailable DropReason = "service-unavailable"
)

// Outcome reports what happened to one event.
type Outcome struct {
	State   State
	Reason  DropReason
	Service string // backend that produced the reply, when State==Done
	Reply   string
	Err     error // generation or delivery error detail, when present
}

// Error taxonomy. Every stage maps its failures onto one of these; nothing
// from the pipeline propagates past the current event.
var (
	// ErrRateLimited / ErrLoopDetected: admission rejections, silent drops.
	ErrRateLimited  = errors.New("admission rejected: rate limited")
	ErrLoopDetected = errors.New("admission rejected: message loop detected")

	// ErrUpstreamUnavailable: every configured backend is either open-circuit
	// or failed; the sender gets the generic fallback message.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

func dropped(reason DropReason) Outcome {
	return Outcome{State: StateDropped, Reason: reason}
}
