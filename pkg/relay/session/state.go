package session

import "fmt"

type State int32

const (
	StateInit State = iota
	StateActive
	StateProcessing
	StatePromptRetry
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateActive:
		return "ACTIVE"
	case StateProcessing:
		return "PROCESSING"
	case StatePromptRetry:
		return "PROMPT_RETRY"
	case StateTerminating:
		return "TERMINATING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// transitions lists every legal edge. TERMINATING is reachable from any live
// state and is handled separately.
var transitions = map[State][]State{
	StateInit:        {StateActive},
	StateActive:      {StateProcessing, StatePromptRetry},
	StateProcessing:  {StateActive},
	StatePromptRetry: {StateActive},
	StateTerminating: {StateClosed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if to == StateTerminating {
		return from != StateTerminating && from != StateClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FatalError reports an internal inconsistency that forces the session to end.
type FatalError struct {
	SessionID string
	Reason    string
}

func (e *FatalError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("session %s: fatal: %s", e.SessionID, e.Reason)
}
