package supervisor

import "fmt"

// State is the supervisor's connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateRetrying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is how a session attempt ended its connect phase.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeConnected
	OutcomeTimedOut
	OutcomeCancelled
	// OutcomeFaulted means the session run returned before connecting.
	OutcomeFaulted
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeConnected:
		return "connected"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}
