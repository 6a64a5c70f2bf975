package realtime

// Phase is the coarse lifecycle position of the managed connection.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the observable connection state. It is owned exclusively by one
// Client and mutated only by that client's transport callbacks; observers
// receive value copies.
type State struct {
	Phase        Phase
	ConnectionID string
	LastError    string
}

// IsConnected reports whether push delivery can currently be trusted.
func (s State) IsConnected() bool {
	return s.Phase == PhaseConnected
}

// StateHandler observes connection-state transitions.
type StateHandler func(State)
