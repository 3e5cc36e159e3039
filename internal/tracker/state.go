package tracker

// State is the connection state of a tracking session.
type State int

// Connection states.
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosedNormal
	StateClosedError
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosedNormal:
		return "closed_normal"
	case StateClosedError:
		return "closed_error"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// transitions lists the legal successor states. Exhausted has none.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateClosedNormal},
	StateConnecting:   {StateOpen, StateClosedError, StateClosedNormal},
	StateOpen:         {StateClosedNormal, StateClosedError},
	StateClosedError:  {StateReconnecting, StateExhausted, StateClosedNormal},
	StateClosedNormal: {StateReconnecting, StateExhausted},
	StateReconnecting: {StateConnecting, StateExhausted, StateClosedNormal},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
