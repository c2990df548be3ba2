package transport

// State is the connection state of a transport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// allowed lists the legal targets per source state. Any state may move to
// disconnected.
var allowed = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError},
	StateConnected:    {StateReconnecting, StateError},
	StateReconnecting: {StateConnected, StateError},
	StateError:        {StateConnecting},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	if to == StateDisconnected {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
