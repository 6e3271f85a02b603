package session

// State is where a session is in its connection lifecycle.
type State int

const (
	StateDisconnected State = iota // 0 - no transport, also the terminal state of a connection
	StateConnecting                // 1 - transport and store being opened
	StateConnected                 // 2 - transport up, logon not yet exchanged
	StateActive                    // 3 - logon exchanged, messages flowing
	StateLoggingOut                // 4 - Logout sent, waiting for the peer's confirmation
)

func (st State) String() string {
	switch st {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateLoggingOut:
		return "logging_out"
	default:
		return "unknown"
	}
}

// allowed lists the legal forward moves. Any state may drop straight to
// Disconnected on a fatal error or transport failure.
var allowed = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected},
	StateConnected:    {StateActive, StateLoggingOut},
	StateActive:       {StateLoggingOut},
	StateLoggingOut:   {},
}

func isValidTransition(from, to State) bool {
	if to == StateDisconnected {
		return from != StateDisconnected
	}
	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}
