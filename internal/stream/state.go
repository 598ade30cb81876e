package stream

// State is the lifecycle state of a Connection.
type State int

const (
	// StateIdle means the connection has not been opened yet.
	StateIdle State = iota
	// StateConnecting means a physical attempt is in flight.
	StateConnecting
	// StateOpen means the current attempt has delivered at least one event.
	StateOpen
	// StateBackoff means the connection is waiting before the next attempt.
	StateBackoff
	// StateClosed is terminal.
	StateClosed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateOpen:       "open",
	StateBackoff:    "backoff",
	StateClosed:     "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
