package session

// State is the lifecycle state of a Session.
type State int32

const (
	// StateClosed is the initial and final state; nothing is sent or received.
	StateClosed State = iota
	// StateOpening means the transport is connecting under the rendezvous.
	StateOpening
	// StateOpen means the session relays events to and from room peers.
	StateOpen
)

// IsActive returns true when the transport is connected or connecting.
func (s State) IsActive() bool {
	return s == StateOpening || s == StateOpen
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
