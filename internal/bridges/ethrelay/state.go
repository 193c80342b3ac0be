package ethrelay

// State is the lifecycle state of a Session.
type State int32

// Session lifecycle states.
//
//	disconnected → connecting → authenticating → ready → polling → closed
//
// Any failure moves the session straight to closed.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StatePolling
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StatePolling:
		return "polling"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// acceptsCommands reports whether SubmitCommand may enqueue in this state.
func (s State) acceptsCommands() bool {
	return s == StateReady || s == StatePolling
}
