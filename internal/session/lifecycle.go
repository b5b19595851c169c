package session

// State is the session lifecycle state. Turns are strictly sequential: the
// engine is in StateStreaming for exactly one turn at a time.
type State string

const (
	StateNew          State = "NEW"
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateStreaming    State = "STREAMING"
	StateCancelling   State = "CANCELLING"
	StateClosed       State = "CLOSED"
	StateFailed       State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
