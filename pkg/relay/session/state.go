package session

// State represents the current phase of a voice session.
type State int

const (
	// StateIdle is the resting state with no speech segment in progress.
	StateIdle State = iota
	// StateListening is when inbound audio is being buffered.
	StateListening
	// StateProcessing is when buffered speech has been handed to the
	// backend and no response has arrived yet.
	StateProcessing
	// StateResponding is when backend events are being forwarded to the
	// client.
	StateResponding
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateResponding:
		return "RESPONDING"
	default:
		return "UNKNOWN"
	}
}
