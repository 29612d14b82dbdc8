package chat

// AcceptState is the state of the acceptance loop.
type AcceptState int

const (
	// Listening - blocked waiting for the next connection
	Listening AcceptState = iota
	// Admitting - asking the registry for a slot
	Admitting
	// Rejecting - no slot, closing the connection
	Rejecting
	// Draining - shutdown observed, no further admissions
	Draining
	// Stopped - the loop has returned
	Stopped
)

func (s AcceptState) String() string {
	switch s {
	case Listening:
		return "listening"
	case Admitting:
		return "admitting"
	case Rejecting:
		return "rejecting"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerState is the state of one connection worker.
type WorkerState int

const (
	// Handshaking - authenticating the peer
	Handshaking WorkerState = iota
	// Reading - waiting for or delivering messages
	Reading
	// Disconnected - the peer ended the stream
	Disconnected
	// Failed - the stream broke
	Failed
	// ShuttingDown - the worker observed the shutdown flag
	ShuttingDown
	// Closed - terminal
	Closed
)

func (s WorkerState) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Reading:
		return "reading"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	case ShuttingDown:
		return "shutting-down"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
