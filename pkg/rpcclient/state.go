package rpcclient

// state is the stage of the outbound request.
type state uint8

const (
	stateIdle state = iota
	stateResolving
	stateConnecting
	stateHandshaking
	stateWriting
	stateReading
	stateCompleted
	stateFailed
	stateTimedOut
)

// event is the outcome of the side effect performed in some state.
type event uint8

const (
	// evPooled means an idle connection was taken from the pool.
	evPooled event = iota
	// evNoPooled means a fresh connection is needed.
	evNoPooled
	evResolved
	evConnected
	evHandshaken
	evWritten
	// evRead means the response was read and parsed.
	evRead
	// evRetry is a transport error with attempts left.
	evRetry
	// evError is a terminal error.
	evError
	evTimeout
)

var stateNames = [...]string{
	stateIdle:        "idle",
	stateResolving:   "resolving",
	stateConnecting:  "connecting",
	stateHandshaking: "handshaking",
	stateWriting:     "writing",
	stateReading:     "reading",
	stateCompleted:   "completed",
	stateFailed:      "failed",
	stateTimedOut:    "timedOut",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s state) terminal() bool {
	return s >= stateCompleted
}

// transition returns the state following s after the event e. Terminal
// states are never left, unexpected events fail the request.
func transition(s state, e event, useTLS bool) state {
	if s.terminal() {
		return s
	}
	switch e {
	case evTimeout:
		return stateTimedOut
	case evError:
		return stateFailed
	case evRetry:
		return stateIdle
	}
	switch {
	case s == stateIdle && e == evPooled:
		return stateWriting
	case s == stateIdle && e == evNoPooled:
		return stateResolving
	case s == stateResolving && e == evResolved:
		return stateConnecting
	case s == stateConnecting && e == evConnected:
		if useTLS {
			return stateHandshaking
		}
		return stateWriting
	case s == stateHandshaking && e == evHandshaken:
		return stateWriting
	case s == stateWriting && e == evWritten:
		return stateReading
	case s == stateReading && e == evRead:
		return stateCompleted
	}
	return stateFailed
}
