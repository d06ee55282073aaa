package rpc

import "sync"

// ConnState is the connection lifecycle state machine:
//
//	NEW -> HANDSHAKING -> ACTIVE -> RECONNECTING -> HANDSHAKING -> ...
//	              \-> REJECTED
type ConnState int

const (
	StateNew ConnState = iota
	StateHandshaking
	StateActive
	StateRejected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateRejected:
		return "rejected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the edges of the state machine above.
var validTransitions = map[ConnState][]ConnState{
	StateNew:           {StateHandshaking},
	StateHandshaking:   {StateActive, StateRejected},
	StateActive:        {StateReconnecting},
	StateReconnecting:  {StateHandshaking},
	StateRejected:      {},
}

// Lifecycle tracks one connection's state with transitions validated
// against the diagram, so a bug elsewhere can't silently skip a state.
type Lifecycle struct {
	mu    sync.Mutex
	state ConnState
}

// NewLifecycle starts a Lifecycle in StateNew.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateNew}
}

// State returns the current state.
func (l *Lifecycle) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves to next, returning false if the edge isn't legal from
// the current state.
func (l *Lifecycle) Transition(next ConnState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, allowed := range validTransitions[l.state] {
		if allowed == next {
			l.state = next
			return true
		}
	}
	return false
}
