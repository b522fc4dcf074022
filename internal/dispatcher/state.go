package dispatcher

import (
	"sync/atomic"

	"github.com/oriys/quasar/internal/metrics"
)

// State is the session's position in its lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateReady
	StateDraining
	StateClosed
)

var stateNames = []string{"uninitialized", "initialized", "ready", "draining", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// stateMachine holds the current state. Transitions are only legal along
// Uninitialized -> Initialized -> Ready <-> Draining -> Closed; any state
// may move to Closed.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) Load() State {
	return State(m.v.Load())
}

// transition moves from one of the given states to to. It reports whether
// the move happened.
func (m *stateMachine) transition(to State, from ...State) bool {
	for _, f := range from {
		if m.v.CompareAndSwap(int32(f), int32(to)) {
			metrics.SetSessionState(to.String(), stateNames)
			return true
		}
	}
	return false
}

func (m *stateMachine) close() {
	m.v.Store(int32(StateClosed))
	metrics.SetSessionState(StateClosed.String(), stateNames)
}
