package session

import (
	"sync"
	"time"
)

// State is the call-session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateEnding
	StateEnded
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateError
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// stateMachine guards the session lifecycle. Error is absorbing and
// reachable from every non-terminal state.
type stateMachine struct {
	mu           sync.Mutex
	currentState State
	listeners    []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateIdle}
}

func (m *stateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentState
}

// transitionValid checks if a state transition is allowed (lock held).
func (m *stateMachine) transitionValid(from, to State) bool {
	if to == StateError {
		return !from.Terminal()
	}
	validTransitions := map[State][]State{
		StateIdle:     {StateStarting},
		StateStarting: {StateActive, StateEnding},
		StateActive:   {StateEnding},
		StateEnding:   {StateEnded},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *stateMachine) Transition(state State, reason string) error {
	m.mu.Lock()
	if !m.transitionValid(m.currentState, state) {
		err := &InvalidTransitionError{From: m.currentState, To: state}
		m.mu.Unlock()
		return err
	}
	event := StateChange{
		FromState: m.currentState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.currentState = state
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	// Listeners run outside the lock to avoid deadlocks.
	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (m *stateMachine) AddListener(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
