package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
	TurnID    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(ev StateChange) { f(ev) }

var validTransitions = map[State][]State{
	StateIdle:         {StateListening},
	StateListening:    {StateTranscribing, StateIdle},
	StateTranscribing: {StateGenerating, StateIdle, StateError, StateListening},
	StateGenerating:   {StateSynthesizing, StateIdle, StateError, StateListening},
	StateSynthesizing: {StateSpeaking, StateIdle, StateError, StateListening},
	StateSpeaking:     {StateIdle, StateError, StateListening},
	StateError:        {StateIdle},
}

// Machine is the per-session turn state machine. The session orchestrator is
// its only writer.
type Machine struct {
	mu           sync.RWMutex
	currentState State
	turnID       string
	enteredAt    time.Time
	now          func() time.Time

	stateChangeListeners []StateListener
}

func NewMachine() *Machine {
	return &Machine{currentState: StateIdle, enteredAt: time.Now(), now: time.Now}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentState
}

// TurnID returns the turn that owns the current state.
func (m *Machine) TurnID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.turnID
}

// Since reports how long the machine has been in its current state.
func (m *Machine) Since() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now().Sub(m.enteredAt)
}

// CanTransition checks the transition table.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *Machine) Transition(state State, reason string) error {
	return m.TransitionTurn(state, "", reason)
}

// TransitionTurn moves to state on behalf of turnID. Entering Listening
// binds the machine to turnID; other transitions from a different turn are
// rejected so a cancelled turn cannot move the session.
func (m *Machine) TransitionTurn(state State, turnID, reason string) error {
	m.mu.Lock()
	if turnID != "" && state != StateListening && m.turnID != "" && turnID != m.turnID {
		stale := &StaleTurnError{TurnID: turnID, Current: m.turnID, From: m.currentState, To: state}
		m.mu.Unlock()
		return stale
	}
	if !CanTransition(m.currentState, state) {
		from := m.currentState
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}

	oldState := m.currentState
	m.currentState = state
	m.enteredAt = m.now()
	if state == StateListening && turnID != "" {
		m.turnID = turnID
	}
	event := StateChange{
		FromState: oldState,
		ToState:   state,
		Timestamp: m.enteredAt,
		Reason:    reason,
		TurnID:    m.turnID,
	}
	listeners := make([]StateListener, len(m.stateChangeListeners))
	copy(listeners, m.stateChangeListeners)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChangeListeners = append(m.stateChangeListeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// StaleTurnError is returned when a superseded turn tries to move the session.
type StaleTurnError struct {
	TurnID  string
	Current string
	From    State
	To      State
}

func (e *StaleTurnError) Error() string {
	return "turn " + e.TurnID + " is not current (" + e.Current + "), refusing " + e.From.String() + " to " + e.To.String()
}
