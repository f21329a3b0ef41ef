package turn

import (
	"errors"
	"sync"
	"testing"
)

type captureListener struct {
	mu     sync.Mutex
	events []StateChange
}

func (c *captureListener) OnStateChange(ev StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureListener) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestHappyPathTurn(t *testing.T) {
	m := NewMachine()
	listener := &captureListener{}
	m.AddListener(listener)

	path := []State{StateListening, StateTranscribing, StateGenerating, StateSynthesizing, StateSpeaking, StateIdle}
	for _, s := range path {
		if err := m.TransitionTurn(s, "t1", "test"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if listener.Count() != len(path) {
		t.Fatalf("expected %d events, got %d", len(path), listener.Count())
	}
	if listener.events[0].TurnID != "t1" || listener.events[5].FromState != StateSpeaking {
		t.Fatalf("unexpected events %+v", listener.events)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewMachine()
	err := m.Transition(StateSpeaking, "skip")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != StateIdle {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state changed on rejected transition")
	}
}

func TestErrorOnlyReturnsToIdle(t *testing.T) {
	if CanTransition(StateError, StateListening) || !CanTransition(StateError, StateIdle) {
		t.Fatalf("error state must recover through idle")
	}
}

func TestBargeInBindsNewTurnAndFencesOldOne(t *testing.T) {
	m := NewMachine()
	for _, s := range []State{StateListening, StateTranscribing, StateGenerating, StateSynthesizing, StateSpeaking} {
		if err := m.TransitionTurn(s, "t1", "test"); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if err := m.TransitionTurn(StateListening, "t2", "barge_in"); err != nil {
		t.Fatalf("barge-in: %v", err)
	}
	err := m.TransitionTurn(StateIdle, "t1", "late completion")
	var stale *StaleTurnError
	if !errors.As(err, &stale) {
		t.Fatalf("expected stale turn error, got %v", err)
	}
	if m.State() != StateListening || m.TurnID() != "t2" {
		t.Fatalf("expected t2 listening, got %s %s", m.TurnID(), m.State())
	}
}
