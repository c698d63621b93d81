package turn

import (
	"sync"
	"sync/atomic"
	"time"
)

// allowed[from] is a bit set of the states reachable from from. Idle may go
// straight to Speaking for the opening greeting.
var allowed = [...]uint8{
	StateIdle:       bit(StateListening) | bit(StateSpeaking),
	StateListening:  bit(StateProcessing) | bit(StateIdle),
	StateProcessing: bit(StateSpeaking) | bit(StateIdle),
	StateSpeaking:   bit(StateIdle),
}

func bit(s State) uint8 { return 1 << uint(s) }

func transitionValid(from, to State) bool {
	if from < 0 || int(from) >= len(allowed) {
		return false
	}
	return allowed[from]&bit(to) != 0
}

// stateMachine holds the turn state. Only the coordinator goroutine
// transitions it; State is safe from any goroutine.
type stateMachine struct {
	current   atomic.Int32
	enteredAt time.Time

	mu        sync.Mutex
	listeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{enteredAt: time.Now()}
}

func (m *stateMachine) State() State { return State(m.current.Load()) }

// Transition validates and applies a move to to, then notifies listeners.
func (m *stateMachine) Transition(to State, reason string) (StateChange, error) {
	from := m.State()
	if !transitionValid(from, to) {
		return StateChange{}, &InvalidTransitionError{From: from, To: to}
	}
	now := time.Now()
	change := StateChange{
		FromState: from,
		ToState:   to,
		Timestamp: now,
		Reason:    reason,
		Dwell:     now.Sub(m.enteredAt),
	}
	m.current.Store(int32(to))
	m.enteredAt = now

	m.mu.Lock()
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnStateChange(change)
	}
	return change, nil
}

func (m *stateMachine) AddListener(l StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
