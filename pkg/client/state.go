package client

import (
	"log/slog"
	"sync"
)

// ConnectionState is the client's position in the connection lifecycle.
// Exactly one state is current per client; transitions are the only way it
// changes.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateChallenged
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateError
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateChallenged:
		return "challenged"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateListener observes state transitions. Listeners run synchronously on
// the transitioning goroutine; panics are recovered and logged, never
// propagated.
type StateListener func(next, prev ConnectionState)

type stateMachine struct {
	mu        sync.Mutex
	current   ConnectionState
	nextID    int
	listeners map[int]StateListener
	logger    *slog.Logger
}

func newStateMachine(logger *slog.Logger) *stateMachine {
	return &stateMachine{
		current:   StateDisconnected,
		listeners: make(map[int]StateListener),
		logger:    logger,
	}
}

func (sm *stateMachine) state() ConnectionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// transition moves to next and notifies listeners with (next, prev).
// A transition to the current state is a no-op.
func (sm *stateMachine) transition(next ConnectionState) {
	sm.mu.Lock()
	prev := sm.current
	if next == prev {
		sm.mu.Unlock()
		return
	}
	sm.current = next
	fns := make([]StateListener, 0, len(sm.listeners))
	for _, fn := range sm.listeners {
		fns = append(fns, fn)
	}
	sm.mu.Unlock()

	sm.logger.Debug("connection state changed", "from", prev.String(), "to", next.String())
	for _, fn := range fns {
		sm.notify(fn, next, prev)
	}
}

func (sm *stateMachine) notify(fn StateListener, next, prev ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error("state listener panic", "panic", r)
		}
	}()
	fn(next, prev)
}

func (sm *stateMachine) subscribe(fn StateListener) func() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	id := sm.nextID
	sm.nextID++
	sm.listeners[id] = fn
	return func() {
		sm.mu.Lock()
		delete(sm.listeners, id)
		sm.mu.Unlock()
	}
}
