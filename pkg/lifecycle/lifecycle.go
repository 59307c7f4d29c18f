// Package lifecycle provides the Stopped / Running / Closed state machine
// shared by runtime components that own an external resource.
package lifecycle

import (
	"errors"
	"sync"
	"sync/atomic"
)

// State of a component.
type State int32

const (
	Stopped State = iota
	Running
	Closed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned when a transition is requested on a closed machine.
var ErrClosed = errors.New("lifecycle: closed")

// Machine serializes transitions. The hook passed to each transition runs
// while the transition lock is held, so it is called at most once per actual
// state change; repeated requests for the current state are no-ops.
type Machine struct {
	mu    sync.Mutex
	state atomic.Int32
}

func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) Running() bool { return m.State() == Running }

// Start moves Stopped to Running when hook succeeds. It reports whether the
// state changed.
func (m *Machine) Start(hook func() error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case Running:
		return false, nil
	case Closed:
		return false, ErrClosed
	}
	if hook != nil {
		if err := hook(); err != nil {
			return false, err
		}
	}
	m.state.Store(int32(Running))
	return true, nil
}

// Stop moves Running to Stopped. The state changes even when hook fails;
// the hook error is returned.
func (m *Machine) Stop(hook func() error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != Running {
		return false, nil
	}
	m.state.Store(int32(Stopped))
	if hook != nil {
		return true, hook()
	}
	return true, nil
}

// Close moves any state to the terminal Closed state. wasRunning tells the
// hook whether a Stop transition is implied.
func (m *Machine) Close(hook func(wasRunning bool) error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.State()
	if prev == Closed {
		return false, nil
	}
	m.state.Store(int32(Closed))
	if hook != nil {
		return true, hook(prev == Running)
	}
	return true, nil
}
