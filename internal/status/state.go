package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/msync/internal/bus"
)

// State represents the realtime connection state.
type State string

const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Authenticated State = "AUTHENTICATED"
	Reconnecting  State = "RECONNECTING"
	Offline       State = "OFFLINE"
	Closing       State = "CLOSING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected:  {Connecting},
	Connecting:    {Authenticated, Reconnecting, Offline, Closing},
	Authenticated: {Reconnecting, Offline, Closing},
	Reconnecting:  {Connecting, Offline, Closing},
	Offline:       {Connecting, Closing},
	Closing:       {Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Connected reports whether the socket is open and authenticated.
func (m *Machine) Connected() bool {
	return m.Current() == Authenticated
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.ConnStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
