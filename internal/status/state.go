// Package status tracks the lifecycle of the realtime channel.
package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/imsync/internal/bus"
)

// State is the lifecycle state of the realtime channel.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
)

var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Open, Disconnected},
	Open:         {Disconnected},
}

// Snapshot is a consistent read of the machine.
type Snapshot struct {
	State State
	Since time.Time
	// Opens counts transitions into Open.
	Opens int
}

// Machine enforces channel transitions and publishes each one on the bus.
type Machine struct {
	mu      sync.Mutex
	snap    Snapshot
	changed chan struct{}
	bus     *bus.Bus
}

// NewMachine returns a machine in Disconnected. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		snap:    Snapshot{State: Disconnected, Since: time.Now()},
		changed: make(chan struct{}),
		bus:     b,
	}
}

func (m *Machine) Current() State {
	return m.Snapshot().State
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	return m.Snapshot().Since
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Transition moves to the given state or fails if the move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.snap.State
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.snap.State = to
	m.snap.Since = time.Now()
	if to == Open {
		m.snap.Opens++
	}
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(bus.StatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// WaitFor blocks until the state satisfies ok or ctx ends, and returns the
// last state seen.
func (m *Machine) WaitFor(ctx context.Context, ok func(State) bool) (State, error) {
	for {
		m.mu.Lock()
		cur, changed := m.snap.State, m.changed
		m.mu.Unlock()
		if ok(cur) {
			return cur, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// Settled reports whether s is not a transient state.
func Settled(s State) bool { return s != Connecting }

// StatusChange is the payload of bus.StatusChanged.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
