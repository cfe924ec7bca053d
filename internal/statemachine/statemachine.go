// Package statemachine implements the session lifecycle shared by both
// the server and the client: Connecting through Closed, with the
// transition rules from spec.md §4.11 enforced centrally so neither side
// can drift from the other's assumptions about what states exist.
package statemachine

import (
	"fmt"
	"sync"
)

// State is one stage of a session's life. Zero value is Connecting.
type State int32

const (
	Connecting State = iota
	TLSHandshaking
	Authenticating
	NegotiatingProxies
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case TLSHandshaking:
		return "tls_handshaking"
	case Authenticating:
		return "authenticating"
	case NegotiatingProxies:
		return "negotiating_proxies"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// forward is the happy-path transition graph: each state's only legal
// successor via Advance. Any state can be pushed to Draining via Fail
// regardless of this table.
var forward = map[State]State{
	Connecting:         TLSHandshaking,
	TLSHandshaking:     Authenticating,
	Authenticating:     NegotiatingProxies,
	NegotiatingProxies: Active,
	Active:             Draining,
	Draining:           Closed,
}

// Machine holds the current state behind a mutex, matching spec.md §5's
// "status field guarded by a fast spinlock so reads always see a
// coherent string" — a mutex is the idiomatic Go equivalent, since the
// standard library has no cheaper primitive for a read/write pair this
// small.
type Machine struct {
	mu    sync.Mutex
	state State
}

// New returns a Machine starting in Connecting.
func New() *Machine {
	return &Machine{state: Connecting}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Advance moves to the next state in the happy-path sequence, Draining
// included (Draining -> Closed). It returns an error if called from
// Closed, the only state with no forward successor.
func (m *Machine) Advance() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := forward[m.state]
	if !ok {
		return m.state, fmt.Errorf("statemachine: no forward transition from %s", m.state)
	}
	m.state = next
	return next, nil
}

// Fail moves directly to Draining from any non-terminal state, per
// spec.md §4.11: "any I/O error or framing error moves directly to
// Draining". Calling Fail from Draining or Closed is a no-op.
func (m *Machine) Fail() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Draining || m.state == Closed {
		return m.state
	}
	m.state = Draining
	return m.state
}

// Close moves from any state to Closed. It is idempotent: calling it
// again once Closed is a no-op.
func (m *Machine) Close() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Closed {
		m.state = Closed
	}
	return m.state
}

// IsTerminal reports whether the current state is Closed.
func (m *Machine) IsTerminal() bool {
	return m.Current() == Closed
}
