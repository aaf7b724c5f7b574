// Package groupfsm implements the group/configuration state machine
// the connection's lifecycle through NON_PRIMARY /
// PRIMARY configurations, membership changes and the state-transfer
// handshake. Transitions are serialized on a single mutex because
// they are rare and must be totally ordered with delivered actions.
package groupfsm

import (
	"errors"
	"sync"
)

var (
	// ErrBusy is returned when a second state-transfer request is
	// attempted while one is already in flight.
	ErrBusy = errors.New("gcs/groupfsm: busy")

	// ErrBadState is returned when a transition is attempted from a
	// state that does not allow it.
	ErrBadState = errors.New("gcs/groupfsm: bad state for transition")
)

// State mirrors gcs.ConnState; kept independent here to avoid an
// import cycle with the root package, which imports groupfsm.
type State uint8

const (
	StateClosed State = iota
	StateDestroyed
	StateOpenNonPrimary
	StateOpenPrimary
	StateJoiner
	StateDonor
	StateJoined
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateDestroyed:
		return "DESTROYED"
	case StateOpenNonPrimary:
		return "OPEN_NON_PRIMARY"
	case StateOpenPrimary:
		return "OPEN_PRIMARY"
	case StateJoiner:
		return "JOINER"
	case StateDonor:
		return "DONOR"
	case StateJoined:
		return "JOINED"
	case StateSynced:
		return "SYNCED"
	default:
		return "UNKNOWN"
	}
}

// Machine is the group/configuration state machine. Every exported
// method is a transition named after the input that drives it.
type Machine struct {
	mu sync.Mutex

	state State

	// confID is the current configuration id; -1 while non-primary.
	confID int64

	// stateTransferInFlight enforces "at most one STATE_REQ in flight
	// per connection."
	stateTransferInFlight bool
}

// New creates a Machine in CLOSED.
func New() *Machine {
	return &Machine{state: StateClosed, confID: -1}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConfID returns the current configuration id.
func (m *Machine) ConfID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confID
}

// Open transitions CLOSED -> OPEN_NON_PRIMARY.
func (m *Machine) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateClosed {
		return ErrBadState
	}
	m.state = StateOpenNonPrimary
	return nil
}

// PrimaryView transitions OPEN_NON_PRIMARY -> OPEN_PRIMARY when the
// transport delivers a primary view.
func (m *Machine) PrimaryView(confID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpenNonPrimary {
		return ErrBadState
	}
	m.state = StateOpenPrimary
	m.confID = confID
	return nil
}

// NonPrimaryView transitions any of {OPEN_PRIMARY, JOINER, DONOR,
// JOINED, SYNCED} immediately to OPEN_NON_PRIMARY and resets the
// configuration id to -1, on a non-primary view from the transport;
// the caller synthesizes the matching CONF with conf_id=-1.
func (m *Machine) NonPrimaryView() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateOpenPrimary, StateJoiner, StateDonor, StateJoined, StateSynced:
		m.state = StateOpenNonPrimary
		m.confID = -1
		m.stateTransferInFlight = false
		return nil
	default:
		return ErrBadState
	}
}

// BeginStateTransfer transitions OPEN_PRIMARY -> JOINER and marks a
// handshake in flight; the caller broadcasts the STATE_REQ. Returns
// ErrBusy if a handshake is already outstanding.
func (m *Machine) BeginStateTransfer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateTransferInFlight {
		return ErrBusy
	}
	if m.state != StateOpenPrimary {
		return ErrBadState
	}
	m.state = StateJoiner
	m.stateTransferInFlight = true
	return nil
}

// BecomeDonor transitions OPEN_PRIMARY -> DONOR once this node is
// selected to service a peer's STATE_REQ.
func (m *Machine) BecomeDonor() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpenPrimary {
		return ErrBadState
	}
	if m.stateTransferInFlight {
		return ErrBusy
	}
	m.state = StateDonor
	m.stateTransferInFlight = true
	return nil
}

// JoinReceived transitions JOINER -> JOINED on the donor's JOIN
// action.
func (m *Machine) JoinReceived() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateJoiner {
		return ErrBadState
	}
	m.state = StateJoined
	return nil
}

// Synced transitions JOINED -> SYNCED on the group SYNC action.
func (m *Machine) Synced() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateJoined {
		return ErrBadState
	}
	m.state = StateSynced
	m.stateTransferInFlight = false
	return nil
}

// DonorCompleted transitions DONOR -> SYNCED once this node's own
// gcs_join(status) has been emitted and delivered.
func (m *Machine) DonorCompleted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDonor {
		return ErrBadState
	}
	m.state = StateSynced
	m.stateTransferInFlight = false
	return nil
}

// FailStateTransfer returns a joiner to OPEN_PRIMARY after a donor
// reports a negative status, clearing the in-flight flag so a later
// BeginStateTransfer can retry.
func (m *Machine) FailStateTransfer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateJoiner {
		return ErrBadState
	}
	m.state = StateOpenPrimary
	m.stateTransferInFlight = false
	return nil
}

// Close transitions to CLOSED from any state.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateClosed
	m.stateTransferInFlight = false
}

// Destroy transitions to DESTROYED from any state.
func (m *Machine) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDestroyed
}

// StateTransferInFlight reports whether a STATE_REQ handshake is
// currently outstanding.
func (m *Machine) StateTransferInFlight() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateTransferInFlight
}
