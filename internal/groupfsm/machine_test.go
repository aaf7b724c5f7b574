package groupfsm

import "testing"

func TestHappyPathOpenToPrimary(t *testing.T) {
	m := New()
	if m.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %v", m.State())
	}
	if err := m.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if m.State() != StateOpenNonPrimary {
		t.Fatalf("expected OPEN_NON_PRIMARY, got %v", m.State())
	}
	if err := m.PrimaryView(1); err != nil {
		t.Fatalf("primary view: %v", err)
	}
	if m.State() != StateOpenPrimary || m.ConfID() != 1 {
		t.Fatalf("expected OPEN_PRIMARY/confID 1, got %v/%d", m.State(), m.ConfID())
	}
}

func TestStateTransferHandshake(t *testing.T) {
	joiner := New()
	joiner.Open()
	joiner.PrimaryView(1)

	if err := joiner.BeginStateTransfer(); err != nil {
		t.Fatalf("begin state transfer: %v", err)
	}
	if joiner.State() != StateJoiner {
		t.Fatalf("expected JOINER, got %v", joiner.State())
	}
	if err := joiner.BeginStateTransfer(); err != ErrBusy {
		t.Fatalf("expected ErrBusy for second in-flight request, got %v", err)
	}

	if err := joiner.JoinReceived(); err != nil {
		t.Fatalf("join received: %v", err)
	}
	if joiner.State() != StateJoined {
		t.Fatalf("expected JOINED, got %v", joiner.State())
	}

	if err := joiner.Synced(); err != nil {
		t.Fatalf("synced: %v", err)
	}
	if joiner.State() != StateSynced {
		t.Fatalf("expected SYNCED, got %v", joiner.State())
	}
	if joiner.StateTransferInFlight() {
		t.Fatal("expected handshake cleared after sync")
	}
}

func TestDonorPath(t *testing.T) {
	donor := New()
	donor.Open()
	donor.PrimaryView(1)

	if err := donor.BecomeDonor(); err != nil {
		t.Fatalf("become donor: %v", err)
	}
	if donor.State() != StateDonor {
		t.Fatalf("expected DONOR, got %v", donor.State())
	}

	if err := donor.DonorCompleted(); err != nil {
		t.Fatalf("donor completed: %v", err)
	}
	if donor.State() != StateSynced {
		t.Fatalf("expected SYNCED, got %v", donor.State())
	}
}

func TestNonPrimaryViewFromAnyActiveState(t *testing.T) {
	m := New()
	m.Open()
	m.PrimaryView(1)
	m.BeginStateTransfer()

	if err := m.NonPrimaryView(); err != nil {
		t.Fatalf("non-primary view: %v", err)
	}
	if m.State() != StateOpenNonPrimary {
		t.Fatalf("expected OPEN_NON_PRIMARY, got %v", m.State())
	}
	if m.ConfID() != -1 {
		t.Fatalf("expected confID -1, got %d", m.ConfID())
	}
	if m.StateTransferInFlight() {
		t.Fatal("expected in-flight handshake cleared by view loss")
	}
}

func TestCloseAndDestroyFromAnyState(t *testing.T) {
	m := New()
	m.Open()
	m.PrimaryView(1)
	m.Close()
	if m.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %v", m.State())
	}

	m.Destroy()
	if m.State() != StateDestroyed {
		t.Fatalf("expected DESTROYED, got %v", m.State())
	}
}

func TestBadTransitionsRejected(t *testing.T) {
	m := New()
	if err := m.PrimaryView(1); err != ErrBadState {
		t.Fatalf("expected ErrBadState opening straight to primary, got %v", err)
	}
	if err := m.BeginStateTransfer(); err != ErrBadState {
		t.Fatalf("expected ErrBadState for state transfer before open, got %v", err)
	}
}
