package to

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestGrabReleaseMonotonic(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := Create(4, 1)

	const n = 3
	var mu sync.Mutex
	var order []int64
	var wg sync.WaitGroup
	wg.Add(n)

	for i := int64(1); i <= n; i++ {
		go func(seqno int64) {
			defer wg.Done()
			if err := m.Grab(seqno); err != nil {
				t.Errorf("grab(%d): %v", seqno, err)
				return
			}
			mu.Lock()
			order = append(order, seqno)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			if err := m.Release(seqno); err != nil {
				t.Errorf("release(%d): %v", seqno, err)
			}
		}(i)
	}

	wg.Wait()
	for i, seqno := range order {
		if seqno != int64(i+1) {
			t.Fatalf("expected strictly increasing release order, got %v", order)
		}
	}

	if got := m.Seqno(); got != n {
		t.Fatalf("expected to_seqno %d, got %d", n, got)
	}
}

func TestCancelSkip(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := Create(4, 1)

	if err := m.Grab(1); err != nil {
		t.Fatalf("grab(1): %v", err)
	}

	grab2Done := make(chan error, 1)
	go func() { grab2Done <- m.Grab(2) }()
	time.Sleep(10 * time.Millisecond) // let grab(2) start waiting

	if err := m.Cancel(2); err != nil {
		t.Fatalf("cancel(2): %v", err)
	}

	if err := <-grab2Done; err != ErrCancel {
		t.Fatalf("expected grab(2) to return ErrCancel, got %v", err)
	}

	if err := m.Release(1); err != nil {
		t.Fatalf("release(1): %v", err)
	}

	// grab(3) must proceed immediately without any holder for 2.
	done := make(chan error, 1)
	go func() { done <- m.Grab(3) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("grab(3): %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("grab(3) did not proceed after cancel(2) + release(1)")
	}
}

func TestCancelSkipWithSuccessorAlreadyWaiting(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := Create(4, 1)

	if err := m.Grab(1); err != nil {
		t.Fatalf("grab(1): %v", err)
	}

	grab2Done := make(chan error, 1)
	go func() { grab2Done <- m.Grab(2) }()
	time.Sleep(10 * time.Millisecond) // let grab(2) start waiting

	// grab(3) parks in cond.Wait() on slot 3 before 2 is cancelled or 1
	// is released, so the eventual wakeup must come from whichever of
	// Cancel/Release last recomputes the successor, not from a stale
	// seqno+1 argument.
	grab3Done := make(chan error, 1)
	go func() { grab3Done <- m.Grab(3) }()
	time.Sleep(10 * time.Millisecond) // let grab(3) start waiting

	if err := m.Cancel(2); err != nil {
		t.Fatalf("cancel(2): %v", err)
	}
	if err := <-grab2Done; err != ErrCancel {
		t.Fatalf("expected grab(2) to return ErrCancel, got %v", err)
	}

	if err := m.Release(1); err != nil {
		t.Fatalf("release(1): %v", err)
	}

	select {
	case err := <-grab3Done:
		if err != nil {
			t.Fatalf("grab(3): %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("grab(3), already parked, was never woken by cancel(2) + release(1)")
	}

	if err := m.Release(3); err != nil {
		t.Fatalf("release(3): %v", err)
	}
}

func TestInterruptResumable(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := Create(4, 1)

	if err := m.Grab(1); err != nil {
		t.Fatalf("grab(1): %v", err)
	}

	grab2Done := make(chan error, 1)
	go func() { grab2Done <- m.Grab(2) }()
	time.Sleep(10 * time.Millisecond)

	if err := m.Interrupt(2); err != nil {
		t.Fatalf("interrupt(2): %v", err)
	}
	if err := <-grab2Done; err != ErrInterupt {
		t.Fatalf("expected ErrInterupt, got %v", err)
	}

	// Successor still waits for 2 to resolve.
	grab3Done := make(chan error, 1)
	go func() { grab3Done <- m.Grab(3) }()
	time.Sleep(10 * time.Millisecond)

	select {
	case err := <-grab3Done:
		t.Fatalf("grab(3) should not have proceeded yet, got %v", err)
	default:
	}

	if err := m.Release(1); err != nil {
		t.Fatalf("release(1): %v", err)
	}

	// Re-issuing grab(2) after its predecessor released enters normally.
	if err := m.Grab(2); err != nil {
		t.Fatalf("re-grab(2): %v", err)
	}
	if err := m.Release(2); err != nil {
		t.Fatalf("release(2): %v", err)
	}

	if err := <-grab3Done; err != nil {
		t.Fatalf("grab(3): %v", err)
	}
	if err := m.Release(3); err != nil {
		t.Fatalf("release(3): %v", err)
	}
}

func TestCancelWinsRaceAgainstRelease(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := Create(4, 1)

	if err := m.Grab(1); err != nil {
		t.Fatalf("grab(1): %v", err)
	}

	// The holder's own seqno can be cancelled concurrently before it
	// calls Release; the cancel wins, so the pending Release for the
	// same seqno then fails since the slot is already out of HOLDING.
	if err := m.Cancel(1); err != nil {
		t.Fatalf("cancel(1) on the current holder: %v", err)
	}

	if err := m.Release(1); err != ErrOutOfOrderRelease {
		t.Fatalf("expected release to lose the race with cancel, got %v", err)
	}

	if got := m.Seqno(); got != 1 {
		t.Fatalf("expected to_seqno 1 once the holder's seqno was cancelled, got %d", got)
	}

	if err := m.Destroy(); err != nil {
		t.Fatalf("expected clean destroy once the cancelled holder's reference was released, got %v", err)
	}
}

func TestCancelAlreadyUsedReturnsRange(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := Create(4, 1)

	if err := m.Grab(1); err != nil {
		t.Fatalf("grab(1): %v", err)
	}
	if err := m.Release(1); err != nil {
		t.Fatalf("release(1): %v", err)
	}

	if err := m.Cancel(1); err != ErrRange {
		t.Fatalf("expected ErrRange cancelling a used seqno, got %v", err)
	}
}

func TestReleaseOutOfOrderIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := Create(4, 1)

	if err := m.Release(1); err != ErrOutOfOrderRelease {
		t.Fatalf("expected ErrOutOfOrderRelease, got %v", err)
	}
}

func TestRingWrapEAGAIN(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := Create(2, 1)

	if err := m.Grab(1); err != nil {
		t.Fatalf("grab(1): %v", err)
	}
	// seqno 3 maps to the same slot as 1 (ring length 2) and 1 is
	// still HOLDING, so grab(3) must report EAGAIN.
	if err := m.Grab(3); err != ErrAgain {
		t.Fatalf("expected ErrAgain on ring collision, got %v", err)
	}
}

func TestDestroyBusyWhileHolding(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := Create(4, 1)

	if err := m.Grab(1); err != nil {
		t.Fatalf("grab(1): %v", err)
	}
	if err := m.Destroy(); err != ErrBusy {
		t.Fatalf("expected ErrBusy while a grab is outstanding, got %v", err)
	}

	if err := m.Release(1); err != nil {
		t.Fatalf("release(1): %v", err)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("expected clean destroy once released, got %v", err)
	}
}
