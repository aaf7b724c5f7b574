package coordinator

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestSubmitDeliverPairing(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := New()

	p, err := c.Submit("peer-a:1", []byte("hello"), 1, func() error { return nil })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan struct{})
	var gseq, lseq int64
	var awaitErr error
	go func() {
		gseq, lseq, awaitErr = c.Await(p)
		close(done)
	}()

	if !c.Deliver("peer-a:1", 5, 5) {
		t.Fatal("expected delivery to match pending entry")
	}

	<-done
	if awaitErr != nil {
		t.Fatalf("unexpected error: %v", awaitErr)
	}
	if gseq != 5 || lseq != 5 {
		t.Fatalf("expected seqnos 5,5 got %d,%d", gseq, lseq)
	}
}

func TestSubmitTransmitFailureNeverRegisters(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := New()

	transmitErr := errors.New("dial failed")
	_, err := c.Submit("peer-a:1", nil, 1, func() error { return transmitErr })
	if !errors.Is(err, transmitErr) {
		t.Fatalf("expected transmit error, got %v", err)
	}

	if c.Deliver("peer-a:1", 1, 1) {
		t.Fatal("expected no pending entry to match after failed submit")
	}
}

func TestDeliverWithNoMatchIsNotAnError(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := New()
	if c.Deliver("nobody:1", 1, 1) {
		t.Fatal("expected false for unmatched delivery")
	}
}

func TestDiscardBeforeWakesOlderEntriesOnly(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := New()

	viewLost := errors.New("view lost")

	p1, _ := c.Submit("a:1", nil, 1, func() error { return nil })
	p2, _ := c.Submit("a:2", nil, 1, func() error { return nil })

	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	go func() { _, _, e := c.Await(p1); done1 <- e }()
	go func() { _, _, e := c.Await(p2); done2 <- e }()

	// Discard everything submitted before p2's submission id: only p1
	// should wake with the view-lost error.
	c.DiscardBefore(p2.Submission, viewLost)

	select {
	case e := <-done1:
		if !errors.Is(e, viewLost) {
			t.Fatalf("expected view-lost error on p1, got %v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("p1 was not discarded")
	}

	select {
	case <-done2:
		t.Fatal("p2 should not have been discarded")
	case <-time.After(50 * time.Millisecond):
	}

	if !c.Deliver("a:2", 9, 9) {
		t.Fatal("p2 should still be pending and deliverable")
	}
	if e := <-done2; e != nil {
		t.Fatalf("unexpected error on p2: %v", e)
	}
}

func TestCutoffExemptsSubmissionsAfterItWasRead(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := New()

	viewLost := errors.New("view lost")

	p1, _ := c.Submit("a:1", nil, 1, func() error { return nil })
	cutoff := c.Cutoff()
	p2, _ := c.Submit("a:2", nil, 1, func() error { return nil })

	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	go func() { _, _, e := c.Await(p1); done1 <- e }()
	go func() { _, _, e := c.Await(p2); done2 <- e }()

	c.DiscardBefore(cutoff, viewLost)

	select {
	case e := <-done1:
		if !errors.Is(e, viewLost) {
			t.Fatalf("expected view-lost error on p1, got %v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("p1 was not discarded")
	}

	select {
	case <-done2:
		t.Fatal("p2 was submitted after Cutoff was read and should not have been discarded")
	case <-time.After(50 * time.Millisecond):
	}

	if !c.Deliver("a:2", 9, 9) {
		t.Fatal("p2 should still be pending and deliverable")
	}
	if e := <-done2; e != nil {
		t.Fatalf("unexpected error on p2: %v", e)
	}
}

func TestCloseWakesEveryoneAndRejectsSubmit(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := New()

	p, _ := c.Submit("a:1", nil, 1, func() error { return nil })
	closedErr := errors.New("closed")

	done := make(chan error, 1)
	go func() { _, _, e := c.Await(p); done <- e }()

	c.Close(closedErr)

	if e := <-done; !errors.Is(e, closedErr) {
		t.Fatalf("expected closed error, got %v", e)
	}

	if _, err := c.Submit("a:2", nil, 1, func() error { return nil }); err == nil {
		t.Fatal("expected Submit after Close to fail")
	}
}
