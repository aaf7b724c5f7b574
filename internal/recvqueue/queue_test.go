package recvqueue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestFIFOOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 8, nil)
	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d rejected", i)
		}
	}

	for i := 0; i < 5; i++ {
		v, ok := q.Recv()
		if !ok {
			t.Fatalf("expected entry %d, queue reported closed", i)
		}
		if v.(int) != i {
			t.Fatalf("expected FIFO order, got %v at position %d", v, i)
		}
	}
}

func TestCloseDrainsAsError(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errMarker := "ERROR"
	q := New(ctx, 8, func() Entry { return errMarker })

	q.Push("a")
	q.Push("b")
	q.Close()

	for i := 0; i < 2; i++ {
		v, ok := q.Recv()
		if !ok {
			t.Fatalf("expected drained entry %d", i)
		}
		if v.(string) != errMarker {
			t.Fatalf("expected ERROR marker, got %v", v)
		}
	}

	if _, ok := q.Recv(); ok {
		t.Fatal("expected false once drained and closed")
	}
}

func TestRecvBlocksUntilPush(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 8, nil)
	done := make(chan Entry, 1)
	go func() {
		v, _ := q.Recv()
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("Recv returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(42)
	select {
	case v := <-done:
		if v.(int) != 42 {
			t.Fatalf("expected 42, got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Push")
	}
}

func TestContextCancelClosesQueue(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())

	q := New(ctx, 8, nil)
	cancel()

	// Allow the watcher goroutine to observe cancellation.
	time.Sleep(20 * time.Millisecond)
	if _, ok := q.Recv(); ok {
		t.Fatal("expected queue closed after context cancel")
	}
}
