package invoker

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestSpawnRunsAndStopWaits(t *testing.T) {
	defer goleak.VerifyNone(t)

	inv := New()
	var counter int32
	for i := 0; i < 10; i++ {
		inv.Spawn(func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, 1)
		})
	}

	inv.Stop()

	if got := atomic.LoadInt32(&counter); got != 10 {
		t.Fatalf("expected 10 completed spawns after Stop, got %d", got)
	}
}

func TestSpawnAfterStopPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	inv := New()
	inv.Stop()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Spawn after Stop to panic")
		}
	}()
	inv.Spawn(func() {})
}

func TestTwoInstancesAreIndependent(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := New()
	b := New()

	done := make(chan struct{})
	b.Spawn(func() { close(done) })
	<-done
	b.Stop()

	// a must still be usable; its lifecycle is not tied to b's.
	a.Spawn(func() {})
	a.Stop()
}
