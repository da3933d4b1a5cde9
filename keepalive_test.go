package rpc

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepaliveEnginePingAndPongCycle(t *testing.T) {
	var pings int32
	timedOut := make(chan struct{}, 1)

	k := newKeepaliveEngine(20*time.Millisecond, false,
		func() error { atomic.AddInt32(&pings, 1); return nil },
		func() { timedOut <- struct{}{} },
	)
	k.start()
	defer k.stop()

	// The first ping fires at ~20ms and the overdue-pong check at ~40ms; the
	// pong is delivered between the two.
	time.Sleep(30 * time.Millisecond)
	k.onPong()

	if atomic.LoadInt32(&pings) == 0 {
		t.Fatal("expected at least one ping to have fired")
	}
	select {
	case <-timedOut:
		t.Fatal("onTimeout fired despite a pong being delivered")
	default:
	}
	if rtt := k.rtt(); rtt <= 0 {
		t.Errorf("rtt = %v, want > 0 after a recorded pong", rtt)
	}
}

func TestKeepaliveEngineTimeoutWhenPongNeverArrives(t *testing.T) {
	timedOut := make(chan struct{}, 1)
	k := newKeepaliveEngine(15*time.Millisecond, false,
		func() error { return nil },
		func() { timedOut <- struct{}{} },
	)
	k.start()
	defer k.stop()

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("onTimeout never fired for an unanswered ping")
	}
}

func TestKeepaliveEngineZeroIntervalDisablesScheduling(t *testing.T) {
	var pings int32
	k := newKeepaliveEngine(0, false, func() error { atomic.AddInt32(&pings, 1); return nil }, func() {})
	k.start()
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&pings) != 0 {
		t.Error("a non-positive interval should disable the ping scheduler entirely")
	}
}

func TestKeepaliveEngineActivityDefersNextPing(t *testing.T) {
	var pings int32
	k := newKeepaliveEngine(30*time.Millisecond, true, func() error { atomic.AddInt32(&pings, 1); return nil }, func() {})
	k.start()
	defer k.stop()

	// Keep feeding activity for longer than the interval; because
	// deferOnActivity is set, the ping should never fire.
	deadline := time.Now().Add(80 * time.Millisecond)
	for time.Now().Before(deadline) {
		k.onActivity()
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&pings) != 0 {
		t.Error("activity should have deferred every scheduled ping")
	}
}

func TestKeepaliveEngineOnActivityIgnoredWithoutDeferFlag(t *testing.T) {
	// onActivity must be a no-op when deferOnActivity is false; this test
	// only confirms that calling it before start (nil timer) does not panic.
	k := newKeepaliveEngine(50*time.Millisecond, false, func() error { return nil }, func() {})
	k.onActivity() // no start() yet: must not panic on a nil timer
}
