package pending

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerSetFires(t *testing.T) {
	ts := newTimerSet()
	fired := make(chan struct{})
	ts.arm("a", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	// The fired timer is no longer tracked.
	if ts.stop("a") {
		t.Fatal("fired timer was still tracked")
	}
}

func TestTimerSetStopBeforeFire(t *testing.T) {
	ts := newTimerSet()
	var fired atomic.Bool
	ts.arm("a", 30*time.Millisecond, func() { fired.Store(true) })

	if !ts.stop("a") {
		t.Fatal("stop reported no tracked timer")
	}
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatal("stopped timer fired")
	}
	if ts.stop("a") {
		t.Fatal("second stop reported a tracked timer")
	}
}

func TestTimerSetArmReplaces(t *testing.T) {
	ts := newTimerSet()
	var first, second atomic.Bool
	ts.arm("a", 20*time.Millisecond, func() { first.Store(true) })
	ts.arm("a", 40*time.Millisecond, func() { second.Store(true) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() {
		t.Fatal("replaced timer fired")
	}
	if !second.Load() {
		t.Fatal("replacement timer never fired")
	}
}

func TestTimerSetNonPositiveDurationFiresImmediately(t *testing.T) {
	ts := newTimerSet()
	fired := make(chan struct{})
	ts.arm("a", -time.Hour, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("past-deadline timer never fired")
	}
}

func TestTimerSetStopAllAndIDs(t *testing.T) {
	ts := newTimerSet()
	var fired atomic.Int64
	ts.arm("a", 50*time.Millisecond, func() { fired.Add(1) })
	ts.arm("b", 50*time.Millisecond, func() { fired.Add(1) })

	if ids := ts.ids(); len(ids) != 2 {
		t.Fatalf("expected 2 tracked timers, got %v", ids)
	}
	ts.stopAll()
	if ids := ts.ids(); len(ids) != 0 {
		t.Fatalf("timers survived stopAll: %v", ids)
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("%d timers fired after stopAll", fired.Load())
	}
}
