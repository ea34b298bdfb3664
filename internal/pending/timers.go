package pending

import (
	"sync"
	"time"
)

// timerSet tracks one expiry timer per pending operation. A stale fire is
// harmless: the callback re-enters the engine through the per-operation lock
// and observes the already-terminal state.
type timerSet struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string]*time.Timer)}
}

// arm schedules fire after d, replacing any existing timer for the id.
// Non-positive durations fire immediately; that is the restart path for
// operations found past their deadline.
func (t *timerSet) arm(id string, d time.Duration, fire func()) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.timers[id]; ok {
		prev.Stop()
	}
	t.timers[id] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		fire()
	})
}

// stop cancels the timer for the id, reporting whether one was tracked.
func (t *timerSet) stop(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, id)
	return true
}

// stopAll cancels every tracked timer.
func (t *timerSet) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// ids returns the ids with a tracked timer.
func (t *timerSet) ids() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.timers))
	for id := range t.timers {
		ids = append(ids, id)
	}
	return ids
}
