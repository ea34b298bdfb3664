package pending

import (
	"context"
	"time"
)

// runTicker pushes throttled countdown updates for pending operations to the
// registered UI channels until the context is cancelled. An operation that
// has used its tick budget goes quiet until its terminal transition, which is
// always pushed.
func (e *Engine) runTicker(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Notify.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pushCountdowns(ctx)
		}
	}
}

func (e *Engine) pushCountdowns(ctx context.Context) {
	now := e.now()
	for _, op := range e.store.listAll() {
		// Only the immutable id is read here; status is checked under the
		// operation's lock below.
		id := op.ID

		e.tickMu.Lock()
		spent := e.tickCounts[id]
		e.tickMu.Unlock()
		if spent >= e.cfg.Notify.MaxTicks {
			continue
		}

		unlock := e.lockOp(id)
		live := e.store.get(id)
		if live == nil || live.Status != StatusPending ||
			now.Sub(live.LastNotifiedAt) < e.cfg.Notify.TickInterval {
			unlock()
			continue
		}
		live.LastNotifiedAt = now
		snap := live.Clone()
		unlock()

		e.tickMu.Lock()
		e.tickCounts[id]++
		e.tickMu.Unlock()

		e.notifiers.notifyAll(ctx, snap)
	}
}

func (e *Engine) dropTickCount(id string) {
	e.tickMu.Lock()
	delete(e.tickCounts, id)
	delete(e.expiryRetries, id)
	e.tickMu.Unlock()
}
