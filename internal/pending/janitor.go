package pending

import (
	"context"
	"time"
)

// runJanitor reclaims memory from resolved operations on a load-adaptive
// interval: frequent sweeps while many operations are held, sparse ones when
// the store is quiet.
func (e *Engine) runJanitor(ctx context.Context) {
	defer e.wg.Done()
	for {
		interval := e.sweepInterval(e.store.len())
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			e.sweep(ctx)
		}
	}
}

// sweepInterval interpolates between the configured bounds based on how many
// records are live.
func (e *Engine) sweepInterval(live int) time.Duration {
	min, max := e.cfg.Janitor.MinInterval, e.cfg.Janitor.MaxInterval
	busy := e.cfg.Janitor.BusyThreshold
	if live >= busy {
		return min
	}
	if live <= 0 {
		return max
	}
	span := float64(max - min)
	frac := float64(live) / float64(busy)
	return max - time.Duration(span*frac)
}

// sweep removes terminal records past the grace period, stops orphaned
// timers, and drops dangling owner-index entries. Removals are written
// through to durable storage.
func (e *Engine) sweep(ctx context.Context) {
	now := e.now()
	reaped := 0
	for _, op := range e.store.listAll() {
		// Only the immutable id is read here; terminal state is checked
		// under the operation's lock below.
		id := op.ID

		unlock := e.lockOp(id)
		live := e.store.get(id)
		if live == nil || !live.Terminal() ||
			live.ResolvedAt.IsZero() || now.Sub(live.ResolvedAt) < e.cfg.Janitor.Grace {
			unlock()
			continue
		}
		e.store.delete(id)
		e.timers.stop(id)
		e.dropTickCount(id)
		unlock()

		if err := e.persist.Remove(ctx, id); err != nil {
			e.metrics.PersistenceFailures.Inc()
			e.logger.Warn("janitor remove failed", "id", id, "error", err)
		}
		reaped++
	}

	// Orphaned timers have no backing record; a fire would no-op but the
	// timer itself still holds memory.
	for _, id := range e.timers.ids() {
		if e.store.get(id) == nil {
			e.timers.stop(id)
		}
	}
	if dropped := e.store.sweepOwnerIndex(); dropped > 0 {
		e.logger.Debug("janitor dropped dangling owner refs", "count", dropped)
	}

	if reaped > 0 {
		e.metrics.JanitorReaped.Add(float64(reaped))
		e.logger.Debug("janitor sweep", "reaped", reaped)
	}
}
