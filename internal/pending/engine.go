package pending

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// Config holds the engine's tunables.
type Config struct {
	// PerUserLimit caps simultaneously pending operations per owner.
	PerUserLimit int
	// DefaultHold is the hold duration when the caller passes none and the
	// type has no override.
	DefaultHold time.Duration
	// HoldByType overrides the default hold per operation type.
	HoldByType map[string]time.Duration
	Janitor    JanitorConfig
	Notify     NotifyConfig
}

// JanitorConfig tunes record reclamation.
type JanitorConfig struct {
	// MinInterval is the sweep interval when the store is busy.
	MinInterval time.Duration
	// MaxInterval is the sweep interval when the store is near empty.
	MaxInterval time.Duration
	// BusyThreshold is the live-record count at which sweeps run at
	// MinInterval.
	BusyThreshold int
	// Grace is how long terminal records stay readable before reclamation.
	Grace time.Duration
	// Retention bounds how long terminal rows stay in durable storage.
	Retention time.Duration
	// PurgeSchedule is a cron expression for the durable deep purge.
	// Empty disables it.
	PurgeSchedule string
}

// NotifyConfig tunes countdown pushes to UI channels.
type NotifyConfig struct {
	// TickInterval is the minimum spacing between countdown pushes for one
	// operation.
	TickInterval time.Duration
	// MaxTicks caps countdown pushes per operation; terminal pushes are
	// never capped.
	MaxTicks int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PerUserLimit: 5,
		DefaultHold:  60 * time.Second,
		Janitor: JanitorConfig{
			MinInterval:   5 * time.Second,
			MaxInterval:   60 * time.Second,
			BusyThreshold: 64,
			Grace:         5 * time.Minute,
			Retention:     7 * 24 * time.Hour,
			PurgeSchedule: "0 3 * * *",
		},
		Notify: NotifyConfig{
			TickInterval: time.Second,
			MaxTicks:     30,
		},
	}
}

func (c *Config) normalize() {
	defaults := DefaultConfig()
	if c.PerUserLimit <= 0 {
		c.PerUserLimit = defaults.PerUserLimit
	}
	if c.DefaultHold <= 0 {
		c.DefaultHold = defaults.DefaultHold
	}
	if c.Janitor.MinInterval <= 0 {
		c.Janitor.MinInterval = defaults.Janitor.MinInterval
	}
	if c.Janitor.MaxInterval < c.Janitor.MinInterval {
		c.Janitor.MaxInterval = c.Janitor.MinInterval
	}
	if c.Janitor.BusyThreshold <= 0 {
		c.Janitor.BusyThreshold = defaults.Janitor.BusyThreshold
	}
	if c.Janitor.Grace < 0 {
		c.Janitor.Grace = defaults.Janitor.Grace
	}
	if c.Janitor.Retention <= 0 {
		c.Janitor.Retention = defaults.Janitor.Retention
	}
	if c.Notify.TickInterval <= 0 {
		c.Notify.TickInterval = defaults.Notify.TickInterval
	}
	if c.Notify.MaxTicks <= 0 {
		c.Notify.MaxTicks = defaults.Notify.MaxTicks
	}
}

const lockStripes = 64

// Engine is the pending-operation confirmation engine façade. All business
// callers go through it; it owns every mutation of operation state.
type Engine struct {
	cfg       Config
	store     *memoryStore
	persist   Persister
	executors *ExecutorRegistry
	notifiers *NotifierRegistry
	timers    *timerSet
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	// opLocks serialize check-and-set on a single operation; ownerLocks
	// serialize the per-owner limit check in Create. Striped by key hash.
	opLocks    [lockStripes]sync.Mutex
	ownerLocks [lockStripes]sync.Mutex

	tickMu        sync.Mutex
	tickCounts    map[string]int
	expiryRetries map[string]int

	mu        sync.Mutex
	started   bool
	cancelRun context.CancelFunc
	purge     *cron.Cron
	wg        sync.WaitGroup
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger configures the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics configures the metrics sink. Without this option the engine
// records into a private registry that is never scraped.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New creates an engine over the given durable store and registries. A nil
// persister keeps operations in memory only.
func New(cfg Config, persist Persister, executors *ExecutorRegistry, notifiers *NotifierRegistry, opts ...Option) *Engine {
	cfg.normalize()
	if persist == nil {
		persist = NopPersister{}
	}
	if executors == nil {
		executors = NewExecutorRegistry()
	}
	if notifiers == nil {
		notifiers = NewNotifierRegistry()
	}
	e := &Engine{
		cfg:           cfg,
		store:         newMemoryStore(),
		persist:       persist,
		executors:     executors,
		notifiers:     notifiers,
		timers:        newTimerSet(),
		logger:        slog.Default().With("component", "pending"),
		now:           time.Now,
		tickCounts:    make(map[string]int),
		expiryRetries: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return e
}

// Start reloads persisted state, re-arms timers for every pending operation,
// and launches the countdown ticker, the janitor, and the scheduled durable
// purge. It returns once recovery is complete.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	ops, err := e.persist.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("reload operations: %w", err)
	}
	now := e.now()
	cutoff := now.Add(-e.cfg.Janitor.Retention)
	recovered, rearmed := 0, 0
	for _, op := range ops {
		if op.Terminal() {
			if !op.ResolvedAt.IsZero() && op.ResolvedAt.Before(cutoff) {
				if err := e.persist.Remove(ctx, op.ID); err != nil {
					e.logger.Warn("discard stale terminal operation", "id", op.ID, "error", err)
				}
				continue
			}
			e.store.put(op)
			recovered++
			continue
		}
		// Still pending on disk; the stored deadline may already be in the
		// past, in which case the timer fires immediately and the record
		// resolves through the normal timeout path.
		e.store.put(op)
		e.metrics.PendingOperations.Inc()
		e.armExpiry(op.ID, op.ExpiresAt.Sub(now))
		recovered++
		rearmed++
	}
	if recovered > 0 {
		e.logger.Info("recovered operations", "count", recovered, "rearmed", rearmed)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancelRun = cancel
	e.wg.Add(2)
	go e.runTicker(runCtx)
	go e.runJanitor(runCtx)

	if schedule := e.cfg.Janitor.PurgeSchedule; schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(schedule, e.purgeDurable); err != nil {
			e.logger.Warn("invalid purge schedule, durable purge disabled", "schedule", schedule, "error", err)
		} else {
			c.Start()
			e.purge = c
		}
	}

	e.started = true
	return nil
}

// Stop halts timers and background loops, waiting up to the context deadline.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancelRun
	purge := e.purge
	e.cancelRun, e.purge = nil, nil
	e.mu.Unlock()

	if purge != nil {
		<-purge.Stop().Done()
	}
	cancel()
	e.timers.stopAll()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Create proposes a new confirmable operation and arms its expiry timer. A
// non-positive hold falls back to the configured hold for the type. It fails
// with ErrUserLimitExceeded before creating anything if the owner is at cap.
func (e *Engine) Create(ctx context.Context, ownerID, opType string, payload map[string]any, hold time.Duration, action DefaultAction) (string, error) {
	if ownerID == "" {
		return "", errors.New("pending: owner id is required")
	}
	if opType == "" {
		return "", errors.New("pending: operation type is required")
	}
	switch action {
	case DefaultConfirm, DefaultCancel:
	case "":
		action = DefaultConfirm
	default:
		return "", fmt.Errorf("pending: unknown default action %q", action)
	}
	if hold <= 0 {
		hold = e.holdFor(opType)
	}

	unlock := e.lockOwner(ownerID)
	defer unlock()

	if e.store.countPending(ownerID) >= e.cfg.PerUserLimit {
		return "", ErrUserLimitExceeded
	}

	now := e.now()
	op := &Operation{
		ID:            newOperationID(opType, ownerID, now),
		OwnerID:       ownerID,
		Type:          opType,
		Payload:       clonePayload(payload),
		Status:        StatusPending,
		DefaultAction: action,
		CreatedAt:     now,
		ExpiresAt:     now.Add(hold),
	}
	if err := e.persist.Save(ctx, op); err != nil {
		e.metrics.PersistenceFailures.Inc()
		return "", err
	}
	e.store.put(op)
	e.armExpiry(op.ID, hold)
	e.metrics.OperationsCreated.WithLabelValues(opType).Inc()
	e.metrics.PendingOperations.Inc()
	e.logger.Debug("operation created", "id", op.ID, "owner", ownerID, "type", opType, "hold", hold, "default", action)
	return op.ID, nil
}

// Confirm approves a pending operation and runs its executor. The forced flag
// is the timer's idempotent "confirm if still possible" primitive: callers
// passing it absorb ErrAlreadyTerminal instead of surfacing it. On executor
// failure the operation stays confirmed with ExecError set; on success it
// becomes executed.
func (e *Engine) Confirm(ctx context.Context, id string, forced bool) (*Operation, error) {
	trigger := "human"
	if forced {
		trigger = "timeout"
	}
	unlock := e.lockOp(id)

	op := e.store.get(id)
	if op == nil {
		unlock()
		return nil, ErrNotFound
	}
	if op.Status != StatusPending {
		snap := op.Clone()
		unlock()
		return snap, ErrAlreadyTerminal
	}
	fn, ok := e.executors.lookup(op.Type)
	if !ok {
		// Configuration error; the operation stays pending and its timer
		// stays armed.
		unlock()
		return nil, ErrNoExecutor
	}

	e.timers.stop(id)
	now := e.now()

	// Commit the confirmed state before running the executor so a crash
	// mid-execution cannot replay the side effect after reload.
	confirmed := op.Clone()
	confirmed.Status = StatusConfirmed
	confirmed.ResolvedAt = now
	if err := e.persist.Save(ctx, confirmed); err != nil {
		e.metrics.PersistenceFailures.Inc()
		e.armExpiry(id, op.ExpiresAt.Sub(now))
		unlock()
		return nil, err
	}
	op.Status = StatusConfirmed
	op.ResolvedAt = now
	e.metrics.PendingOperations.Dec()
	snap := op.Clone()
	unlock()

	// The record is terminal, so the stripe can be released while the
	// executor runs; a slow external call must not block unrelated
	// operations sharing the stripe. No second winner is possible.
	start := time.Now()
	execErr := fn(ctx, snap)
	e.metrics.ExecutorDuration.WithLabelValues(op.Type).Observe(time.Since(start).Seconds())

	unlock = e.lockOp(id)
	defer unlock()

	outcome := string(StatusExecuted)
	if execErr != nil {
		op.ExecError = execErr.Error()
		outcome = string(StatusConfirmed)
		e.metrics.ExecutorResults.WithLabelValues(op.Type, "error").Inc()
		e.logger.Warn("executor failed", "id", id, "type", op.Type, "error", execErr)
	} else {
		op.Status = StatusExecuted
		e.metrics.ExecutorResults.WithLabelValues(op.Type, "success").Inc()
	}

	if e.store.get(id) == nil {
		// The janitor reaped the record while the executor ran. The durable
		// row is gone too; writing the outcome would resurrect it.
		e.metrics.Transitions.WithLabelValues(outcome, trigger).Inc()
		e.logger.Info("operation confirmed", "id", id, "type", op.Type, "trigger", trigger, "status", op.Status)
		return op.Clone(), nil
	}

	if err := e.persist.Save(ctx, op.Clone()); err != nil {
		// The confirmed snapshot is durable but the executor outcome is
		// not; surface this loudly rather than diverge from disk silently.
		e.metrics.PersistenceFailures.Inc()
		e.logger.Error("persist executor outcome", "id", id, "error", err)
		return op.Clone(), err
	}

	e.metrics.Transitions.WithLabelValues(outcome, trigger).Inc()
	e.notifyTransition(ctx, op)
	e.logger.Info("operation confirmed", "id", id, "type", op.Type, "trigger", trigger, "status", op.Status)
	return op.Clone(), nil
}

// Cancel declines a pending operation. No executor runs.
func (e *Engine) Cancel(ctx context.Context, id string) (*Operation, error) {
	return e.cancelOp(ctx, id, "human")
}

func (e *Engine) cancelOp(ctx context.Context, id, trigger string) (*Operation, error) {
	unlock := e.lockOp(id)
	defer unlock()

	op := e.store.get(id)
	if op == nil {
		return nil, ErrNotFound
	}
	if op.Status != StatusPending {
		return op.Clone(), ErrAlreadyTerminal
	}

	e.timers.stop(id)
	now := e.now()
	cancelled := op.Clone()
	cancelled.Status = StatusCancelled
	cancelled.ResolvedAt = now
	if err := e.persist.Save(ctx, cancelled); err != nil {
		e.metrics.PersistenceFailures.Inc()
		e.armExpiry(id, op.ExpiresAt.Sub(now))
		return nil, err
	}
	op.Status = StatusCancelled
	op.ResolvedAt = now
	e.metrics.PendingOperations.Dec()
	e.metrics.Transitions.WithLabelValues(string(StatusCancelled), trigger).Inc()
	e.notifyTransition(ctx, op)
	e.logger.Info("operation cancelled", "id", id, "type", op.Type, "trigger", trigger)
	return op.Clone(), nil
}

// Update merges a payload patch into a pending operation. A nil patch value
// deletes its key. The expiry timer is not reset.
func (e *Engine) Update(ctx context.Context, id string, patch map[string]any) (*Operation, error) {
	unlock := e.lockOp(id)
	defer unlock()

	op := e.store.get(id)
	if op == nil {
		return nil, ErrNotFound
	}
	if op.Status != StatusPending {
		return nil, ErrNotPending
	}

	updated := op.Clone()
	if updated.Payload == nil {
		updated.Payload = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(updated.Payload, k)
			continue
		}
		updated.Payload[k] = v
	}
	if err := e.persist.Save(ctx, updated); err != nil {
		e.metrics.PersistenceFailures.Inc()
		return nil, err
	}
	op.Payload = updated.Payload
	e.notifiers.notifyAll(ctx, op)
	e.logger.Debug("operation updated", "id", id, "keys", len(patch))
	return op.Clone(), nil
}

// BindUIRef attaches an opaque UI handle to a pending operation so channels
// can find their rendered affordance later. Duplicates are ignored.
func (e *Engine) BindUIRef(ctx context.Context, id, ref string) error {
	if ref == "" {
		return nil
	}
	unlock := e.lockOp(id)
	defer unlock()

	op := e.store.get(id)
	if op == nil {
		return ErrNotFound
	}
	if op.Status != StatusPending {
		return ErrNotPending
	}
	for _, existing := range op.BoundUIRefs {
		if existing == ref {
			return nil
		}
	}
	updated := op.Clone()
	updated.BoundUIRefs = append(updated.BoundUIRefs, ref)
	if err := e.persist.Save(ctx, updated); err != nil {
		e.metrics.PersistenceFailures.Inc()
		return err
	}
	op.BoundUIRefs = updated.BoundUIRefs
	return nil
}

// Get returns a snapshot of one operation. A pending operation found past its
// deadline is labeled expired in the snapshot; the stored record resolves
// through its timer.
func (e *Engine) Get(ctx context.Context, id string) (*Operation, error) {
	unlock := e.lockOp(id)
	defer unlock()
	op := e.store.get(id)
	if op == nil {
		return nil, ErrNotFound
	}
	return e.snapshot(op), nil
}

// ListForUser returns snapshots of the owner's operations ordered by
// creation time.
func (e *Engine) ListForUser(ctx context.Context, ownerID string) []*Operation {
	ops := e.store.listByOwner(ownerID)
	result := make([]*Operation, 0, len(ops))
	for _, op := range ops {
		// Snapshot each record under its own lock; id and creation time
		// are immutable, everything else may be mid-mutation.
		unlock := e.lockOp(op.ID)
		if live := e.store.get(op.ID); live != nil {
			result = append(result, e.snapshot(live))
		}
		unlock()
	}
	return result
}

func (e *Engine) snapshot(op *Operation) *Operation {
	snap := op.Clone()
	if snap.Status == StatusPending && e.now().After(snap.ExpiresAt) {
		snap.Status = StatusExpired
	}
	return snap
}

func (e *Engine) holdFor(opType string) time.Duration {
	if d, ok := e.cfg.HoldByType[opType]; ok && d > 0 {
		return d
	}
	return e.cfg.DefaultHold
}

func (e *Engine) armExpiry(id string, d time.Duration) {
	e.timers.arm(id, d, func() { e.onExpiry(id) })
}

// onExpiry is the timer callback: it applies the operation's default action
// through the normal façade path. Losing the race to a human action is
// expected and absorbed.
func (e *Engine) onExpiry(id string) {
	e.metrics.TimerFires.Inc()
	op := e.store.get(id)
	if op == nil {
		return
	}

	ctx := context.Background()
	var err error
	if op.DefaultAction == DefaultCancel {
		_, err = e.cancelOp(ctx, id, "timeout")
	} else {
		_, err = e.Confirm(ctx, id, true)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyTerminal), errors.Is(err, ErrNotFound):
		e.metrics.RaceLossesAbsorbed.Inc()
		e.logger.Debug("timeout lost race to human action", "id", id)
	case errors.Is(err, ErrNoExecutor):
		e.logger.Error("timeout confirm has no executor", "id", id, "type", op.Type)
		e.retryExpiry(ctx, id)
	default:
		e.logger.Error("timeout default action failed", "id", id, "error", err)
	}
}

const (
	// expiryRetryDelay spaces repeated default-action attempts for an
	// operation whose type has no registered executor.
	expiryRetryDelay = 30 * time.Second
	// expiryRetryLimit bounds those attempts before the operation is
	// cancelled outright.
	expiryRetryLimit = 3
)

// retryExpiry re-arms a bounded number of timeout retries for an operation
// that cannot confirm because its executor is missing, then fails it closed.
// Without this the record would sit pending forever with no timer until a
// restart re-armed it.
func (e *Engine) retryExpiry(ctx context.Context, id string) {
	e.tickMu.Lock()
	e.expiryRetries[id]++
	attempts := e.expiryRetries[id]
	e.tickMu.Unlock()

	if attempts <= expiryRetryLimit {
		e.armExpiry(id, expiryRetryDelay)
		return
	}
	_, err := e.cancelOp(ctx, id, "timeout")
	switch {
	case err == nil:
		e.logger.Warn("operation cancelled, executor still missing after retries", "id", id, "attempts", attempts)
	case errors.Is(err, ErrAlreadyTerminal), errors.Is(err, ErrNotFound):
		// Resolved or reaped in the meantime.
	default:
		e.logger.Error("cancel after missing executor failed", "id", id, "error", err)
	}
}

// notifyTransition pushes a terminal snapshot to every UI channel and stamps
// the bookkeeping notify time. Terminal pushes ignore the tick budget.
func (e *Engine) notifyTransition(ctx context.Context, op *Operation) {
	op.LastNotifiedAt = e.now()
	e.notifiers.notifyAll(ctx, op)
}

func (e *Engine) purgeDurable() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := e.now().Add(-e.cfg.Janitor.Retention)
	n, err := e.persist.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		e.logger.Warn("durable purge failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("durable purge", "removed", n)
	}
}

func (e *Engine) lockOp(id string) func() {
	m := &e.opLocks[stripeFor(id)]
	m.Lock()
	return m.Unlock
}

func (e *Engine) lockOwner(ownerID string) func() {
	m := &e.ownerLocks[stripeFor(ownerID)]
	m.Lock()
	return m.Unlock
}

func stripeFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	clone := make(map[string]any, len(payload))
	for k, v := range payload {
		clone[k] = v
	}
	return clone
}
