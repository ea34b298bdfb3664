package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type recordingExecutor struct {
	mu       sync.Mutex
	payloads []map[string]any
	err      error
}

func (r *recordingExecutor) fn(ctx context.Context, op *Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, op.Payload)
	return r.err
}

func (r *recordingExecutor) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recordingExecutor) lastPayload() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		return nil
	}
	return r.payloads[len(r.payloads)-1]
}

func newTestEngine(t *testing.T, cfg Config, exec *recordingExecutor) *Engine {
	t.Helper()
	execs := NewExecutorRegistry()
	if exec != nil {
		execs.Register("update_user", exec.fn)
	}
	return New(cfg, nil, execs, nil)
}

func TestTimeoutDefaultConfirmRunsExecutorOnce(t *testing.T) {
	exec := &recordingExecutor{}
	e := newTestEngine(t, Config{}, exec)

	id, err := e.Create(context.Background(), "u1", "update_user",
		map[string]any{"target": "82205", "tier": 2}, 60*time.Millisecond, DefaultConfirm)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		op, err := e.Get(context.Background(), id)
		return err == nil && op.Status == StatusExecuted
	})

	if exec.calls() != 1 {
		t.Fatalf("expected 1 executor call, got %d", exec.calls())
	}
	payload := exec.lastPayload()
	if payload["target"] != "82205" || payload["tier"] != 2 {
		t.Fatalf("unexpected executor payload: %+v", payload)
	}
}

func TestHumanCancelBeatsTimer(t *testing.T) {
	exec := &recordingExecutor{}
	e := newTestEngine(t, Config{}, exec)
	ctx := context.Background()

	id, err := e.Create(ctx, "u1", "update_user", map[string]any{"target": "82205"}, 200*time.Millisecond, DefaultConfirm)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	op, err := e.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if op.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", op.Status)
	}

	// Give a stale timer every chance to fire.
	time.Sleep(300 * time.Millisecond)
	if exec.calls() != 0 {
		t.Fatalf("executor ran after cancel: %d calls", exec.calls())
	}
	got, _ := e.Get(ctx, id)
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestTimeoutDefaultCancel(t *testing.T) {
	exec := &recordingExecutor{}
	e := newTestEngine(t, Config{}, exec)

	id, err := e.Create(context.Background(), "u1", "update_user", nil, 50*time.Millisecond, DefaultCancel)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		op, err := e.Get(context.Background(), id)
		return err == nil && op.Status == StatusCancelled
	})
	if exec.calls() != 0 {
		t.Fatalf("executor ran on cancel default: %d calls", exec.calls())
	}
}

func TestPerUserLimit(t *testing.T) {
	e := newTestEngine(t, Config{PerUserLimit: 2}, &recordingExecutor{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm); !errors.Is(err, ErrUserLimitExceeded) {
		t.Fatalf("expected ErrUserLimitExceeded, got %v", err)
	}
	if ops := e.ListForUser(ctx, "u1"); len(ops) != 2 {
		t.Fatalf("expected 2 operations in store, got %d", len(ops))
	}

	// Other owners are unaffected.
	if _, err := e.Create(ctx, "u2", "update_user", nil, time.Hour, DefaultConfirm); err != nil {
		t.Fatalf("create for u2: %v", err)
	}
}

func TestPerUserLimitUnderConcurrentCreates(t *testing.T) {
	e := newTestEngine(t, Config{PerUserLimit: 2}, &recordingExecutor{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var created, rejected atomic.Int64
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm)
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrUserLimitExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 2 || rejected.Load() != 14 {
		t.Fatalf("expected 2 created / 14 rejected, got %d / %d", created.Load(), rejected.Load())
	}
}

func TestUpdateMergesBeforeTimeout(t *testing.T) {
	exec := &recordingExecutor{}
	e := newTestEngine(t, Config{}, exec)
	ctx := context.Background()

	id, err := e.Create(ctx, "u1", "update_user",
		map[string]any{"target": "82205", "tier": 2}, 100*time.Millisecond, DefaultConfirm)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Update(ctx, id, map[string]any{"tier": 3}); err != nil {
		t.Fatalf("update: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return exec.calls() == 1 })
	payload := exec.lastPayload()
	if payload["tier"] != 3 {
		t.Fatalf("executor saw stale payload: %+v", payload)
	}
	if payload["target"] != "82205" {
		t.Fatalf("merge dropped untouched key: %+v", payload)
	}
}

func TestUpdateNilValueDeletesKey(t *testing.T) {
	e := newTestEngine(t, Config{}, &recordingExecutor{})
	ctx := context.Background()

	id, _ := e.Create(ctx, "u1", "update_user", map[string]any{"a": 1, "b": 2}, time.Hour, DefaultConfirm)
	op, err := e.Update(ctx, id, map[string]any{"a": nil})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := op.Payload["a"]; ok {
		t.Fatalf("expected key a deleted, payload %+v", op.Payload)
	}
	if op.Payload["b"] != 2 {
		t.Fatalf("expected key b kept, payload %+v", op.Payload)
	}
}

func TestUpdateAfterTerminalFails(t *testing.T) {
	e := newTestEngine(t, Config{}, &recordingExecutor{})
	ctx := context.Background()

	id, _ := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm)
	if _, err := e.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.Update(ctx, id, map[string]any{"x": 1}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestConfirmIsIdempotentlyTerminal(t *testing.T) {
	exec := &recordingExecutor{}
	e := newTestEngine(t, Config{}, exec)
	ctx := context.Background()

	id, _ := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm)
	first, err := e.Confirm(ctx, id, false)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if first.Status != StatusExecuted {
		t.Fatalf("expected executed, got %s", first.Status)
	}

	second, err := e.Confirm(ctx, id, false)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if second == nil || second.Status != StatusExecuted {
		t.Fatalf("second confirm changed state: %+v", second)
	}
	if exec.calls() != 1 {
		t.Fatalf("expected 1 executor call, got %d", exec.calls())
	}
}

func TestCancelIsIdempotentlyTerminal(t *testing.T) {
	e := newTestEngine(t, Config{}, &recordingExecutor{})
	ctx := context.Background()

	id, _ := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm)
	if _, err := e.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	op, err := e.Cancel(ctx, id)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if op.Status != StatusCancelled {
		t.Fatalf("second cancel changed state to %s", op.Status)
	}
}

func TestConcurrentConfirmsExecuteOnce(t *testing.T) {
	exec := &recordingExecutor{}
	e := newTestEngine(t, Config{}, exec)
	ctx := context.Background()

	id, _ := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm)

	var wg sync.WaitGroup
	var winners, losers atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Confirm(ctx, id, false)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, ErrAlreadyTerminal):
				losers.Add(1)
			default:
				t.Errorf("unexpected confirm error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 || losers.Load() != 19 {
		t.Fatalf("expected 1 winner / 19 losers, got %d / %d", winners.Load(), losers.Load())
	}
	if exec.calls() != 1 {
		t.Fatalf("expected exactly 1 executor call, got %d", exec.calls())
	}
}

func TestConfirmRacingTimerExecutesOnce(t *testing.T) {
	exec := &recordingExecutor{}
	e := newTestEngine(t, Config{}, exec)
	ctx := context.Background()

	// Tight holds so human confirms regularly collide with timer fires.
	for i := 0; i < 25; i++ {
		id, err := e.Create(ctx, "u1", "update_user", nil, 10*time.Millisecond, DefaultConfirm)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		time.Sleep(8 * time.Millisecond)
		if _, err := e.Confirm(ctx, id, false); err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			t.Fatalf("confirm: %v", err)
		}
		waitFor(t, time.Second, func() bool {
			op, err := e.Get(ctx, id)
			return err == nil && op.Status == StatusExecuted
		})
		// Janitor has not run; each operation must have executed exactly once.
		if exec.calls() != i+1 {
			t.Fatalf("iteration %d: expected %d executor calls, got %d", i, i+1, exec.calls())
		}
	}
}

func TestConfirmWithoutExecutorKeepsOperationPending(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	ctx := context.Background()

	id, _ := e.Create(ctx, "u1", "unregistered_type", nil, 40*time.Millisecond, DefaultConfirm)
	if _, err := e.Confirm(ctx, id, false); !errors.Is(err, ErrNoExecutor) {
		t.Fatalf("expected ErrNoExecutor, got %v", err)
	}
	op, err := e.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != StatusPending {
		t.Fatalf("expected pending after failed confirm, got %s", op.Status)
	}

	// The timer fires, also finds no executor, and the record is discovered
	// past its deadline: snapshots label it expired.
	waitFor(t, 2*time.Second, func() bool {
		got, err := e.Get(ctx, id)
		return err == nil && got.Status == StatusExpired
	})
}

func TestExecutorFailureStaysConfirmedWithError(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("account api returned status 502")}
	e := newTestEngine(t, Config{}, exec)
	ctx := context.Background()

	id, _ := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm)
	op, err := e.Confirm(ctx, id, false)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if op.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", op.Status)
	}
	if op.ExecError == "" {
		t.Fatal("expected exec error recorded")
	}

	// Terminal: no retry through the façade.
	if _, err := e.Confirm(ctx, id, true); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if exec.calls() != 1 {
		t.Fatalf("expected 1 executor call, got %d", exec.calls())
	}
}

func TestGetUnknownOperation(t *testing.T) {
	e := newTestEngine(t, Config{}, &recordingExecutor{})
	if _, err := e.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.Cancel(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHoldFallsBackToTypeDefault(t *testing.T) {
	e := newTestEngine(t, Config{
		DefaultHold: time.Hour,
		HoldByType:  map[string]time.Duration{"update_user": 2 * time.Hour},
	}, &recordingExecutor{})
	ctx := context.Background()

	id, _ := e.Create(ctx, "u1", "update_user", nil, 0, DefaultConfirm)
	op, _ := e.Get(ctx, id)
	if got := op.ExpiresAt.Sub(op.CreatedAt); got != 2*time.Hour {
		t.Fatalf("expected 2h hold from type override, got %s", got)
	}

	id2, _ := e.Create(ctx, "u1", "other_type", nil, 0, DefaultConfirm)
	op2, _ := e.Get(ctx, id2)
	if got := op2.ExpiresAt.Sub(op2.CreatedAt); got != time.Hour {
		t.Fatalf("expected 1h default hold, got %s", got)
	}
}

func TestBindUIRef(t *testing.T) {
	e := newTestEngine(t, Config{}, &recordingExecutor{})
	ctx := context.Background()

	id, _ := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm)
	if err := e.BindUIRef(ctx, id, "msg-42"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := e.BindUIRef(ctx, id, "msg-42"); err != nil {
		t.Fatalf("bind duplicate: %v", err)
	}
	op, _ := e.Get(ctx, id)
	if len(op.BoundUIRefs) != 1 || op.BoundUIRefs[0] != "msg-42" {
		t.Fatalf("unexpected ui refs: %v", op.BoundUIRefs)
	}

	if _, err := e.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := e.BindUIRef(ctx, id, "msg-43"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestListForUserOrdersByCreation(t *testing.T) {
	e := newTestEngine(t, Config{PerUserLimit: 10}, &recordingExecutor{})
	ctx := context.Background()

	base := time.Now()
	clock := base
	var mu sync.Mutex
	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
	}
	ops := e.ListForUser(ctx, "u1")
	if len(ops) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(ops))
	}
	for i, op := range ops {
		if op.ID != ids[i] {
			t.Fatalf("position %d: expected %s, got %s", i, ids[i], op.ID)
		}
	}
}

func TestSnapshotsIsolatedFromConcurrentEdits(t *testing.T) {
	e := newTestEngine(t, Config{PerUserLimit: 10}, &recordingExecutor{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := e.Create(ctx, "u1", "update_user", map[string]any{"n": 0}, time.Hour, DefaultConfirm)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			for _, id := range ids {
				if _, err := e.Update(ctx, id, map[string]any{"n": i}); err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}
	}()
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, id := range ids {
					op, err := e.Get(ctx, id)
					if err != nil {
						t.Errorf("get: %v", err)
						return
					}
					if _, ok := op.Payload["n"]; !ok {
						t.Errorf("snapshot missing payload key: %+v", op.Payload)
						return
					}
				}
				if got := e.ListForUser(ctx, "u1"); len(got) != 4 {
					t.Errorf("expected 4 snapshots, got %d", len(got))
					return
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestConfirmReleasesLockWhileExecutorRuns(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	execs := NewExecutorRegistry()
	execs.Register("update_user", func(ctx context.Context, op *Operation) error {
		close(entered)
		<-release
		return nil
	})
	e := New(Config{}, nil, execs, nil)
	ctx := context.Background()

	id, err := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		if _, err := e.Confirm(ctx, id, false); err != nil {
			t.Errorf("confirm: %v", err)
		}
	}()
	<-entered

	// While the executor is still running, the record is already terminal
	// and its lock is free: a second confirm must return right away.
	type result struct {
		op  *Operation
		err error
	}
	secondDone := make(chan result, 1)
	go func() {
		op, err := e.Confirm(ctx, id, false)
		secondDone <- result{op, err}
	}()
	select {
	case got := <-secondDone:
		if !errors.Is(got.err, ErrAlreadyTerminal) {
			t.Fatalf("expected ErrAlreadyTerminal, got %v", got.err)
		}
		if got.op.Status != StatusConfirmed {
			t.Fatalf("expected confirmed while executor runs, got %s", got.op.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second confirm blocked on the running executor")
	}

	// Reads do not block on the running executor either.
	op, err := e.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", op.Status)
	}

	close(release)
	<-firstDone
	got, _ := e.Get(ctx, id)
	if got.Status != StatusExecuted {
		t.Fatalf("expected executed after release, got %s", got.Status)
	}
}

func TestTimeoutWithoutExecutorFailsClosed(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	ctx := context.Background()

	id, err := e.Create(ctx, "u1", "unregistered_type", nil, time.Hour, DefaultConfirm)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Each fire finds no executor and re-arms a retry; the record must keep
	// a timer instead of sitting pending with none.
	for i := 0; i < expiryRetryLimit; i++ {
		e.onExpiry(id)
		op, err := e.Get(ctx, id)
		if err != nil {
			t.Fatalf("get after fire %d: %v", i+1, err)
		}
		if op.Terminal() {
			t.Fatalf("resolved too early after fire %d: %s", i+1, op.Status)
		}
		found := false
		for _, armed := range e.timers.ids() {
			if armed == id {
				found = true
			}
		}
		if !found {
			t.Fatalf("no timer armed after fire %d", i+1)
		}
	}

	// Retries exhausted: the operation fails closed.
	e.onExpiry(id)
	op, err := e.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != StatusCancelled {
		t.Fatalf("expected cancelled after retries exhausted, got %s", op.Status)
	}
}

func TestTerminalNotificationPushed(t *testing.T) {
	notifiers := NewNotifierRegistry()
	var mu sync.Mutex
	var seen []Status
	notifiers.Register("test", func(ctx context.Context, op *Operation) {
		mu.Lock()
		seen = append(seen, op.Status)
		mu.Unlock()
	})
	execs := NewExecutorRegistry()
	execs.Register("update_user", func(ctx context.Context, op *Operation) error { return nil })
	e := New(Config{}, nil, execs, notifiers)
	ctx := context.Background()

	id, _ := e.Create(ctx, "u1", "update_user", nil, time.Hour, DefaultConfirm)
	if _, err := e.Confirm(ctx, id, false); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != StatusExecuted {
		t.Fatalf("expected one executed push, got %v", seen)
	}
}
