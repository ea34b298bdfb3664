package pending

import (
	"context"
	"strings"
	"sync"
)

// ExecutorFunc performs the real side effect for a confirmed operation. A nil
// return means the side effect succeeded. Executors receive a snapshot; the
// engine guarantees at most one invocation per operation id.
type ExecutorFunc func(ctx context.Context, op *Operation) error

// NotifierFunc pushes an operation snapshot to one UI channel. It is called
// on terminal transitions and, throttled, on countdown ticks.
type NotifierFunc func(ctx context.Context, op *Operation)

// ExecutorRegistry maps operation types to their executors. Business modules
// populate it once at startup; the engine reads it thereafter.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// NewExecutorRegistry returns an empty executor registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]ExecutorFunc)}
}

// Register binds an executor to an operation type. Later registrations for
// the same type replace earlier ones.
func (r *ExecutorRegistry) Register(opType string, fn ExecutorFunc) {
	opType = strings.TrimSpace(opType)
	if opType == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.executors[opType] = fn
	r.mu.Unlock()
}

// Types returns the registered operation types.
func (r *ExecutorRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

func (r *ExecutorRegistry) lookup(opType string) (ExecutorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.executors[opType]
	return fn, ok
}

// NotifierRegistry maps UI channel kinds to their notifiers.
type NotifierRegistry struct {
	mu        sync.RWMutex
	notifiers map[string]NotifierFunc
}

// NewNotifierRegistry returns an empty notifier registry.
func NewNotifierRegistry() *NotifierRegistry {
	return &NotifierRegistry{notifiers: make(map[string]NotifierFunc)}
}

// Register binds a notifier to a channel kind.
func (r *NotifierRegistry) Register(kind string, fn NotifierFunc) {
	kind = strings.TrimSpace(kind)
	if kind == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.notifiers[kind] = fn
	r.mu.Unlock()
}

// notifyAll pushes a snapshot to every registered channel. Each channel gets
// its own clone so one notifier cannot corrupt another's view.
func (r *NotifierRegistry) notifyAll(ctx context.Context, op *Operation) {
	r.mu.RLock()
	fns := make([]NotifierFunc, 0, len(r.notifiers))
	for _, fn := range r.notifiers {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(ctx, op.Clone())
	}
}
