package pending

import "errors"

var (
	// ErrNotFound is returned for an unknown operation id.
	ErrNotFound = errors.New("pending: operation not found")

	// ErrAlreadyTerminal is returned when confirm or cancel hits an
	// operation that has already resolved. Internal race losers (a timer
	// beaten by a human action, or vice versa) absorb it; external callers
	// should render it as "this confirmation is no longer available".
	ErrAlreadyTerminal = errors.New("pending: operation already resolved")

	// ErrNotPending is returned when update is attempted on a non-pending
	// operation.
	ErrNotPending = errors.New("pending: operation is not pending")

	// ErrUserLimitExceeded is returned when a create would push an owner
	// past the configured pending-operation cap.
	ErrUserLimitExceeded = errors.New("pending: too many pending operations for user")

	// ErrNoExecutor is returned by confirm when no executor is registered
	// for the operation type. This is a configuration error: the operation
	// stays pending.
	ErrNoExecutor = errors.New("pending: no executor registered for operation type")

	// ErrPersistence wraps durable-write failures. A mutation that fails to
	// persist is not committed; callers must not treat the in-memory state
	// as authoritative when they see this.
	ErrPersistence = errors.New("pending: persistence failure")
)
