package pending

import (
	"context"
	"time"
)

// Persister writes operation records to durable storage. Every successful
// mutation is written through before the engine acknowledges it, and the full
// set is reloaded at startup so in-flight confirmations survive a restart.
type Persister interface {
	// Save upserts one record.
	Save(ctx context.Context, op *Operation) error
	// Remove deletes one record by id. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error
	// LoadAll returns every stored record.
	LoadAll(ctx context.Context) ([]*Operation, error)
	// PurgeTerminalBefore deletes terminal records resolved before the
	// cutoff and returns the count removed.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// NopPersister discards writes. It backs ephemeral deployments and tests
// that do not exercise restart recovery.
type NopPersister struct{}

// Save implements Persister.
func (NopPersister) Save(ctx context.Context, op *Operation) error { return nil }

// Remove implements Persister.
func (NopPersister) Remove(ctx context.Context, id string) error { return nil }

// LoadAll implements Persister.
func (NopPersister) LoadAll(ctx context.Context) ([]*Operation, error) { return nil, nil }

// PurgeTerminalBefore implements Persister.
func (NopPersister) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// Close implements Persister.
func (NopPersister) Close() error { return nil }
