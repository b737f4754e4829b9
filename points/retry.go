package points

import (
	"context"
	"time"
)

// DefaultMaxAttempts bounds how often a conflicting unit of work is re-run.
const DefaultMaxAttempts = 3

const retryBackoff = 5 * time.Millisecond

// inTx runs fn inside a store transaction and re-runs it while the store
// reports ErrConcurrentModification, up to attempts times.
func inTx(ctx context.Context, store TxStore, attempts int, fn func(Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		err = store.WithTx(ctx, fn)
		if !IsRetryable(err) {
			return err
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i) * retryBackoff):
		}
	}
	return &ConcurrencyConflictError{Attempts: attempts, Err: err}
}
