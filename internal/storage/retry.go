package storage

import (
	"context"
	"math/rand/v2"
	"time"
)

// Retry budgets per backend. SQLite already waits busy_timeout inside the
// driver, so it gets fewer, longer-spaced attempts.
const (
	pgMaxRetries     = 3
	pgBaseDelay      = 50 * time.Millisecond
	sqliteMaxRetries = 2
	sqliteBaseDelay  = 100 * time.Millisecond
)

// WithRetry executes fn, retrying up to maxRetries times while IsTransient
// holds for its error. Retries use jittered exponential backoff starting at
// baseDelay.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
