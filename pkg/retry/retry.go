// Package retry runs operations against flaky dependencies (broker dials,
// outbox redelivery) with pluggable backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retried operation
type Policy struct {
	Attempts int // total calls including the first; values below 1 mean one call
	Backoff  Backoff
}

// DialPolicy is used when connecting to a broker at startup
func DialPolicy() Policy {
	return Policy{Attempts: 5, Backoff: Exponential{Initial: time.Second, Max: 10 * time.Second}}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do returns it without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the policy runs
// out of attempts or ctx ends.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == attempts || p.Backoff == nil {
			continue
		}

		timer := time.NewTimer(p.Backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}
