// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first one
	Attempts int
	// InitialDelay is the wait before the second attempt; it doubles after each failure
	InitialDelay time.Duration
	// MaxDelay caps a single wait
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt.
	// A nil Retryable retries every error.
	Retryable func(error) bool
}

// DefaultPolicy returns three attempts starting at 20ms.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:     3,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do calls fn until it succeeds, returns a non-retryable error, the context
// ends, or the attempts are exhausted. A non-retryable error is returned
// as is; otherwise the last error is returned wrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		calls     int
		lastErr   error
		permanent bool
	)
	err := backoff.Retry(func() error {
		calls++
		lastErr = fn(ctx)
		if lastErr != nil && p.Retryable != nil && !p.Retryable(lastErr) {
			permanent = true
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, p.backOff(ctx))

	switch {
	case err == nil:
		return nil
	case permanent:
		return lastErr
	case ctx.Err() != nil:
		return fmt.Errorf("retry aborted after %d attempts: %w", calls, lastErr)
	default:
		return fmt.Errorf("max retries exceeded: %w", lastErr)
	}
}
