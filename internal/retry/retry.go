// Package retry is the single bounded-retry utility used for readiness
// polling (fixed interval) and transient-error retries (exponential).
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
)

// ErrExhausted is returned by Poll when the condition never held.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy configures exponential retries.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable decides whether an error deserves another attempt.
	// Nil retries every error.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used for network calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempt budget runs out. The last error is returned.
func Do(ctx context.Context, name string, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		eb.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}
	if p.Multiplier > 0 {
		eb.Multiplier = p.Multiplier
	}
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		logging.Debug("Retrying after error",
			logging.Op(name),
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Err(err),
		)
	})
}

// Condition reports whether the awaited state has been reached. A non-nil
// error aborts polling immediately.
type Condition func(ctx context.Context) (bool, error)

// Poll evaluates cond up to attempts times, sleeping a fixed interval
// between evaluations.
func Poll(ctx context.Context, name string, attempts int, interval time.Duration, cond Condition) error {
	if attempts <= 0 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)

	err := backoff.Retry(func() error {
		done, err := cond(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return ErrExhausted
		}
		return nil
	}, b)
	if errors.Is(err, ErrExhausted) {
		return fmt.Errorf("%s: not ready after %d attempts: %w", name, attempts, ErrExhausted)
	}
	return err
}
