package handlers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/gridbee/marketflow/pkg/config"
)

// ErrPermanent marks an error that must not be retried; the step fails.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps an error as non-retryable.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether the error is classified permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Retry runs op with exponential backoff and jitter until it succeeds, the
// error is permanent, the attempts are exhausted, or the context is done.
// External I/O handlers and compensation handlers share this policy.
func Retry(ctx context.Context, policy config.Retry, op func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error

	delay := policy.BaseBackoff

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if IsPermanent(lastErr) || attempt == attempts {
			return lastErr
		}

		sleep := delay
		if policy.Jitter > 0 {
			jitter := time.Duration(rand.Float64() * policy.Jitter * float64(sleep))
			sleep += jitter
		}

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}
	}

	return lastErr
}
