package helper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

const maxRetryDelay = 5 * time.Second

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, the context
// ends, or attempts calls have been made. Between calls it sleeps
// base << attempt, capped at five seconds. The last error is returned
// unwrapped from Permanent.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context, attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts-1 {
			break
		}

		delay := RetryDelay(base, attempt)
		log.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("Retrying after failure")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}

// RetryDelay is the exponential backoff before retry number attempt+1.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 16 {
		return maxRetryDelay
	}
	d := base << attempt
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}
