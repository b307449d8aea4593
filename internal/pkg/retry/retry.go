// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy bounds a retry loop. MaxAttempts counts every attempt, the first included.
// The wait after attempt n is BackoffSeed * Multiplier^(n-1).
type Policy struct {
	MaxAttempts int
	BackoffSeed time.Duration
	Multiplier  float64
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BackoffSeed: time.Second, Multiplier: 2}
}

// Backoff returns the wait that follows the given 1-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(p.BackoffSeed) * math.Pow(mult, float64(attempt-1)))
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the production Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error that no further attempt can fix. Do stops on it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, the policy is exhausted, or ctx is cancelled.
// It returns the number of attempts made. Cancellation stops the loop without
// an ExhaustedError so callers can tell shutdown apart from giving up.
func Do(ctx context.Context, p Policy, sleep Sleeper, fn func(ctx context.Context, attempt int) error) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if sleep == nil {
		sleep = Sleep
	}

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		last = fn(ctx, attempt)
		if last == nil {
			return attempt, nil
		}
		var perm *permanentError
		if errors.As(last, &perm) {
			return attempt, &ExhaustedError{Attempts: attempt, Last: perm.err}
		}
		if errors.Is(last, context.Canceled) || ctx.Err() != nil {
			return attempt, last
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return attempt, err
		}
	}
	return p.MaxAttempts, &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}
