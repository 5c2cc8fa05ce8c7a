package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Permanent marks err as not worth retrying regardless of how
// IsTransient would classify it. Retry unwraps the marker, so callers
// see the original error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// RetryPolicy shapes the backoff applied to transient store errors.
// The zero value is unusable; use DefaultRetryPolicy.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// BaseDelay is the backoff for the first retry; each subsequent
	// retry doubles it up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Sleep is the wait function, replaceable in tests. Nil means
	// sleep on a timer, aborting when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy matches the store's failure-handling contract:
// 100ms doubling to a 3200ms cap, full jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    3200 * time.Millisecond,
	}
}

// Retry runs op, retrying transient failures with exponential backoff
// and full jitter. Contract errors (ErrNotFound, ErrAlreadyExists,
// ErrConditionFailed) and context errors propagate immediately. The
// last error is returned once the attempt budget is spent.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepTimer
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, p.backoff(attempt-1)); serr != nil {
				return serr
			}
		}
		err = op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !IsTransient(err) {
			return err
		}
	}
	return err
}

// backoff returns the jittered delay before retry n (0-based).
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.BaseDelay << uint(n)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Full jitter: uniform in [0, d).
	return time.Duration(rand.Int64N(int64(d)))
}

func sleepTimer(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
