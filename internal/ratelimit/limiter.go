// Package ratelimit applies per-operation fixed-window admission
// limits on top of the shared state store, so budgets hold across
// control-plane instances.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Op identifies a rate-limited admission operation.
type Op string

const (
	OpCreateSession Op = "createSession"
	OpJoinSession   Op = "joinSession"
)

// Window is one operation's budget.
type Window struct {
	Limit  int64
	Window time.Duration

	// FailClosed denies admission when the store cannot be consulted.
	// createSession fails closed because it is the expensive
	// operation; joins fail open so a store blip does not take down
	// listener admission.
	FailClosed bool
}

// Decision is the admission verdict. RetryAfter is whole seconds, at
// least one, whenever Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Checker is the store-side counter operation the limiter builds on.
type Checker interface {
	RateLimitCheck(ctx context.Context, identifier string, limit int64, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// WindowFunc resolves the current budget for an operation. Wired to
// the runtime settings snapshot so operators can tune limits without a
// restart.
type WindowFunc func(op Op) Window

// Limiter checks admission budgets.
type Limiter struct {
	store   Checker
	windows WindowFunc
}

// NewLimiter builds a limiter over the store counters.
func NewLimiter(store Checker, windows WindowFunc) *Limiter {
	return &Limiter{store: store, windows: windows}
}

// Allow checks one admission against its operation budget. The
// identifier is the caller's stable key: principal for createSession,
// IP hash for joinSession.
func (l *Limiter) Allow(ctx context.Context, op Op, identifier string) Decision {
	w := l.windows(op)
	if w.Limit <= 0 {
		return Decision{Allowed: true}
	}

	allowed, retryAfter, err := l.store.RateLimitCheck(ctx, string(op)+":"+identifier, w.Limit, w.Window)
	if err != nil {
		if w.FailClosed {
			slog.Error("rate limit check failed, failing closed", "op", op, "error", err)
			return Decision{Allowed: false, RetryAfter: time.Second}
		}
		slog.Warn("rate limit check failed, failing open", "op", op, "error", err)
		return Decision{Allowed: true}
	}

	if allowed {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfter: ceilSeconds(retryAfter)}
}

// ceilSeconds rounds up to whole seconds with a one-second floor.
func ceilSeconds(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}
