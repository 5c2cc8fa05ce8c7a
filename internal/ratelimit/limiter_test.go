package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"lingocast/internal/session"
)

func testWindows(failClosed bool) WindowFunc {
	return func(op Op) Window {
		switch op {
		case OpCreateSession:
			return Window{Limit: 2, Window: time.Minute, FailClosed: failClosed}
		case OpJoinSession:
			return Window{Limit: 3, Window: time.Minute}
		default:
			return Window{}
		}
	}
}

func TestAllowWithinBudget(t *testing.T) {
	l := NewLimiter(session.NewMemoryStore(), testWindows(true))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := l.Allow(ctx, OpCreateSession, "user-42")
		if !d.Allowed {
			t.Fatalf("expected request %d allowed", i)
		}
	}

	d := l.Allow(ctx, OpCreateSession, "user-42")
	if d.Allowed {
		t.Error("expected third create denied")
	}
	if d.RetryAfter < time.Second {
		t.Errorf("expected retryAfter of at least 1s, got %v", d.RetryAfter)
	}
	if d.RetryAfter%time.Second != 0 {
		t.Errorf("expected whole-second retryAfter, got %v", d.RetryAfter)
	}
}

func TestAllowSeparatesOperationsAndIdentifiers(t *testing.T) {
	l := NewLimiter(session.NewMemoryStore(), testWindows(true))
	ctx := context.Background()

	// Exhaust the create budget for one principal.
	l.Allow(ctx, OpCreateSession, "user-42")
	l.Allow(ctx, OpCreateSession, "user-42")
	if d := l.Allow(ctx, OpCreateSession, "user-42"); d.Allowed {
		t.Error("expected user-42 create budget exhausted")
	}

	// Joins by the same identifier and creates by others still pass.
	if d := l.Allow(ctx, OpJoinSession, "user-42"); !d.Allowed {
		t.Error("expected join budget untouched by create budget")
	}
	if d := l.Allow(ctx, OpCreateSession, "user-99"); !d.Allowed {
		t.Error("expected another principal's create budget untouched")
	}
}

func TestAllowUnlimitedWhenNoBudget(t *testing.T) {
	l := NewLimiter(session.NewMemoryStore(), func(op Op) Window { return Window{} })
	for i := 0; i < 50; i++ {
		if d := l.Allow(context.Background(), OpCreateSession, "user-42"); !d.Allowed {
			t.Fatalf("expected unlimited op allowed, denied at %d", i)
		}
	}
}

// failingChecker simulates a store outage.
type failingChecker struct{}

func (failingChecker) RateLimitCheck(ctx context.Context, identifier string, limit int64, window time.Duration) (bool, time.Duration, error) {
	return false, 0, errors.New("store unavailable")
}

func TestAllowStoreFailurePolicy(t *testing.T) {
	l := NewLimiter(failingChecker{}, testWindows(true))
	ctx := context.Background()

	// createSession fails closed.
	d := l.Allow(ctx, OpCreateSession, "user-42")
	if d.Allowed {
		t.Error("expected createSession denied when the store is down")
	}
	if d.RetryAfter < time.Second {
		t.Errorf("expected retryAfter of at least 1s, got %v", d.RetryAfter)
	}

	// joinSession fails open.
	if d := l.Allow(ctx, OpJoinSession, "somehash"); !d.Allowed {
		t.Error("expected joinSession allowed when the store is down")
	}
}

func TestCeilSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, time.Second},
		{300 * time.Millisecond, time.Second},
		{time.Second, time.Second},
		{1100 * time.Millisecond, 2 * time.Second},
		{59*time.Second + time.Millisecond, time.Minute},
	}
	for _, tt := range tests {
		if got := ceilSeconds(tt.in); got != tt.want {
			t.Errorf("ceilSeconds(%v): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}
