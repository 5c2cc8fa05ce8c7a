package session

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Callers classify
// with errors.Is; anything else coming out of a backend is treated as
// transient and may be retried.
var (
	// ErrAlreadyExists is returned by PutSession when onlyIfAbsent is
	// set and a record with the same ID is already present.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrNotFound is returned by conditional updates against a missing
	// session. Plain reads return (nil, nil) for absence instead.
	ErrNotFound = errors.New("session not found")

	// ErrConditionFailed is returned when an update's guard does not
	// hold (session inactive, or listener cap would be exceeded).
	ErrConditionFailed = errors.New("session condition failed")
)

// Condition guards a conditional session update.
type Condition struct {
	// ActiveOnly requires IsActive to still be true.
	ActiveOnly bool

	// MaxListeners, when > 0, rejects a positive listener delta that
	// would push ListenerCount past the cap.
	MaxListeners int64
}

// SessionPatch describes a partial session update applied atomically
// under its Condition. Zero-valued fields are left untouched.
type SessionPatch struct {
	// SpeakerConnectionID, when non-nil, replaces the active speaker
	// transport pointer.
	SpeakerConnectionID *string

	// AddListeners adjusts ListenerCount by the given delta. The count
	// never drops below zero.
	AddListeners int64

	// SetInactive flips IsActive to false. Idempotent.
	SetInactive bool

	Condition Condition
}

// Store is the state store owning sessions, connections and rate-limit
// counters. Every other component goes through this interface; the
// backend (memory, Redis, Badger) never leaks to callers.
//
// All operations are safe under parallel callers. Conditional writes
// serialize races: create-if-absent claims session IDs, ActiveOnly
// guards listener increments against concurrent termination.
type Store interface {
	// GetSession retrieves a session by ID. Absence is (nil, nil).
	GetSession(ctx context.Context, id string) (*Session, error)

	// PutSession stores a session. With onlyIfAbsent it fails with
	// ErrAlreadyExists when the ID is taken.
	PutSession(ctx context.Context, s *Session, onlyIfAbsent bool) error

	// UpdateSession applies patch if its condition holds and returns
	// the post-image. ErrNotFound when absent, ErrConditionFailed when
	// the guard trips.
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error)

	// AddListeners atomically adjusts a session's listener count,
	// flooring at zero, and returns the new value.
	AddListeners(ctx context.Context, id string, delta int64) (int64, error)

	// GetConnection retrieves a connection by ID. Absence is (nil, nil).
	GetConnection(ctx context.Context, id string) (*Connection, error)

	// PutConnection stores a connection record and indexes it by
	// (sessionId, targetLanguage).
	PutConnection(ctx context.Context, c *Connection) error

	// DeleteConnection removes a connection record. Deleting a missing
	// record succeeds.
	DeleteConnection(ctx context.Context, id string) error

	// ConnectionsBySession returns all connection records attached to
	// a session. Reads may trail in-flight writes; callers tolerate
	// missing or extra records.
	ConnectionsBySession(ctx context.Context, sessionID string) ([]Connection, error)

	// ConnectionsByLanguage returns the session's connections for one
	// target language.
	ConnectionsByLanguage(ctx context.Context, sessionID, language string) ([]Connection, error)

	// BatchDeleteConnections removes records best-effort, returning a
	// per-item result aligned with ids.
	BatchDeleteConnections(ctx context.Context, ids []string) []error

	// RateLimitCheck atomically increments the fixed-window counter for
	// identifier and reports whether the request is admitted. The
	// window resets once windowStart + window has elapsed. When denied,
	// retryAfter is the time remaining in the window.
	RateLimitCheck(ctx context.Context, identifier string, limit int64, window time.Duration) (allowed bool, retryAfter time.Duration, err error)

	// ListSessions returns every stored session. Used by the sweeper
	// and the control surface only.
	ListSessions(ctx context.Context) ([]Session, error)

	// SessionEndSignal returns a channel closed when the session is
	// terminated anywhere. The Redis backend relays termination via
	// pub/sub so every instance closes its local channel.
	SessionEndSignal(sessionID string) <-chan struct{}

	// SignalSessionEnd marks the session terminated for signal
	// purposes, closing local channels and notifying peers.
	SignalSessionEnd(ctx context.Context, sessionID string) error

	Close() error
}

// Reaper is implemented by backends without native TTL reclamation.
// The manager invokes it on its sweep tick.
type Reaper interface {
	// Reap drops inactive sessions past their retention horizon,
	// expired connections and stale rate-limit counters. Returns the
	// number of records removed.
	Reap(ctx context.Context, now time.Time) (int, error)
}

// IsTransient reports whether a store error is worth retrying.
// Contract errors and context cancellation propagate immediately;
// everything else is assumed to be a backend blip.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConditionFailed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}
