package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Terminal reasons recorded with a session's end.
const (
	EndReasonSpeakerDisconnect = "speaker_disconnect"
	EndReasonOperatorEnd       = "operator_end"
	EndReasonExpired           = "expired"
)

// SessionEndCallback is called once per session when it reaches its
// terminal state, before its connection records are reclaimed. Used to
// feed the history archive and metrics.
type SessionEndCallback func(sess *Session, reason string)

// Manager runs the background sweep: sessions past their retention
// horizon are terminated and backends without native TTL reclamation
// get their expired records dropped.
type Manager struct {
	store Store

	sweepInterval time.Duration
	opTimeout     time.Duration

	onSessionEnd SessionEndCallback
}

// NewManager creates a session manager sweeping every 30 seconds.
func NewManager(store Store) *Manager {
	return &Manager{
		store:         store,
		sweepInterval: 30 * time.Second,
		opTimeout:     2 * time.Second,
	}
}

// SetSweepInterval overrides the sweep cadence. Used by tests.
func (m *Manager) SetSweepInterval(d time.Duration) {
	m.sweepInterval = d
}

// SetSessionEndCallback sets the terminal-state hook.
func (m *Manager) SetSessionEndCallback(cb SessionEndCallback) {
	m.onSessionEnd = cb
}

// Run executes the sweep loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session manager stopping")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: expire overdue active sessions, then let
// the backend reap what TTLs don't cover.
func (m *Manager) Sweep(ctx context.Context) {
	now := time.Now()

	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	sessions, err := m.store.ListSessions(opCtx)
	cancel()
	if err != nil {
		slog.Error("sweep: listing sessions failed", "error", err)
		return
	}

	for i := range sessions {
		sess := &sessions[i]
		if sess.IsActive && sess.Expired(now) {
			m.expire(ctx, sess)
		}
	}

	if r, ok := m.store.(Reaper); ok {
		if n, err := r.Reap(ctx, now); err != nil {
			slog.Error("sweep: reap failed", "error", err)
		} else if n > 0 {
			slog.Debug("sweep reaped records", "count", n)
		}
	}
}

// expire flips an overdue session inactive and cleans up after it. The
// conditional flip makes this race-safe against a concurrent speaker
// disconnect; only the winner cascades.
func (m *Manager) expire(ctx context.Context, sess *Session) {
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	post, err := m.store.UpdateSession(opCtx, sess.SessionID, SessionPatch{
		SetInactive: true,
		Condition:   Condition{ActiveOnly: true},
	})
	if errors.Is(err, ErrConditionFailed) || errors.Is(err, ErrNotFound) {
		// Someone else terminated it first.
		return
	}
	if err != nil {
		slog.Error("sweep: expiring session failed", "session_id", sess.SessionID, "error", err)
		return
	}

	if err := m.store.SignalSessionEnd(opCtx, sess.SessionID); err != nil {
		slog.Error("sweep: signaling session end failed", "session_id", sess.SessionID, "error", err)
	}

	conns, err := m.store.ConnectionsBySession(opCtx, sess.SessionID)
	if err != nil {
		slog.Error("sweep: listing connections failed", "session_id", sess.SessionID, "error", err)
	}
	if len(conns) > 0 {
		ids := make([]string, len(conns))
		for i, c := range conns {
			ids[i] = c.ConnectionID
		}
		for i, derr := range m.store.BatchDeleteConnections(opCtx, ids) {
			if derr != nil {
				slog.Error("sweep: deleting connection failed", "connection_id", ids[i], "error", derr)
			}
		}
	}

	if m.onSessionEnd != nil {
		m.onSessionEnd(post, EndReasonExpired)
	}

	slog.Warn("session expired",
		"session_id", sess.SessionID,
		"age", time.Duration(time.Now().UnixMilli()-sess.CreatedAt)*time.Millisecond,
		"listener_count", post.ListenerCount,
	)
}

// Stats summarizes the store for the control surface.
type Stats struct {
	TotalSessions  int   `json:"total_sessions"`
	ActiveSessions int   `json:"active_sessions"`
	TotalListeners int64 `json:"total_listeners"`
}

// Stats aggregates session counts. Listener totals cover active
// sessions only.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	stats.TotalSessions = len(sessions)
	for _, s := range sessions {
		if s.IsActive {
			stats.ActiveSessions++
			stats.TotalListeners += s.ListenerCount
		}
	}
	return stats, nil
}
