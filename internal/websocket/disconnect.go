package websocket

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"lingocast/internal/session"
)

// disconnect runs close-path cleanup for a connection. It never
// reports failure to the transport layer: a retried close must observe
// the same outcome, so everything here is logged and absorbed.
func (h *Handler) disconnect(ctx context.Context, connectionID string) {
	var rec *session.Connection
	err := h.storeOp(ctx, func(ctx context.Context) error {
		c, err := h.store.GetConnection(ctx, connectionID)
		rec = c
		return err
	})
	if err != nil {
		slog.Error("disconnect lookup failed", "connection_id", connectionID, "error", err)
		return
	}
	if rec == nil {
		// Already cleaned up; close retries land here.
		return
	}

	switch rec.Role {
	case session.RoleListener:
		h.listenerLeft(ctx, rec)
	case session.RoleSpeaker:
		h.speakerLeft(ctx, rec)
	default:
		slog.Warn("connection with unknown role", "connection_id", connectionID, "role", string(rec.Role))
	}
}

// listenerLeft releases a listener's capacity slot. The record delete
// comes first so a retried close finds nothing to decrement; the
// floor-0 guard covers the remaining double-decrement window.
func (h *Handler) listenerLeft(ctx context.Context, rec *session.Connection) {
	if err := h.storeOp(ctx, func(ctx context.Context) error {
		return h.store.DeleteConnection(ctx, rec.ConnectionID)
	}); err != nil {
		slog.Error("listener record delete failed",
			"connection_id", rec.ConnectionID,
			"error", err,
		)
	}

	var count int64
	err := h.storeOp(ctx, func(ctx context.Context) error {
		n, err := h.store.AddListeners(ctx, rec.SessionID, -1)
		count = n
		return err
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		slog.Error("listener decrement failed",
			"session_id", rec.SessionID,
			"error", err,
		)
	}

	slog.Info("listener left",
		"session_id", rec.SessionID,
		"connection_id", rec.ConnectionID,
		"listener_count", count,
	)
	h.event(EventListenerLeft, rec.SessionID, map[string]any{"listenerCount": count})
	h.metrics.ListenerLeft(ctx)
}

// speakerLeft distinguishes a replaced transport from a terminal
// speaker disconnect by comparing the session's authoritative speaker
// pointer with the closing connection.
func (h *Handler) speakerLeft(ctx context.Context, rec *session.Connection) {
	sess, err := h.getSession(ctx, rec.SessionID)
	if err != nil {
		slog.Error("speaker disconnect lookup failed", "session_id", rec.SessionID, "error", err)
		return
	}
	if sess == nil {
		// The session is gone; only the record remains.
		h.dropRecord(rec.ConnectionID)
		return
	}

	if sess.SpeakerConnectionID != rec.ConnectionID {
		// A refresh replaced this transport; the session lives on.
		slog.Info("replaced speaker transport closed",
			"session_id", rec.SessionID,
			"connection_id", rec.ConnectionID,
		)
		h.dropRecord(rec.ConnectionID)
		return
	}

	h.endSession(ctx, sess, session.EndReasonSpeakerDisconnect)
}

// EndSession terminates a session by id and runs the full cascade.
// Used by the operator API and graceful shutdown; speaker disconnects
// arrive here through the close path. Returns ErrNotFound when no such
// session exists.
func (h *Handler) EndSession(ctx context.Context, sessionID, reason string) error {
	sess, err := h.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return session.ErrNotFound
	}
	h.endSession(ctx, sess, reason)
	return nil
}

// endSession is the terminal cascade: flip inactive, notify listeners,
// wake cross-instance watchers, drop connection records, archive. A
// failed conditional flip means another actor terminated first; the
// cascade still proceeds so a crashed predecessor's stragglers get
// notified; per-connection delivery stays exactly-once through the
// registry's end guard.
func (h *Handler) endSession(ctx context.Context, sess *session.Session, reason string) {
	endedAt := time.Now().UnixMilli()
	sid := sess.SessionID

	var updated *session.Session
	err := h.storeOp(ctx, func(ctx context.Context) error {
		s, err := h.store.UpdateSession(ctx, sid, session.SessionPatch{
			SetInactive: true,
			Condition:   session.Condition{ActiveOnly: true},
		})
		updated = s
		return err
	})
	winner := err == nil
	if err != nil && !errors.Is(err, session.ErrConditionFailed) && !errors.Is(err, session.ErrNotFound) {
		slog.Error("terminal flip failed", "session_id", sid, "error", err)
		h.dropRecord(sess.SpeakerConnectionID)
		return
	}

	final := *sess
	final.IsActive = false
	if updated != nil {
		final = *updated
	}

	var conns []session.Connection
	if err := h.storeOp(ctx, func(ctx context.Context) error {
		cs, err := h.store.ConnectionsBySession(ctx, sid)
		conns = cs
		return err
	}); err != nil {
		slog.Error("listener enumeration failed", "session_id", sid, "error", err)
	}

	listenerIDs := make([]string, 0, len(conns))
	allIDs := make([]string, 0, len(conns)+1)
	for _, c := range conns {
		if c.Role == session.RoleListener {
			listenerIDs = append(listenerIDs, c.ConnectionID)
		}
		allIDs = append(allIDs, c.ConnectionID)
	}
	if sess.SpeakerConnectionID != "" && !slices.Contains(allIDs, sess.SpeakerConnectionID) {
		allIDs = append(allIDs, sess.SpeakerConnectionID)
	}

	payload := MarshalFrame(NewSessionEnded(sid, endedAt))
	summary := h.registry.Broadcast(ctx, listenerIDs, payload, h.broadcastParallel())

	// Wake serve loops on other instances; their end guards dedupe.
	if err := h.store.SignalSessionEnd(ctx, sid); err != nil {
		slog.Error("session end signal failed", "session_id", sid, "error", err)
	}

	for i, derr := range h.store.BatchDeleteConnections(ctx, allIDs) {
		if derr != nil {
			slog.Warn("connection delete failed", "connection_id", allIDs[i], "error", derr)
		}
	}

	slog.Info("session ended",
		"session_id", sid,
		"reason", reason,
		"duration_ms", endedAt-sess.CreatedAt,
		"listener_count", final.ListenerCount,
		"sent", summary.Sent,
		"gone", summary.Gone,
		"failed", len(summary.Failed),
	)
	h.metrics.BroadcastSummary(ctx, summary.Sent, summary.Gone, len(summary.Failed))

	if winner {
		h.event(EventSessionEnded, sid, map[string]any{
			"reason":        reason,
			"listenerCount": final.ListenerCount,
			"durationMs":    endedAt - sess.CreatedAt,
		})
		h.metrics.SessionEnded(ctx, reason)
	}
	if h.onSessionEnd != nil {
		h.onSessionEnd(&final, reason)
	}
}
