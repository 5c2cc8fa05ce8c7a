package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"lingocast/internal/auth"
	"lingocast/internal/session"
	"lingocast/internal/validate"
)

// refreshConnection admits a replacement transport for a connection
// nearing its lifetime cap. The peer opens a fresh connection; the old
// one stays live until the client drains and closes it, and its close
// must not tear the session down.
//
// A token marks a speaker refresh; listeners refresh anonymously with
// their target language.
func (h *Handler) refreshConnection(ctx context.Context, q url.Values, now time.Time, ipHash string) (*session.Session, *session.Connection, any, *admissionError) {
	sid := q.Get("sessionId")
	token := q.Get("token")

	if err := validate.SessionID(sid); err != nil {
		return nil, nil, nil, invalidField(err)
	}

	sess, err := h.getSession(ctx, sid)
	if err != nil {
		slog.Error("refresh lookup failed", "session_id", sid, "error", err)
		return nil, nil, nil, internalError()
	}
	if sess == nil || !sess.IsActive {
		return nil, nil, nil, sessionNotFound()
	}

	if token != "" {
		return h.refreshSpeaker(ctx, sess, token, now, ipHash)
	}
	return h.refreshListener(ctx, sess, q.Get("targetLanguage"), now, ipHash)
}

// refreshSpeaker swings the session's authoritative speaker pointer to
// a new connection. The old transport's later close sees the pointer
// mismatch and cleans up its record only.
func (h *Handler) refreshSpeaker(ctx context.Context, sess *session.Session, token string, now time.Time, ipHash string) (*session.Session, *session.Connection, any, *admissionError) {
	principal, err := h.authorize(ctx, token)
	if err != nil {
		if kind, ok := auth.Denied(err); ok {
			slog.Warn("refresh denied", "session_id", sess.SessionID, "kind", string(kind))
			h.event(EventAuthDenied, sess.SessionID, map[string]any{"kind": string(kind), "action": ActionRefreshConnection})
			h.metrics.AuthDenied(ctx, string(kind))
			return nil, nil, nil, unauthorized()
		}
		slog.Error("authorizer unavailable", "error", err)
		return nil, nil, nil, internalError()
	}
	if principal.UserID != sess.SpeakerUserID {
		slog.Warn("refresh principal mismatch", "session_id", sess.SessionID)
		return nil, nil, nil, unauthorized()
	}

	oldID := sess.SpeakerConnectionID
	rec := &session.Connection{
		ConnectionID:   uuid.NewString(),
		SessionID:      sess.SessionID,
		TargetLanguage: sess.SourceLanguage,
		Role:           session.RoleSpeaker,
		ConnectedAt:    now.UnixMilli(),
		TTL:            now.Add(h.maxConnDuration).UnixMilli(),
		IPAddressHash:  ipHash,
	}
	if err := h.storeOp(ctx, func(ctx context.Context) error {
		return h.store.PutConnection(ctx, rec)
	}); err != nil {
		slog.Error("refresh connection write failed", "session_id", sess.SessionID, "error", err)
		return nil, nil, nil, internalError()
	}

	var updated *session.Session
	err = h.storeOp(ctx, func(ctx context.Context) error {
		s, err := h.store.UpdateSession(ctx, sess.SessionID, session.SessionPatch{
			SpeakerConnectionID: &rec.ConnectionID,
			Condition:           session.Condition{ActiveOnly: true},
		})
		updated = s
		return err
	})
	if errors.Is(err, session.ErrConditionFailed) || errors.Is(err, session.ErrNotFound) {
		// Session died mid-refresh; the orphan record must not linger.
		h.dropRecord(rec.ConnectionID)
		return nil, nil, nil, sessionNotFound()
	}
	if err != nil {
		slog.Error("speaker pointer update failed", "session_id", sess.SessionID, "error", err)
		h.dropRecord(rec.ConnectionID)
		return nil, nil, nil, internalError()
	}

	slog.Info("speaker connection refreshed",
		"session_id", sess.SessionID,
		"old_connection_id", oldID,
		"new_connection_id", rec.ConnectionID,
	)
	h.event(EventConnectionRefreshed, sess.SessionID, map[string]any{"role": string(session.RoleSpeaker)})
	h.metrics.ConnectionRefreshed(ctx, string(session.RoleSpeaker))

	return updated, rec, newConnectionRefreshed(oldID, rec.ConnectionID, now.UnixMilli()), nil
}

// refreshListener attaches a replacement listener transport. The
// refreshing listener already holds a counted slot, so the increment
// here checks liveness only, not the capacity cap, and the old
// transport's close performs the balancing decrement. The reply omits
// oldConnectionId: the server cannot know which transport is being
// replaced for an anonymous peer.
func (h *Handler) refreshListener(ctx context.Context, sess *session.Session, target string, now time.Time, ipHash string) (*session.Session, *session.Connection, any, *admissionError) {
	if err := validate.Language("targetLanguage", target); err != nil {
		return nil, nil, nil, invalidField(err)
	}

	var updated *session.Session
	err := h.storeOp(ctx, func(ctx context.Context) error {
		s, err := h.store.UpdateSession(ctx, sess.SessionID, session.SessionPatch{
			AddListeners: 1,
			Condition:    session.Condition{ActiveOnly: true},
		})
		updated = s
		return err
	})
	if errors.Is(err, session.ErrConditionFailed) || errors.Is(err, session.ErrNotFound) {
		return nil, nil, nil, sessionNotFound()
	}
	if err != nil {
		slog.Error("refresh increment failed", "session_id", sess.SessionID, "error", err)
		return nil, nil, nil, internalError()
	}

	rec := &session.Connection{
		ConnectionID:   uuid.NewString(),
		SessionID:      sess.SessionID,
		TargetLanguage: target,
		Role:           session.RoleListener,
		ConnectedAt:    now.UnixMilli(),
		TTL:            now.Add(h.maxConnDuration).UnixMilli(),
		IPAddressHash:  ipHash,
	}
	if err := h.storeOp(ctx, func(ctx context.Context) error {
		return h.store.PutConnection(ctx, rec)
	}); err != nil {
		slog.Error("refresh connection write failed", "session_id", sess.SessionID, "error", err)
		h.compensateIncrement(sess.SessionID)
		return nil, nil, nil, internalError()
	}

	slog.Info("listener connection refreshed",
		"session_id", sess.SessionID,
		"new_connection_id", rec.ConnectionID,
	)
	h.event(EventConnectionRefreshed, sess.SessionID, map[string]any{"role": string(session.RoleListener)})
	h.metrics.ConnectionRefreshed(ctx, string(session.RoleListener))

	return updated, rec, newConnectionRefreshed("", rec.ConnectionID, now.UnixMilli()), nil
}

// dropRecord best-effort deletes a connection record written by an
// admission that could not complete.
func (h *Handler) dropRecord(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.storeOpTimeout)
	defer cancel()

	if err := h.store.DeleteConnection(ctx, connectionID); err != nil {
		slog.Error("orphan connection cleanup failed", "connection_id", connectionID, "error", err)
	}
}
