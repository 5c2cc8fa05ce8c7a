package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"lingocast/internal/session"
)

// heartbeat answers a heartbeat frame. Heartbeats never mutate session
// or connection records; they only report transport age. An unknown
// record still gets a courtesy ack because the transport may outlive
// its record (TTL reclaim, cascade cleanup) by a few seconds.
func (h *Handler) heartbeat(ctx context.Context, conn *websocket.Conn, rec *session.Connection) {
	now := time.Now()

	var known *session.Connection
	err := h.storeOp(ctx, func(ctx context.Context) error {
		c, err := h.store.GetConnection(ctx, rec.ConnectionID)
		known = c
		return err
	})
	if err != nil {
		slog.Warn("heartbeat lookup failed", "connection_id", rec.ConnectionID, "error", err)
	}
	if known == nil {
		slog.Debug("heartbeat for unknown connection", "connection_id", rec.ConnectionID)
		h.ack(ctx, conn, rec, now)
		return
	}

	if age := known.Age(now); age >= h.warningAge {
		remaining := h.maxConnDuration - age
		if remaining < 0 {
			remaining = 0
		}
		slog.Debug("connection nearing lifetime cap",
			"connection_id", rec.ConnectionID,
			"age_sec", int64(age.Seconds()),
			"expires_in_sec", int64(remaining.Seconds()),
		)
		if err := h.writeFrame(ctx, conn, newConnectionWarning(int64(remaining.Seconds()))); err != nil {
			slog.Debug("connection warning write failed", "connection_id", rec.ConnectionID, "error", err)
		}
		return
	}

	h.ack(ctx, conn, rec, now)
}

func (h *Handler) ack(ctx context.Context, conn *websocket.Conn, rec *session.Connection, now time.Time) {
	if err := h.writeFrame(ctx, conn, newHeartbeatAck(now.UnixMilli())); err != nil {
		slog.Debug("heartbeat ack write failed", "connection_id", rec.ConnectionID, "error", err)
	}
}
