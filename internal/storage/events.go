package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Event is one archived lifecycle event. Kind strings come from the
// control plane (session_created, listener_joined, listener_left,
// connection_refreshed, session_ended, auth_denied, rate_limited);
// the archive stores whatever it is handed. Timestamp is unix
// milliseconds.
type Event struct {
	ID        int64           `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// RecordEvent appends a lifecycle event. The payload is stored as
// JSON; a nil payload is stored as an empty object.
func (s *HistoryStore) RecordEvent(ctx context.Context, kind, sessionID string, payload map[string]any) error {
	data := []byte("{}")
	if len(payload) > 0 {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding event payload: %w", err)
		}
		data = encoded
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, kind, session_id, payload)
		VALUES (?, ?, ?, ?)`,
		time.Now().UnixMilli(), kind, sessionID, string(data))
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// ListEventsOptions filters the event listing. Zero values are unset;
// Since and Until are unix milliseconds.
type ListEventsOptions struct {
	Limit     int
	Offset    int
	SessionID string
	Kind      string
	Since     int64
	Until     int64
}

// ListEvents returns archived events, newest first.
func (s *HistoryStore) ListEvents(ctx context.Context, opts ListEventsOptions) ([]Event, error) {
	query := `SELECT id, timestamp, kind, session_id, payload FROM events WHERE 1=1`
	args := []interface{}{}

	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Kind != "" {
		query += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if opts.Since > 0 {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}
	if opts.Until > 0 {
		query += " AND timestamp <= ?"
		args = append(args, opts.Until)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Kind, &ev.SessionID, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SessionEvents returns every event for one session in chronological
// order, oldest first.
func (s *HistoryStore) SessionEvents(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, kind, session_id, payload
		FROM events WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Kind, &ev.SessionID, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventStats aggregates the event log.
type EventStats struct {
	TotalEvents    int64            `json:"total_events"`
	EventsByKind   map[string]int64 `json:"events_by_kind"`
	UniqueSessions int64            `json:"unique_sessions"`
}

// EventStats computes event aggregates, optionally bounded to events
// recorded at or after sinceMs.
func (s *HistoryStore) EventStats(ctx context.Context, sinceMs int64) (*EventStats, error) {
	stats := &EventStats{EventsByKind: make(map[string]int64)}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	if sinceMs > 0 {
		whereClause += " AND timestamp >= ?"
		args = append(args, sinceMs)
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COUNT(DISTINCT session_id) FROM events %s`, whereClause), args...)
	if err := row.Scan(&stats.TotalEvents, &stats.UniqueSessions); err != nil {
		return nil, fmt.Errorf("reading event totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT kind, COUNT(*) FROM events %s GROUP BY kind`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("reading event kind stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		stats.EventsByKind[kind] = count
	}
	return stats, rows.Err()
}

// CleanupEvents removes events older than the retention horizon and
// returns the number removed.
func (s *HistoryStore) CleanupEvents(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	result, err := s.db.Exec("DELETE FROM events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up events: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("archived events cleaned up", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}
