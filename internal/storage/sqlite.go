// Package storage persists the session history archive: terminal
// session snapshots plus the append-only lifecycle event log, in
// SQLite. The archive is best-effort from the control plane's point of
// view; writers log failures and move on, and admission never waits on
// this package.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SessionRecord is a terminal session snapshot, written once when a
// broadcast ends. Timestamps are unix milliseconds.
type SessionRecord struct {
	SessionID      string `json:"session_id"`
	SpeakerUserID  string `json:"speaker_user_id"`
	SourceLanguage string `json:"source_language"`
	QualityTier    string `json:"quality_tier"`
	CreatedAt      int64  `json:"created_at"`
	EndedAt        int64  `json:"ended_at"`
	DurationMs     int64  `json:"duration_ms"`
	PeakListeners  int64  `json:"peak_listeners"`
	FinalListeners int64  `json:"final_listeners"`
	EndReason      string `json:"end_reason"`
}

// HistoryStore is the SQLite-backed archive.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (or creates) the archive database and runs
// migrations.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	// WAL keeps readers (the control API) off the writer's back.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	store := &HistoryStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("history archive initialized", "path", dbPath)
	return store, nil
}

func (s *HistoryStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		speaker_user_id TEXT NOT NULL,
		source_language TEXT NOT NULL,
		quality_tier TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		peak_listeners INTEGER NOT NULL DEFAULT 0,
		final_listeners INTEGER NOT NULL DEFAULT 0,
		end_reason TEXT NOT NULL,
		archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_end_reason ON sessions(end_reason);
	CREATE INDEX IF NOT EXISTS idx_sessions_speaker ON sessions(speaker_user_id);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		session_id TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveSession archives a terminal snapshot. Re-archiving the same
// session replaces the row, so a crash-retried cascade stays
// idempotent. A zero PeakListeners is reconstructed from the session's
// archived join events.
func (s *HistoryStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.PeakListeners < rec.FinalListeners {
		rec.PeakListeners = rec.FinalListeners
	}
	if peak, err := s.peakFromEvents(ctx, rec.SessionID); err == nil && peak > rec.PeakListeners {
		rec.PeakListeners = peak
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
		(session_id, speaker_user_id, source_language, quality_tier, created_at, ended_at, duration_ms, peak_listeners, final_listeners, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID,
		rec.SpeakerUserID,
		rec.SourceLanguage,
		rec.QualityTier,
		rec.CreatedAt,
		rec.EndedAt,
		rec.DurationMs,
		rec.PeakListeners,
		rec.FinalListeners,
		rec.EndReason,
	)
	if err != nil {
		return fmt.Errorf("archiving session: %w", err)
	}

	slog.Debug("session archived", "session_id", rec.SessionID, "end_reason", rec.EndReason)
	return nil
}

// peakFromEvents derives the high-water listener count from the join
// events recorded for the session. The payload key matches the
// listener_joined event payload emitted by the control plane.
func (s *HistoryStore) peakFromEvents(ctx context.Context, sessionID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(json_extract(payload, '$.listenerCount') AS INTEGER)), 0)
		FROM events WHERE session_id = ? AND kind = 'listener_joined'`, sessionID)

	var peak int64
	if err := row.Scan(&peak); err != nil {
		return 0, err
	}
	return peak, nil
}

// GetSession retrieves an archived session. Absence is (nil, nil).
func (s *HistoryStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, speaker_user_id, source_language, quality_tier, created_at, ended_at, duration_ms, peak_listeners, final_listeners, end_reason
		FROM sessions WHERE session_id = ?`, id)

	var rec SessionRecord
	err := row.Scan(
		&rec.SessionID,
		&rec.SpeakerUserID,
		&rec.SourceLanguage,
		&rec.QualityTier,
		&rec.CreatedAt,
		&rec.EndedAt,
		&rec.DurationMs,
		&rec.PeakListeners,
		&rec.FinalListeners,
		&rec.EndReason,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading archived session: %w", err)
	}
	return &rec, nil
}

// ListSessionsOptions filters the archive listing. Zero values are
// unset; Since and Until are unix milliseconds against ended_at.
type ListSessionsOptions struct {
	Limit          int
	Offset         int
	EndReason      string
	SpeakerUserID  string
	SourceLanguage string
	Since          int64
	Until          int64
}

// ListSessions returns archived sessions, most recently ended first.
func (s *HistoryStore) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]SessionRecord, error) {
	query := `
		SELECT session_id, speaker_user_id, source_language, quality_tier, created_at, ended_at, duration_ms, peak_listeners, final_listeners, end_reason
		FROM sessions WHERE 1=1`

	args := []interface{}{}

	if opts.EndReason != "" {
		query += " AND end_reason = ?"
		args = append(args, opts.EndReason)
	}
	if opts.SpeakerUserID != "" {
		query += " AND speaker_user_id = ?"
		args = append(args, opts.SpeakerUserID)
	}
	if opts.SourceLanguage != "" {
		query += " AND source_language = ?"
		args = append(args, opts.SourceLanguage)
	}
	if opts.Since > 0 {
		query += " AND ended_at >= ?"
		args = append(args, opts.Since)
	}
	if opts.Until > 0 {
		query += " AND ended_at <= ?"
		args = append(args, opts.Until)
	}

	query += " ORDER BY ended_at DESC"

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
		return nil, fmt.Errorf("listing archived sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		err := rows.Scan(
			&rec.SessionID,
			&rec.SpeakerUserID,
			&rec.SourceLanguage,
			&rec.QualityTier,
			&rec.CreatedAt,
			&rec.EndedAt,
			&rec.DurationMs,
			&rec.PeakListeners,
			&rec.FinalListeners,
			&rec.EndReason,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning archived session: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats aggregates the archive for the control API.
type Stats struct {
	TotalSessions    int64            `json:"total_sessions"`
	AvgDurationMs    float64          `json:"avg_duration_ms"`
	AvgPeakListeners float64          `json:"avg_peak_listeners"`
	MaxPeakListeners int64            `json:"max_peak_listeners"`
	ByEndReason      map[string]int64 `json:"sessions_by_end_reason"`
	BySourceLanguage map[string]int64 `json:"sessions_by_source_language"`
}

// Stats computes archive aggregates, optionally bounded to sessions
// ended at or after sinceMs.
func (s *HistoryStore) Stats(ctx context.Context, sinceMs int64) (*Stats, error) {
	stats := &Stats{
		ByEndReason:      make(map[string]int64),
		BySourceLanguage: make(map[string]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	if sinceMs > 0 {
		whereClause += " AND ended_at >= ?"
		args = append(args, sinceMs)
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(AVG(peak_listeners), 0),
			COALESCE(MAX(peak_listeners), 0)
		FROM sessions %s`, whereClause), args...)

	err := row.Scan(
		&stats.TotalSessions,
		&stats.AvgDurationMs,
		&stats.AvgPeakListeners,
		&stats.MaxPeakListeners,
	)
	if err != nil {
		return nil, fmt.Errorf("reading aggregate stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT end_reason, COUNT(*) FROM sessions %s GROUP BY end_reason`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("reading end-reason stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reason string
		var count int64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, err
		}
		stats.ByEndReason[reason] = count
	}

	rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT source_language, COUNT(*) FROM sessions %s GROUP BY source_language`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("reading language stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var lang string
		var count int64
		if err := rows.Scan(&lang, &count); err != nil {
			return nil, err
		}
		stats.BySourceLanguage[lang] = count
	}

	return stats, nil
}

// Cleanup removes archived sessions older than the retention horizon
// and returns the number removed.
func (s *HistoryStore) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	result, err := s.db.Exec("DELETE FROM sessions WHERE ended_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up archived sessions: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("archived sessions cleaned up", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}
