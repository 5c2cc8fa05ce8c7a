package storage

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"lingocast/internal/session"
)

// Archiver feeds the history archive from the control plane's
// lifecycle hooks without ever making admission wait. Writes flow
// through a bounded queue drained by a single goroutine, so join
// events land before the terminal snapshot that summarizes them. When
// the queue is full the write is dropped and counted; history is
// best-effort.
type Archiver struct {
	store     *HistoryStore
	queue     chan func(context.Context)
	done      chan struct{}
	opTimeout time.Duration
	dropped   atomic.Int64
}

// NewArchiver starts the archive writer with the given queue depth.
func NewArchiver(store *HistoryStore, depth int) *Archiver {
	if depth <= 0 {
		depth = 256
	}
	a := &Archiver{
		store:     store,
		queue:     make(chan func(context.Context), depth),
		done:      make(chan struct{}),
		opTimeout: 5 * time.Second,
	}
	go a.run()
	return a
}

func (a *Archiver) run() {
	defer close(a.done)
	for job := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.opTimeout)
		job(ctx)
		cancel()
	}
}

func (a *Archiver) enqueue(job func(context.Context)) {
	select {
	case a.queue <- job:
	default:
		if a.dropped.Add(1)%100 == 1 {
			slog.Warn("history queue full, dropping writes", "dropped_total", a.dropped.Load())
		}
	}
}

// RecordEvent archives one lifecycle event. The signature matches the
// websocket handler's event hook so it can be wired directly.
func (a *Archiver) RecordEvent(kind, sessionID string, payload map[string]any) {
	a.enqueue(func(ctx context.Context) {
		if err := a.store.RecordEvent(ctx, kind, sessionID, payload); err != nil {
			slog.Error("failed to archive event", "kind", kind, "session_id", sessionID, "error", err)
		}
	})
}

// SessionEnded archives the terminal snapshot. The signature matches
// session.SessionEndCallback so it can be wired directly.
func (a *Archiver) SessionEnded(sess *session.Session, reason string) {
	endedAt := time.Now().UnixMilli()
	rec := SessionRecord{
		SessionID:      sess.SessionID,
		SpeakerUserID:  sess.SpeakerUserID,
		SourceLanguage: sess.SourceLanguage,
		QualityTier:    sess.QualityTier,
		CreatedAt:      sess.CreatedAt,
		EndedAt:        endedAt,
		DurationMs:     endedAt - sess.CreatedAt,
		FinalListeners: sess.ListenerCount,
		EndReason:      reason,
	}
	a.enqueue(func(ctx context.Context) {
		if err := a.store.SaveSession(ctx, rec); err != nil {
			slog.Error("failed to archive session", "session_id", rec.SessionID, "error", err)
		}
	})
}

// Dropped reports how many writes were shed because the queue was
// full.
func (a *Archiver) Dropped() int64 {
	return a.dropped.Load()
}

// Close drains the queue and stops the writer. The underlying store is
// left open for the caller to close.
func (a *Archiver) Close() {
	close(a.queue)
	<-a.done
}
