package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"lingocast/internal/session"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()

	store, err := NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create history store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id string, endedAt int64) SessionRecord {
	return SessionRecord{
		SessionID:      id,
		SpeakerUserID:  "speaker-1",
		SourceLanguage: "en",
		QualityTier:    "standard",
		CreatedAt:      endedAt - 600000,
		EndedAt:        endedAt,
		DurationMs:     600000,
		PeakListeners:  3,
		FinalListeners: 2,
		EndReason:      "speaker_disconnect",
	}
}

func TestSaveAndGetSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("brave-otter-201", time.Now().UnixMilli())
	if err := store.SaveSession(ctx, rec); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}

	got, err := store.GetSession(ctx, "brave-otter-201")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got == nil {
		t.Fatal("retrieved session is nil")
	}

	if got.SessionID != rec.SessionID {
		t.Errorf("expected session id %s, got %s", rec.SessionID, got.SessionID)
	}
	if got.SpeakerUserID != rec.SpeakerUserID {
		t.Errorf("expected speaker %s, got %s", rec.SpeakerUserID, got.SpeakerUserID)
	}
	if got.DurationMs != rec.DurationMs {
		t.Errorf("expected duration %d, got %d", rec.DurationMs, got.DurationMs)
	}
	if got.PeakListeners != rec.PeakListeners {
		t.Errorf("expected peak %d, got %d", rec.PeakListeners, got.PeakListeners)
	}
	if got.EndReason != rec.EndReason {
		t.Errorf("expected end reason %s, got %s", rec.EndReason, got.EndReason)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.GetSession(context.Background(), "quiet-falcon-999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Error("expected nil for session never archived")
	}
}

func TestSaveSessionReplacesOnRetry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A crash-retried cascade archives the same session twice; the
	// second write must replace, not duplicate.
	rec := testRecord("brave-otter-202", time.Now().UnixMilli())
	if err := store.SaveSession(ctx, rec); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}

	rec.FinalListeners = 0
	rec.EndReason = "operator_end"
	if err := store.SaveSession(ctx, rec); err != nil {
		t.Fatalf("failed to re-save session: %v", err)
	}

	sessions, err := store.ListSessions(ctx, ListSessionsOptions{})
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 archived session, got %d", len(sessions))
	}
	if sessions[0].EndReason != "operator_end" {
		t.Errorf("expected end reason operator_end, got %s", sessions[0].EndReason)
	}
}

func TestSaveSessionBackfillsPeakFromEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Three joins and a leave ran before the session ended.
	for i, count := range []int64{1, 2, 3} {
		err := store.RecordEvent(ctx, "listener_joined", "brave-otter-203", map[string]any{
			"listenerCount":  count,
			"targetLanguage": []string{"es", "fr", "de"}[i],
		})
		if err != nil {
			t.Fatalf("failed to record join event: %v", err)
		}
	}
	if err := store.RecordEvent(ctx, "listener_left", "brave-otter-203", map[string]any{"listenerCount": int64(2)}); err != nil {
		t.Fatalf("failed to record leave event: %v", err)
	}

	rec := testRecord("brave-otter-203", time.Now().UnixMilli())
	rec.PeakListeners = 0
	rec.FinalListeners = 2
	if err := store.SaveSession(ctx, rec); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}

	got, err := store.GetSession(ctx, "brave-otter-203")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.PeakListeners != 3 {
		t.Errorf("expected peak 3 reconstructed from join events, got %d", got.PeakListeners)
	}
	if got.FinalListeners != 2 {
		t.Errorf("expected final 2, got %d", got.FinalListeners)
	}
}

func TestListSessionsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	recs := []SessionRecord{
		testRecord("calm-heron-301", base-3000),
		testRecord("calm-heron-302", base-2000),
		testRecord("calm-heron-303", base-1000),
	}
	recs[1].EndReason = "operator_end"
	recs[2].SourceLanguage = "fr"
	for _, rec := range recs {
		if err := store.SaveSession(ctx, rec); err != nil {
			t.Fatalf("failed to save session: %v", err)
		}
	}

	// Newest ended first.
	all, err := store.ListSessions(ctx, ListSessionsOptions{})
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
	if all[0].SessionID != "calm-heron-303" {
		t.Errorf("expected calm-heron-303 first, got %s", all[0].SessionID)
	}

	byReason, err := store.ListSessions(ctx, ListSessionsOptions{EndReason: "operator_end"})
	if err != nil {
		t.Fatalf("failed to list by reason: %v", err)
	}
	if len(byReason) != 1 || byReason[0].SessionID != "calm-heron-302" {
		t.Errorf("expected only calm-heron-302 for operator_end, got %v", byReason)
	}

	byLang, err := store.ListSessions(ctx, ListSessionsOptions{SourceLanguage: "fr"})
	if err != nil {
		t.Fatalf("failed to list by language: %v", err)
	}
	if len(byLang) != 1 || byLang[0].SessionID != "calm-heron-303" {
		t.Errorf("expected only calm-heron-303 for fr, got %v", byLang)
	}

	since, err := store.ListSessions(ctx, ListSessionsOptions{Since: base - 2500})
	if err != nil {
		t.Fatalf("failed to list since: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("expected 2 sessions since cutoff, got %d", len(since))
	}

	paged, err := store.ListSessions(ctx, ListSessionsOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list page: %v", err)
	}
	if len(paged) != 1 || paged[0].SessionID != "calm-heron-302" {
		t.Errorf("expected second page to hold calm-heron-302, got %v", paged)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	reasons := []string{"speaker_disconnect", "speaker_disconnect", "operator_end", "expired"}
	for i, reason := range reasons {
		rec := testRecord("witty-crane-40"+string(rune('1'+i)), base-int64(i)*1000)
		rec.EndReason = reason
		rec.DurationMs = int64((i + 1) * 100000)
		rec.PeakListeners = int64(i + 1)
		if i == 3 {
			rec.SourceLanguage = "fr"
		}
		if err := store.SaveSession(ctx, rec); err != nil {
			t.Fatalf("failed to save session: %v", err)
		}
	}

	stats, err := store.Stats(ctx, 0)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}

	if stats.TotalSessions != 4 {
		t.Errorf("expected 4 total sessions, got %d", stats.TotalSessions)
	}
	if stats.ByEndReason["speaker_disconnect"] != 2 {
		t.Errorf("expected 2 speaker_disconnect sessions, got %d", stats.ByEndReason["speaker_disconnect"])
	}
	if stats.ByEndReason["operator_end"] != 1 {
		t.Errorf("expected 1 operator_end session, got %d", stats.ByEndReason["operator_end"])
	}
	if stats.BySourceLanguage["en"] != 3 {
		t.Errorf("expected 3 en sessions, got %d", stats.BySourceLanguage["en"])
	}
	if stats.MaxPeakListeners != 4 {
		t.Errorf("expected max peak 4, got %d", stats.MaxPeakListeners)
	}
	if stats.AvgDurationMs != 250000 {
		t.Errorf("expected avg duration 250000, got %f", stats.AvgDurationMs)
	}

	// Bounded to the two most recent.
	bounded, err := store.Stats(ctx, base-1500)
	if err != nil {
		t.Fatalf("failed to get bounded stats: %v", err)
	}
	if bounded.TotalSessions != 2 {
		t.Errorf("expected 2 sessions in bounded window, got %d", bounded.TotalSessions)
	}
}

func TestCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	old := testRecord("aged-ibis-501", now.AddDate(0, 0, -40).UnixMilli())
	fresh := testRecord("aged-ibis-502", now.Add(-time.Hour).UnixMilli())
	if err := store.SaveSession(ctx, old); err != nil {
		t.Fatalf("failed to save old session: %v", err)
	}
	if err := store.SaveSession(ctx, fresh); err != nil {
		t.Fatalf("failed to save fresh session: %v", err)
	}

	deleted, err := store.Cleanup(30)
	if err != nil {
		t.Fatalf("failed to cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	gone, _ := store.GetSession(ctx, "aged-ibis-501")
	if gone != nil {
		t.Error("session past retention should have been deleted")
	}
	kept, _ := store.GetSession(ctx, "aged-ibis-502")
	if kept == nil {
		t.Error("session inside retention should still exist")
	}
}

func TestRecordAndListEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []struct {
		kind      string
		sessionID string
	}{
		{"session_created", "keen-lynx-601"},
		{"listener_joined", "keen-lynx-601"},
		{"session_created", "keen-lynx-602"},
		{"session_ended", "keen-lynx-601"},
	}
	for _, ev := range events {
		if err := store.RecordEvent(ctx, ev.kind, ev.sessionID, map[string]any{"sourceLanguage": "en"}); err != nil {
			t.Fatalf("failed to record event: %v", err)
		}
	}

	all, err := store.ListEvents(ctx, ListEventsOptions{})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	// Newest first.
	if all[0].Kind != "session_ended" {
		t.Errorf("expected session_ended first, got %s", all[0].Kind)
	}

	byKind, err := store.ListEvents(ctx, ListEventsOptions{Kind: "session_created"})
	if err != nil {
		t.Fatalf("failed to list by kind: %v", err)
	}
	if len(byKind) != 2 {
		t.Errorf("expected 2 session_created events, got %d", len(byKind))
	}

	bySession, err := store.ListEvents(ctx, ListEventsOptions{SessionID: "keen-lynx-601"})
	if err != nil {
		t.Fatalf("failed to list by session: %v", err)
	}
	if len(bySession) != 3 {
		t.Errorf("expected 3 events for keen-lynx-601, got %d", len(bySession))
	}

	limited, err := store.ListEvents(ctx, ListEventsOptions{Limit: 2})
	if err != nil {
		t.Fatalf("failed to list with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 events with limit, got %d", len(limited))
	}

	none, err := store.ListEvents(ctx, ListEventsOptions{Since: time.Now().Add(time.Minute).UnixMilli()})
	if err != nil {
		t.Fatalf("failed to list with future cutoff: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no events past a future cutoff, got %d", len(none))
	}
}

func TestSessionEventsChronological(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	kinds := []string{"session_created", "listener_joined", "listener_left", "session_ended"}
	for _, kind := range kinds {
		if err := store.RecordEvent(ctx, kind, "bold-finch-701", nil); err != nil {
			t.Fatalf("failed to record event: %v", err)
		}
	}

	events, err := store.SessionEvents(ctx, "bold-finch-701")
	if err != nil {
		t.Fatalf("failed to get session events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i, kind := range kinds {
		if events[i].Kind != kind {
			t.Errorf("expected event %d to be %s, got %s", i, kind, events[i].Kind)
		}
	}
	if string(events[0].Payload) != "{}" {
		t.Errorf("expected empty payload object, got %s", events[0].Payload)
	}
}

func TestEventStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pairs := []struct {
		kind      string
		sessionID string
	}{
		{"session_created", "wise-stork-801"},
		{"listener_joined", "wise-stork-801"},
		{"listener_joined", "wise-stork-801"},
		{"session_created", "wise-stork-802"},
		{"rate_limited", ""},
	}
	for _, p := range pairs {
		if err := store.RecordEvent(ctx, p.kind, p.sessionID, nil); err != nil {
			t.Fatalf("failed to record event: %v", err)
		}
	}

	stats, err := store.EventStats(ctx, 0)
	if err != nil {
		t.Fatalf("failed to get event stats: %v", err)
	}

	if stats.TotalEvents != 5 {
		t.Errorf("expected 5 total events, got %d", stats.TotalEvents)
	}
	if stats.EventsByKind["listener_joined"] != 2 {
		t.Errorf("expected 2 listener_joined events, got %d", stats.EventsByKind["listener_joined"])
	}
	// Two real sessions plus the empty id from the rate_limited event.
	if stats.UniqueSessions != 3 {
		t.Errorf("expected 3 unique session ids, got %d", stats.UniqueSessions)
	}
}

func TestCleanupEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordEvent(ctx, "session_created", "tidy-swan-901", nil); err != nil {
		t.Fatalf("failed to record event: %v", err)
	}

	// Nothing is older than a day yet.
	deleted, err := store.CleanupEvents(1)
	if err != nil {
		t.Fatalf("failed to cleanup events: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected 0 deleted, got %d", deleted)
	}

	// Age the row directly; RecordEvent always stamps now.
	if _, err := store.db.Exec("UPDATE events SET timestamp = ?", time.Now().AddDate(0, 0, -10).UnixMilli()); err != nil {
		t.Fatalf("failed to age event: %v", err)
	}

	deleted, err = store.CleanupEvents(7)
	if err != nil {
		t.Fatalf("failed to cleanup aged events: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestArchiverDrainsOnClose(t *testing.T) {
	store := newTestStore(t)
	archiver := NewArchiver(store, 16)

	archiver.RecordEvent("session_created", "late-owl-101", map[string]any{"sourceLanguage": "en"})
	archiver.RecordEvent("listener_joined", "late-owl-101", map[string]any{"listenerCount": int64(1)})

	ended := time.Now().UnixMilli()
	archiver.SessionEnded(&session.Session{
		SessionID:      "late-owl-101",
		SpeakerUserID:  "speaker-9",
		SourceLanguage: "en",
		QualityTier:    "standard",
		CreatedAt:      ended - 90000,
		ListenerCount:  1,
	}, session.EndReasonOperatorEnd)

	// Close drains the queue before returning.
	archiver.Close()

	ctx := context.Background()
	rec, err := store.GetSession(ctx, "late-owl-101")
	if err != nil {
		t.Fatalf("failed to get archived session: %v", err)
	}
	if rec == nil {
		t.Fatal("session end never reached the archive")
	}
	if rec.EndReason != session.EndReasonOperatorEnd {
		t.Errorf("expected end reason %s, got %s", session.EndReasonOperatorEnd, rec.EndReason)
	}
	if rec.DurationMs <= 0 {
		t.Errorf("expected positive duration, got %d", rec.DurationMs)
	}
	if rec.PeakListeners != 1 {
		t.Errorf("expected peak 1 from the join event, got %d", rec.PeakListeners)
	}

	events, err := store.SessionEvents(ctx, "late-owl-101")
	if err != nil {
		t.Fatalf("failed to get session events: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 archived events, got %d", len(events))
	}
	if archiver.Dropped() != 0 {
		t.Errorf("expected no dropped writes, got %d", archiver.Dropped())
	}
}
