// Package control serves the operator API on the control listener:
// live sessions, aggregate stats, the history archive, runtime
// settings, and operator-initiated session termination.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"lingocast/internal/config"
	"lingocast/internal/session"
	"lingocast/internal/storage"
)

// SessionEnder runs the operator-initiated terminal cascade: flip the
// session, notify every connection, reclaim records.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID, reason string) error
}

// ConnectionPolicy echoes connection lifetime tuning so dashboards and
// clients learn refresh timing without hardcoding it.
type ConnectionPolicy struct {
	MaxDurationSec int `json:"max_duration_sec"`
	WarningSec     int `json:"warning_sec"`
	RefreshSec     int `json:"refresh_sec"`
}

// Config wires the handler's dependencies. History, Metrics and
// Dashboard are optional; their routes disappear when nil.
type Config struct {
	Store           session.Store
	Manager         *session.Manager
	Ender           SessionEnder
	History         *storage.HistoryStore
	Settings        *config.SettingsStore
	Metrics         http.Handler
	Dashboard       http.Handler
	Policy          ConnectionPolicy
	RateLimitPerMin int
}

// Handler handles operator API requests.
type Handler struct {
	store    session.Store
	manager  *session.Manager
	ender    SessionEnder
	history  *storage.HistoryStore
	settings *config.SettingsStore
	policy   ConnectionPolicy
	mux      *http.ServeMux
}

// New creates the operator API handler.
func New(cfg Config) *Handler {
	h := &Handler{
		store:    cfg.Store,
		manager:  cfg.Manager,
		ender:    cfg.Ender,
		history:  cfg.History,
		settings: cfg.Settings,
		policy:   cfg.Policy,
		mux:      http.NewServeMux(),
	}

	api := http.NewServeMux()
	api.HandleFunc("/api/sessions", h.handleSessions)
	api.HandleFunc("/api/sessions/", h.handleSession)
	api.HandleFunc("/api/stats", h.handleStats)
	api.HandleFunc("/api/history", h.handleHistory)
	api.HandleFunc("/api/events", h.handleEvents)
	api.HandleFunc("/api/settings", h.handleSettings)

	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 120
	}
	limiter := httprate.Limit(perMin, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		}),
	)

	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.Handle("/api/", limiter(api))
	if cfg.Metrics != nil {
		h.mux.Handle("/metrics", cfg.Metrics)
	}
	if cfg.Dashboard != nil {
		h.mux.Handle("/", cfg.Dashboard)
	}

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS headers for dashboard access.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.mux.ServeHTTP(w, r)
}

// handleHealth handles GET /healthz.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UnixMilli(),
		Version:   "0.1.0",
	})
}

// handleSessions handles GET /api/sessions. Active sessions only by
// default; all=true includes ended sessions not yet reclaimed.
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	all, err := h.store.ListSessions(r.Context())
	if err != nil {
		slog.Error("failed to list sessions", "error", err)
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}

	includeEnded := r.URL.Query().Get("all") == "true"
	sessions := make([]session.Session, 0, len(all))
	for _, s := range all {
		if s.IsActive || includeEnded {
			sessions = append(sessions, s)
		}
	}
	slices.SortFunc(sessions, func(a, b session.Session) int {
		return int(b.CreatedAt - a.CreatedAt)
	})

	writeJSON(w, http.StatusOK, SessionsResponse{
		Total:    len(sessions),
		Sessions: sessions,
	})
}

// handleSession handles /api/sessions/{id} and /api/sessions/{id}/end.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sessionID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch r.Method {
	case http.MethodGet:
		h.getSession(w, r, sessionID)
	case http.MethodPost:
		if action == "end" {
			h.endSession(w, r, sessionID)
		} else {
			http.Error(w, "Unknown action", http.StatusBadRequest)
		}
	case http.MethodDelete:
		h.endSession(w, r, sessionID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// getSession handles GET /api/sessions/{id}: the session record plus
// live connection counts by target language.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("failed to get session", "session_id", id, "error", err)
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}
	if sess == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	conns, err := h.store.ConnectionsBySession(r.Context(), id)
	if err != nil {
		slog.Error("failed to list session connections", "session_id", id, "error", err)
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}

	detail := SessionDetail{
		Session:             *sess,
		Connections:         len(conns),
		ListenersByLanguage: make(map[string]int),
	}
	for _, c := range conns {
		if c.Role == session.RoleListener {
			detail.ListenersByLanguage[c.TargetLanguage]++
		}
	}

	writeJSON(w, http.StatusOK, detail)
}

// endSession handles POST /api/sessions/{id}/end. The cascade is the
// same one a speaker disconnect runs, with an operator end reason.
func (h *Handler) endSession(w http.ResponseWriter, r *http.Request, id string) {
	slog.Info("operator end requested", "session_id", id)

	err := h.ender.EndSession(r.Context(), id, session.EndReasonOperatorEnd)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		slog.Error("operator end failed", "session_id", id, "error", err)
		http.Error(w, "Failed to end session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ended",
		"session_id": id,
	})
}

// handleStats handles GET /api/stats: live counters from the store,
// archive aggregates when history is enabled, and connection policy.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	live, err := h.manager.Stats(r.Context())
	if err != nil {
		slog.Error("failed to read live stats", "error", err)
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := StatsResponse{
		Sessions:   live,
		Connection: h.policy,
	}

	if h.history != nil {
		since := queryInt64(r, "since")
		if archived, err := h.history.Stats(r.Context(), since); err == nil {
			resp.History = archived
		} else {
			slog.Error("failed to read archive stats", "error", err)
		}
		if events, err := h.history.EventStats(r.Context(), since); err == nil {
			resp.Events = events
		} else {
			slog.Error("failed to read event stats", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleHistory handles GET /api/history with archive filters.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		http.Error(w, "History disabled", http.StatusNotFound)
		return
	}

	opts := storage.ListSessionsOptions{
		Limit:          clampLimit(queryInt(r, "limit"), 50, 500),
		Offset:         queryInt(r, "offset"),
		EndReason:      r.URL.Query().Get("end_reason"),
		SpeakerUserID:  r.URL.Query().Get("speaker"),
		SourceLanguage: r.URL.Query().Get("source_language"),
		Since:          queryInt64(r, "since"),
		Until:          queryInt64(r, "until"),
	}

	records, err := h.history.ListSessions(r.Context(), opts)
	if err != nil {
		slog.Error("failed to list archived sessions", "error", err)
		http.Error(w, "History unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Total:    len(records),
		Sessions: records,
	})
}

// handleEvents handles GET /api/events with event log filters.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		http.Error(w, "History disabled", http.StatusNotFound)
		return
	}

	opts := storage.ListEventsOptions{
		Limit:     clampLimit(queryInt(r, "limit"), 100, 1000),
		Offset:    queryInt(r, "offset"),
		SessionID: r.URL.Query().Get("session_id"),
		Kind:      r.URL.Query().Get("kind"),
		Since:     queryInt64(r, "since"),
		Until:     queryInt64(r, "until"),
	}

	events, err := h.history.ListEvents(r.Context(), opts)
	if err != nil {
		slog.Error("failed to list events", "error", err)
		http.Error(w, "History unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, EventsResponse{
		Total:  len(events),
		Events: events,
	})
}

// handleSettings handles GET/PUT/DELETE /api/settings. GET returns the
// merged view by default; ?layer=default|local|diff selects others.
func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		switch r.URL.Query().Get("layer") {
		case "", "merged":
			writeJSON(w, http.StatusOK, h.settings.GetMerged())
		case string(config.LayerDefault):
			writeJSON(w, http.StatusOK, h.settings.GetDefaults())
		case string(config.LayerLocal):
			writeJSON(w, http.StatusOK, h.settings.GetLocal())
		case "diff":
			writeJSON(w, http.StatusOK, h.settings.GetDiff())
		default:
			http.Error(w, "Unknown layer", http.StatusBadRequest)
		}

	case http.MethodPut:
		var settings config.Settings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			http.Error(w, "Invalid settings payload", http.StatusBadRequest)
			return
		}
		if err := h.settings.SaveLocal(settings); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Info("runtime settings updated", "diff", len(h.settings.GetDiff()))
		writeJSON(w, http.StatusOK, h.settings.GetMerged())

	case http.MethodDelete:
		if err := h.settings.ResetToDefault(); err != nil {
			slog.Error("failed to reset settings", "error", err)
			http.Error(w, "Failed to reset settings", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, h.settings.GetMerged())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}

func queryInt64(r *http.Request, key string) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func clampLimit(v, def, hi int) int {
	if v <= 0 {
		return def
	}
	if v > hi {
		return hi
	}
	return v
}

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// SessionsResponse lists live sessions.
type SessionsResponse struct {
	Total    int               `json:"total"`
	Sessions []session.Session `json:"sessions"`
}

// SessionDetail is one live session with its connection breakdown.
type SessionDetail struct {
	session.Session
	Connections         int            `json:"connections"`
	ListenersByLanguage map[string]int `json:"listeners_by_language"`
}

// StatsResponse aggregates live and archived stats.
type StatsResponse struct {
	Sessions   session.Stats       `json:"sessions"`
	History    *storage.Stats      `json:"history,omitempty"`
	Events     *storage.EventStats `json:"events,omitempty"`
	Connection ConnectionPolicy    `json:"connection_policy"`
}

// HistoryResponse lists archived sessions.
type HistoryResponse struct {
	Total    int                     `json:"total"`
	Sessions []storage.SessionRecord `json:"sessions"`
}

// EventsResponse lists archived events.
type EventsResponse struct {
	Total  int             `json:"total"`
	Events []storage.Event `json:"events"`
}
