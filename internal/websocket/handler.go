// Package websocket owns the client-facing control plane: admission of
// speakers and listeners, the post-admission frame loop, transport
// refresh and the disconnect cascade. Audio never flows through here;
// the handler only decides who may attach to a session and keeps the
// store in step with transport lifecycle.
package websocket

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"lingocast/internal/auth"
	"lingocast/internal/broadcast"
	"lingocast/internal/naming"
	"lingocast/internal/ratelimit"
	"lingocast/internal/redact"
	"lingocast/internal/session"
	"lingocast/internal/telemetry"
	"lingocast/internal/validate"
)

// Event kinds recorded through the EventFunc hook.
const (
	EventSessionCreated      = "session_created"
	EventListenerJoined      = "listener_joined"
	EventListenerLeft        = "listener_left"
	EventConnectionRefreshed = "connection_refreshed"
	EventSessionEnded        = "session_ended"
	EventAuthDenied          = "auth_denied"
	EventRateLimited         = "rate_limited"
)

// EventFunc records a lifecycle event for the history archive. Sinks
// must be fast; the handler never waits on them.
type EventFunc func(kind, sessionID string, payload map[string]any)

// HandlerConfig holds all dependencies and tunables for a Handler.
type HandlerConfig struct {
	Store      session.Store
	Registry   *broadcast.Registry
	Authorizer *auth.Authorizer
	Limiter    *ratelimit.Limiter
	Generator  *naming.Generator
	Languages  *validate.LanguageSupport
	Metrics    *telemetry.Metrics

	// MaxListeners and BroadcastParallel read the runtime settings
	// snapshot so operator changes apply without a restart.
	MaxListeners      func() int64
	BroadcastParallel func() int

	MaxConnDuration   time.Duration // transport lifetime cap
	WarningAge        time.Duration // heartbeat warning threshold
	Retention         time.Duration // session expiresAt offset
	AdmissionDeadline time.Duration
	StoreOpTimeout    time.Duration
	SendTimeout       time.Duration
	PingInterval      time.Duration
	IPHashSalt        string

	OnSessionEnd session.SessionEndCallback
	OnEvent      EventFunc
}

// Handler routes a new transport to one of three admission transitions
// (createSession, joinSession, refreshConnection) and then serves the
// connection until it closes.
type Handler struct {
	store      session.Store
	registry   *broadcast.Registry
	authorizer *auth.Authorizer
	limiter    *ratelimit.Limiter
	generator  *naming.Generator
	languages  *validate.LanguageSupport
	metrics    *telemetry.Metrics

	maxListeners      func() int64
	broadcastParallel func() int

	maxConnDuration   time.Duration
	warningAge        time.Duration
	retention         time.Duration
	admissionDeadline time.Duration
	storeOpTimeout    time.Duration
	sendTimeout       time.Duration
	pingInterval      time.Duration
	ipHashSalt        string

	retry session.RetryPolicy

	onSessionEnd session.SessionEndCallback
	onEvent      EventFunc
}

// NewHandler creates a connection handler. Zero tunables fall back to
// the documented defaults.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxListeners == nil {
		cfg.MaxListeners = func() int64 { return 500 }
	}
	if cfg.BroadcastParallel == nil {
		cfg.BroadcastParallel = func() int { return 32 }
	}
	if cfg.MaxConnDuration <= 0 {
		cfg.MaxConnDuration = 7200 * time.Second
	}
	if cfg.WarningAge <= 0 {
		cfg.WarningAge = 6300 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 43200 * time.Second
	}
	if cfg.AdmissionDeadline <= 0 {
		cfg.AdmissionDeadline = 5 * time.Second
	}
	if cfg.StoreOpTimeout <= 0 {
		cfg.StoreOpTimeout = 2 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}

	return &Handler{
		store:             cfg.Store,
		registry:          cfg.Registry,
		authorizer:        cfg.Authorizer,
		limiter:           cfg.Limiter,
		generator:         cfg.Generator,
		languages:         cfg.Languages,
		metrics:           cfg.Metrics,
		maxListeners:      cfg.MaxListeners,
		broadcastParallel: cfg.BroadcastParallel,
		maxConnDuration:   cfg.MaxConnDuration,
		warningAge:        cfg.WarningAge,
		retention:         cfg.Retention,
		admissionDeadline: cfg.AdmissionDeadline,
		storeOpTimeout:    cfg.StoreOpTimeout,
		sendTimeout:       cfg.SendTimeout,
		pingInterval:      cfg.PingInterval,
		ipHashSalt:        cfg.IPHashSalt,
		retry:             session.DefaultRetryPolicy(),
		onSessionEnd:      cfg.OnSessionEnd,
		onEvent:           cfg.OnEvent,
	}
}

// Connection lifecycle states. Only Admitting→Active is visible to the
// peer, via the admission reply. Closing runs the disconnect path
// exactly once.
type connState int32

const (
	stateAdmitting connState = iota
	stateActive
	stateClosing
	stateClosed
)

type stateMachine struct{ v atomic.Int32 }

func (s *stateMachine) to(from, next connState) bool {
	return s.v.CompareAndSwap(int32(from), int32(next))
}

// admissionError carries the wire error code for a failed admission.
type admissionError struct {
	code       string
	message    string
	retryAfter int64
}

func invalidInput(field string) *admissionError {
	return &admissionError{code: CodeInvalidInput, message: "invalid " + field}
}

func invalidField(err error) *admissionError {
	if fe, ok := validate.AsFieldError(err); ok {
		return invalidInput(fe.Field)
	}
	return &admissionError{code: CodeInvalidInput, message: "invalid input"}
}

func unauthorized() *admissionError {
	return &admissionError{code: CodeUnauthorized, message: "authorization denied"}
}

func rateLimited(retryAfter time.Duration) *admissionError {
	return &admissionError{code: CodeRateLimited, message: "rate limited", retryAfter: int64(retryAfter.Seconds())}
}

func sessionNotFound() *admissionError {
	return &admissionError{code: CodeSessionNotFound, message: "session not found"}
}

func sessionFull() *admissionError {
	return &admissionError{code: CodeSessionFull, message: "session full"}
}

func unsupportedLanguage() *admissionError {
	return &admissionError{code: CodeUnsupportedLanguage, message: "language pair not supported"}
}

func internalError() *admissionError {
	return &admissionError{code: CodeInternalError, message: "internal error"}
}

// connTransport adapts a live connection to the broadcast registry.
// Closed-peer failures are folded into ErrGone so fan-out callers know
// not to retry.
type connTransport struct {
	conn    *websocket.Conn
	metrics *telemetry.Metrics
}

func (t *connTransport) Write(ctx context.Context, payload []byte) error {
	start := time.Now()
	err := t.conn.Write(ctx, websocket.MessageText, payload)
	t.metrics.SendLatency(ctx, time.Since(start))
	if err == nil {
		return nil
	}
	if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return broadcast.ErrGone
	}
	return err
}

// ServeHTTP upgrades the transport and runs admission plus the serve
// loop inline; the handler does not return until the connection is
// done, mirroring the hijacked-connection lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := q.Get("action")

	slog.Info("websocket upgrade request",
		"action", action,
		"url", redact.URL(r.URL),
	)

	// Listeners join from arbitrary web origins; origin policy is not
	// part of admission.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4096)

	ctx := r.Context()
	st := &stateMachine{}
	start := time.Now()
	ipHash := h.hashIP(r.RemoteAddr)

	admCtx, cancelAdm := context.WithTimeout(ctx, h.admissionDeadline)
	admCtx, span := telemetry.StartSpan(admCtx, "ws.admission")
	sess, rec, reply, aerr := h.admit(admCtx, action, q, start, ipHash)
	cancelAdm()

	outcome := "ok"
	sessionID := ""
	if aerr != nil {
		outcome = aerr.code
	} else {
		sessionID = sess.SessionID
	}
	telemetry.EndAdmission(span, action, sessionID, outcome)
	h.metrics.AdmissionLatency(ctx, action, outcome, time.Since(start))

	if aerr != nil {
		h.writeError(ctx, conn, aerr)
		return
	}

	// Register before the reply so a cascade racing this admission can
	// already reach the connection.
	h.registry.Register(rec.ConnectionID, &connTransport{conn: conn, metrics: h.metrics})
	st.to(stateAdmitting, stateActive)

	if err := h.writeFrame(ctx, conn, reply); err != nil {
		slog.Warn("admission reply write failed",
			"session_id", rec.SessionID,
			"connection_id", rec.ConnectionID,
			"error", err,
		)
	} else {
		h.serve(ctx, conn, rec)
	}

	h.registry.Unregister(rec.ConnectionID)
	if st.to(stateActive, stateClosing) {
		// The request context may already be dead; cleanup gets its own.
		h.disconnect(context.WithoutCancel(ctx), rec.ConnectionID)
		st.to(stateClosing, stateClosed)
	}

	slog.Debug("websocket connection closed",
		"session_id", sess.SessionID,
		"connection_id", rec.ConnectionID,
		"role", string(rec.Role),
	)
}

// admit dispatches on the upgrade action. On success it returns the
// session, the persisted connection record and the reply frame.
func (h *Handler) admit(ctx context.Context, action string, q url.Values, now time.Time, ipHash string) (*session.Session, *session.Connection, any, *admissionError) {
	switch action {
	case ActionCreateSession:
		return h.createSession(ctx, q, now, ipHash)
	case ActionJoinSession:
		return h.joinSession(ctx, q, now, ipHash)
	case ActionRefreshConnection:
		return h.refreshConnection(ctx, q, now, ipHash)
	default:
		return nil, nil, nil, invalidInput("action")
	}
}

// createSession admits a speaker: authorize, validate, rate limit by
// principal, claim a human-memorable id, persist the speaker
// connection. Authorization precedes the rate limit so denied requests
// never consume budget.
func (h *Handler) createSession(ctx context.Context, q url.Values, now time.Time, ipHash string) (*session.Session, *session.Connection, any, *admissionError) {
	source := q.Get("sourceLanguage")
	tier := q.Get("qualityTier")

	principal, err := h.authorize(ctx, q.Get("token"))
	if err != nil {
		if kind, ok := auth.Denied(err); ok {
			slog.Warn("createSession denied", "kind", string(kind))
			h.event(EventAuthDenied, "", map[string]any{"kind": string(kind), "action": ActionCreateSession})
			h.metrics.AuthDenied(ctx, string(kind))
			return nil, nil, nil, unauthorized()
		}
		slog.Error("authorizer unavailable", "error", err)
		return nil, nil, nil, internalError()
	}

	if err := validate.Language("sourceLanguage", source); err != nil {
		return nil, nil, nil, invalidField(err)
	}
	if err := validate.QualityTier(tier); err != nil {
		return nil, nil, nil, invalidField(err)
	}

	dec := h.limiter.Allow(ctx, ratelimit.OpCreateSession, principal.UserID)
	if !dec.Allowed {
		h.event(EventRateLimited, "", map[string]any{"op": string(ratelimit.OpCreateSession)})
		h.metrics.RateLimited(ctx, string(ratelimit.OpCreateSession))
		return nil, nil, nil, rateLimited(dec.RetryAfter)
	}

	connectionID := uuid.NewString()
	base := session.Session{
		SpeakerConnectionID: connectionID,
		SpeakerUserID:       principal.UserID,
		SourceLanguage:      source,
		QualityTier:         tier,
		CreatedAt:           now.UnixMilli(),
		IsActive:            true,
		ExpiresAt:           now.Add(h.retention).UnixMilli(),
	}

	// The id probe is the conditional put itself, so the winning
	// candidate is already persisted when the generator returns.
	var claimed *session.Session
	sid, err := h.generator.NewSessionID(ctx, func(ctx context.Context, id string) (bool, error) {
		candidate := base
		candidate.SessionID = id
		err := h.storeOp(ctx, func(ctx context.Context) error {
			return h.store.PutSession(ctx, &candidate, true)
		})
		if errors.Is(err, session.ErrAlreadyExists) {
			h.metrics.IDCollision(ctx)
			return true, nil
		}
		if err != nil {
			return false, err
		}
		claimed = &candidate
		return false, nil
	})
	if err != nil {
		slog.Error("session id claim failed", "error", err)
		return nil, nil, nil, internalError()
	}

	rec := &session.Connection{
		ConnectionID:   connectionID,
		SessionID:      sid,
		TargetLanguage: source,
		Role:           session.RoleSpeaker,
		ConnectedAt:    now.UnixMilli(),
		TTL:            now.Add(h.maxConnDuration).UnixMilli(),
		IPAddressHash:  ipHash,
	}
	if err := h.storeOp(ctx, func(ctx context.Context) error {
		return h.store.PutConnection(ctx, rec)
	}); err != nil {
		slog.Error("speaker connection write failed", "session_id", sid, "error", err)
		h.deactivate(sid)
		return nil, nil, nil, internalError()
	}

	slog.Info("session created",
		"session_id", sid,
		"source_language", source,
		"quality_tier", tier,
	)
	h.event(EventSessionCreated, sid, map[string]any{
		"sourceLanguage": source,
		"qualityTier":    tier,
	})
	h.metrics.SessionCreated(ctx)

	return claimed, rec, newSessionCreated(sid, base.CreatedAt, base.ExpiresAt), nil
}

// joinSession admits a listener: validate, rate limit by ip hash,
// check the session and language pair, take a capacity slot with a
// conditional increment, persist the listener record.
func (h *Handler) joinSession(ctx context.Context, q url.Values, now time.Time, ipHash string) (*session.Session, *session.Connection, any, *admissionError) {
	sid := q.Get("sessionId")
	target := q.Get("targetLanguage")

	if err := validate.SessionID(sid); err != nil {
		return nil, nil, nil, invalidField(err)
	}
	if err := validate.Language("targetLanguage", target); err != nil {
		return nil, nil, nil, invalidField(err)
	}

	dec := h.limiter.Allow(ctx, ratelimit.OpJoinSession, ipHash)
	if !dec.Allowed {
		h.event(EventRateLimited, sid, map[string]any{"op": string(ratelimit.OpJoinSession)})
		h.metrics.RateLimited(ctx, string(ratelimit.OpJoinSession))
		return nil, nil, nil, rateLimited(dec.RetryAfter)
	}

	sess, err := h.getSession(ctx, sid)
	if err != nil {
		slog.Error("join lookup failed", "session_id", sid, "error", err)
		return nil, nil, nil, internalError()
	}
	if sess == nil || !sess.IsActive {
		return nil, nil, nil, sessionNotFound()
	}

	supported, err := h.languages.Supported(ctx, sess.SourceLanguage, target)
	if err != nil {
		// Conservative: an unanswered lookup rejects the pair.
		slog.Warn("language support lookup failed",
			"source_language", sess.SourceLanguage,
			"target_language", target,
			"error", err,
		)
		return nil, nil, nil, unsupportedLanguage()
	}
	if !supported {
		return nil, nil, nil, unsupportedLanguage()
	}

	var updated *session.Session
	err = h.storeOp(ctx, func(ctx context.Context) error {
		s, err := h.store.UpdateSession(ctx, sid, session.SessionPatch{
			AddListeners: 1,
			Condition:    session.Condition{ActiveOnly: true, MaxListeners: h.maxListeners()},
		})
		updated = s
		return err
	})
	if errors.Is(err, session.ErrConditionFailed) || errors.Is(err, session.ErrNotFound) {
		// Re-read once to tell a full session from a dead one.
		again, rerr := h.getSession(ctx, sid)
		if rerr != nil || again == nil || !again.IsActive {
			return nil, nil, nil, sessionNotFound()
		}
		return nil, nil, nil, sessionFull()
	}
	if err != nil {
		slog.Error("listener increment failed", "session_id", sid, "error", err)
		return nil, nil, nil, internalError()
	}

	rec := &session.Connection{
		ConnectionID:   uuid.NewString(),
		SessionID:      sid,
		TargetLanguage: target,
		Role:           session.RoleListener,
		ConnectedAt:    now.UnixMilli(),
		TTL:            now.Add(h.maxConnDuration).UnixMilli(),
		IPAddressHash:  ipHash,
	}
	if err := h.storeOp(ctx, func(ctx context.Context) error {
		return h.store.PutConnection(ctx, rec)
	}); err != nil {
		slog.Error("listener connection write failed", "session_id", sid, "error", err)
		h.compensateIncrement(sid)
		return nil, nil, nil, internalError()
	}

	slog.Info("listener joined",
		"session_id", sid,
		"target_language", target,
		"listener_count", updated.ListenerCount,
	)
	h.event(EventListenerJoined, sid, map[string]any{
		"targetLanguage": target,
		"listenerCount":  updated.ListenerCount,
	})
	h.metrics.ListenerJoined(ctx)

	return updated, rec, newSessionJoined(sid, sess.SourceLanguage, target, now.UnixMilli()), nil
}

// serve runs the post-admission loop: heartbeat frames, keepalive
// pings, and the session end signal. It returns when the transport is
// done for any reason.
func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, rec *session.Connection) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	endCh := h.store.SessionEndSignal(rec.SessionID)
	go func() {
		select {
		case <-connCtx.Done():
		case <-endCh:
			h.deliverEnd(conn, rec)
			cancel()
		}
	}()

	if h.pingInterval > 0 {
		go h.keepAlive(connCtx, conn, rec)
	}

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && connCtx.Err() == nil {
				slog.Debug("websocket read failed",
					"connection_id", rec.ConnectionID,
					"error", err,
				)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.writeError(connCtx, conn, invalidInput("frame"))
			return
		}

		switch frame.Action {
		case ActionHeartbeat:
			h.heartbeat(connCtx, conn, rec)
		case ActionRefreshConnection:
			// Refresh needs a fresh transport; in-band refresh would
			// leave the old transport as the session's write path.
			h.writeError(connCtx, conn, invalidInput("action"))
			return
		default:
			h.writeError(connCtx, conn, invalidInput("action"))
			return
		}
	}
}

// deliverEnd pushes the end-of-session frame to this connection, at
// most once across all delivery paths, then closes cleanly.
func (h *Handler) deliverEnd(conn *websocket.Conn, rec *session.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
	defer cancel()

	payload := MarshalFrame(NewSessionEnded(rec.SessionID, time.Now().UnixMilli()))
	if _, err := h.registry.SendEndOnce(ctx, rec.ConnectionID, payload); err != nil && !errors.Is(err, broadcast.ErrGone) {
		slog.Warn("session end delivery failed",
			"session_id", rec.SessionID,
			"connection_id", rec.ConnectionID,
			"error", err,
		)
	}
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// keepAlive sends periodic pings so intermediaries keep the transport
// open between heartbeats.
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, rec *session.Connection) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("keepalive ping failed",
						"connection_id", rec.ConnectionID,
						"error", err,
					)
				}
				return
			}
		}
	}
}

// authorize verifies the bearer token, retrying identity-provider
// blips within the admission budget. Denials are terminal.
func (h *Handler) authorize(ctx context.Context, token string) (auth.Principal, error) {
	var principal auth.Principal
	err := session.Retry(ctx, h.retry, func(ctx context.Context) error {
		p, err := h.authorizer.Authorize(ctx, token)
		if err != nil {
			if _, ok := auth.Denied(err); ok {
				return session.Permanent(err)
			}
			return err
		}
		principal = p
		return nil
	})
	return principal, err
}

// storeOp runs one store call with the per-op timeout, retrying
// transient failures. Each attempt gets a fresh timeout; the caller's
// context bounds the whole budget.
func (h *Handler) storeOp(ctx context.Context, fn func(ctx context.Context) error) error {
	return session.Retry(ctx, h.retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, h.storeOpTimeout)
		defer cancel()

		start := time.Now()
		err := fn(opCtx)
		h.metrics.StoreLatency(ctx, time.Since(start))
		return err
	})
}

func (h *Handler) getSession(ctx context.Context, id string) (*session.Session, error) {
	var sess *session.Session
	err := h.storeOp(ctx, func(ctx context.Context) error {
		s, err := h.store.GetSession(ctx, id)
		sess = s
		return err
	})
	return sess, err
}

// deactivate compensates a claimed session whose speaker record could
// not be written, so joiners do not pile onto a session with no
// speaker.
func (h *Handler) deactivate(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.storeOpTimeout)
	defer cancel()

	_, err := h.store.UpdateSession(ctx, sessionID, session.SessionPatch{
		SetInactive: true,
		Condition:   session.Condition{ActiveOnly: true},
	})
	if err != nil && !errors.Is(err, session.ErrConditionFailed) && !errors.Is(err, session.ErrNotFound) {
		slog.Error("session claim compensation failed", "session_id", sessionID, "error", err)
	}
}

// compensateIncrement undoes a counted slot whose listener record
// could not be written. The floor-0 guard and record TTLs cover the
// case where even this fails.
func (h *Handler) compensateIncrement(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.storeOpTimeout)
	defer cancel()

	if _, err := h.store.AddListeners(ctx, sessionID, -1); err != nil {
		slog.Error("listener increment compensation failed", "session_id", sessionID, "error", err)
		return
	}
	slog.Warn("listener admission compensated", "session_id", sessionID)
}

func (h *Handler) writeFrame(ctx context.Context, conn *websocket.Conn, frame any) error {
	wctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, MarshalFrame(frame))
}

// writeError sends the single error frame and closes the transport
// with the mapped status code.
func (h *Handler) writeError(ctx context.Context, conn *websocket.Conn, aerr *admissionError) {
	frame := newErrorFrame(aerr.code, aerr.message, aerr.retryAfter)
	if err := h.writeFrame(ctx, conn, frame); err != nil {
		slog.Debug("error frame write failed", "code", aerr.code, "error", err)
	}
	conn.Close(closeStatus(aerr.code), aerr.code)
}

// hashIP hashes the peer address with the configured salt. The
// plaintext address is never persisted or logged.
func (h *Handler) hashIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	sum := sha256.Sum256([]byte(h.ipHashSalt + host))
	return hex.EncodeToString(sum[:])
}

func (h *Handler) event(kind, sessionID string, payload map[string]any) {
	if h.onEvent != nil {
		h.onEvent(kind, sessionID, payload)
	}
}
