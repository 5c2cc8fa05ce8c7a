package websocket

import (
	"encoding/json"
	"log/slog"

	"github.com/coder/websocket"
)

// Client actions carried on the upgrade query string or, post-admission,
// in the "action" field of a JSON frame.
const (
	ActionCreateSession     = "createSession"
	ActionJoinSession       = "joinSession"
	ActionRefreshConnection = "refreshConnection"
	ActionHeartbeat         = "heartbeat"
)

// Server frame types carried in the "type" field.
const (
	TypeSessionCreated      = "sessionCreated"
	TypeSessionJoined       = "sessionJoined"
	TypeHeartbeatAck        = "heartbeatAck"
	TypeConnectionWarning   = "connectionWarning"
	TypeConnectionRefreshed = "connectionRefreshed"
	TypeSessionEnded        = "sessionEnded"
	TypeError               = "error"
)

// Error codes surfaced in error frames.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionFull         = "SESSION_FULL"
	CodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// ClientFrame is a post-admission client→server message. Only the
// action tag matters; heartbeat and refreshConnection carry no fields.
type ClientFrame struct {
	Action string `json:"action"`
}

// SessionCreated acknowledges a speaker admission.
// All timestamps on the wire are unix milliseconds.
type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// SessionJoined acknowledges a listener admission.
type SessionJoined struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	JoinedAt       int64  `json:"joinedAt"`
}

// HeartbeatAck answers a heartbeat frame.
type HeartbeatAck struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
}

// ConnectionWarning replaces the ack once a connection approaches its
// transport lifetime cap.
type ConnectionWarning struct {
	Type         string `json:"type"`
	ExpiresInSec int64  `json:"expiresInSec"`
}

// ConnectionRefreshed acknowledges a transport refresh on the new
// connection. OldConnectionID is omitted for listener refreshes.
type ConnectionRefreshed struct {
	Type            string `json:"type"`
	OldConnectionID string `json:"oldConnectionId,omitempty"`
	NewConnectionID string `json:"newConnectionId"`
	RefreshedAt     int64  `json:"refreshedAt"`
}

// SessionEnded tells a listener the broadcast is over.
type SessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	EndedAt   int64  `json:"endedAt"`
}

// ErrorFrame is the single error surface: one frame, then the
// transport closes. RetryAfter is whole seconds, only set for
// RATE_LIMITED.
type ErrorFrame struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

func newSessionCreated(sessionID string, createdAt, expiresAt int64) SessionCreated {
	return SessionCreated{Type: TypeSessionCreated, SessionID: sessionID, CreatedAt: createdAt, ExpiresAt: expiresAt}
}

func newSessionJoined(sessionID, source, target string, joinedAt int64) SessionJoined {
	return SessionJoined{Type: TypeSessionJoined, SessionID: sessionID, SourceLanguage: source, TargetLanguage: target, JoinedAt: joinedAt}
}

func newHeartbeatAck(serverTime int64) HeartbeatAck {
	return HeartbeatAck{Type: TypeHeartbeatAck, ServerTime: serverTime}
}

func newConnectionWarning(expiresInSec int64) ConnectionWarning {
	return ConnectionWarning{Type: TypeConnectionWarning, ExpiresInSec: expiresInSec}
}

func newConnectionRefreshed(oldID, newID string, refreshedAt int64) ConnectionRefreshed {
	return ConnectionRefreshed{Type: TypeConnectionRefreshed, OldConnectionID: oldID, NewConnectionID: newID, RefreshedAt: refreshedAt}
}

// NewSessionEnded builds the end-of-broadcast frame. Exported because
// the composition root broadcasts it during graceful shutdown.
func NewSessionEnded(sessionID string, endedAt int64) SessionEnded {
	return SessionEnded{Type: TypeSessionEnded, SessionID: sessionID, EndedAt: endedAt}
}

func newErrorFrame(code, message string, retryAfter int64) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message, RetryAfter: retryAfter}
}

// MarshalFrame encodes a wire frame. The frame types here cannot fail
// to marshal; an error is logged and an empty object returned so a bug
// never panics a serve loop.
func MarshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal frame", "error", err)
		return []byte("{}")
	}
	return data
}

// closeStatus maps an error code to the close status sent after the
// error frame: 1011 for server faults, 1008 for everything the caller
// did wrong.
func closeStatus(code string) websocket.StatusCode {
	if code == CodeInternalError {
		return websocket.StatusInternalError
	}
	return websocket.StatusPolicyViolation
}
