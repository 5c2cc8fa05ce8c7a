package session

import "time"

// Role identifies which side of a broadcast a connection plays.
type Role string

const (
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleSpeaker || r == RoleListener
}

// Session is a live broadcast owned by one speaker principal.
// All timestamps are unix milliseconds.
type Session struct {
	SessionID           string `json:"sessionId"`
	SpeakerConnectionID string `json:"speakerConnectionId"`
	SpeakerUserID       string `json:"speakerUserId"`
	SourceLanguage      string `json:"sourceLanguage"`
	QualityTier         string `json:"qualityTier"`
	CreatedAt           int64  `json:"createdAt"`
	IsActive            bool   `json:"isActive"`
	ListenerCount       int64  `json:"listenerCount"`
	ExpiresAt           int64  `json:"expiresAt"`
}

// Expired reports whether the session has passed its retention horizon.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && s.ExpiresAt <= now.UnixMilli()
}

// Connection is a single transport attachment to a session.
type Connection struct {
	ConnectionID   string `json:"connectionId"`
	SessionID      string `json:"sessionId"`
	TargetLanguage string `json:"targetLanguage"`
	Role           Role   `json:"role"`
	ConnectedAt    int64  `json:"connectedAt"`
	TTL            int64  `json:"ttl"`
	IPAddressHash  string `json:"ipAddressHash"`
}

// Expired reports whether the connection record has passed its TTL.
func (c *Connection) Expired(now time.Time) bool {
	return c.TTL > 0 && c.TTL <= now.UnixMilli()
}

// Age returns how long the connection has been attached.
func (c *Connection) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-c.ConnectedAt) * time.Millisecond
}

// RateLimitCounter is a fixed-window admission counter. The identifier
// has the shape "<operation>:<principalOrHash>".
type RateLimitCounter struct {
	Identifier  string `json:"identifier"`
	Count       int64  `json:"count"`
	WindowStart int64  `json:"windowStart"`
	ExpiresAt   int64  `json:"expiresAt"`
}
