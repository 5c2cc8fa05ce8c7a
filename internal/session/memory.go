package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for single-node and test use. All
// records are copied on the way in and out so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	connections map[string]*Connection
	// bySession indexes connection IDs per session for the
	// (sessionId, targetLanguage) queries.
	bySession map[string]map[string]struct{}
	counters  map[string]*RateLimitCounter
	endChans  map[string]chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		connections: make(map[string]*Connection),
		bySession:   make(map[string]map[string]struct{}),
		counters:    make(map[string]*RateLimitCounter),
		endChans:    make(map[string]chan struct{}),
	}
}

// GetSession retrieves a session by ID.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	// Inactive records past retention read as absent; Reap removes them.
	if !sess.IsActive && sess.Expired(time.Now()) {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

// PutSession stores a session.
func (s *MemoryStore) PutSession(ctx context.Context, sess *Session, onlyIfAbsent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if onlyIfAbsent {
		if _, ok := s.sessions[sess.SessionID]; ok {
			return ErrAlreadyExists
		}
	}
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

// UpdateSession applies a conditional patch and returns the post-image.
func (s *MemoryStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Condition.ActiveOnly && !sess.IsActive {
		return nil, ErrConditionFailed
	}
	if patch.Condition.MaxListeners > 0 && patch.AddListeners > 0 &&
		sess.ListenerCount+patch.AddListeners > patch.Condition.MaxListeners {
		return nil, ErrConditionFailed
	}

	if patch.AddListeners != 0 {
		sess.ListenerCount += patch.AddListeners
		if sess.ListenerCount < 0 {
			sess.ListenerCount = 0
		}
	}
	if patch.SpeakerConnectionID != nil {
		sess.SpeakerConnectionID = *patch.SpeakerConnectionID
	}
	if patch.SetInactive {
		sess.IsActive = false
	}

	cp := *sess
	return &cp, nil
}

// AddListeners atomically adjusts the listener count, flooring at zero.
func (s *MemoryStore) AddListeners(ctx context.Context, id string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	sess.ListenerCount += delta
	if sess.ListenerCount < 0 {
		sess.ListenerCount = 0
	}
	return sess.ListenerCount, nil
}

// GetConnection retrieves a connection by ID.
func (s *MemoryStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.connections[id]
	if !ok || c.Expired(time.Now()) {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// PutConnection stores a connection record.
func (s *MemoryStore) PutConnection(ctx context.Context, c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.connections[c.ConnectionID] = &cp

	idx, ok := s.bySession[c.SessionID]
	if !ok {
		idx = make(map[string]struct{})
		s.bySession[c.SessionID] = idx
	}
	idx[c.ConnectionID] = struct{}{}
	return nil
}

// DeleteConnection removes a connection record. Missing records are a
// no-op.
func (s *MemoryStore) DeleteConnection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteConnectionLocked(id)
	return nil
}

func (s *MemoryStore) deleteConnectionLocked(id string) {
	c, ok := s.connections[id]
	if !ok {
		return
	}
	delete(s.connections, id)
	if idx, ok := s.bySession[c.SessionID]; ok {
		delete(idx, id)
		if len(idx) == 0 {
			delete(s.bySession, c.SessionID)
		}
	}
}

// ConnectionsBySession returns all live connection records for a session.
func (s *MemoryStore) ConnectionsBySession(ctx context.Context, sessionID string) ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var result []Connection
	for id := range s.bySession[sessionID] {
		c, ok := s.connections[id]
		if !ok || c.Expired(now) {
			continue
		}
		result = append(result, *c)
	}
	return result, nil
}

// ConnectionsByLanguage returns the session's connections for one
// target language.
func (s *MemoryStore) ConnectionsByLanguage(ctx context.Context, sessionID, language string) ([]Connection, error) {
	all, err := s.ConnectionsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var result []Connection
	for _, c := range all {
		if c.TargetLanguage == language {
			result = append(result, c)
		}
	}
	return result, nil
}

// BatchDeleteConnections removes records best-effort.
func (s *MemoryStore) BatchDeleteConnections(ctx context.Context, ids []string) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]error, len(ids))
	for i, id := range ids {
		s.deleteConnectionLocked(id)
		results[i] = nil
	}
	return results
}

// RateLimitCheck performs the fixed-window admission check.
func (s *MemoryStore) RateLimitCheck(ctx context.Context, identifier string, limit int64, window time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	windowMs := window.Milliseconds()

	c, ok := s.counters[identifier]
	if !ok || c.WindowStart+windowMs <= now {
		s.counters[identifier] = &RateLimitCounter{
			Identifier:  identifier,
			Count:       1,
			WindowStart: now,
			ExpiresAt:   now + 2*windowMs,
		}
		return true, 0, nil
	}
	if c.Count < limit {
		c.Count++
		return true, 0, nil
	}
	retryAfter := time.Duration(c.WindowStart+windowMs-now) * time.Millisecond
	return false, retryAfter, nil
}

// ListSessions returns every stored session.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var result []Session
	for _, sess := range s.sessions {
		if !sess.IsActive && sess.Expired(now) {
			continue
		}
		result = append(result, *sess)
	}
	return result, nil
}

// SessionEndSignal returns the process-local end channel for a session.
func (s *MemoryStore) SessionEndSignal(sessionID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.endChans[sessionID]
	if !ok {
		ch = make(chan struct{})
		s.endChans[sessionID] = ch
	}
	return ch
}

// SignalSessionEnd closes the session's end channel. Safe to call more
// than once.
func (s *MemoryStore) SignalSessionEnd(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.endChans[sessionID]
	if !ok {
		ch = make(chan struct{})
		s.endChans[sessionID] = ch
	}
	select {
	case <-ch:
		// Already closed.
	default:
		close(ch)
	}
	return nil
}

// Reap drops inactive sessions past retention, expired connections and
// stale rate-limit counters. The manager calls this on its sweep tick;
// the other backends reclaim via native TTLs.
func (s *MemoryStore) Reap(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if !sess.IsActive && sess.Expired(now) {
			delete(s.sessions, id)
			if ch, ok := s.endChans[id]; ok {
				select {
				case <-ch:
				default:
					close(ch)
				}
				delete(s.endChans, id)
			}
			removed++
		}
	}
	for id, c := range s.connections {
		if c.Expired(now) {
			s.deleteConnectionLocked(id)
			removed++
		}
	}
	nowMs := now.UnixMilli()
	for id, c := range s.counters {
		if c.ExpiresAt <= nowMs {
			delete(s.counters, id)
			removed++
		}
	}
	return removed, nil
}

// Close releases the store. In-memory state is dropped with the process.
func (s *MemoryStore) Close() error {
	return nil
}
