package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerConfig holds the embedded store configuration.
type BadgerConfig struct {
	// Path is the data directory. Empty selects in-memory mode, used
	// by tests and throwaway deployments.
	Path string `yaml:"path"`
}

// Key namespaces inside the Badger keyspace.
const (
	badgerSessionPrefix = "s:"
	badgerConnPrefix    = "c:"
	badgerIndexPrefix   = "x:" // x:<sessionId>:<connectionId>
	badgerRatePrefix    = "r:"
)

// BadgerStore implements Store on an embedded Badger database for
// single-node deployments. Records carry native TTLs; conditional
// writes run inside serializable transactions, so concurrent
// conditional updates surface as transient conflicts and retry.
type BadgerStore struct {
	db *badger.DB

	mu       sync.Mutex
	endChans map[string]chan struct{}
}

// NewBadgerStore opens the database at path, or in memory when path is
// empty.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	slog.Info("Badger store initialized", "path", cfg.Path, "in_memory", cfg.Path == "")

	return &BadgerStore{
		db:       db,
		endChans: make(map[string]chan struct{}),
	}, nil
}

func sessionBKey(id string) []byte {
	return []byte(badgerSessionPrefix + id)
}

func connBKey(id string) []byte {
	return []byte(badgerConnPrefix + id)
}

func indexBKey(sessionID, connectionID string) []byte {
	return []byte(badgerIndexPrefix + sessionID + ":" + connectionID)
}

func rateBKey(identifier string) []byte {
	return []byte(badgerRatePrefix + identifier)
}

// getJSON reads and unmarshals a record inside txn. Missing keys
// return (false, nil).
func getJSON(txn *badger.Txn, key []byte, out interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// setJSON writes a record with an optional TTL inside txn.
func setJSON(txn *badger.Txn, key []byte, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e := badger.NewEntry(key, data)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}

// GetSession retrieves a session by ID.
func (s *BadgerStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, sessionBKey(id), &sess)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("badger get session: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &sess, nil
}

// PutSession stores a session, optionally only if the ID is unclaimed.
func (s *BadgerStore) PutSession(ctx context.Context, sess *Session, onlyIfAbsent bool) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if onlyIfAbsent {
			_, err := txn.Get(sessionBKey(sess.SessionID))
			if err == nil {
				return ErrAlreadyExists
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return setJSON(txn, sessionBKey(sess.SessionID), sess, recordTTL(sess.ExpiresAt, reclaimSlack))
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("badger put session: %w", err)
	}
	return nil
}

// UpdateSession applies a conditional patch in one transaction and
// returns the post-image.
func (s *BadgerStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	var post Session
	err := s.db.Update(func(txn *badger.Txn) error {
		var sess Session
		found, err := getJSON(txn, sessionBKey(id), &sess)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if patch.Condition.ActiveOnly && !sess.IsActive {
			return ErrConditionFailed
		}
		if patch.Condition.MaxListeners > 0 && patch.AddListeners > 0 &&
			sess.ListenerCount+patch.AddListeners > patch.Condition.MaxListeners {
			return ErrConditionFailed
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

		post = sess
		return setJSON(txn, sessionBKey(id), &sess, recordTTL(sess.ExpiresAt, reclaimSlack))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConditionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("badger update session: %w", err)
	}
	return &post, nil
}

// AddListeners atomically adjusts the listener count, flooring at zero.
func (s *BadgerStore) AddListeners(ctx context.Context, id string, delta int64) (int64, error) {
	var count int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var sess Session
		found, err := getJSON(txn, sessionBKey(id), &sess)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		sess.ListenerCount += delta
		if sess.ListenerCount < 0 {
			sess.ListenerCount = 0
		}
		count = sess.ListenerCount
		return setJSON(txn, sessionBKey(id), &sess, recordTTL(sess.ExpiresAt, reclaimSlack))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("badger add listeners: %w", err)
	}
	return count, nil
}

// GetConnection retrieves a connection by ID.
func (s *BadgerStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var c Connection
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, connBKey(id), &c)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("badger get connection: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &c, nil
}

// PutConnection stores a connection record plus a full-projection index
// entry keyed by session, both reclaimed at the record TTL.
func (s *BadgerStore) PutConnection(ctx context.Context, c *Connection) error {
	ttl := recordTTL(c.TTL, 0)
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, connBKey(c.ConnectionID), c, ttl); err != nil {
			return err
		}
		return setJSON(txn, indexBKey(c.SessionID, c.ConnectionID), c, ttl)
	})
	if err != nil {
		return fmt.Errorf("badger put connection: %w", err)
	}
	return nil
}

// DeleteConnection removes a connection record and its index entry.
// Missing records are a no-op.
func (s *BadgerStore) DeleteConnection(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var c Connection
		found, err := getJSON(txn, connBKey(id), &c)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if err := txn.Delete(connBKey(id)); err != nil {
			return err
		}
		return txn.Delete(indexBKey(c.SessionID, id))
	})
	if err != nil {
		return fmt.Errorf("badger delete connection: %w", err)
	}
	return nil
}

// ConnectionsBySession scans the session's index prefix.
func (s *BadgerStore) ConnectionsBySession(ctx context.Context, sessionID string) ([]Connection, error) {
	var result []Connection
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerIndexPrefix + sessionID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c Connection
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			})
			if err != nil {
				return err
			}
			result = append(result, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan connections: %w", err)
	}
	return result, nil
}

// ConnectionsByLanguage returns the session's connections for one
// target language.
func (s *BadgerStore) ConnectionsByLanguage(ctx context.Context, sessionID, language string) ([]Connection, error) {
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
func (s *BadgerStore) BatchDeleteConnections(ctx context.Context, ids []string) []error {
	results := make([]error, len(ids))
	for i, id := range ids {
		results[i] = s.DeleteConnection(ctx, id)
	}
	return results
}

// RateLimitCheck performs the fixed-window check inside one
// transaction.
func (s *BadgerStore) RateLimitCheck(ctx context.Context, identifier string, limit int64, window time.Duration) (bool, time.Duration, error) {
	var allowed bool
	var retryAfter time.Duration

	err := s.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UnixMilli()
		windowMs := window.Milliseconds()

		var c RateLimitCounter
		found, err := getJSON(txn, rateBKey(identifier), &c)
		if err != nil {
			return err
		}
		if !found || c.WindowStart+windowMs <= now {
			c = RateLimitCounter{
				Identifier:  identifier,
				Count:       1,
				WindowStart: now,
				ExpiresAt:   now + 2*windowMs,
			}
			allowed = true
			return setJSON(txn, rateBKey(identifier), &c, 2*window)
		}
		if c.Count < limit {
			c.Count++
			allowed = true
			return setJSON(txn, rateBKey(identifier), &c, 2*window)
		}
		allowed = false
		retryAfter = time.Duration(c.WindowStart+windowMs-now) * time.Millisecond
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("badger rate limit: %w", err)
	}
	return allowed, retryAfter, nil
}

// ListSessions scans the session prefix.
func (s *BadgerStore) ListSessions(ctx context.Context) ([]Session, error) {
	var result []Session
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerSessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sess Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil {
				return err
			}
			result = append(result, sess)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan sessions: %w", err)
	}
	return result, nil
}

// SessionEndSignal returns the process-local end channel for a session.
// Badger deployments are single-node, so no cross-instance relay is
// needed.
func (s *BadgerStore) SessionEndSignal(sessionID string) <-chan struct{} {
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
func (s *BadgerStore) SignalSessionEnd(ctx context.Context, sessionID string) error {
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

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
