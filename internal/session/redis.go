package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// reclaimSlack keeps records alive slightly past their logical expiry
// so the sweeper can observe and terminate them before Redis reclaims
// the keys.
const reclaimSlack = 5 * time.Minute

// updateSessionScript applies a SessionPatch under its condition in one
// atomic step. KEYS[1] session key; ARGV: activeOnly, maxListeners,
// addListeners, setInactive, speakerConnectionId ('' = unchanged).
// Returns {1, postImageJSON} or {0, 'not_found'|'condition'}.
var updateSessionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return {0, 'not_found'} end
local s = cjson.decode(raw)
if ARGV[1] == '1' and s.isActive ~= true then return {0, 'condition'} end
local add = tonumber(ARGV[3])
local max = tonumber(ARGV[2])
if add > 0 and max > 0 and s.listenerCount + add > max then return {0, 'condition'} end
if add ~= 0 then
  local n = s.listenerCount + add
  if n < 0 then n = 0 end
  s.listenerCount = n
end
if ARGV[5] ~= '' then s.speakerConnectionId = ARGV[5] end
if ARGV[4] == '1' then s.isActive = false end
redis.call('SET', KEYS[1], cjson.encode(s), 'KEEPTTL')
return {1, cjson.encode(s)}
`)

// addListenersScript adds a delta to listenerCount with a floor of
// zero. Returns {1, newCount} or {0, 'not_found'}.
var addListenersScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return {0, 'not_found'} end
local s = cjson.decode(raw)
local n = s.listenerCount + tonumber(ARGV[1])
if n < 0 then n = 0 end
s.listenerCount = n
redis.call('SET', KEYS[1], cjson.encode(s), 'KEEPTTL')
return {1, n}
`)

// rateLimitScript performs the fixed-window check-and-increment.
// KEYS[1] counter key; ARGV: limit, windowMs, nowMs, identifier.
// Returns {allowed, retryAfterMs}.
var rateLimitScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[3])
local window = tonumber(ARGV[2])
local c
if raw then c = cjson.decode(raw) end
if (not c) or (c.windowStart + window <= now) then
  c = {identifier=ARGV[4], count=1, windowStart=now, expiresAt=now + 2*window}
  redis.call('SET', KEYS[1], cjson.encode(c), 'PX', 2*window)
  return {1, 0}
end
if c.count < tonumber(ARGV[1]) then
  c.count = c.count + 1
  redis.call('SET', KEYS[1], cjson.encode(c), 'KEEPTTL')
  return {1, 0}
end
return {0, c.windowStart + window - now}
`)

// RedisStore implements Store on Redis so multiple instances share
// session state. Records are stored as JSON at prefixed keys with
// native TTL reclamation; conditional writes run as Lua scripts;
// session-end signals relay across instances via pub/sub.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string

	// Local end-signal channels (channels can't live in Redis).
	mu       sync.Mutex
	endChans map[string]chan struct{}

	pubsub   *redis.PubSub
	endTopic string
}

// NewRedisStore connects to Redis and subscribes to the session-end
// topic.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "lingocast:"
	}

	store := &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		endChans:  make(map[string]chan struct{}),
		endTopic:  keyPrefix + "end",
	}

	store.pubsub = client.Subscribe(ctx, store.endTopic)
	go store.listenForEndSignals()

	slog.Info("Redis store initialized",
		"addr", cfg.Addr,
		"key_prefix", keyPrefix,
	)

	return store, nil
}

func (s *RedisStore) sessionKey(id string) string {
	return s.keyPrefix + "session:" + id
}

func (s *RedisStore) connKey(id string) string {
	return s.keyPrefix + "conn:" + id
}

// sessionIndexKey is the set of all session IDs.
func (s *RedisStore) sessionIndexKey() string {
	return s.keyPrefix + "sessions"
}

// connIndexKey is the per-session set of connection IDs.
func (s *RedisStore) connIndexKey(sessionID string) string {
	return s.keyPrefix + "conns:" + sessionID
}

func (s *RedisStore) rateKey(identifier string) string {
	return s.keyPrefix + "rate:" + identifier
}

// GetSession retrieves a session by ID.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// PutSession stores a session, optionally only if the ID is unclaimed.
func (s *RedisStore) PutSession(ctx context.Context, sess *Session, onlyIfAbsent bool) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.SessionID, err)
	}

	ttl := recordTTL(sess.ExpiresAt, reclaimSlack)
	if onlyIfAbsent {
		ok, err := s.client.SetNX(ctx, s.sessionKey(sess.SessionID), data, ttl).Result()
		if err != nil {
			return fmt.Errorf("redis setnx session: %w", err)
		}
		if !ok {
			return ErrAlreadyExists
		}
	} else {
		if err := s.client.Set(ctx, s.sessionKey(sess.SessionID), data, ttl).Err(); err != nil {
			return fmt.Errorf("redis set session: %w", err)
		}
	}

	if err := s.client.SAdd(ctx, s.sessionIndexKey(), sess.SessionID).Err(); err != nil {
		return fmt.Errorf("redis index session: %w", err)
	}
	return nil
}

// UpdateSession applies a conditional patch via Lua and returns the
// post-image.
func (s *RedisStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	speaker := ""
	if patch.SpeakerConnectionID != nil {
		speaker = *patch.SpeakerConnectionID
	}
	res, err := updateSessionScript.Run(ctx, s.client,
		[]string{s.sessionKey(id)},
		boolArg(patch.Condition.ActiveOnly),
		patch.Condition.MaxListeners,
		patch.AddListeners,
		boolArg(patch.SetInactive),
		speaker,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("redis update session: %w", err)
	}

	ok, payload, err := scriptReply(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, replyError(payload)
	}

	var sess Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// AddListeners atomically adjusts the listener count, flooring at zero.
func (s *RedisStore) AddListeners(ctx context.Context, id string, delta int64) (int64, error) {
	res, err := addListenersScript.Run(ctx, s.client, []string{s.sessionKey(id)}, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis add listeners: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, fmt.Errorf("redis add listeners: unexpected reply %v", res)
	}
	if code, _ := vals[0].(int64); code != 1 {
		return 0, ErrNotFound
	}
	n, ok := vals[1].(int64)
	if !ok {
		return 0, fmt.Errorf("redis add listeners: unexpected count %v", vals[1])
	}
	return n, nil
}

// GetConnection retrieves a connection by ID.
func (s *RedisStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	data, err := s.client.Get(ctx, s.connKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get connection: %w", err)
	}

	var c Connection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal connection %s: %w", id, err)
	}
	return &c, nil
}

// PutConnection stores a connection record and indexes it under its
// session.
func (s *RedisStore) PutConnection(ctx context.Context, c *Connection) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal connection %s: %w", c.ConnectionID, err)
	}

	if err := s.client.Set(ctx, s.connKey(c.ConnectionID), data, recordTTL(c.TTL, 0)).Err(); err != nil {
		return fmt.Errorf("redis set connection: %w", err)
	}
	if err := s.client.SAdd(ctx, s.connIndexKey(c.SessionID), c.ConnectionID).Err(); err != nil {
		return fmt.Errorf("redis index connection: %w", err)
	}
	return nil
}

// DeleteConnection removes a connection record and its index entry.
// Missing records are a no-op.
func (s *RedisStore) DeleteConnection(ctx context.Context, id string) error {
	c, err := s.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}

	if err := s.client.Del(ctx, s.connKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del connection: %w", err)
	}
	if err := s.client.SRem(ctx, s.connIndexKey(c.SessionID), id).Err(); err != nil {
		return fmt.Errorf("redis unindex connection: %w", err)
	}
	return nil
}

// ConnectionsBySession returns all live connections for a session,
// repairing index entries whose records were reclaimed by TTL.
func (s *RedisStore) ConnectionsBySession(ctx context.Context, sessionID string) ([]Connection, error) {
	ids, err := s.client.SMembers(ctx, s.connIndexKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis connection index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.connKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget connections: %w", err)
	}

	var result []Connection
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Record expired under the index entry.
			s.client.SRem(ctx, s.connIndexKey(sessionID), ids[i])
			continue
		}
		var c Connection
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			slog.Error("skipping bad connection record", "connection_id", ids[i], "error", err)
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

// ConnectionsByLanguage returns the session's connections for one
// target language.
func (s *RedisStore) ConnectionsByLanguage(ctx context.Context, sessionID, language string) ([]Connection, error) {
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
func (s *RedisStore) BatchDeleteConnections(ctx context.Context, ids []string) []error {
	results := make([]error, len(ids))
	for i, id := range ids {
		results[i] = s.DeleteConnection(ctx, id)
	}
	return results
}

// RateLimitCheck performs the fixed-window admission check via Lua.
func (s *RedisStore) RateLimitCheck(ctx context.Context, identifier string, limit int64, window time.Duration) (bool, time.Duration, error) {
	res, err := rateLimitScript.Run(ctx, s.client,
		[]string{s.rateKey(identifier)},
		limit,
		window.Milliseconds(),
		time.Now().UnixMilli(),
		identifier,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("redis rate limit: unexpected reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)
	return allowed == 1, time.Duration(retryMs) * time.Millisecond, nil
}

// ListSessions returns every stored session, repairing the index for
// reclaimed records.
func (s *RedisStore) ListSessions(ctx context.Context) ([]Session, error) {
	ids, err := s.client.SMembers(ctx, s.sessionIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis session index: %w", err)
	}

	var result []Session
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			s.client.SRem(ctx, s.sessionIndexKey(), id)
			continue
		}
		result = append(result, *sess)
	}
	return result, nil
}

// SessionEndSignal returns the process-local end channel for a session.
func (s *RedisStore) SessionEndSignal(sessionID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.endChans[sessionID]
	if !ok {
		ch = make(chan struct{})
		s.endChans[sessionID] = ch
	}
	return ch
}

// SignalSessionEnd closes the local end channel and publishes the
// session ID so peer instances close theirs.
func (s *RedisStore) SignalSessionEnd(ctx context.Context, sessionID string) error {
	s.closeEndChan(sessionID, true)

	if err := s.client.Publish(ctx, s.endTopic, sessionID).Err(); err != nil {
		return fmt.Errorf("redis publish session end: %w", err)
	}
	return nil
}

// listenForEndSignals relays session-end publications into local
// channels.
func (s *RedisStore) listenForEndSignals() {
	for msg := range s.pubsub.Channel() {
		slog.Debug("received session end signal", "session_id", msg.Payload)
		s.closeEndChan(msg.Payload, false)
	}
}

// closeEndChan closes a session's local end channel. When create is
// set, a missing channel is created closed so later watchers observe
// the end.
func (s *RedisStore) closeEndChan(sessionID string, create bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.endChans[sessionID]
	if !ok {
		if !create {
			return
		}
		ch = make(chan struct{})
		s.endChans[sessionID] = ch
	}
	select {
	case <-ch:
		// Already closed.
	default:
		close(ch)
	}
}

// Close shuts down the pub/sub listener and the client.
func (s *RedisStore) Close() error {
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	return s.client.Close()
}

// recordTTL converts an expiry timestamp (unix ms) into a Redis TTL,
// padded by slack. Zero means no expiry.
func recordTTL(expiresAt int64, slack time.Duration) time.Duration {
	if expiresAt <= 0 {
		return 0
	}
	ttl := time.Until(time.UnixMilli(expiresAt)) + slack
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// scriptReply unpacks the {code, payload} convention used by the Lua
// scripts.
func scriptReply(res interface{}) (bool, string, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, "", fmt.Errorf("redis script: unexpected reply %v", res)
	}
	code, _ := vals[0].(int64)
	payload, _ := vals[1].(string)
	return code == 1, payload, nil
}

func replyError(payload string) error {
	switch payload {
	case "not_found":
		return ErrNotFound
	case "condition":
		return ErrConditionFailed
	default:
		return fmt.Errorf("redis script: %s", payload)
	}
}
