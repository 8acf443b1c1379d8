// Package redisstore is a session.Store kept in Redis so several relay
// processes can share one view of live sessions. Each child's session is a
// JSON string under its own key; writes use WATCH/MULTI so concurrent
// updates for the same child are serialised per key.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/playtrack/backend/internal/session"
)

// maxTxRetries bounds optimistic transaction retries on a contended key.
const maxTxRetries = 16

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: PLAYTRACK_SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"PLAYTRACK_SESSIONS_KEY_PREFIX,default=playtrack:sessions:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "playtrack:sessions:"
	}
	return &Store{client: cl, keyPrefix: prefix, now: time.Now}, nil
}

// LoadConfig reads Config from the environment with envdecode, then lets a
// non-empty addr or keyPrefix from the config file take precedence.
func LoadConfig(addr, keyPrefix string) (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode redis env: %w", err)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if keyPrefix != "" {
		cfg.KeyPrefix = keyPrefix
	}
	return cfg, nil
}

// NewFromEnv builds a Store from the environment alone.
func NewFromEnv() (*Store, error) {
	cfg, err := LoadConfig("", "")
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) sessionKey(childID int64) string {
	return s.keyPrefix + "child:" + strconv.FormatInt(childID, 10)
}

func (s *Store) indexKey() string { return s.keyPrefix + "index" }

func (s *Store) UpsertStart(ctx context.Context, childID, activityID int64, gameType session.GameType, initial session.Data) (*session.Session, error) {
	st := session.NewSession(childID, activityID, gameType, initial, s.now())
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode session %d: %w", childID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(childID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), childID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store session %d: %w", childID, err)
	}
	return st, nil
}

func (s *Store) MergeProgress(ctx context.Context, childID, activityID int64, gameType session.GameType, partial session.Data) (*session.Session, error) {
	key := s.sessionKey(childID)
	var result *session.Session

	txf := func(tx *redis.Tx) error {
		now := s.now()
		st, ok, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			st = session.NewSession(childID, activityID, gameType, partial, now)
			st.Synthesized = true
		} else {
			if st.ActivityID == 0 {
				st.ActivityID = activityID
			}
			if st.GameType == "" {
				st.GameType = gameType
			}
			if st.Snapshot == nil {
				st.Snapshot = session.Data{}
			}
			st.Snapshot.Merge(partial)
			st.LastUpdate = now
		}
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode session %d: %w", childID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.indexKey(), childID)
			return nil
		})
		if err == nil {
			result = st
		}
		return err
	}

	if err := s.watchRetry(ctx, txf, key); err != nil {
		return nil, fmt.Errorf("merge progress for child %d: %w", childID, err)
	}
	return result, nil
}

func (s *Store) Remove(ctx context.Context, childID int64) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(childID))
		pipe.SRem(ctx, s.indexKey(), childID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove session %d: %w", childID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, childID int64) (*session.Session, bool, error) {
	return s.read(ctx, s.client, s.sessionKey(childID))
}

func (s *Store) List(ctx context.Context) ([]*session.Session, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list session index: %w", err)
	}
	result := make([]*session.Session, 0, len(ids))
	for _, raw := range ids {
		childID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		st, ok, err := s.Get(ctx, childID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Index entry outlived its session; drop it.
			s.client.SRem(ctx, s.indexKey(), raw)
			continue
		}
		result = append(result, st)
	}
	session.SortByChild(result)
	return result, nil
}

// EvictIdle removes sessions whose LastUpdate is before cutoff. Each removal
// is a WATCHed transaction so a session refreshed concurrently survives.
func (s *Store) EvictIdle(ctx context.Context, cutoff time.Time) ([]*session.Session, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var evicted []*session.Session
	for _, candidate := range all {
		if !candidate.LastUpdate.Before(cutoff) {
			continue
		}
		key := s.sessionKey(candidate.ChildID)
		childID := candidate.ChildID
		var removed *session.Session
		txf := func(tx *redis.Tx) error {
			st, ok, err := s.read(ctx, tx, key)
			if err != nil || !ok || !st.LastUpdate.Before(cutoff) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, s.indexKey(), childID)
				return nil
			})
			if err == nil {
				removed = st
			}
			return err
		}
		if err := s.watchRetry(ctx, txf, key); err != nil {
			return evicted, fmt.Errorf("evict child %d: %w", childID, err)
		}
		if removed != nil {
			evicted = append(evicted, removed)
		}
	}
	return evicted, nil
}

func (s *Store) watchRetry(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("key %s: too much contention", key)
}

func (s *Store) read(ctx context.Context, c getter, key string) (*session.Session, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	var st session.Session
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return &st, true, nil
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Interface compliance
var _ session.Store = (*Store)(nil)
