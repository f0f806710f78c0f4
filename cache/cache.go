// Package cache is the Redis-backed key-value layer the subsystem leans on.
// It exposes two logical namespaces over one client: a generic cache (TTL,
// pattern invalidation, pipelined bulk ops) and a session namespace keyed by
// token digest with a per-user index so all of a user's cached session
// lookups can be purged at once. Entries are best-effort memos; the
// relational store is always the source of truth.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps every transport-level Redis failure. A plain miss is
// never an error.
var ErrUnavailable = errors.New("cache unavailable")

const scanBatch = 500

// Config fixes the namespace layout at construction time. Prefix and
// SessionPrefix must differ or the two namespaces would collide and pattern
// flushes of one would eat the other.
type Config struct {
	Prefix        string
	SessionPrefix string
	// SessionIndexTTL bounds how long a user's session index survives without
	// writes; it should cover the longest session lifetime.
	SessionIndexTTL time.Duration
}

// Cache wraps a Redis client with the two namespaces. Safe for concurrent use.
type Cache struct {
	rdb             redis.UniversalClient
	prefix          string
	sessPrefix      string
	sessionIndexTTL time.Duration
}

// New validates the namespace config and returns a Cache.
func New(rdb redis.UniversalClient, cfg Config) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("redis client required")
	}
	if cfg.Prefix == "" || cfg.SessionPrefix == "" {
		return nil, errors.New("cache prefixes required")
	}
	if cfg.Prefix == cfg.SessionPrefix {
		return nil, errors.New("cache and session prefixes must differ")
	}
	if cfg.SessionIndexTTL <= 0 {
		cfg.SessionIndexTTL = 7 * 24 * time.Hour
	}
	return &Cache{
		rdb:             rdb,
		prefix:          cfg.Prefix,
		sessPrefix:      cfg.SessionPrefix,
		sessionIndexTTL: cfg.SessionIndexTTL,
	}, nil
}

func (c *Cache) key(k string) string      { return c.prefix + ":" + k }
func (c *Cache) sessKey(k string) string  { return c.sessPrefix + ":" + k }
func (c *Cache) userKey(id string) string { return c.sessPrefix + ":u:" + id }

// Get returns the value and whether it was present.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, true, nil
}

// Set stores value under key for ttl. ttl <= 0 is rejected: nothing in this
// subsystem may cache forever.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("cache ttl must be positive")
	}
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes keys. Deleting absent keys is a no-op.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// MGet fetches many keys in one pipeline round-trip. Misses are simply absent
// from the result map.
func (c *Cache) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, c.key(k))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make(map[string][]byte, len(keys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out[keys[i]] = data
	}
	return out, nil
}

// MSet stores many entries with a shared ttl in one transaction.
func (c *Cache) MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	if ttl <= 0 {
		return errors.New("cache ttl must be positive")
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range items {
			pipe.Set(ctx, c.key(k), v, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// InvalidateByPattern deletes every generic-namespace key matching the glob
// prefix, returning how many were removed. SCAN-based, never KEYS; this is an
// admin/mutation path, not a request hot path.
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	match := c.key(pattern)

	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// GetSession reads a session-namespace entry by token digest.
func (c *Cache) GetSession(ctx context.Context, tokenHash string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, c.sessKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, true, nil
}

// SetSession stores a session memo under its token digest and indexes the
// digest against the owning user so DeleteSessionsForUser can find it.
func (c *Cache) SetSession(ctx context.Context, tokenHash string, value []byte, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("session ttl must be positive")
	}
	userKey := c.userKey(userID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.sessKey(tokenHash), value, ttl)
		pipe.SAdd(ctx, userKey, tokenHash)
		pipe.Expire(ctx, userKey, c.sessionIndexTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteSession drops one session memo. The index entry is left behind;
// deleting an already-gone digest later is harmless.
func (c *Cache) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := c.rdb.Del(ctx, c.sessKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteSessionsForUser purges every cached session memo recorded for the
// user, then the index itself. Used by password change/reset so stale memos
// cannot outlive a mass invalidation.
func (c *Cache) DeleteSessionsForUser(ctx context.Context, userID string) error {
	userKey := c.userKey(userID)

	hashes, err := c.rdb.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, h := range hashes {
			pipe.Del(ctx, c.sessKey(h))
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping reports point-in-time Redis availability and latency.
func (c *Cache) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}
