// Copyright (c) 2023 BVK Chaitanya

// Package cache implements a small redis-backed cache with short-TTL values,
// SETNX based request deduplication and per-user locks.
//
// All operations degrade gracefully when redis is unreachable: reads behave
// as misses, writes succeed silently and locks are granted immediately. The
// store transactions remain the source of correctness; the cache only trims
// duplicate work.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// configured wait timeout.
var ErrLockTimeout = errors.New("could not acquire lock within the wait timeout")

// releaseScript deletes a lock key only when it still holds our token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

type Options struct {
	// Addr is the redis server address. Empty disables the cache; every
	// operation then takes the fail-open path.
	Addr     string
	Password string
	DB       int

	// LockTTL bounds how long an acquired lock may be held before redis
	// expires it.
	LockTTL time.Duration

	// LockRetryInterval and LockWaitTimeout control how often and for how
	// long WithLock retries a contended lock.
	LockRetryInterval time.Duration
	LockWaitTimeout   time.Duration
}

func (v *Options) setDefaults() {
	if v.LockTTL == 0 {
		v.LockTTL = 10 * time.Second
	}
	if v.LockRetryInterval == 0 {
		v.LockRetryInterval = 50 * time.Millisecond
	}
	if v.LockWaitTimeout == 0 {
		v.LockWaitTimeout = 5 * time.Second
	}
}

func (v *Options) Check() error {
	if v.LockRetryInterval > v.LockWaitTimeout {
		return fmt.Errorf("lock retry interval cannot be larger than the wait timeout: %w", errors.ErrUnsupported)
	}
	return nil
}

// Cache is safe to use as a nil pointer or with an empty Addr; every
// operation then takes the fail-open path.
type Cache struct {
	opts Options

	client *redis.Client
}

// New creates a cache backed by the redis server at opts.Addr. The server is
// not contacted here; a dead server is discovered (and tolerated) per-op.
func New(opts *Options) (*Cache, error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	if err := opts.Check(); err != nil {
		return nil, err
	}

	c := &Cache{opts: *opts}
	if len(opts.Addr) != 0 {
		c.client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	return c, nil
}

func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// GetJSON loads the value at key into v. Returns false on a miss or when
// redis is unreachable.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache get has failed (treating as miss)", "key", key, "error", err)
		}
		return false, nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("could not json-decode cached value at %q: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v at key with the given ttl. Failures are logged and
// swallowed.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not json-encode value for key %q: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache set has failed", "key", key, "error", err)
	}
	return nil
}

// SetNX sets key to value only when it does not exist. Returns true when the
// key was set, and also true when redis is unreachable so that callers do not
// reject requests on cache failures.
func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c == nil || c.client == nil {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		slog.WarnContext(ctx, "cache setnx has failed (treating as set)", "key", key, "error", err)
		return true, nil
	}
	return ok, nil
}

// Delete removes a key. Failures are ignored.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		slog.WarnContext(ctx, "cache delete has failed", "key", key, "error", err)
	}
}

// AcquireLock attempts to take the named lock once. Returns the owner token
// when successful. When redis is unreachable a fresh token is returned as if
// the lock was granted.
func (c *Cache) AcquireLock(ctx context.Context, name string) (string, bool) {
	token := uuid.New().String()
	if c == nil || c.client == nil {
		return token, true
	}
	ok, err := c.client.SetNX(ctx, "lock:"+name, token, c.opts.LockTTL).Result()
	if err != nil {
		slog.WarnContext(ctx, "lock acquire has failed (granting without redis)", "name", name, "error", err)
		return token, true
	}
	if !ok {
		return "", false
	}
	return token, true
}

// ReleaseLock releases the named lock if it still holds token.
func (c *Cache) ReleaseLock(ctx context.Context, name, token string) bool {
	if c == nil || c.client == nil {
		return true
	}
	n, err := c.client.Eval(ctx, releaseScript, []string{"lock:" + name}, token).Int64()
	if err != nil {
		slog.WarnContext(ctx, "lock release has failed", "name", name, "error", err)
		return true
	}
	return n == 1
}

// WithLock runs f while holding the named lock, retrying acquisition every
// LockRetryInterval up to LockWaitTimeout. Returns ErrLockTimeout when the
// lock stays contended past the timeout.
func (c *Cache) WithLock(ctx context.Context, name string, f func(ctx context.Context) error) error {
	if c == nil || c.client == nil {
		return f(ctx)
	}
	deadline := time.Now().Add(c.opts.LockWaitTimeout)
	for {
		token, ok := c.AcquireLock(ctx, name)
		if ok {
			defer c.ReleaseLock(ctx, name, token)
			return f(ctx)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock %q is contended: %w", name, ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(c.opts.LockRetryInterval):
		}
	}
}
