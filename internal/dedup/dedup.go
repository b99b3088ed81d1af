// Package dedup implements the packet-dedup counter (C2): an
// INCR-then-PEXPIRE-on-first-set pair against Redis, evaluated atomically
// server-side in a single round trip via a Lua script, keyed by a
// folder-prefixed string, plus the multiple_set/multiple_get pair the CPR
// cache handler uses through this same client.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrOperationFailed is returned when the cache round-trip does not yield
// the shape the protocol requires (e.g. multiple_get returning fewer
// values than requested, or an unexpected pipeline reply).
var ErrOperationFailed = errors.New("dedup: cache operation failed")

// incrementScript runs INCR then, only on the key's first creation,
// PEXPIRE, as a single atomic round trip: the contract spec.md §4.2
// describes as "a single round-trip pipeline evaluated atomically at the
// cache" cannot be satisfied by a client-side INCR followed by a
// conditional PEXPIRE, since that leaves a window between the two calls
// where a crash drops the TTL entirely. KEYS[1] is the fully-namespaced
// key, ARGV[1] the TTL in milliseconds.
var incrementScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Cache wraps a Redis client with a namespacing folder prefix, matching
// the original_source RedisPool/folder-per-service partitioning scheme.
type Cache struct {
	rdb    *redis.Client
	folder string
}

// New returns a Cache backed by the given Redis client, namespacing every
// key under folder (e.g. "adsb", "netrid").
func New(rdb *redis.Client, folder string) *Cache {
	return &Cache{rdb: rdb, folder: folder}
}

func (c *Cache) key(k string) string {
	return fmt.Sprintf("%s:%s", c.folder, k)
}

// Increment runs the atomic INCR+PEXPIRE-on-first-set script and returns
// the new count. ttl is applied only when the key did not previously
// exist (count == 1); a later call within the same TTL window does not
// refresh the expiry, per the dedup-entry invariant.
func (c *Cache) Increment(ctx context.Context, key string, ttl time.Duration) (uint32, error) {
	fullKey := c.key(key)

	n, err := incrementScript.Run(ctx, c.rdb, []string{fullKey}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: incr: %v", ErrOperationFailed, err)
	}
	if n < 1 {
		return 0, ErrOperationFailed
	}
	return uint32(n), nil
}

// MultipleSet writes every (key, value) pair with the same TTL, used by
// the CPR pair cache to deposit a fresh even/odd half atomically with its
// sibling.
func (c *Cache) MultipleSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	if len(pairs) == 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	for k, v := range pairs {
		pipe.Set(ctx, c.key(k), v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: multiple_set: %v", ErrOperationFailed, err)
	}
	return nil
}

// MultipleGet returns one value per requested key, in order; a missing key
// yields an empty string at that position. The number of returned values
// always equals len(keys); a cache-level failure to produce that many
// values is reported as ErrOperationFailed rather than silently truncated.
func (c *Cache) MultipleGet(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = c.key(k)
	}
	vals, err := c.rdb.MGet(ctx, fullKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: multiple_get: %v", ErrOperationFailed, err)
	}
	if len(vals) != len(keys) {
		return nil, ErrOperationFailed
	}
	out := make([]string, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, ErrOperationFailed
		}
		out[i] = s
	}
	return out, nil
}

// Ping probes the connection for readiness checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
