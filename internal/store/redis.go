package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const scanBatch = 200

// RedisStore implements Backend using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type RedisConfig struct {
	Prefix string
}

// NewRedisStore wraps a Redis client. The caller owns the client lifecycle.
func NewRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: config.Prefix,
	}
}

// Close is a no-op; the client belongs to the caller.
func (c *RedisStore) Close() error {
	return nil
}

// key builds the final Redis key with prefix.
func (c *RedisStore) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// logical strips the namespace prefix from a Redis key.
func (c *RedisStore) logical(k string) string {
	if c.prefix == "" {
		return k
	}
	return strings.TrimPrefix(k, c.prefix+":")
}

// patterns match the gateway's own key families. Without a prefix the
// database may be shared, so a bare "*" is never scanned.
func (c *RedisStore) patterns() []string {
	return []string{c.key(ResponsePrefix + "*"), c.key(LockPrefix + "*")}
}

// Get retrieves a value. A missing key is a clean miss, not an error.
func (c *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return res, true, nil
}

// SetWithExpiry stores a value with TTL. If ttl <= 0, it does nothing.
func (c *RedisStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// SetIfAbsentWithExpiry is SET NX EX.
func (c *RedisStore) SetIfAbsentWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// Delete removes a key.
func (c *RedisStore) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CompareAndDelete atomically deletes key if it holds value.
func (c *RedisStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := releaseScript.Run(ctx, c.client, []string{c.key(key)}, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete failed: %w", err)
	}
	return n > 0, nil
}

// Ping checks if Redis connection is healthy.
func (c *RedisStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// scan walks the namespace and calls fn with each batch of raw Redis keys.
func (c *RedisStore) scan(ctx context.Context, fn func(keys []string) (bool, error)) error {
	for _, match := range c.patterns() {
		var cursor uint64
		for {
			keys, next, err := c.client.Scan(ctx, cursor, match, scanBatch).Result()
			if err != nil {
				return fmt.Errorf("redis scan failed: %w", err)
			}
			if len(keys) > 0 {
				more, err := fn(keys)
				if err != nil {
					return err
				}
				if !more {
					return nil
				}
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	}
	return nil
}

// describe fetches TTL and size for a batch of raw keys in one round trip.
func (c *RedisStore) describe(ctx context.Context, keys []string) ([]KeyInfo, error) {
	pipe := c.client.Pipeline()
	ttls := make([]*redis.DurationCmd, len(keys))
	sizes := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		ttls[i] = pipe.TTL(ctx, k)
		sizes[i] = pipe.StrLen(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis describe failed: %w", err)
	}

	out := make([]KeyInfo, 0, len(keys))
	for i, k := range keys {
		ttl := ttls[i].Val()
		if ttl == -2 {
			// expired between SCAN and TTL
			continue
		}
		info := KeyInfo{
			Key:        c.logical(k),
			TTLSeconds: -1,
			SizeBytes:  sizes[i].Val(),
		}
		if ttl >= 0 {
			info.TTLSeconds = int64(ttl / time.Second)
		}
		out = append(out, info)
	}
	return out, nil
}

// Keys lists up to limit keys of the namespace with their TTL and size.
func (c *RedisStore) Keys(ctx context.Context, limit int) ([]KeyInfo, error) {
	var out []KeyInfo
	err := c.scan(ctx, func(keys []string) (bool, error) {
		infos, err := c.describe(ctx, keys)
		if err != nil {
			return false, err
		}
		for _, info := range infos {
			if limit > 0 && len(out) >= limit {
				return false, nil
			}
			out = append(out, info)
		}
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// Flush deletes every response and lock key in the namespace. Keys outside
// it are untouched, even when no prefix is configured.
func (c *RedisStore) Flush(ctx context.Context) (int, error) {
	deleted := 0
	err := c.scan(ctx, func(keys []string) (bool, error) {
		n, err := c.client.Del(ctx, keys...).Result()
		if err != nil {
			return false, fmt.Errorf("redis del failed: %w", err)
		}
		deleted += int(n)
		return true, nil
	})
	return deleted, err
}

// Stats counts responses and locks in the namespace and reports server memory.
func (c *RedisStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Backend: "redis"}

	err := c.scan(ctx, func(keys []string) (bool, error) {
		infos, err := c.describe(ctx, keys)
		if err != nil {
			return false, err
		}
		for _, info := range infos {
			stats.count(info.Key, info.SizeBytes)
		}
		return true, nil
	})
	if err != nil {
		return stats, err
	}

	if n, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.DBSize = n
	}
	if info, err := c.client.Info(ctx, "memory").Result(); err == nil {
		stats.UsedMemory = infoField(info, "used_memory_human")
	}

	return stats, nil
}

// infoField extracts one "name:value" line from an INFO reply.
func infoField(info, name string) string {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), name+":"); ok {
			return v
		}
	}
	return ""
}
