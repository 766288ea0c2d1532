package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, RedisConfig{Prefix: "claude"}), mr, client
}

func TestRedisStore_GetSet(t *testing.T) {
	s, mr, _ := setupRedisStore(t)
	ctx := context.Background()

	_, hit, err := s.Get(ctx, "resp:abc")
	require.NoError(t, err)
	assert.False(t, hit, "missing key must be a clean miss")

	require.NoError(t, s.SetWithExpiry(ctx, "resp:abc", []byte(`{"id":"m1"}`), time.Hour))
	assert.True(t, mr.Exists("claude:resp:abc"), "key must be namespaced")
	assert.Equal(t, time.Hour, mr.TTL("claude:resp:abc"))

	got, hit, err := s.Get(ctx, "resp:abc")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, `{"id":"m1"}`, string(got))

	mr.FastForward(2 * time.Hour)
	_, hit, err = s.Get(ctx, "resp:abc")
	require.NoError(t, err)
	assert.False(t, hit, "entry must expire with its TTL")
}

func TestRedisStore_SetWithoutTTLIsNoop(t *testing.T) {
	s, mr, _ := setupRedisStore(t)

	require.NoError(t, s.SetWithExpiry(context.Background(), "resp:x", []byte("v"), 0))
	assert.False(t, mr.Exists("claude:resp:x"))
}

func TestRedisStore_LockLifecycle(t *testing.T) {
	s, mr, _ := setupRedisStore(t)
	ctx := context.Background()

	ok, err := s.SetIfAbsentWithExpiry(ctx, "lock:abc", []byte("token-1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfAbsentWithExpiry(ctx, "lock:abc", []byte("token-2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be re-acquired")

	released, err := s.CompareAndDelete(ctx, "lock:abc", []byte("token-2"))
	require.NoError(t, err)
	assert.False(t, released, "foreign token must not release")

	released, err = s.CompareAndDelete(ctx, "lock:abc", []byte("token-1"))
	require.NoError(t, err)
	assert.True(t, released)

	mr.FastForward(time.Second)
	ok, err = s.SetIfAbsentWithExpiry(ctx, "lock:abc", []byte("token-3"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = s.SetIfAbsentWithExpiry(ctx, "lock:abc", []byte("token-4"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must expire by itself")
}

func TestRedisStore_Delete(t *testing.T) {
	s, mr, _ := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWithExpiry(ctx, "resp:abc", []byte("v"), time.Hour))
	require.NoError(t, s.Delete(ctx, "resp:abc"))
	assert.False(t, mr.Exists("claude:resp:abc"))
}

func TestRedisStore_Inspect(t *testing.T) {
	s, mr, client := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWithExpiry(ctx, "resp:a", []byte("12345"), time.Hour))
	require.NoError(t, s.SetWithExpiry(ctx, "resp:b", []byte("12"), time.Hour))
	_, err := s.SetIfAbsentWithExpiry(ctx, "lock:a", []byte("t"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, "unrelated", "keep", 0).Err())

	keys, err := s.Keys(ctx, 0)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.NotContains(t, k.Key, "claude:", "keys are reported without the namespace")
		assert.Greater(t, k.TTLSeconds, int64(0))
	}

	limited, err := s.Keys(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "redis", stats.Backend)
	assert.Equal(t, 2, stats.Responses)
	assert.Equal(t, 1, stats.Locks)
	assert.Equal(t, int64(8), stats.TotalBytes)

	n, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, mr.Exists("unrelated"), "flush must stay inside the namespace")
}

func TestRedisStore_FlushWithoutPrefixKeepsForeignKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, RedisConfig{})
	ctx := context.Background()

	require.NoError(t, s.SetWithExpiry(ctx, "resp:a", []byte("v"), time.Hour))
	_, err := s.SetIfAbsentWithExpiry(ctx, "lock:a", []byte("t"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, "session:42", "keep", 0).Err())
	require.NoError(t, client.Set(ctx, "response", "keep", 0).Err())

	keys, err := s.Keys(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	n, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists("session:42"), "flush must only touch response and lock keys")
	assert.True(t, mr.Exists("response"))
	assert.False(t, mr.Exists("resp:a"))
	assert.False(t, mr.Exists("lock:a"))
}

func TestRedisStore_PingFailsWhenDown(t *testing.T) {
	s, mr, _ := setupRedisStore(t)

	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestInfoField(t *testing.T) {
	info := "# Memory\r\nused_memory:1024\r\nused_memory_human:1.00K\r\n"
	assert.Equal(t, "1.00K", infoField(info, "used_memory_human"))
	assert.Equal(t, "", infoField(info, "missing"))
}
