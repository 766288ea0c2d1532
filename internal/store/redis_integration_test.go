//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer starts a real Redis for behaviour miniredis only
// approximates (INFO, expiry driven by the server clock).
func setupRedisContainer(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestRedisStoreIntegration_LockExpiresOnServerClock(t *testing.T) {
	client := setupRedisContainer(t)
	s := NewRedisStore(client, RedisConfig{Prefix: "it"})
	ctx := context.Background()

	ok, err := s.SetIfAbsentWithExpiry(ctx, "lock:fp", []byte("a"), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetIfAbsentWithExpiry(ctx, "lock:fp", []byte("b"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(1500 * time.Millisecond)

	ok, err = s.SetIfAbsentWithExpiry(ctx, "lock:fp", []byte("c"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock must expire on the server")
}

func TestRedisStoreIntegration_Stats(t *testing.T) {
	client := setupRedisContainer(t)
	s := NewRedisStore(client, RedisConfig{Prefix: "it"})
	ctx := context.Background()

	require.NoError(t, s.SetWithExpiry(ctx, "resp:fp", []byte(`{"id":"m"}`), time.Hour))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Responses)
	assert.NotEmpty(t, stats.UsedMemory)
	assert.GreaterOrEqual(t, stats.DBSize, int64(1))
}
