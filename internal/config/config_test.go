package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Server.AdminEnabled, "admin routes are opt-in")
	assert.Equal(t, "localhost:7379", cfg.Redis.Addr())
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "claude", cfg.Store.Prefix)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL())
	assert.Equal(t, time.Minute, cfg.Cache.LockTTL())
	assert.Equal(t, 50*time.Millisecond, cfg.Cache.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Cache.WaitTimeout)
	assert.False(t, cfg.Cache.ReleaseLock)
	assert.Equal(t, 20, cfg.Cache.MinOutputTokens)
	assert.Equal(t, []string{"isNewTopic", "title", "type", "status"}, cfg.Cache.MetadataKeys)
	assert.Equal(t, "X-Project-Context", cfg.Cache.ProjectHeader)
	assert.Equal(t, "2023-06-01", cfg.Upstream.APIVersion)
	assert.Equal(t, 300*time.Second, cfg.Upstream.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Upstream.CountTokensTimeout)
}

func TestLoad_AdminOptIn(t *testing.T) {
	t.Setenv("SERVER_ADMIN_ENABLED", "true")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.True(t, cfg.Server.AdminEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("CACHE_TTL", "3600")
	t.Setenv("LOCK_TTL", "15")
	t.Setenv("CACHE_RELEASE_LOCK", "true")
	t.Setenv("UPSTREAM_HARD_TIMEOUT", "90s")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "cache.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, time.Hour, cfg.Cache.TTL())
	assert.Equal(t, 15*time.Second, cfg.Cache.LockTTL())
	assert.True(t, cfg.Cache.ReleaseLock)
	assert.Equal(t, 90*time.Second, cfg.Upstream.HardTimeout)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
store:
  backend: memory
cache:
  min_output_tokens: 5
  metadata_keys: [kind]
`), 0o600))

	v := New()
	v.Set("config", path)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Cache.MinOutputTokens)
	assert.Equal(t, []string{"kind"}, cfg.Cache.MetadataKeys)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	v := New()
	v.Set("config", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load(v)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	v := New()
	v.Set("server.port", 0)
	v.Set("store.backend", "memcached")
	v.Set("cache.ttl_seconds", 0)

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")
	assert.Contains(t, err.Error(), "memcached")
	assert.Contains(t, err.Error(), "cache.ttl_seconds")
}
