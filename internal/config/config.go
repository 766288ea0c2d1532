// Package config loads gateway configuration from defaults, an optional
// config file, environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Store    StoreConfig    `mapstructure:"store"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AdminEnabled    bool          `mapstructure:"admin_enabled"`
	AdminTimeout    time.Duration `mapstructure:"admin_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
}

// Addr is host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`

	BreakerFailures    int           `mapstructure:"breaker_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// CacheConfig holds the single-flight and admission settings. TTLs are whole
// seconds so CACHE_TTL=86400 works as it always has.
type CacheConfig struct {
	TTLSeconds      int           `mapstructure:"ttl_seconds"`
	LockTTLSeconds  int           `mapstructure:"lock_ttl_seconds"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	WaitTimeout     time.Duration `mapstructure:"wait_timeout"`
	ReleaseLock     bool          `mapstructure:"release_lock"`
	MinOutputTokens int           `mapstructure:"min_output_tokens"`
	MetadataKeys    []string      `mapstructure:"metadata_keys"`
	ProjectHeader   string        `mapstructure:"project_header"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c CacheConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

type UpstreamConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	APIVersion         string        `mapstructure:"api_version"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	HardTimeout        time.Duration `mapstructure:"hard_timeout"`
	CountTokensTimeout time.Duration `mapstructure:"count_tokens_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// New returns a viper instance with defaults and environment bindings in
// place. Callers may bind flags into it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 32<<20)
	v.SetDefault("server.admin_enabled", false)
	v.SetDefault("server.admin_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 7379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.op_timeout", "500ms")

	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.prefix", "claude")
	v.SetDefault("store.breaker_failures", 5)
	v.SetDefault("store.breaker_open_timeout", "10s")

	v.SetDefault("cache.ttl_seconds", 86400)
	v.SetDefault("cache.lock_ttl_seconds", 60)
	v.SetDefault("cache.poll_interval", "50ms")
	v.SetDefault("cache.wait_timeout", "2s")
	v.SetDefault("cache.release_lock", false)
	v.SetDefault("cache.min_output_tokens", 20)
	v.SetDefault("cache.metadata_keys", []string{"isNewTopic", "title", "type", "status"})
	v.SetDefault("cache.project_header", "X-Project-Context")

	v.SetDefault("upstream.base_url", "https://api.anthropic.com")
	v.SetDefault("upstream.api_version", "2023-06-01")
	v.SetDefault("upstream.connect_timeout", "10s")
	v.SetDefault("upstream.read_timeout", "300s")
	v.SetDefault("upstream.hard_timeout", "330s")
	v.SetDefault("upstream.count_tokens_timeout", "30s")
	v.SetDefault("upstream.max_retries", 1)
}

// bindEnvVars maps every key to its upper-snake env name (redis.host ->
// REDIS_HOST) and adds the historical short names.
func bindEnvVars(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("store.backend", "STORE_BACKEND", "CACHE_BACKEND")
	_ = v.BindEnv("cache.ttl_seconds", "CACHE_TTL_SECONDS", "CACHE_TTL")
	_ = v.BindEnv("cache.lock_ttl_seconds", "CACHE_LOCK_TTL_SECONDS", "LOCK_TTL")
	_ = v.BindEnv("upstream.base_url", "UPSTREAM_BASE_URL", "ANTHROPIC_BASE_URL")
}

// Load reads the config file named by the "config" key, if any, and
// decodes and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	switch c.Store.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Cache.TTLSeconds <= 0 {
		errs = append(errs, errors.New("cache.ttl_seconds must be positive"))
	}
	if c.Cache.LockTTLSeconds <= 0 {
		errs = append(errs, errors.New("cache.lock_ttl_seconds must be positive"))
	}
	if c.Cache.WaitTimeout <= 0 || c.Cache.PollInterval <= 0 {
		errs = append(errs, errors.New("cache.poll_interval and cache.wait_timeout must be positive"))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if c.Upstream.HardTimeout <= 0 {
		errs = append(errs, errors.New("upstream.hard_timeout must be positive"))
	}

	return errors.Join(errs...)
}
