package store

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Backend string // "redis" or "memory"
	Prefix  string
	Breaker BreakerConfig
}

// New builds the store stack: backend, circuit breaker, logging. redisClient
// is required for the redis backend and ignored otherwise.
func New(cfg Config, redisClient *redis.Client, logger *zap.Logger) (Backend, error) {
	var backend Backend
	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("store: redis backend needs a client")
		}
		backend = NewRedisStore(redisClient, RedisConfig{Prefix: cfg.Prefix})
	case "memory", "":
		backend = NewMemoryStore(time.Minute)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}

	backend = NewBreakerStore(backend, cfg.Breaker, logger)
	return NewLoggingStore(backend), nil
}
