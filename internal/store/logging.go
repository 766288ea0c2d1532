package store

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"promptcache-gateway/internal/metrics"
	"promptcache-gateway/pkg/logging"
)

// LoggingStore wraps a Backend with structured logging and latency metrics.
type LoggingStore struct {
	inner Backend
}

// NewLoggingStore returns a store that logs and records metrics.
func NewLoggingStore(inner Backend) *LoggingStore {
	return &LoggingStore{inner: inner}
}

func (c *LoggingStore) observe(ctx context.Context, op, key string, start time.Time, result string, err error, extra ...zap.Field) {
	latency := time.Since(start)
	metrics.StoreOperationSeconds.WithLabelValues(op, result).Observe(latency.Seconds())

	fields := append([]zap.Field{
		zap.String("store_op", op),
		zap.String("store_result", result),
		zap.Float64("latency_ms", float64(latency.Microseconds())/1000.0),
	}, keyFields(key)...)
	fields = append(fields, extra...)

	logger := logging.L(ctx)
	if err != nil {
		logger.Warn("store_"+op, append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("store_"+op, fields...)
}

func (c *LoggingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := c.inner.Get(ctx, key)

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	c.observe(ctx, "get", key, start, result, err, zap.Int("bytes", len(value)))

	return value, ok, err
}

func (c *LoggingStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.SetWithExpiry(ctx, key, value, ttl)
	c.observe(ctx, "set", key, start, resultOf(err, "ok"), err,
		zap.Int("bytes", len(value)),
		zap.Duration("ttl", ttl),
	)
	return err
}

func (c *LoggingStore) SetIfAbsentWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := c.inner.SetIfAbsentWithExpiry(ctx, key, value, ttl)

	result := "exists"
	if ok {
		result = "created"
	}
	c.observe(ctx, "setnx", key, start, resultOf(err, result), err, zap.Duration("ttl", ttl))
	return ok, err
}

func (c *LoggingStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := c.inner.Delete(ctx, key)
	c.observe(ctx, "delete", key, start, resultOf(err, "ok"), err)
	return err
}

func (c *LoggingStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	start := time.Now()
	ok, err := c.inner.CompareAndDelete(ctx, key, value)

	result := "mismatch"
	if ok {
		result = "deleted"
	}
	c.observe(ctx, "compare_delete", key, start, resultOf(err, result), err)
	return ok, err
}

func (c *LoggingStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.inner.Ping(ctx)
	c.observe(ctx, "ping", "", start, resultOf(err, "ok"), err)
	return err
}

func (c *LoggingStore) Keys(ctx context.Context, limit int) ([]KeyInfo, error) {
	start := time.Now()
	keys, err := c.inner.Keys(ctx, limit)
	c.observe(ctx, "keys", "", start, resultOf(err, "ok"), err, zap.Int("count", len(keys)))
	return keys, err
}

func (c *LoggingStore) Flush(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := c.inner.Flush(ctx)
	c.observe(ctx, "flush", "", start, resultOf(err, "ok"), err, zap.Int("deleted", n))
	if err == nil {
		logging.L(ctx).Info("store flushed", zap.Int("deleted", n))
	}
	return n, err
}

func (c *LoggingStore) Stats(ctx context.Context) (Stats, error) {
	start := time.Now()
	stats, err := c.inner.Stats(ctx)
	c.observe(ctx, "stats", "", start, resultOf(err, "ok"), err)
	return stats, err
}

func (c *LoggingStore) Close() error {
	return c.inner.Close()
}

func resultOf(err error, ok string) string {
	if err != nil {
		return "error"
	}
	return ok
}

// keyFields splits a logical key (resp:<fp> / lock:<fp>) into log fields.
func keyFields(key string) []zap.Field {
	if key == "" {
		return nil
	}
	kind, fp, found := strings.Cut(key, ":")
	if !found {
		return []zap.Field{zap.String("key", key)}
	}
	return []zap.Field{
		zap.String("key_kind", kind),
		zap.String("fingerprint", fp),
	}
}
