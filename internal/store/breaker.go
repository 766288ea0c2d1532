package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"promptcache-gateway/internal/metrics"
)

// ErrUnavailable is returned while the breaker is open and the store is not
// being called at all.
var ErrUnavailable = errors.New("store unavailable")

// BreakerConfig tunes the circuit breaker in front of the store.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker (default 5).
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing (default 10s).
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open (default 1).
	HalfOpenRequests uint32
}

// BreakerStore short-circuits calls to a failing store so a dead Redis costs
// a request nothing instead of a dial timeout per operation.
type BreakerStore struct {
	inner Backend
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps inner with a circuit breaker.
func NewBreakerStore(inner Backend, cfg BreakerConfig, logger *zap.Logger) *BreakerStore {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up or running out of its own deadline is not
			// the store's fault
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.StoreBreakerState.Set(float64(to))
			logger.Warn("store breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &BreakerStore{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

// State exposes the breaker state for health reporting.
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *BreakerStore) Close() error {
	return s.inner.Close()
}

func run[T any](s *BreakerStore, fn func() (T, error)) (T, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

type getResult struct {
	value []byte
	ok    bool
}

func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := run(s, func() (getResult, error) {
		v, ok, err := s.inner.Get(ctx, key)
		return getResult{value: v, ok: ok}, err
	})
	return r.value, r.ok, err
}

func (s *BreakerStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := run(s, func() (struct{}, error) {
		return struct{}{}, s.inner.SetWithExpiry(ctx, key, value, ttl)
	})
	return err
}

func (s *BreakerStore) SetIfAbsentWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return run(s, func() (bool, error) {
		return s.inner.SetIfAbsentWithExpiry(ctx, key, value, ttl)
	})
}

func (s *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := run(s, func() (struct{}, error) {
		return struct{}{}, s.inner.Delete(ctx, key)
	})
	return err
}

func (s *BreakerStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	return run(s, func() (bool, error) {
		return s.inner.CompareAndDelete(ctx, key, value)
	})
}

// Ping bypasses the breaker so health checks always see the real store.
func (s *BreakerStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *BreakerStore) Keys(ctx context.Context, limit int) ([]KeyInfo, error) {
	return run(s, func() ([]KeyInfo, error) {
		return s.inner.Keys(ctx, limit)
	})
}

func (s *BreakerStore) Flush(ctx context.Context) (int, error) {
	return run(s, func() (int, error) {
		return s.inner.Flush(ctx)
	})
}

func (s *BreakerStore) Stats(ctx context.Context) (Stats, error) {
	return run(s, func() (Stats, error) {
		return s.inner.Stats(ctx)
	})
}
