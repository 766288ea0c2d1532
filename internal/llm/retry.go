package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// doWithRetry wraps an HTTP call with retry logic.
// It will attempt the request up to MaxRetries+1 times (initial + retries).
//   - Retries only when the connection could not be established, so the
//     request body never reached the upstream. A completion call is not
//     idempotent: anything past the dial is returned to the caller as is,
//     including 429 and 5xx responses, which are forwarded verbatim.
//   - Uses exponential backoff with full jitter.
//   - Respects the provided ctx (deadline / cancellation).
func (c *Client) doWithRetry(
	ctx context.Context,
	body []byte,
	do func(ctx context.Context, body []byte) (*http.Response, error),
) (*http.Response, error) {
	var lastErr error
	maxAttempts := c.cfg.MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := do(ctx, body)

		c.logger.Debug("upstream attempt",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		if err == nil {
			return resp, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if !isDialError(err) {
			return nil, err
		}

		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}

		backoff := computeBackoff(c.cfg.BaseBackoff, attempt)
		c.logger.Debug("upstream dial failed, backing off",
			zap.Duration("backoff", backoff),
			zap.Int("next_attempt", attempt+2),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	c.logger.Warn("upstream connect exhausted all retries",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("connect failed after %d attempts: %w", maxAttempts, lastErr)
}

// isDialError reports whether err happened before any byte of the request
// was written: DNS resolution or TCP connect.
func isDialError(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	// Wrapped errors from proxies and some resolvers lose their types.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "no such host"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// isTimeout reports a read-side timeout. A dial timeout is not one: the
// upstream was never reached, which is an availability problem.
func isTimeout(err error) bool {
	if isDialError(err) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// computeBackoff calculates exponential backoff with full jitter: a random
// value in [0, base*2^attempt), capped at maxAllowed.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	const maxExponent = 10
	if attempt > maxExponent {
		attempt = maxExponent
	}

	maxBackoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))

	const maxAllowed = 5 * time.Second
	if maxBackoff > maxAllowed {
		maxBackoff = maxAllowed
	}

	return time.Duration(rand.Float64() * float64(maxBackoff))
}
