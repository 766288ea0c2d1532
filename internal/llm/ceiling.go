package llm

import (
	"context"
	"time"

	"promptcache-gateway/internal/apierr"
)

// WithCeiling runs fn under a hard wall-clock limit that does not depend on
// the transport honouring its own timeouts. fn gets a context that is
// cancelled when the limit fires; WithCeiling returns ErrUpstreamTimeout at
// that moment without waiting for fn to notice. Anything fn produces after
// the ceiling must be discarded by the caller.
func WithCeiling(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return apierr.ErrUpstreamTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
