// Package coordinator puts the shared store in front of upstream calls:
// cache lookup, a best-effort cross-process single-flight lock, a bounded
// wait for a concurrent fetch, and write-through of admitted responses.
//
// Every store failure fails open. A degraded store costs hit rate, never
// availability.
package coordinator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"promptcache-gateway/internal/admission"
	"promptcache-gateway/internal/apierr"
	"promptcache-gateway/internal/fingerprint"
	"promptcache-gateway/internal/llm"
	"promptcache-gateway/internal/metrics"
	"promptcache-gateway/internal/store"
	"promptcache-gateway/pkg/logging"
)

const (
	DefaultCacheTTL     = 24 * time.Hour
	DefaultLockTTL      = 60 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	DefaultWaitTimeout  = 2 * time.Second

	// writeTimeout bounds post-response store writes, which run detached from
	// the request context.
	writeTimeout = 2 * time.Second
)

type Source string

const (
	SourceCache    Source = "cache"
	SourceUpstream Source = "upstream"
)

// Result is what Handle returns. For cache hits Body holds the stored bytes
// and Message their decoded form; for upstream results they are whatever the
// call produced.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Message    *llm.Message
	Source     Source
}

// UpstreamFunc performs the forwarded call. A non-2xx result is returned as a
// Result, not an error; errors are reserved for transport and protocol
// failures.
type UpstreamFunc func(ctx context.Context) (*Result, error)

type Config struct {
	CacheTTL     time.Duration
	LockTTL      time.Duration
	PollInterval time.Duration
	WaitTimeout  time.Duration
	// ReleaseLock deletes the lock after the owner's call completes, if it
	// still holds its token. Off by default: the lock only expires.
	ReleaseLock bool
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
}

type Coordinator struct {
	store  store.Store
	policy *admission.Policy
	cfg    Config
}

func New(st store.Store, policy *admission.Policy, cfg Config) *Coordinator {
	cfg.applyDefaults()
	if policy == nil {
		policy = admission.NewPolicy(0, nil)
	}
	return &Coordinator{store: st, policy: policy, cfg: cfg}
}

var errNotReady = errors.New("entry not ready")

type lookup int

const (
	lookupMiss lookup = iota
	lookupHit
	lookupInvalid
	lookupError
)

func (l lookup) String() string {
	switch l {
	case lookupHit:
		return "hit"
	case lookupInvalid:
		return "invalid"
	case lookupError:
		return "error"
	default:
		return "miss"
	}
}

// Handle serves fp from the store or through call. An empty fp means the
// request is uncacheable: call runs directly with no read, lock or write.
func (c *Coordinator) Handle(ctx context.Context, fp fingerprint.Fingerprint, call UpstreamFunc) (*Result, error) {
	if fp == "" {
		metrics.CacheLookupsTotal.WithLabelValues("bypass").Inc()
		logging.L(ctx).Debug("cache_bypass")
		return c.invoke(ctx, call)
	}

	ctx = logging.WithFields(ctx, zap.String("fingerprint", fp.Short()))
	log := logging.L(ctx)

	res, outcome := c.read(ctx, fp)
	metrics.CacheLookupsTotal.WithLabelValues(outcome.String()).Inc()
	if outcome == lookupHit {
		log.Info("cache_decision", zap.String("decision", "hit"))
		return res, nil
	}

	token := uuid.NewString()
	acquired, err := c.store.SetIfAbsentWithExpiry(ctx, fp.LockKey(), []byte(token), c.cfg.LockTTL)
	switch {
	case err != nil:
		metrics.LockAttemptsTotal.WithLabelValues("error").Inc()
		log.Warn("lock_failed_open", zap.Error(err))
	case acquired:
		metrics.LockAttemptsTotal.WithLabelValues("acquired").Inc()
		log.Debug("lock_acquired")
		if c.cfg.ReleaseLock {
			defer c.release(ctx, fp, token)
		}
	default:
		metrics.LockAttemptsTotal.WithLabelValues("contended").Inc()
		res, err := c.wait(ctx, fp)
		if err == nil {
			log.Info("cache_decision", zap.String("decision", "filled_while_waiting"))
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	log.Info("cache_decision", zap.String("decision", "miss"), zap.String("lookup", outcome.String()))

	res, err = c.invoke(ctx, call)
	if err != nil {
		return nil, err
	}
	c.persist(ctx, fp, res)
	return res, nil
}

// read fetches and validates the entry for fp. Entries failing read-time
// validation are deleted.
func (c *Coordinator) read(ctx context.Context, fp fingerprint.Fingerprint) (*Result, lookup) {
	log := logging.L(ctx)

	raw, ok, err := c.store.Get(ctx, fp.CacheKey())
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("cache_lookup_abandoned", zap.Error(err))
		} else {
			log.Warn("cache_lookup_failed_open", zap.Error(err))
		}
		return nil, lookupError
	}
	if !ok {
		return nil, lookupMiss
	}

	msg, err := llm.ParseMessage(raw)
	if err == nil {
		err = c.policy.Validate(msg)
	}
	if err != nil {
		log.Info("cache_entry_invalid", zap.Error(err))
		if derr := c.store.Delete(ctx, fp.CacheKey()); derr != nil {
			log.Warn("cache_entry_delete_failed", zap.Error(derr))
		}
		return nil, lookupInvalid
	}

	return &Result{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       raw,
		Message:    msg,
		Source:     SourceCache,
	}, lookupHit
}

// wait polls for an entry written by the lock holder. It returns an error
// when the bound elapses, the store fails, or ctx is done.
func (c *Coordinator) wait(ctx context.Context, fp fingerprint.Fingerprint) (*Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.WaitTimeout)
	defer cancel()

	start := time.Now()
	b := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.PollInterval), waitCtx)
	res, err := backoff.RetryWithData(func() (*Result, error) {
		res, outcome := c.read(waitCtx, fp)
		switch outcome {
		case lookupHit:
			return res, nil
		case lookupError:
			if err := waitCtx.Err(); err != nil {
				// the bound ran out mid-read
				return nil, backoff.Permanent(err)
			}
			return nil, backoff.Permanent(errors.New("store unavailable while waiting"))
		default:
			return nil, errNotReady
		}
	}, b)

	log := logging.L(ctx).With(zap.Duration("waited", time.Since(start)))
	switch {
	case err == nil:
		metrics.WaitOutcomesTotal.WithLabelValues("filled").Inc()
		log.Debug("lock_wait_filled")
	case ctx.Err() != nil:
		metrics.WaitOutcomesTotal.WithLabelValues("canceled").Inc()
	case errors.Is(err, errNotReady), errors.Is(err, context.DeadlineExceeded):
		metrics.WaitOutcomesTotal.WithLabelValues("timeout").Inc()
		log.Info("lock_wait_timeout")
	default:
		metrics.WaitOutcomesTotal.WithLabelValues("error").Inc()
		log.Warn("lock_wait_failed_open", zap.Error(err))
	}
	return res, err
}

func (c *Coordinator) invoke(ctx context.Context, call UpstreamFunc) (*Result, error) {
	res, err := call(ctx)
	if err == nil && res == nil {
		err = apierr.ErrUpstreamProtocol
	}
	metrics.UpstreamCallsTotal.WithLabelValues(outcomeOf(res, err)).Inc()
	if err != nil {
		return nil, err
	}
	res.Source = SourceUpstream
	return res, nil
}

// persist runs write-time admission and writes admitted responses through.
// Only 2xx results are candidates. Failures are logged, never returned.
func (c *Coordinator) persist(ctx context.Context, fp fingerprint.Fingerprint, res *Result) {
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return
	}
	log := logging.L(ctx)

	msg := res.Message
	if msg == nil {
		parsed, err := llm.ParseMessage(res.Body)
		if err != nil {
			metrics.AdmissionDecisionsTotal.WithLabelValues("rejected", "unparseable").Inc()
			log.Info("cache_admission_rejected", zap.Error(err))
			return
		}
		msg = parsed
	}

	if err := c.policy.Admit(msg); err != nil {
		metrics.AdmissionDecisionsTotal.WithLabelValues("rejected", admission.Reason(err)).Inc()
		log.Info("cache_admission_rejected",
			zap.String("reason", admission.Reason(err)),
			zap.Int("output_tokens", msg.OutputTokens()),
		)
		return
	}
	metrics.AdmissionDecisionsTotal.WithLabelValues("admitted", "").Inc()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := c.store.SetWithExpiry(wctx, fp.CacheKey(), res.Body, c.cfg.CacheTTL); err != nil {
		log.Warn("cache_write_failed", zap.Error(err))
		return
	}
	log.Info("cache_write", zap.Int("bytes", len(res.Body)), zap.Duration("ttl", c.cfg.CacheTTL))
}

func (c *Coordinator) release(ctx context.Context, fp fingerprint.Fingerprint, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	released, err := c.store.CompareAndDelete(rctx, fp.LockKey(), []byte(token))
	if err != nil {
		logging.L(ctx).Warn("lock_release_failed", zap.Error(err))
		return
	}
	logging.L(ctx).Debug("lock_released", zap.Bool("released", released))
}

func outcomeOf(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.StatusCode >= 200 && res.StatusCode < 300:
		return "ok"
	case err == nil:
		return "upstream_error"
	case errors.Is(err, apierr.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, apierr.ErrUpstreamUnreachable):
		return "unreachable"
	case errors.Is(err, apierr.ErrUpstreamProtocol):
		return "protocol"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
