package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache lookups by outcome: hit | miss | invalid | error | bypass.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcache_lookups_total",
			Help: "Cache lookups by outcome.",
		},
		[]string{"result"},
	)

	// Lock attempts by outcome: acquired | contended | error.
	LockAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcache_lock_attempts_total",
			Help: "Single-flight lock acquisition attempts by outcome.",
		},
		[]string{"result"},
	)

	// Waits on a contended lock by outcome: filled | timeout.
	WaitOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcache_wait_outcomes_total",
			Help: "Bounded waits for a concurrent fetch by outcome.",
		},
		[]string{"result"},
	)

	// Admission decisions; reason is empty for admitted responses.
	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcache_admission_decisions_total",
			Help: "Write-time admission decisions.",
		},
		[]string{"decision", "reason"},
	)

	// Upstream calls by outcome: ok | upstream_error | timeout | unreachable | protocol | canceled.
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcache_upstream_calls_total",
			Help: "Upstream calls by outcome.",
		},
		[]string{"outcome"},
	)

	StoreOperationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptcache_store_operation_seconds",
			Help:    "Cache store operation latency in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		},
		[]string{"operation", "result"},
	)

	// 0 closed, 1 half-open, 2 open.
	StoreBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptcache_store_breaker_state",
			Help: "Cache store circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
	)

	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheLookupsTotal,
		LockAttemptsTotal,
		WaitOutcomesTotal,
		AdmissionDecisionsTotal,
		UpstreamCallsTotal,
		StoreOperationSeconds,
		StoreBreakerState,
		GatewayLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request. The path label
// is the chi route pattern so fingerprints or query strings never leak into
// label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		GatewayLatencySeconds.
			WithLabelValues(path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
