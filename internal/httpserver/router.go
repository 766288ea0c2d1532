package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"promptcache-gateway/internal/handlers"
	"promptcache-gateway/internal/metrics"
	"promptcache-gateway/internal/middleware"
)

type Options struct {
	MaxBodyBytes int64
	// AdminTimeout bounds admin requests. The proxy routes have no request
	// timeout of their own; the upstream hard ceiling covers them.
	AdminTimeout time.Duration
}

// Handlers groups the route handlers. Admin may be nil to leave /admin
// unmounted.
type Handlers struct {
	Messages *handlers.MessagesHandler
	Admin    *handlers.AdminHandler
	Health   *handlers.HealthHandler
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, h Handlers, opts Options) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	// routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.Messages.Messages)
		r.Post("/messages/count_tokens", h.Messages.CountTokens)
	})

	if h.Admin != nil {
		r.Route("/admin", func(r chi.Router) {
			if opts.AdminTimeout > 0 {
				r.Use(middleware.Timeout(opts.AdminTimeout))
			}
			r.Get("/keys", h.Admin.Keys)
			r.Post("/flush", h.Admin.Flush)
			r.Get("/stats", h.Admin.Stats)
		})
	}

	// health check
	r.Get("/health", h.Health.Health)
	r.Get("/healthz", h.Health.Live)

	r.Handle("/metrics", metrics.Handler())
}
