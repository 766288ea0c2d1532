package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"promptcache-gateway/internal/admission"
	"promptcache-gateway/internal/config"
	"promptcache-gateway/internal/coordinator"
	"promptcache-gateway/internal/handlers"
	"promptcache-gateway/internal/httpserver"
	"promptcache-gateway/internal/llm"
	"promptcache-gateway/internal/metrics"
	"promptcache-gateway/internal/store"
	"promptcache-gateway/pkg/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway exited with error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Caching reverse proxy for the Anthropic Messages API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.Int("port", 8080, "listen port")
	flags.String("store", "redis", "store backend: redis or memory")
	flags.String("log-level", "info", "log level")
	for key, name := range map[string]string{
		"config":        "config",
		"server.port":   "port",
		"store.backend": "store",
		"log.level":     "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	// ----- Logger -----
	logger, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.Int("port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("redis_addr", cfg.Redis.Addr()),
		zap.String("upstream_base_url", cfg.Upstream.BaseURL),
		zap.Int("cache_ttl_seconds", cfg.Cache.TTLSeconds),
		zap.Int("lock_ttl_seconds", cfg.Cache.LockTTLSeconds),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Store.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.OpTimeout,
			WriteTimeout: cfg.Redis.OpTimeout,
		})
		defer func() { _ = redisClient.Close() }()

		// The gateway serves uncached while Redis is away, so this only warns.
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, caching degraded", zap.String("addr", cfg.Redis.Addr()), zap.Error(err))
		} else {
			logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr()))
		}
		cancel()
	}

	// ----- Store -----
	st, err := store.New(store.Config{
		Backend: cfg.Store.Backend,
		Prefix:  cfg.Store.Prefix,
		Breaker: store.BreakerConfig{
			ConsecutiveFailures: uint32(cfg.Store.BreakerFailures),
			OpenTimeout:         cfg.Store.BreakerOpenTimeout,
		},
	}, redisClient, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	// ----- Upstream client -----
	llmClient, err := llm.NewClient(llm.Config{
		BaseURL:            cfg.Upstream.BaseURL,
		APIVersion:         cfg.Upstream.APIVersion,
		ConnectTimeout:     cfg.Upstream.ConnectTimeout,
		ReadTimeout:        cfg.Upstream.ReadTimeout,
		CountTokensTimeout: cfg.Upstream.CountTokensTimeout,
		MaxRetries:         cfg.Upstream.MaxRetries,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = llmClient.Close() }()

	// ----- Cache core -----
	coord := coordinator.New(st,
		admission.NewPolicy(cfg.Cache.MinOutputTokens, cfg.Cache.MetadataKeys),
		coordinator.Config{
			CacheTTL:     cfg.Cache.TTL(),
			LockTTL:      cfg.Cache.LockTTL(),
			PollInterval: cfg.Cache.PollInterval,
			WaitTimeout:  cfg.Cache.WaitTimeout,
			ReleaseLock:  cfg.Cache.ReleaseLock,
		},
	)

	// ----- Handlers -----
	h := httpserver.Handlers{
		Messages: handlers.NewMessagesHandler(llmClient, coord, handlers.MessagesConfig{
			ProjectHeader: cfg.Cache.ProjectHeader,
			HardTimeout:   cfg.Upstream.HardTimeout,
		}),
		Health: handlers.NewHealthHandler(st),
	}
	if cfg.Server.AdminEnabled {
		h.Admin = handlers.NewAdminHandler(st)
	}

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, h, httpserver.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		AdminTimeout: cfg.Server.AdminTimeout,
	})

	// ----- HTTP server -----
	// No WriteTimeout: streamed responses may run for minutes and are bounded
	// by the upstream hard ceiling instead.
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting gateway",
		zap.String("addr", srv.Addr),
		zap.String("store_backend", cfg.Store.Backend),
		zap.Bool("admin_enabled", cfg.Server.AdminEnabled),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ----- Graceful shutdown -----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
