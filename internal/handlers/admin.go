package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"promptcache-gateway/internal/apierr"
	"promptcache-gateway/internal/store"
	"promptcache-gateway/pkg/logging"
)

const (
	defaultKeyLimit = 100
	maxKeyLimit     = 10000
)

// AdminHandler exposes the store's scan/ttl/delete/info operations for
// debugging. Every endpoint is a direct projection of the store.
type AdminHandler struct {
	store store.Inspector
}

func NewAdminHandler(s store.Inspector) *AdminHandler {
	return &AdminHandler{store: s}
}

type keysResponse struct {
	Count int             `json:"count"`
	Keys  []store.KeyInfo `json:"keys"`
}

// Keys handles GET /admin/keys?limit=N.
func (h *AdminHandler) Keys(w http.ResponseWriter, r *http.Request) {
	limit := defaultKeyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxKeyLimit {
			apierr.Write(w, apierr.InvalidRequest("limit must be an integer between 1 and %d", maxKeyLimit))
			return
		}
		limit = n
	}

	keys, err := h.store.Keys(r.Context(), limit)
	if err != nil {
		storeFailure(r.Context(), w, "admin_keys", err)
		return
	}
	if keys == nil {
		keys = []store.KeyInfo{}
	}
	writeJSON(w, http.StatusOK, keysResponse{Count: len(keys), Keys: keys})
}

// Flush handles POST /admin/flush?confirm=yes.
func (h *AdminHandler) Flush(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "yes" {
		apierr.Write(w, apierr.InvalidRequest("flush deletes every cached response and lock; repeat with ?confirm=yes"))
		return
	}

	n, err := h.store.Flush(r.Context())
	if err != nil {
		storeFailure(r.Context(), w, "admin_flush", err)
		return
	}
	logging.L(r.Context()).Warn("admin_flush", zap.Int("deleted", n))
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// Stats handles GET /admin/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		storeFailure(r.Context(), w, "admin_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func storeFailure(ctx context.Context, w http.ResponseWriter, op string, err error) {
	logging.L(ctx).Warn(op+"_failed", zap.Error(err))
	apierr.WriteStatus(w, http.StatusServiceUnavailable, "api_error", "cache store unavailable: "+err.Error())
}

// HealthHandler reports process liveness and store reachability.
type HealthHandler struct {
	store   store.Store
	timeout time.Duration
}

func NewHealthHandler(s store.Store) *HealthHandler {
	return &HealthHandler{store: s, timeout: time.Second}
}

type healthResponse struct {
	Status string `json:"status"`
	Store  bool   `json:"store"`
}

// Health handles GET /health. An unreachable store degrades caching but the
// gateway keeps serving, so the status code stays 200.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Store: true}
	if err := h.store.Ping(ctx); err != nil {
		logging.L(ctx).Warn("health_store_ping_failed", zap.Error(err))
		resp = healthResponse{Status: "degraded", Store: false}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Live handles GET /healthz.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
