package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/fallbackkv/internal/ratelimit"
	"github.com/l0p7/fallbackkv/internal/responsecache"
	"github.com/l0p7/fallbackkv/internal/tenants"
)

// StoreStatus reports whether the shared backend is currently in use.
type StoreStatus interface {
	IsAvailable() bool
}

// ResponseCache is the cache surface exposed over HTTP.
type ResponseCache interface {
	Get(ctx context.Context, tenantID, message string, cfg responsecache.Config, convo []string) (responsecache.Entry, bool)
	Set(ctx context.Context, tenantID, message string, response any, cfg responsecache.Config, convo []string) error
	ClearCache(ctx context.Context, tenantID string, cfg responsecache.Config) (int, error)
}

// RateLimiter is the limiter surface exposed over HTTP.
type RateLimiter interface {
	Check(ctx context.Context, identity string, cfg ratelimit.Config) ratelimit.Result
}

// Dependencies are the collaborators the router dispatches to.
type Dependencies struct {
	Store   StoreStatus
	Cache   ResponseCache
	Limiter RateLimiter
	Tenants tenants.Provider
	Metrics http.Handler
	Logger  *slog.Logger

	// CorrelationHeader names the inbound request-ID header echoed and logged per request.
	CorrelationHeader string
	Now               func() time.Time
}

const maxBodyBytes = 1 << 20

type router struct {
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time
}

// NewRouter builds the HTTP API.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rt := &router{
		deps:   deps,
		logger: logger.With(slog.String("agent", "http")),
		now:    deps.Now,
	}
	if rt.now == nil {
		rt.now = time.Now
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.health)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
	mux.HandleFunc("POST /v1/ratelimit/{tenant}/{user}", rt.rateLimit)
	mux.HandleFunc("GET /v1/cache/{tenant}", rt.cacheGet)
	mux.HandleFunc("PUT /v1/cache/{tenant}", rt.cachePut)
	mux.HandleFunc("DELETE /v1/cache/{tenant}", rt.cacheClear)
	return instrument(mux, rt.logger, deps.CorrelationHeader)
}

func (rt *router) health(w http.ResponseWriter, _ *http.Request) {
	remote := rt.deps.Store != nil && rt.deps.Store.IsAvailable()
	rt.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "remote": remote})
}

func (rt *router) rateLimit(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := r.PathValue("tenant"), r.PathValue("user")
	cfg, _, err := rt.deps.Tenants.RateLimitConfig(r.Context(), tenantID)
	if err != nil {
		rt.providerError(w, tenantID, err)
		return
	}

	result := rt.deps.Limiter.Check(r.Context(), ratelimit.Identity(tenantID, userID), cfg)
	status := http.StatusOK
	if !result.Allowed {
		status = http.StatusTooManyRequests
		if result.BlockedUntil != nil {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(*result.BlockedUntil, rt.now())))
		}
	}
	rt.writeJSON(w, status, result)
}

func (rt *router) cacheGet(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	query := r.URL.Query()
	message := query.Get("message")
	if message == "" {
		rt.writeError(w, http.StatusBadRequest, "message query parameter required")
		return
	}

	cfg, _, err := rt.deps.Tenants.CacheConfig(r.Context(), tenantID)
	if err != nil {
		rt.providerError(w, tenantID, err)
		return
	}
	entry, ok := rt.deps.Cache.Get(r.Context(), tenantID, message, cfg, query["context"])
	if !ok {
		rt.writeError(w, http.StatusNotFound, "cache miss")
		return
	}
	rt.writeJSON(w, http.StatusOK, entry)
}

type cachePutRequest struct {
	Message  string          `json:"message"`
	Context  []string        `json:"context"`
	Response json.RawMessage `json:"response"`
}

func (rt *router) cachePut(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	var body cachePutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			rt.writeError(w, http.StatusBadRequest, "request body required")
			return
		}
		rt.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		rt.writeError(w, http.StatusBadRequest, "message required")
		return
	}
	if len(body.Response) == 0 {
		rt.writeError(w, http.StatusBadRequest, "response required")
		return
	}

	cfg, _, err := rt.deps.Tenants.CacheConfig(r.Context(), tenantID)
	if err != nil {
		rt.providerError(w, tenantID, err)
		return
	}
	if err := rt.deps.Cache.Set(r.Context(), tenantID, body.Message, body.Response, cfg, body.Context); err != nil {
		rt.logger.Error("cache set failed", slog.String("tenant", tenantID), slog.Any("error", err))
		rt.writeError(w, http.StatusInternalServerError, "cache write failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) cacheClear(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	cfg, ok, err := rt.deps.Tenants.CacheConfig(r.Context(), tenantID)
	if err != nil {
		rt.providerError(w, tenantID, err)
		return
	}
	if !ok {
		rt.writeJSON(w, http.StatusOK, map[string]int{"deleted": 0})
		return
	}
	deleted, err := rt.deps.Cache.ClearCache(r.Context(), tenantID, cfg)
	if err != nil {
		rt.writeError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (rt *router) providerError(w http.ResponseWriter, tenantID string, err error) {
	rt.logger.Error("tenant config lookup failed", slog.String("tenant", tenantID), slog.Any("error", err))
	rt.writeError(w, http.StatusInternalServerError, "tenant configuration unavailable")
}

func (rt *router) writeError(w http.ResponseWriter, status int, message string) {
	rt.writeJSON(w, status, map[string]string{"error": message})
}

func (rt *router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rt.logger.Error("response encode failed", slog.Any("error", err))
	}
}

// retryAfterSeconds rounds up so clients never retry inside the block.
func retryAfterSeconds(until, now time.Time) int {
	secs := int(math.Ceil(until.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
