// Package responsecache stores generated responses under keys derived from
// tenant, message and a configurable fuzziness strategy.
package responsecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/fallbackkv/internal/metrics"
)

// namespace tags every stored key. The same literal layout is used for reads,
// writes and bulk deletes on both store backends.
const namespace = "cache:"

// globChars are the pattern metacharacters understood by SCAN MATCH.
const globChars = "*?[]\\"

// ErrInvalidTenant reports a tenant id that cannot be bulk-invalidated without
// matching other tenants' keys.
var ErrInvalidTenant = errors.New("responsecache: tenant id contains glob characters")

// Store is the subset of the key-value store the response cache relies on.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	DelPattern(ctx context.Context, pattern string) int
	IsAvailable() bool
	LocalSize(prefix string) int
	EvictSoonest(prefix string, n int) int
}

// Entry is the payload stored per cache key.
type Entry struct {
	Response  json.RawMessage `json:"response"`
	Timestamp time.Time       `json:"timestamp"`
}

// Cache reads and writes response entries through a Store.
type Cache struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// New wires a response cache on top of store.
func New(store Store, logger *slog.Logger, recorder *metrics.Recorder) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		store:   store,
		logger:  logger.With(slog.String("agent", "responsecache")),
		metrics: recorder,
		now:     time.Now,
	}
}

// Get returns the cached entry for the message. Disabled configs, missing
// keys and undecodable payloads all read as a miss.
func (c *Cache) Get(ctx context.Context, tenantID, message string, cfg Config, convo []string) (Entry, bool) {
	if !cfg.Enabled {
		c.metrics.ObserveCacheLookup(metrics.CacheLookupDisabled)
		return Entry{}, false
	}
	key := namespace + GenerateKey(tenantID, message, cfg, convo)
	raw, ok := c.store.Get(ctx, key)
	if !ok {
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss)
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Debug("discarding undecodable cache entry", slog.String("tenant", tenantID), slog.Any("error", err))
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss)
		return Entry{}, false
	}
	c.metrics.ObserveCacheLookup(metrics.CacheLookupHit)
	return entry, true
}

// Set stores response for the message. The only error is a response that
// cannot be encoded as JSON.
func (c *Cache) Set(ctx context.Context, tenantID, message string, response any, cfg Config, convo []string) error {
	if !cfg.Enabled {
		return nil
	}
	encoded, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("responsecache: encode response: %w", err)
	}
	payload, err := json.Marshal(Entry{Response: encoded, Timestamp: c.now().UTC()})
	if err != nil {
		return fmt.Errorf("responsecache: encode entry: %w", err)
	}

	if !c.store.IsAvailable() {
		c.makeRoom(tenantID, cfg.MaxSize, 1)
	}

	key := namespace + GenerateKey(tenantID, message, cfg, convo)
	c.store.Set(ctx, key, string(payload), time.Duration(cfg.TTLSeconds)*time.Second)

	// A remote failure inside Set lands the entry in the local map.
	if !c.store.IsAvailable() {
		c.makeRoom(tenantID, cfg.MaxSize, 0)
	}
	return nil
}

// ClearCache deletes every entry of the tenant and returns how many went away.
// Tenant ids carrying glob characters are refused with ErrInvalidTenant.
func (c *Cache) ClearCache(ctx context.Context, tenantID string, cfg Config) (int, error) {
	if tenantID == "" || strings.ContainsAny(tenantID, globChars) {
		c.logger.Warn("refusing to clear cache for tenant id", slog.String("tenant", tenantID))
		return 0, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	removed := c.store.DelPattern(ctx, namespace+tenantPrefix(tenantID, cfg)+"*")
	c.logger.Info("tenant cache cleared", slog.String("tenant", tenantID), slog.Int("removed", removed))
	return removed, nil
}

// makeRoom keeps the local map at or below maxSize once headroom more entries
// are written. When the bound is hit it evicts the soonest-to-expire tenth of
// the entries, and at least enough to restore the bound.
func (c *Cache) makeRoom(tenantID string, maxSize, headroom int) {
	if maxSize <= 0 {
		return
	}
	size := c.store.LocalSize(namespace)
	if size+headroom <= maxSize {
		return
	}
	n := size / 10
	if need := size + headroom - maxSize; need > n {
		n = need
	}
	evicted := c.store.EvictSoonest(namespace, n)
	c.metrics.ObserveCacheEvictions(evicted)
	c.logger.Debug("evicted local cache entries", slog.String("tenant", tenantID), slog.Int("size", size), slog.Int("evicted", evicted))
}
