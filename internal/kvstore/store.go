// Package kvstore provides a key-value store that prefers a remote cache
// service and transparently falls back to an in-process map whenever the
// remote side is unconfigured, unreachable or fails mid-operation.
//
// Once a remote call fails the store stays in local mode for every later
// call until the host invokes Initialize again; there is no background
// reconnection.
package kvstore

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/fallbackkv/internal/metrics"
)

// ErrPatternUnsupported is reported when the local fallback receives a
// delete pattern with a wildcard anywhere but the final character.
var ErrPatternUnsupported = errors.New("kvstore: local fallback only supports a trailing * wildcard")

// TLSConfig toggles TLS towards the remote store.
type TLSConfig struct {
	Enabled bool
	CAFile  string
}

// Config describes the remote connection target and guard policy. An empty
// Address keeps the store permanently local.
type Config struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      TLSConfig

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	Guard Guard
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for local expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the dual-backend key-value store. It is safe for concurrent use.
type Store struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	local *localStore

	mu        sync.RWMutex
	remote    *remoteStore
	available atomic.Bool
}

// New builds a store in local mode. Call Initialize to attempt the remote connection.
func New(cfg Config, logger *slog.Logger, recorder *metrics.Recorder, opts ...Option) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		cfg:     cfg,
		logger:  logger.With(slog.String("agent", "kvstore")),
		metrics: recorder,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.local = newLocalStore(s.now)
	s.metrics.SetRemoteAvailable(false)
	return s
}

// Initialize (re)connects to the remote store when an address is configured
// and the guard classifies the process as serving. Failures leave the store
// in local mode and are only logged. It reports the resulting availability.
func (s *Store) Initialize(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote != nil {
		s.remote.close()
		s.remote = nil
	}
	s.setAvailable(false)

	address := strings.TrimSpace(s.cfg.Address)
	if address == "" {
		s.logger.Info("remote store not configured, using local fallback")
		return false
	}
	verdict := s.cfg.Guard.Classify()
	if !verdict.Serving {
		s.logger.Info("skipping remote store connection in non-serving context", slog.String("reason", verdict.Reason))
		return false
	}

	remote, err := dialRemote(ctx, s.cfg)
	if err != nil {
		s.logger.Warn("remote store unreachable, using local fallback", slog.String("address", redactAddress(address)), slog.Any("error", err))
		return false
	}
	s.remote = remote
	s.setAvailable(true)
	s.logger.Info("remote store connected", slog.String("address", redactAddress(address)), slog.String("reason", verdict.Reason))
	return true
}

// IsAvailable reports the last known remote availability without dialling.
func (s *Store) IsAvailable() bool {
	return s.available.Load()
}

// Get returns the live value for key.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	if remote := s.activeRemote(); remote != nil {
		rctx, cancel := s.requestContext(ctx)
		value, ok, err := remote.get(rctx, key)
		cancel()
		if err == nil {
			s.metrics.ObserveStoreOperation(metrics.BackendRemote, "get", hitResult(ok))
			return value, ok
		}
		s.demote(remote, "get", err)
	}
	value, ok := s.local.get(key)
	s.metrics.ObserveStoreOperation(metrics.BackendLocal, "get", hitResult(ok))
	return value, ok
}

// Set stores value under key. A positive ttl makes the value expire.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if remote := s.activeRemote(); remote != nil {
		rctx, cancel := s.requestContext(ctx)
		err := remote.set(rctx, key, value, ttl)
		cancel()
		if err == nil {
			s.metrics.ObserveStoreOperation(metrics.BackendRemote, "set", metrics.StoreResultOK)
			return
		}
		s.demote(remote, "set", err)
	}
	s.local.set(key, value, ttl)
	s.metrics.ObserveStoreOperation(metrics.BackendLocal, "set", metrics.StoreResultOK)
}

// Del removes key.
func (s *Store) Del(ctx context.Context, key string) {
	if remote := s.activeRemote(); remote != nil {
		rctx, cancel := s.requestContext(ctx)
		err := remote.del(rctx, key)
		cancel()
		if err == nil {
			s.metrics.ObserveStoreOperation(metrics.BackendRemote, "del", metrics.StoreResultOK)
			return
		}
		s.demote(remote, "del", err)
	}
	s.local.del(key)
	s.metrics.ObserveStoreOperation(metrics.BackendLocal, "del", metrics.StoreResultOK)
}

// DelPattern removes every key matching a glob pattern and returns how many
// keys went away. The local fallback only understands a trailing '*'; other
// patterns are rejected there and delete nothing.
func (s *Store) DelPattern(ctx context.Context, pattern string) int {
	if remote := s.activeRemote(); remote != nil {
		rctx, cancel := s.requestContext(ctx)
		removed, err := remote.delPattern(rctx, pattern)
		cancel()
		if err == nil {
			s.metrics.ObserveStoreOperation(metrics.BackendRemote, "del_pattern", metrics.StoreResultOK)
			return removed
		}
		s.demote(remote, "del_pattern", err)
	}
	removed, err := s.local.delPattern(pattern)
	if err != nil {
		s.logger.Warn("delete pattern rejected by local fallback", slog.String("pattern", pattern), slog.Any("error", err))
		s.metrics.ObserveStoreOperation(metrics.BackendLocal, "del_pattern", metrics.StoreResultError)
		return 0
	}
	s.metrics.ObserveStoreOperation(metrics.BackendLocal, "del_pattern", metrics.StoreResultOK)
	return removed
}

// Incr increments the integer at key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) int64 {
	if remote := s.activeRemote(); remote != nil {
		rctx, cancel := s.requestContext(ctx)
		n, err := remote.incr(rctx, key)
		cancel()
		if err == nil {
			s.metrics.ObserveStoreOperation(metrics.BackendRemote, "incr", metrics.StoreResultOK)
			return n
		}
		s.demote(remote, "incr", err)
	}
	n := s.local.incr(key)
	s.metrics.ObserveStoreOperation(metrics.BackendLocal, "incr", metrics.StoreResultOK)
	return n
}

// Expire sets a time-to-live on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) {
	if remote := s.activeRemote(); remote != nil {
		rctx, cancel := s.requestContext(ctx)
		err := remote.expire(rctx, key, ttl)
		cancel()
		if err == nil {
			s.metrics.ObserveStoreOperation(metrics.BackendRemote, "expire", metrics.StoreResultOK)
			return
		}
		s.demote(remote, "expire", err)
	}
	ok := s.local.expire(key, ttl)
	s.metrics.ObserveStoreOperation(metrics.BackendLocal, "expire", hitResult(ok))
}

// LocalSize counts live local records whose key starts with prefix.
func (s *Store) LocalSize(prefix string) int {
	return s.local.size(prefix)
}

// EvictSoonest drops up to n local records under prefix, nearest expiry first,
// and returns how many were removed.
func (s *Store) EvictSoonest(prefix string, n int) int {
	return s.local.evictSoonest(prefix, n)
}

// Close releases the remote client. The local map stays usable.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote != nil {
		s.remote.close()
		s.remote = nil
	}
	s.setAvailable(false)
	return nil
}

func (s *Store) activeRemote() *remoteStore {
	if !s.available.Load() {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

func (s *Store) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.RequestTimeout)
	}
	return ctx, func() {}
}

// demote flips the store to local mode after failed returned an error. A
// failure on a client that Initialize or Close has since replaced leaves the
// current connection alone.
func (s *Store) demote(failed *remoteStore, operation string, err error) {
	s.metrics.ObserveStoreOperation(metrics.BackendRemote, operation, metrics.StoreResultError)
	s.metrics.ObserveFallback(operation)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote != failed {
		s.logger.Debug("remote store operation failed on a replaced client", slog.String("operation", operation), slog.Any("error", err))
		return
	}
	if s.available.CompareAndSwap(true, false) {
		s.metrics.SetRemoteAvailable(false)
		s.logger.Warn("remote store operation failed, switching to local fallback", slog.String("operation", operation), slog.Any("error", err))
		return
	}
	s.logger.Debug("remote store operation failed after demotion", slog.String("operation", operation), slog.Any("error", err))
}

func (s *Store) setAvailable(available bool) {
	s.available.Store(available)
	s.metrics.SetRemoteAvailable(available)
}

func hitResult(ok bool) metrics.StoreResult {
	if ok {
		return metrics.StoreResultOK
	}
	return metrics.StoreResultMiss
}

// redactAddress strips credentials from URL-style addresses before logging.
func redactAddress(address string) string {
	scheme, rest, ok := strings.Cut(address, "://")
	if !ok {
		return address
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
