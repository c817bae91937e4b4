// Package ratelimit enforces per-identity request quotas over fixed
// minute, hour and day windows, with an explicit block state.
//
// Windows are fixed buckets (floor(now/size)), so up to twice a limit can pass
// across a bucket edge. Only a per-minute breach writes a block record; hour
// and day breaches deny the current request without blocking.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/l0p7/fallbackkv/internal/metrics"
)

// Window is a fixed counting granularity.
type Window string

// Supported granularities, evaluated in this order.
const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

var windows = []Window{WindowMinute, WindowHour, WindowDay}

// Size is the bucket length of the window.
func (w Window) Size() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Unlimited is reported as Remaining when no window applies.
const Unlimited = -1

// Config is the per-tenant quota supplied by the config provider. A nil
// threshold leaves that window unconstrained.
type Config struct {
	Enabled              bool
	MaxPerMinute         *int
	MaxPerHour           *int
	MaxPerDay            *int
	BlockDurationSeconds int
}

// Validate rejects negative thresholds and durations.
func (c Config) Validate() error {
	for _, w := range windows {
		if limit := c.limit(w); limit != nil && *limit < 0 {
			return fmt.Errorf("ratelimit: max per %s invalid: %d", w, *limit)
		}
	}
	if c.BlockDurationSeconds < 0 {
		return fmt.Errorf("ratelimit: blockDurationSeconds invalid: %d", c.BlockDurationSeconds)
	}
	return nil
}

func (c Config) limit(w Window) *int {
	switch w {
	case WindowMinute:
		return c.MaxPerMinute
	case WindowHour:
		return c.MaxPerHour
	case WindowDay:
		return c.MaxPerDay
	default:
		return nil
	}
}

// Result is the outcome of a single Check.
type Result struct {
	Allowed      bool       `json:"allowed"`
	Remaining    int        `json:"remaining"`
	ResetTime    time.Time  `json:"resetTime"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
}

// State is a read-only view of one window counter plus the block record.
type State struct {
	Count           int        `json:"count"`
	WindowResetTime time.Time  `json:"windowResetTime"`
	BlockedUntil    *time.Time `json:"blockedUntil,omitempty"`
}

// Store is the subset of the key-value store the limiter needs.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Incr(ctx context.Context, key string) int64
	Expire(ctx context.Context, key string, ttl time.Duration)
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock used for window and block arithmetic.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter is a passive consumer of Store: it never retries store calls and
// inherits the store's remote/local fallback behaviour.
type Limiter struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// New builds a limiter on top of store.
func New(store Store, logger *slog.Logger, recorder *metrics.Recorder, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	l := &Limiter{
		store:   store,
		logger:  logger.With(slog.String("agent", "ratelimit")),
		metrics: recorder,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Identity joins tenant and user into the limiter's identity key.
func Identity(tenantID, userID string) string {
	return tenantID + ":" + userID
}

// Check counts one request for identity and decides whether it may proceed.
// An unexpired block short-circuits before any window counter is touched.
func (l *Limiter) Check(ctx context.Context, identity string, cfg Config) Result {
	if !cfg.Enabled {
		l.metrics.ObserveRateLimit(metrics.RateLimitAllowed)
		return Result{Allowed: true, Remaining: Unlimited}
	}
	now := l.now()

	if until, ok := l.blockedUntil(ctx, identity, now); ok {
		l.metrics.ObserveRateLimit(metrics.RateLimitBlocked)
		return Result{Allowed: false, Remaining: 0, ResetTime: until, BlockedUntil: &until}
	}

	remaining := Unlimited
	var reset time.Time
	for _, w := range windows {
		limit := cfg.limit(w)
		if limit == nil {
			continue
		}
		index, windowReset := windowBounds(now, w)
		key := counterKey(identity, w, index)
		count := int(l.store.Incr(ctx, key))
		l.store.Expire(ctx, key, w.Size())

		if count > *limit {
			return l.deny(ctx, identity, w, cfg, now, windowReset)
		}
		if left := *limit - count; remaining == Unlimited || left < remaining {
			remaining = left
		}
		if reset.IsZero() || windowReset.Before(reset) {
			reset = windowReset
		}
	}

	l.metrics.ObserveRateLimit(metrics.RateLimitAllowed)
	return Result{Allowed: true, Remaining: remaining, ResetTime: reset}
}

// State reports the current counter for one window and any live block.
func (l *Limiter) State(ctx context.Context, identity string, w Window) State {
	now := l.now()
	index, windowReset := windowBounds(now, w)
	state := State{WindowResetTime: windowReset}
	if raw, ok := l.store.Get(ctx, counterKey(identity, w, index)); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			state.Count = n
		}
	}
	if until, ok := l.blockedUntil(ctx, identity, now); ok {
		state.BlockedUntil = &until
	}
	return state
}

func (l *Limiter) deny(ctx context.Context, identity string, w Window, cfg Config, now, windowReset time.Time) Result {
	if w != WindowMinute || cfg.BlockDurationSeconds <= 0 {
		l.metrics.ObserveRateLimit(metrics.RateLimitDenied)
		l.logger.Debug("rate limit exceeded", slog.String("identity", identity), slog.String("window", string(w)))
		return Result{Allowed: false, Remaining: 0, ResetTime: windowReset}
	}

	duration := time.Duration(cfg.BlockDurationSeconds) * time.Second
	until := time.UnixMilli(now.Add(duration).UnixMilli()).UTC()
	l.store.Set(ctx, blockKey(identity), strconv.FormatInt(until.UnixMilli(), 10), duration)
	l.metrics.ObserveRateLimit(metrics.RateLimitDenied)
	l.logger.Info("identity blocked", slog.String("identity", identity), slog.Time("blocked_until", until))
	return Result{Allowed: false, Remaining: 0, ResetTime: until, BlockedUntil: &until}
}

func (l *Limiter) blockedUntil(ctx context.Context, identity string, now time.Time) (time.Time, bool) {
	raw, ok := l.store.Get(ctx, blockKey(identity))
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.logger.Debug("ignoring malformed block record", slog.String("identity", identity), slog.Any("error", err))
		return time.Time{}, false
	}
	until := time.UnixMilli(ms).UTC()
	if !until.After(now) {
		return time.Time{}, false
	}
	return until, true
}

func windowBounds(now time.Time, w Window) (int64, time.Time) {
	size := w.Size().Milliseconds()
	index := now.UnixMilli() / size
	return index, time.UnixMilli((index + 1) * size).UTC()
}

func counterKey(identity string, w Window, index int64) string {
	return "ratelimit:" + identity + ":" + string(w) + ":" + strconv.FormatInt(index, 10)
}

func blockKey(identity string) string {
	return "ratelimit:block:" + identity
}
