// Package tenants resolves per-tenant cache and rate-limit settings.
//
// A tenant the provider does not know is reported with ok=false. Callers
// treat that as "feature off": the response cache misses and the limiter
// admits the request.
package tenants

import (
	"context"

	"github.com/l0p7/fallbackkv/internal/ratelimit"
	"github.com/l0p7/fallbackkv/internal/responsecache"
)

// Provider is the configuration source consulted on every request.
type Provider interface {
	CacheConfig(ctx context.Context, tenantID string) (responsecache.Config, bool, error)
	RateLimitConfig(ctx context.Context, tenantID string) (ratelimit.Config, bool, error)
}
