package tenants

import (
	"context"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/l0p7/fallbackkv/internal/config"
	"github.com/l0p7/fallbackkv/internal/ratelimit"
	"github.com/l0p7/fallbackkv/internal/responsecache"
)

// Static serves the tenants block of the loaded config file. Replace swaps
// the whole set atomically when the file watcher reloads.
type Static struct {
	tenants atomic.Pointer[map[string]config.TenantConfig]
}

// NewStatic copies tenants into a new provider.
func NewStatic(tenants map[string]config.TenantConfig) *Static {
	s := &Static{}
	s.Replace(tenants)
	return s
}

// Replace installs a new tenant set.
func (s *Static) Replace(tenants map[string]config.TenantConfig) {
	snapshot := maps.Clone(tenants)
	if snapshot == nil {
		snapshot = map[string]config.TenantConfig{}
	}
	s.tenants.Store(&snapshot)
}

// IDs lists the known tenants in sorted order.
func (s *Static) IDs() []string {
	return slices.Sorted(maps.Keys(*s.tenants.Load()))
}

func (s *Static) lookup(tenantID string) (config.TenantConfig, bool) {
	tenant, ok := (*s.tenants.Load())[tenantID]
	return tenant, ok
}

func (s *Static) CacheConfig(_ context.Context, tenantID string) (responsecache.Config, bool, error) {
	tenant, ok := s.lookup(tenantID)
	if !ok {
		return responsecache.Config{}, false, nil
	}
	return tenant.CacheConfig(), true, nil
}

func (s *Static) RateLimitConfig(_ context.Context, tenantID string) (ratelimit.Config, bool, error) {
	tenant, ok := s.lookup(tenantID)
	if !ok {
		return ratelimit.Config{}, false, nil
	}
	return tenant.RateLimitConfig(), true, nil
}
