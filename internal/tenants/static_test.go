package tenants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/fallbackkv/internal/config"
	"github.com/l0p7/fallbackkv/internal/responsecache"
)

func intPtr(v int) *int { return &v }

func TestStaticLookups(t *testing.T) {
	ctx := context.Background()
	provider := NewStatic(map[string]config.TenantConfig{
		"bot1": {
			Cache:     config.TenantCacheConfig{Enabled: true, TTLSeconds: 60, Strategy: "fuzzy"},
			RateLimit: config.TenantRateLimitConfig{Enabled: true, MaxPerMinute: intPtr(5)},
		},
	})

	cache, ok, err := provider.CacheConfig(ctx, "bot1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, responsecache.StrategyFuzzy, cache.Strategy)

	limit, ok, err := provider.RateLimitConfig(ctx, "bot1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, *limit.MaxPerMinute)

	_, ok, err = provider.CacheConfig(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = provider.RateLimitConfig(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStaticReplace(t *testing.T) {
	ctx := context.Background()
	source := map[string]config.TenantConfig{"bot1": {}}
	provider := NewStatic(source)

	// Mutating the caller's map must not leak into the provider.
	source["bot2"] = config.TenantConfig{}
	require.Equal(t, []string{"bot1"}, provider.IDs())

	provider.Replace(map[string]config.TenantConfig{"bot3": {}, "bot2": {}})
	require.Equal(t, []string{"bot2", "bot3"}, provider.IDs())
	_, ok, _ := provider.CacheConfig(ctx, "bot1")
	require.False(t, ok)

	provider.Replace(nil)
	require.Empty(t, provider.IDs())
}

func TestStaticConcurrentReplace(t *testing.T) {
	ctx := context.Background()
	provider := NewStatic(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			provider.Replace(map[string]config.TenantConfig{"bot1": {}})
		}
	}()
	for range 200 {
		_, _, err := provider.RateLimitConfig(ctx, "bot1")
		require.NoError(t, err)
	}
	<-done
}
