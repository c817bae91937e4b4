package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/fallbackkv/internal/ratelimit"
	"github.com/l0p7/fallbackkv/internal/responsecache"
)

// Config holds every server-level option plus the statically declared tenants.
type Config struct {
	Server  ServerConfig            `koanf:"server"`
	Tenants map[string]TenantConfig `koanf:"tenants"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen  ListenConfig        `koanf:"listen"`
	Logging LoggingConfig       `koanf:"logging"`
	Store   StoreConfig         `koanf:"store"`
	Tenants TenantsSourceConfig `koanf:"tenants"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// StoreConfig points the key-value store at its remote backend. An empty
// address keeps the store local-only.
type StoreConfig struct {
	Address        string         `koanf:"address"`
	Username       string         `koanf:"username"`
	Password       string         `koanf:"password"`
	DB             int            `koanf:"db"`
	TLS            StoreTLSConfig `koanf:"tls"`
	Serving        *bool          `koanf:"serving"`
	ConnectTimeout time.Duration  `koanf:"connectTimeout"`
	RequestTimeout time.Duration  `koanf:"requestTimeout"`
}

type StoreTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// TenantsSourceConfig selects where per-tenant settings are read from.
type TenantsSourceConfig struct {
	Source     string `koanf:"source"`
	SQLitePath string `koanf:"sqlitePath"`
}

const (
	TenantSourceStatic = "static"
	TenantSourceSQLite = "sqlite"
)

// TenantConfig is one entry of the top-level tenants block.
type TenantConfig struct {
	Cache     TenantCacheConfig     `koanf:"cache"`
	RateLimit TenantRateLimitConfig `koanf:"rateLimit"`
}

type TenantCacheConfig struct {
	Enabled        bool   `koanf:"enabled"`
	TTLSeconds     int    `koanf:"ttlSeconds"`
	MaxSize        int    `koanf:"maxSize"`
	Strategy       string `koanf:"strategy"`
	IncludeContext bool   `koanf:"includeContext"`
	KeyPrefix      string `koanf:"keyPrefix"`
}

type TenantRateLimitConfig struct {
	Enabled              bool `koanf:"enabled"`
	MaxPerMinute         *int `koanf:"maxPerMinute"`
	MaxPerHour           *int `koanf:"maxPerHour"`
	MaxPerDay            *int `koanf:"maxPerDay"`
	BlockDurationSeconds int  `koanf:"blockDurationSeconds"`
}

// CacheConfig converts the file representation into the response cache's.
func (t TenantConfig) CacheConfig() responsecache.Config {
	return responsecache.Config{
		Enabled:        t.Cache.Enabled,
		TTLSeconds:     t.Cache.TTLSeconds,
		MaxSize:        t.Cache.MaxSize,
		Strategy:       responsecache.Strategy(strings.ToLower(strings.TrimSpace(t.Cache.Strategy))),
		IncludeContext: t.Cache.IncludeContext,
		KeyPrefix:      t.Cache.KeyPrefix,
	}
}

// RateLimitConfig converts the file representation into the limiter's.
func (t TenantConfig) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Enabled:              t.RateLimit.Enabled,
		MaxPerMinute:         t.RateLimit.MaxPerMinute,
		MaxPerHour:           t.RateLimit.MaxPerHour,
		MaxPerDay:            t.RateLimit.MaxPerDay,
		BlockDurationSeconds: t.RateLimit.BlockDurationSeconds,
	}
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.Logging.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: server.logging.format unsupported: %s", c.Server.Logging.Format)
	}

	store := c.Server.Store
	if store.ConnectTimeout < 0 {
		return fmt.Errorf("config: server.store.connectTimeout invalid: %s", store.ConnectTimeout)
	}
	if store.RequestTimeout < 0 {
		return fmt.Errorf("config: server.store.requestTimeout invalid: %s", store.RequestTimeout)
	}
	if store.DB < 0 {
		return fmt.Errorf("config: server.store.db invalid: %d", store.DB)
	}
	if store.TLS.CAFile != "" && !store.TLS.Enabled {
		return errors.New("config: server.store.tls.caFile requires tls.enabled")
	}

	switch strings.ToLower(strings.TrimSpace(c.Server.Tenants.Source)) {
	case "", TenantSourceStatic:
	case TenantSourceSQLite:
		if strings.TrimSpace(c.Server.Tenants.SQLitePath) == "" {
			return errors.New("config: server.tenants.sqlitePath required for sqlite source")
		}
	default:
		return fmt.Errorf("config: server.tenants.source unsupported: %s", c.Server.Tenants.Source)
	}

	for id, tenant := range c.Tenants {
		if strings.ContainsAny(id, "*?[]\\") {
			return fmt.Errorf("config: tenant %q: %w", id, responsecache.ErrInvalidTenant)
		}
		if err := tenant.Validate(); err != nil {
			return fmt.Errorf("config: tenant %q: %w", id, err)
		}
	}
	return nil
}

// Validate checks both halves of a tenant entry.
func (t TenantConfig) Validate() error {
	if err := t.CacheConfig().Validate(); err != nil {
		return err
	}
	return t.RateLimitConfig().Validate()
}

// DefaultConfig returns the baseline values applied before files and env.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Store: StoreConfig{
				ConnectTimeout: 5 * time.Second,
				RequestTimeout: 2 * time.Second,
			},
			Tenants: TenantsSourceConfig{
				Source: TenantSourceStatic,
			},
		},
	}
}
