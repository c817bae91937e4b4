package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/l0p7/fallbackkv/internal/ratelimit"
	"github.com/l0p7/fallbackkv/internal/responsecache"
)

// SQLite reads tenant settings from a SQLite database on every call, so
// edits made by other processes apply to the next request.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_configs (
	tenant_id       TEXT PRIMARY KEY,
	enabled         INTEGER NOT NULL DEFAULT 0,
	ttl_seconds     INTEGER NOT NULL DEFAULT 0,
	max_size        INTEGER NOT NULL DEFAULT 0,
	strategy        TEXT NOT NULL DEFAULT '',
	include_context INTEGER NOT NULL DEFAULT 0,
	key_prefix      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rate_limit_configs (
	tenant_id              TEXT PRIMARY KEY,
	enabled                INTEGER NOT NULL DEFAULT 0,
	max_per_minute         INTEGER,
	max_per_hour           INTEGER,
	max_per_day            INTEGER,
	block_duration_seconds INTEGER NOT NULL DEFAULT 0
);
`

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("tenants: sqlite path required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tenants: open sqlite: %w", err)
	}
	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLite{db: db}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the tenant tables if they do not exist yet.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("tenants: migrate: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CacheConfig loads the cache row for tenantID. A row that fails validation
// is returned as an error rather than served.
func (s *SQLite) CacheConfig(ctx context.Context, tenantID string) (responsecache.Config, bool, error) {
	var (
		cfg      responsecache.Config
		strategy string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, ttl_seconds, max_size, strategy, include_context, key_prefix
		FROM cache_configs WHERE tenant_id = ?`, tenantID,
	).Scan(&cfg.Enabled, &cfg.TTLSeconds, &cfg.MaxSize, &strategy, &cfg.IncludeContext, &cfg.KeyPrefix)
	if errors.Is(err, sql.ErrNoRows) {
		return responsecache.Config{}, false, nil
	}
	if err != nil {
		return responsecache.Config{}, false, fmt.Errorf("tenants: load cache config %q: %w", tenantID, err)
	}
	cfg.Strategy = responsecache.Strategy(strings.ToLower(strings.TrimSpace(strategy)))
	if err := cfg.Validate(); err != nil {
		return responsecache.Config{}, false, fmt.Errorf("tenants: cache config %q: %w", tenantID, err)
	}
	return cfg, true, nil
}

// RateLimitConfig loads the rate-limit row for tenantID. NULL thresholds
// leave that window unconstrained.
func (s *SQLite) RateLimitConfig(ctx context.Context, tenantID string) (ratelimit.Config, bool, error) {
	var (
		cfg                 ratelimit.Config
		minute, hour, daily sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, max_per_minute, max_per_hour, max_per_day, block_duration_seconds
		FROM rate_limit_configs WHERE tenant_id = ?`, tenantID,
	).Scan(&cfg.Enabled, &minute, &hour, &daily, &cfg.BlockDurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Config{}, false, nil
	}
	if err != nil {
		return ratelimit.Config{}, false, fmt.Errorf("tenants: load rate limit config %q: %w", tenantID, err)
	}
	cfg.MaxPerMinute = nullableInt(minute)
	cfg.MaxPerHour = nullableInt(hour)
	cfg.MaxPerDay = nullableInt(daily)
	if err := cfg.Validate(); err != nil {
		return ratelimit.Config{}, false, fmt.Errorf("tenants: rate limit config %q: %w", tenantID, err)
	}
	return cfg, true, nil
}

// UpsertCacheConfig writes or replaces the cache row for tenantID.
func (s *SQLite) UpsertCacheConfig(ctx context.Context, tenantID string, cfg responsecache.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("tenants: cache config %q: %w", tenantID, err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_configs (tenant_id, enabled, ttl_seconds, max_size, strategy, include_context, key_prefix)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = excluded.enabled,
			ttl_seconds = excluded.ttl_seconds,
			max_size = excluded.max_size,
			strategy = excluded.strategy,
			include_context = excluded.include_context,
			key_prefix = excluded.key_prefix`,
		tenantID, cfg.Enabled, cfg.TTLSeconds, cfg.MaxSize, string(cfg.Strategy), cfg.IncludeContext, cfg.KeyPrefix,
	)
	if err != nil {
		return fmt.Errorf("tenants: upsert cache config %q: %w", tenantID, err)
	}
	return nil
}

// UpsertRateLimitConfig writes or replaces the rate-limit row for tenantID.
func (s *SQLite) UpsertRateLimitConfig(ctx context.Context, tenantID string, cfg ratelimit.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("tenants: rate limit config %q: %w", tenantID, err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_configs (tenant_id, enabled, max_per_minute, max_per_hour, max_per_day, block_duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = excluded.enabled,
			max_per_minute = excluded.max_per_minute,
			max_per_hour = excluded.max_per_hour,
			max_per_day = excluded.max_per_day,
			block_duration_seconds = excluded.block_duration_seconds`,
		tenantID, cfg.Enabled, nullInt(cfg.MaxPerMinute), nullInt(cfg.MaxPerHour), nullInt(cfg.MaxPerDay), cfg.BlockDurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("tenants: upsert rate limit config %q: %w", tenantID, err)
	}
	return nil
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
