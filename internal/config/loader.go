package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator for the given env prefix and files.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files reports the non-empty config paths the loader reads.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		if err := k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// camelSegments restores the casing of multi-word keys so env overrides land
// on the same koanf path as file values.
var camelSegments = map[string]string{
	"connecttimeout":       "connectTimeout",
	"requesttimeout":       "requestTimeout",
	"cafile":               "caFile",
	"correlationheader":    "correlationHeader",
	"sqlitepath":           "sqlitePath",
	"ratelimit":            "rateLimit",
	"ttlseconds":           "ttlSeconds",
	"maxsize":              "maxSize",
	"includecontext":       "includeContext",
	"keyprefix":            "keyPrefix",
	"maxperminute":         "maxPerMinute",
	"maxperhour":           "maxPerHour",
	"maxperday":            "maxPerDay",
	"blockdurationseconds": "blockDurationSeconds",
}

// envKey maps FALLBACKKV_SERVER__STORE__CONNECTTIMEOUT to server.store.connectTimeout.
// Double underscores nest; single underscores are dropped.
func (l *Loader) envKey(s string) string {
	key := strings.TrimPrefix(s, l.envPrefix+"_")
	parts := strings.Split(key, "__")
	for i, part := range parts {
		part = strings.ToLower(strings.ReplaceAll(part, "_", ""))
		if mapped, ok := camelSegments[part]; ok {
			part = mapped
		}
		parts[i] = part
	}
	return strings.Join(parts, ".")
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"store": map[string]any{
				"address":        cfg.Server.Store.Address,
				"username":       cfg.Server.Store.Username,
				"password":       cfg.Server.Store.Password,
				"db":             cfg.Server.Store.DB,
				"connectTimeout": cfg.Server.Store.ConnectTimeout.String(),
				"requestTimeout": cfg.Server.Store.RequestTimeout.String(),
				"tls": map[string]any{
					"enabled": cfg.Server.Store.TLS.Enabled,
					"caFile":  cfg.Server.Store.TLS.CAFile,
				},
			},
			"tenants": map[string]any{
				"source":     cfg.Server.Tenants.Source,
				"sqlitePath": cfg.Server.Tenants.SQLitePath,
			},
		},
	}
}
