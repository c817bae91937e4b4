package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/fallbackkv/internal/config"
	"github.com/l0p7/fallbackkv/internal/kvstore"
	"github.com/l0p7/fallbackkv/internal/logging"
	"github.com/l0p7/fallbackkv/internal/metrics"
	"github.com/l0p7/fallbackkv/internal/ratelimit"
	"github.com/l0p7/fallbackkv/internal/responsecache"
	"github.com/l0p7/fallbackkv/internal/server"
	"github.com/l0p7/fallbackkv/internal/tenants"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "FALLBACKKV", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	return l.Loader.Watch(ctx, onChange, onError)
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return fileLoader{config.NewLoader(envPrefix, configFile)}
}

var newHTTPServer = func(cfg config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(cfg, logger, handler)
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	store := kvstore.New(storeConfig(cfg), logger, recorder)
	store.Initialize(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	provider, closeProvider, err := buildProvider(ctx, cfg, loader, logger)
	if err != nil {
		return err
	}
	defer closeProvider()

	handler := server.NewRouter(server.Dependencies{
		Store:   store,
		Cache:   responsecache.New(store, logger, recorder),
		Limiter: ratelimit.New(store, logger, recorder),
		Tenants: provider,
		Metrics: recorder.Handler(),
		Logger:  logger,

		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})

	srv, err := newHTTPServer(cfg.Server.Listen, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func storeConfig(cfg config.Config) kvstore.Config {
	s := cfg.Server.Store
	return kvstore.Config{
		Address:        s.Address,
		Username:       s.Username,
		Password:       s.Password,
		DB:             s.DB,
		TLS:            kvstore.TLSConfig{Enabled: s.TLS.Enabled, CAFile: s.TLS.CAFile},
		ConnectTimeout: s.ConnectTimeout,
		RequestTimeout: s.RequestTimeout,
		Guard: kvstore.Guard{
			Serving:      s.Serving,
			AssignedPort: assignedPort(cfg.Server.Listen),
		},
	}
}

// assignedPort reports the listen port only when the deployment chose one.
// The built-in default is not a serving signal; PORT is read by the guard.
func assignedPort(listen config.ListenConfig) int {
	if listen.Port == config.DefaultConfig().Server.Listen.Port {
		return 0
	}
	return listen.Port
}

// buildProvider returns the tenant source plus its cleanup. The static
// source follows config file edits; the SQLite source is read per request.
func buildProvider(ctx context.Context, cfg config.Config, loader configLoader, logger *slog.Logger) (tenants.Provider, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Server.Tenants.Source)) {
	case config.TenantSourceSQLite:
		db, err := tenants.OpenSQLite(ctx, cfg.Server.Tenants.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open tenant database: %w", err)
		}
		logger.Info("serving tenants from sqlite", slog.String("path", cfg.Server.Tenants.SQLitePath))
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Error("tenant database close failed", slog.Any("error", err))
			}
		}, nil
	default:
		static := tenants.NewStatic(cfg.Tenants)
		logger.Info("serving tenants from config", slog.Int("tenants", len(cfg.Tenants)))
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			static.Replace(next.Tenants)
			logger.Info("tenant configuration reloaded", slog.Any("tenants", static.IDs()))
		}, func(err error) {
			logger.Error("config watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Debug("config watcher disabled", slog.Any("error", err))
			return static, func() {}, nil
		}
		return static, watcher.Stop, nil
	}
}
