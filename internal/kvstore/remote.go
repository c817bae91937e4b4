package kvstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const scanBatch = 100

type remoteStore struct {
	client valkey.Client
}

func dialRemote(ctx context.Context, cfg Config) (*remoteStore, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errors.New("kvstore: remote address required")
	}

	var option valkey.ClientOption
	if strings.Contains(address, "://") {
		parsed, err := valkey.ParseURL(address)
		if err != nil {
			return nil, fmt.Errorf("kvstore: parse remote url: %w", err)
		}
		option = parsed
	} else {
		option.InitAddress = []string{address}
	}
	if cfg.Username != "" {
		option.Username = cfg.Username
	}
	if cfg.Password != "" {
		option.Password = cfg.Password
	}
	if cfg.DB != 0 {
		option.SelectDB = cfg.DB
	}
	option.AlwaysRESP2 = true
	option.ForceSingleClient = true
	option.DisableCache = true
	option.DisableRetry = true
	if cfg.ConnectTimeout > 0 {
		option.Dialer = net.Dialer{Timeout: cfg.ConnectTimeout}
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("kvstore: read remote ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("kvstore: remote ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("kvstore: remote client: %w", err)
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kvstore: remote ping: %w", err)
	}
	return &remoteStore{client: client}, nil
}

func (r *remoteStore) get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Do(ctx, r.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kvstore: remote get: %w", err)
	}
	return value, true, nil
}

func (r *remoteStore) set(ctx context.Context, key, value string, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(key).Value(value).Px(ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(key).Value(value).Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("kvstore: remote set: %w", err)
	}
	return nil
}

func (r *remoteStore) del(ctx context.Context, key string) error {
	if err := r.client.Do(ctx, r.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("kvstore: remote del: %w", err)
	}
	return nil
}

// delPattern walks SCAN MATCH server-side and pipelines one DEL per key batch.
func (r *remoteStore) delPattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		entry, err := r.client.Do(ctx, r.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build()).AsScanEntry()
		if err != nil {
			return removed, fmt.Errorf("kvstore: remote scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			cmds := make(valkey.Commands, 0, len(entry.Elements))
			for _, key := range entry.Elements {
				cmds = append(cmds, r.client.B().Del().Key(key).Build())
			}
			for _, resp := range r.client.DoMulti(ctx, cmds...) {
				n, err := resp.AsInt64()
				if err != nil {
					return removed, fmt.Errorf("kvstore: remote pipelined del: %w", err)
				}
				removed += int(n)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *remoteStore) incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Do(ctx, r.client.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("kvstore: remote incr: %w", err)
	}
	return n, nil
}

func (r *remoteStore) expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Do(ctx, r.client.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build()).Error(); err != nil {
		return fmt.Errorf("kvstore: remote expire: %w", err)
	}
	return nil
}

func (r *remoteStore) close() {
	r.client.Close()
}
