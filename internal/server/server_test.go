package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/fallbackkv/internal/config"
)

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(config.DefaultConfig().Server.Listen, newTestLogger(), nil)
	require.Error(t, err)
}

func TestNewUsesConfiguredAddress(t *testing.T) {
	srv, err := New(config.ListenConfig{Address: "127.0.0.1", Port: 9090}, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", srv.Addr())
}

func TestRunServesAndShutsDownWhenContextCancelled(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv, err := New(config.ListenConfig{Address: "127.0.0.1", Port: 0}, newTestLogger(), handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled), "expected context canceled, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not return after cancellation")
	}
}

func TestRunFailsWhenAddressTaken(t *testing.T) {
	handler := http.NewServeMux()
	first, err := New(config.ListenConfig{Address: "127.0.0.1", Port: 0}, newTestLogger(), handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = first.Run(ctx) }()
	require.Eventually(t, func() bool { return first.Addr() != "127.0.0.1:0" }, 2*time.Second, 10*time.Millisecond)

	second, err := New(config.ListenConfig{Address: "127.0.0.1"}, newTestLogger(), handler)
	require.NoError(t, err)
	second.httpServer.Addr = first.Addr()
	require.Error(t, second.Run(context.Background()))
}
