package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"

	"github.com/l0p7/fallbackkv/internal/config"
)

type integrationProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func startServerProcess(t *testing.T, configPath string, env map[string]string) *integrationProcess {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "go", "run", ".", "-config", configPath)
	cmd.Dir = "."
	cacheRoot := filepath.Join(os.TempDir(), "fallbackkv-integration")
	cacheDir := filepath.Join(cacheRoot, "gocache")
	moduleCache := filepath.Join(cacheRoot, "gomodcache")
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gocache dir: %v", err)
	}
	if err := os.MkdirAll(moduleCache, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gomodcache dir: %v", err)
	}
	cmd.Env = append(os.Environ(), "GOFLAGS=", "GOCACHE="+cacheDir, "GOMODCACHE="+moduleCache)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start server process: %v", err)
	}

	proc := &integrationProcess{cmd: cmd, cancel: cancel, stdout: stdout, stderr: stderr}
	proc.wg.Add(1)
	go func() {
		defer proc.wg.Done()
		_ = cmd.Wait()
	}()
	return proc
}

func (p *integrationProcess) stop(t *testing.T) {
	t.Helper()
	if p == nil {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGKILL)
		}
	}
	if t.Failed() {
		if out := strings.TrimSpace(p.stdout.String()); out != "" {
			t.Logf("server stdout:\n%s", out)
		}
		if errOut := strings.TrimSpace(p.stderr.String()); errOut != "" {
			t.Logf("server stderr:\n%s", errOut)
		}
	}
}

func waitForEndpoint(t *testing.T, client *http.Client, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		if err != nil {
			t.Fatalf("failed to build probe request: %v", err)
		}
		resp, err := client.Do(req) // #nosec G107 - test helper for local server
		if err == nil {
			status := resp.StatusCode
			if cerr := resp.Body.Close(); cerr != nil {
				t.Fatalf("failed to close readiness probe body: %v", cerr)
			}
			if status < 500 {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not respond successfully within %v", timeout)
}

func writeIntegrationConfig(t *testing.T, dir string, port int, storeAddr string) string {
	t.Helper()
	path := filepath.Join(dir, "server.yaml")
	contents := fmt.Sprintf(`server:
  listen:
    address: 127.0.0.1
    port: %d
  logging:
    level: debug
  store:
    address: %s
    requestTimeout: 500ms
tenants:
  bot1:
    cache:
      enabled: true
      ttlSeconds: 120
      maxSize: 50
      strategy: semantic
    rateLimit:
      enabled: true
      maxPerMinute: 2
      blockDurationSeconds: 60
`, port, storeAddr)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write integration config: %v", err)
	}
	return path
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	port := addr.Port
	if cerr := l.Close(); cerr != nil {
		t.Fatalf("failed to close listener: %v", cerr)
	}
	return port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func TestIntegrationServerSurvivesStoreOutage(t *testing.T) {
	if os.Getenv("FALLBACKKV_INTEGRATION") == "" {
		t.Skip("set FALLBACKKV_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	redis := miniredis.RunT(t)
	temp := t.TempDir()
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, temp, port, redis.Addr())

	cfg, err := config.NewLoader("FALLBACKKV", configPath).Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load integration config: %v", err)
	}
	if _, ok := cfg.Tenants["bot1"]; !ok {
		t.Fatalf("expected bot1 tenant to be configured")
	}

	// go run executes from a go-build directory, which the connection guard
	// reads as a build context unless told otherwise.
	process := startServerProcess(t, configPath, map[string]string{
		"FALLBACKKV_SERVER__STORE__SERVING": "true",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/healthz"), 45*time.Second)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	expect.GET("/healthz").Expect().Status(http.StatusOK).
		JSON().Object().Value("remote").Boolean().IsTrue()

	t.Run("cache round trip on the remote store", func(t *testing.T) {
		expect.PUT("/v1/cache/bot1").
			WithJSON(map[string]any{"message": "What is the refund policy?", "response": "30 days"}).
			Expect().Status(http.StatusNoContent)
		expect.GET("/v1/cache/bot1").WithQuery("message", "what is the refund policy").
			Expect().Status(http.StatusOK).JSON().Object().Value("response").IsEqual("30 days")
		if len(redis.Keys()) == 0 {
			t.Fatalf("expected cache entry in remote store")
		}
	})

	t.Run("rate limit blocks after the minute quota", func(t *testing.T) {
		expect.POST("/v1/ratelimit/bot1/alice").Expect().Status(http.StatusOK)
		expect.POST("/v1/ratelimit/bot1/alice").Expect().Status(http.StatusOK)
		expect.POST("/v1/ratelimit/bot1/alice").Expect().Status(http.StatusTooManyRequests).
			Header("Retry-After").NotEmpty()
	})

	t.Run("requests keep working after the store goes away", func(t *testing.T) {
		redis.Close()
		expect.POST("/v1/ratelimit/bot1/bob").Expect().Status(http.StatusOK)
		expect.GET("/healthz").Expect().Status(http.StatusOK).
			JSON().Object().Value("remote").Boolean().IsFalse()
		expect.PUT("/v1/cache/bot1").
			WithJSON(map[string]any{"message": "hours?", "response": "9-5"}).
			Expect().Status(http.StatusNoContent)
		expect.GET("/v1/cache/bot1").WithQuery("message", "hours").
			Expect().Status(http.StatusOK)
	})
}
