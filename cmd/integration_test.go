package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
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

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
)

// httpDoer is what the readiness probe needs from a client.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

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
	cacheRoot := filepath.Join(os.TempDir(), "bixworker-integration")
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

func (p *integrationProcess) logs() (string, string) {
	if p == nil {
		return "", ""
	}
	return p.stdout.String(), p.stderr.String()
}

func waitForEndpoint(t *testing.T, client httpDoer, target string, timeout time.Duration, headers map[string]string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		if err != nil {
			t.Fatalf("failed to build probe request: %v", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
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

func writeIntegrationConfig(t *testing.T, dir string, port int, originURL string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("failed to ensure config folder: %v", err)
	}
	cfg := map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": "127.0.0.1",
				"port":    port,
			},
			"logging": map[string]any{
				"format":            "text",
				"level":             "warn",
				"correlationHeader": "X-Request-ID",
			},
			"cache": map[string]any{
				"backend": "leveldb",
				"leveldb": map[string]any{
					"path": filepath.Join(dir, "cache"),
				},
			},
		},
		"origin": map[string]any{
			"url":            originURL,
			"timeoutSeconds": 2,
		},
		"worker": map[string]any{
			"version":            "v1",
			"manifest":           []string{"/", "/app.js"},
			"navigationFallback": "root",
			"fallbackDocument":   "/",
		},
	}

	contents, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	path := filepath.Join(dir, "integration-config.json")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
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

func TestIntegrationServesOffline(t *testing.T) {
	if os.Getenv("BIXWORKER_INTEGRATION") == "" {
		t.Skip("set BIXWORKER_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	down := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-down:
			panic(http.ErrAbortHandler)
		default:
		}
		switch r.URL.Path {
		case "/":
			_, _ = io.WriteString(w, "<html>integration</html>")
		case "/app.js":
			_, _ = io.WriteString(w, "console.log('integration')")
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	temp := t.TempDir()
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, temp, port, origin.URL)

	process := startServerProcess(t, configPath, map[string]string{
		"BIXWORKER_SERVER__LOGGING__LEVEL": "debug",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/healthz"), 45*time.Second, nil)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	require.Eventually(t, func() bool {
		resp, err := client.Get(integrationURL(port, "/sw/status")) // #nosec G107 - integration test
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status struct {
			Current string `json:"current"`
		}
		return json.NewDecoder(resp.Body).Decode(&status) == nil && status.Current == "v1"
	}, 10*time.Second, 50*time.Millisecond)

	status := expect.GET("/sw/status").Expect().Status(http.StatusOK).JSON().Object()
	status.HasValue("state", "active")
	status.Value("generations").Array().ContainsOnly("v1")

	close(down)

	asset := expect.GET("/app.js").Expect().Status(http.StatusOK)
	asset.Header("X-Worker-Cache").IsEqual("hit")
	asset.Body().IsEqual("console.log('integration')")

	page := expect.GET("/missing").WithHeader("Sec-Fetch-Mode", "navigate").Expect()
	if page.Raw().StatusCode != http.StatusOK {
		stdout, stderr := process.logs()
		t.Fatalf("expected offline navigation fallback\nstdout:\n%s\nstderr:\n%s", strings.TrimSpace(stdout), strings.TrimSpace(stderr))
	}
	page.Body().IsEqual("<html>integration</html>")

	expect.GET("/never-cached.js").Expect().
		Status(http.StatusGatewayTimeout).
		Header("X-Worker-Cache").IsEqual("offline")
}
