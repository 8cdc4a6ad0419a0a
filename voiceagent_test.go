package voiceagent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/aioikid/voice-agent/internal/history"
	"github.com/aioikid/voice-agent/internal/relay"
	"github.com/gin-gonic/gin"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

func testConfig(t *testing.T, command string) *Config {
	t.Helper()
	c := DefaultConfig()
	c.Worker.Command = command
	c.Worker.GracePeriod = 2 * time.Second
	c.EnvFiles = nil
	c.Server.PublicDir = ""
	c.Metrics.Enabled = false
	return c
}

func newAgent(t *testing.T, c *Config) *Agent {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, err := New(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestAgent_EndToEnd(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("LIVEKIT_URL=wss://rooms.example\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c := testConfig(t, `sh -c 'echo "url=$LIVEKIT_URL mode=$AGENT_MODE"; echo oops >&2; sleep 30'`)
	c.EnvFiles = []string{envFile, filepath.Join(dir, "missing.env")}
	c.Env = []string{"AGENT_MODE=dev"}
	c.Log.Dir = filepath.Join(dir, "logs")
	c.History.Enabled = true
	c.History.DSN = "sqlite://" + filepath.Join(dir, "history.db")

	a := newAgent(t, c)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := a.Status().PID
	if !waitUntil(3*time.Second, 10*time.Millisecond, func() bool {
		return len(a.Tail().Lines(relay.Stdout, pid)) == 1 && len(a.Tail().Lines(relay.Stderr, pid)) == 1
	}) {
		t.Fatal("worker output not relayed")
	}
	if got := a.Tail().Lines(relay.Stdout, pid)[0].Text; got != "url=wss://rooms.example mode=dev" {
		t.Fatalf("worker env not applied: %q", got)
	}

	// Rotating file copy of the output.
	outFile := filepath.Join(c.Log.Dir, c.Worker.Name+".stdout.log")
	if !waitUntil(2*time.Second, 10*time.Millisecond, func() bool {
		b, err := os.ReadFile(outFile)
		return err == nil && strings.Contains(string(b), "url=wss://rooms.example")
	}) {
		t.Fatalf("stdout not written to %s", outFile)
	}

	// HTTP surface.
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/agent/logs")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	var logs struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
		PID    int    `json:"pid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	_ = resp.Body.Close()
	if logs.PID != pid || logs.Stderr != "oops\n" {
		t.Fatalf("unexpected logs: %+v", logs)
	}

	resp, err = http.Post(srv.URL+"/agent/restart", "application/json", nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status %d", resp.StatusCode)
	}
	if a.Status().PID == pid {
		t.Fatal("restart kept the same worker")
	}

	events, err := a.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var starts, stops int
	for _, e := range events {
		switch e.Type {
		case history.EventStart:
			starts++
		case history.EventStop:
			stops++
		}
	}
	if starts != 2 || stops != 1 {
		t.Fatalf("unexpected history: %+v", events)
	}
}

func TestAgent_InvalidCommand(t *testing.T) {
	requireUnix(t)
	a := newAgent(t, testConfig(t, "/nonexistent/agent-binary dev"))
	err := a.Start()
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	st := a.Status()
	if st.Running || st.LastError == "" {
		t.Fatalf("unexpected state: %+v", st)
	}
	events, err := a.History(context.Background(), 5)
	if err != nil || events != nil {
		t.Fatalf("history without store should be empty: %v %v", events, err)
	}
}

func TestNew_BadHistoryDSN(t *testing.T) {
	c := testConfig(t, "sleep 1")
	c.History.Enabled = true
	c.History.DSN = "mongodb://nowhere"
	if _, err := New(c, nil); err == nil {
		t.Fatal("expected error for unsupported DSN")
	}
}

func TestNew_NilConfigIgnoresBadEnvOverride(t *testing.T) {
	t.Setenv("VOICE_AGENT_MONITOR_INTERVAL", "0s")
	c := DefaultConfig()
	if c == nil || c.Monitor.Interval != 30*time.Second {
		t.Fatalf("DefaultConfig() = %+v", c)
	}
	a := newAgent(t, nil)
	if a.Status().Running {
		t.Fatal("agent should not run before Start")
	}
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("LoadConfig should reject the zero interval override")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	c := testConfig(t, "sleep 1")
	c.Monitor.Interval = 0
	if _, err := New(c, nil); err == nil || !strings.Contains(err.Error(), "monitor.interval") {
		t.Fatalf("expected monitor.interval error, got %v", err)
	}
}

func TestAgent_Serve(t *testing.T) {
	requireUnix(t)
	a := newAgent(t, testConfig(t, "sleep 30"))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln, 5*time.Second) }()

	url := "http://" + ln.Addr().String() + "/health"
	if !waitUntil(3*time.Second, 20*time.Millisecond, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var h struct {
			AgentRunning bool `json:"agent_running"`
		}
		return json.NewDecoder(resp.Body).Decode(&h) == nil && h.AgentRunning
	}) {
		t.Fatal("server never reported a running agent")
	}
	pid := a.Status().PID

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return")
	}
	if a.PollAlive() {
		t.Fatalf("worker %d still alive after serve returned", pid)
	}
}
