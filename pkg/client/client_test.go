package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","agent_running":true,"timestamp":1700000000.25}`))
	})
	mux.HandleFunc("/agent/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"running":true,"last_started":1700000000.5,"error":null,"pid":321,"restarts":2,"memory_mb":12.5}`))
	})
	mux.HandleFunc("/agent/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"detail":"Failed to restart agent: boom"}`))
			return
		}
		_, _ = w.Write([]byte(`{"message":"Agent restart initiated","status":"success"}`))
	})
	mux.HandleFunc("/agent/logs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stdout":"a\nb\n","stderr":"","pid":321}`))
	})
	mux.HandleFunc("/agent/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"events":[{"type":"start","occurred_at":"2024-01-01T00:00:00Z","worker":"agent","pid":321}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Endpoints(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/", Timeout: 2 * time.Second})
	ctx := context.Background()

	if !c.IsReachable(ctx) {
		t.Fatal("server should be reachable")
	}
	h, err := c.Health(ctx)
	if err != nil || h.Status != "healthy" || !h.AgentRunning {
		t.Fatalf("health: %+v %v", h, err)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running || st.PID == nil || *st.PID != 321 || st.Error != nil || st.Restarts != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.CPUPercent != nil || st.MemoryMB == nil || *st.MemoryMB != 12.5 {
		t.Fatalf("usage fields: %+v", st)
	}
	if got := st.LastStartedTime(); got.Unix() != 1700000000 || got.Nanosecond() != 500000000 {
		t.Fatalf("last started = %v", got)
	}

	r, err := c.Restart(ctx)
	if err != nil || r.Status != "success" {
		t.Fatalf("restart: %+v %v", r, err)
	}

	l, err := c.Logs(ctx)
	if err != nil || !l.Running() || l.Stdout != "a\nb\n" {
		t.Fatalf("logs: %+v %v", l, err)
	}

	evs, err := c.History(ctx, 2)
	if err != nil || len(evs) != 1 || evs[0].Type != "start" || evs[0].PID != 321 {
		t.Fatalf("history: %+v %v", evs, err)
	}
}

func TestClient_ErrorDetail(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL})
	err := c.do(context.Background(), http.MethodPost, "/agent/restart?fail=1", nil)
	if err == nil || !strings.Contains(err.Error(), "Failed to restart agent: boom") {
		t.Fatalf("expected detail in error, got %v", err)
	}
	if _, err := c.History(context.Background(), 5); err == nil || !strings.Contains(err.Error(), "HTTP 400") {
		t.Fatalf("expected HTTP 400, got %v", err)
	}
}

func TestClient_NoWorkerLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"logs":"No agent process running"}`))
	}))
	defer srv.Close()
	l, err := New(Config{BaseURL: srv.URL}).Logs(context.Background())
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if l.Running() || l.Message != "No agent process running" {
		t.Fatalf("unexpected logs: %+v", l)
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(Config{BaseURL: srv.URL, Timeout: 500 * time.Millisecond})
	if c.IsReachable(context.Background()) {
		t.Fatal("closed server should be unreachable")
	}
}

func TestStreamURL(t *testing.T) {
	if got := New(Config{BaseURL: "http://h:8000"}).StreamURL(); got != "ws://h:8000/agent/logs/stream" {
		t.Fatalf("got %q", got)
	}
	if got := New(Config{BaseURL: "https://h/api"}).StreamURL(); got != "wss://h/api/agent/logs/stream" {
		t.Fatalf("got %q", got)
	}
}

func TestSetupClientTLS_BadCA(t *testing.T) {
	if _, err := setupClientTLS(Config{CACert: "/nonexistent/ca.pem"}); err == nil {
		t.Fatal("expected error for missing CA")
	}
	cfg, err := setupClientTLS(Config{Insecure: true})
	if err != nil || !cfg.InsecureSkipVerify {
		t.Fatalf("insecure: %+v %v", cfg, err)
	}
}

func TestClient_TLSConfig(t *testing.T) {
	if New(Config{}).TLSConfig() != nil {
		t.Fatal("plain client should have no TLS override")
	}
	if tc := New(Config{Insecure: true}).TLSConfig(); tc == nil || !tc.InsecureSkipVerify {
		t.Fatalf("insecure client TLS config: %+v", tc)
	}
}
