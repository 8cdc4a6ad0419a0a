package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":8000" || cfg.Server.PublicDir != "public" {
		t.Fatalf("server defaults: %+v", cfg.Server)
	}
	if cfg.Worker.Command != "python agent.py dev" || cfg.Worker.Name != "agent" {
		t.Fatalf("worker defaults: %+v", cfg.Worker)
	}
	if cfg.Worker.GracePeriod != 10*time.Second {
		t.Fatalf("grace = %v", cfg.Worker.GracePeriod)
	}
	if cfg.Monitor.Interval != 30*time.Second || cfg.Monitor.ErrorBackoff != 60*time.Second {
		t.Fatalf("monitor defaults: %+v", cfg.Monitor)
	}
	if len(cfg.EnvFiles) != 1 || cfg.EnvFiles[0] != ".env" {
		t.Fatalf("env_files = %v", cfg.EnvFiles)
	}
	if !cfg.Metrics.Enabled || cfg.History.Enabled {
		t.Fatalf("metrics/history defaults: %+v %+v", cfg.Metrics, cfg.History)
	}
	if cfg.Log.TailLines != 200 || cfg.Log.MaxSizeMB != 10 {
		t.Fatalf("log defaults: %+v", cfg.Log)
	}
}

func TestDefault_IgnoresEnvOverrides(t *testing.T) {
	t.Setenv("VOICE_AGENT_MONITOR_INTERVAL", "0s")
	t.Setenv("VOICE_AGENT_SERVER_LISTEN", ":9999")
	cfg := Default()
	if cfg == nil {
		t.Fatal("Default() returned nil")
	}
	if cfg.Monitor.Interval != DefaultPollInterval || cfg.Server.Listen != DefaultListen {
		t.Fatalf("overrides leaked into defaults: %+v %+v", cfg.Monitor, cfg.Server)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadConfig_Full(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "voice-agent.toml", `
env_files = [".env.local"]
env = ["LOG_LEVEL=debug"]

[server]
listen = "127.0.0.1:9000"
public_dir = "web"

[server.tls]
enabled = true
dir = "certs"
auto_generate = true

[worker]
command = "python agent.py start"
work_dir = "/srv/agent"
grace_period = "3s"

[monitor]
interval = "5s"
error_backoff = "15s"

[log]
level = "debug"
format = "json"
dir = "/var/log/voice-agent"
tail_lines = 50

[metrics]
enabled = false

[history]
enabled = true
dsn = "postgres://u:p@localhost/db"
`)
	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" || cfg.Server.PublicDir != filepath.Join(dir, "web") {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if !cfg.Server.TLS.Enabled || !cfg.Server.TLS.AutoGenerate || cfg.Server.TLS.Dir != filepath.Join(dir, "certs") {
		t.Fatalf("tls: %+v", cfg.Server.TLS)
	}
	if cfg.Worker.Command != "python agent.py start" || cfg.Worker.WorkDir != "/srv/agent" || cfg.Worker.GracePeriod != 3*time.Second {
		t.Fatalf("worker: %+v", cfg.Worker)
	}
	if cfg.Monitor.Interval != 5*time.Second || cfg.Monitor.ErrorBackoff != 15*time.Second {
		t.Fatalf("monitor: %+v", cfg.Monitor)
	}
	if cfg.Log.Format != "json" || cfg.Log.TailLines != 50 || cfg.Log.Dir != "/var/log/voice-agent" {
		t.Fatalf("log: %+v", cfg.Log)
	}
	if cfg.Metrics.Enabled || !cfg.History.Enabled || cfg.History.DSN != "postgres://u:p@localhost/db" {
		t.Fatalf("metrics/history: %+v %+v", cfg.Metrics, cfg.History)
	}
	if len(cfg.EnvFiles) != 1 || cfg.EnvFiles[0] != filepath.Join(dir, ".env.local") {
		t.Fatalf("env_files: %v", cfg.EnvFiles)
	}
	if len(cfg.Env) != 1 || cfg.Env[0] != "LOG_LEVEL=debug" {
		t.Fatalf("env: %v", cfg.Env)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("VOICE_AGENT_SERVER_LISTEN", ":9100")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":9100" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		data string
		want string
	}{
		{"empty command", "[worker]\ncommand = \"  \"\n", "worker command is required"},
		{"zero interval", "[monitor]\ninterval = \"0s\"\n", "monitor.interval"},
		{"history without dsn", "[history]\nenabled = true\ndsn = \"\"\n", "history.dsn"},
		{"bad env", "env = [\"NOEQUALS\"]\n", "KEY=VALUE"},
		{"tls without certs", "[server.tls]\nenabled = true\n", "server.tls"},
		{"bad toml", "[server\nlisten=", "read config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			file := writeFile(t, dir, strings.ReplaceAll(tc.name, " ", "_")+".toml", tc.data)
			_, err := LoadConfig(file)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
