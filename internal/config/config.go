package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aioikid/voice-agent/internal/logger"
	"github.com/aioikid/voice-agent/internal/process"
	itls "github.com/aioikid/voice-agent/internal/tls"
	"github.com/spf13/viper"
)

// Defaults for the supervisor. The worker command matches the development
// launch mode of the agent script.
const (
	DefaultListen       = ":8000"
	DefaultPublicDir    = "public"
	DefaultWorkerName   = "agent"
	DefaultCommand      = "python agent.py dev"
	DefaultPollInterval = 30 * time.Second
	DefaultErrorBackoff = 60 * time.Second
	DefaultHistoryDSN   = "sqlite:///var/lib/voice-agent/history.db"

	// EnvPrefix is the prefix for environment overrides, e.g.
	// VOICE_AGENT_SERVER_LISTEN=:9000.
	EnvPrefix = "VOICE_AGENT"
)

// Config represents the top-level TOML structure.
type Config struct {
	EnvFiles []string      `toml:"env_files" mapstructure:"env_files"`
	Env      []string      `toml:"env" mapstructure:"env"`
	Server   ServerConfig  `toml:"server" mapstructure:"server"`
	Worker   process.Spec  `toml:"worker" mapstructure:"worker"`
	Monitor  MonitorConfig `toml:"monitor" mapstructure:"monitor"`
	Log      logger.Config `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
}

type ServerConfig struct {
	Listen    string      `toml:"listen" mapstructure:"listen"`
	PublicDir string      `toml:"public_dir" mapstructure:"public_dir"`
	TLS       itls.Config `toml:"tls" mapstructure:"tls"`
}

type MonitorConfig struct {
	Interval     time.Duration `toml:"interval" mapstructure:"interval"`
	ErrorBackoff time.Duration `toml:"error_backoff" mapstructure:"error_backoff"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env_files", []string{".env"})
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.public_dir", DefaultPublicDir)
	v.SetDefault("worker.name", DefaultWorkerName)
	v.SetDefault("worker.command", DefaultCommand)
	v.SetDefault("worker.grace_period", process.DefaultGracePeriod)
	v.SetDefault("monitor.interval", DefaultPollInterval)
	v.SetDefault("monitor.error_backoff", DefaultErrorBackoff)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.tail_lines", 200)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("history.dsn", DefaultHistoryDSN)
}

// Default returns the built-in defaults, ignoring VOICE_AGENT_* overrides.
// Use LoadConfig("") to apply them.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("decode default config: %v", err))
	}
	return &cfg
}

// LoadConfig reads the TOML file at path. An empty path yields the defaults,
// still subject to VOICE_AGENT_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		cfg.resolvePaths(filepath.Dir(path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths makes relative env files, the public dir and TLS files
// relative to the directory of the config file.
func (c *Config) resolvePaths(base string) {
	for i, p := range c.EnvFiles {
		if p != "" && !filepath.IsAbs(p) {
			c.EnvFiles[i] = filepath.Join(base, p)
		}
	}
	for _, p := range []*string{&c.Server.PublicDir, &c.Server.TLS.Dir, &c.Server.TLS.CertFile, &c.Server.TLS.KeyFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

func (c *Config) Validate() error {
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if c.Server.TLS.Enabled {
		if _, _, err := c.Server.TLS.Paths(); err != nil {
			return fmt.Errorf("server.tls: %w", err)
		}
	}
	if c.Monitor.Interval <= 0 {
		return errors.New("monitor.interval must be positive")
	}
	if c.Monitor.ErrorBackoff < 0 {
		return errors.New("monitor.error_backoff cannot be negative")
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			return fmt.Errorf("env entry %q must be KEY=VALUE", kv)
		}
	}
	return nil
}
