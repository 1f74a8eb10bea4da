// Package config loads client configuration from defaults, an optional YAML
// file, an optional .env file and REQDESK_* environment variables, in that
// order of increasing precedence.
package config

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Redis    RedisConfig    `yaml:"redis"`
	Journal  JournalConfig  `yaml:"journal"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// APIConfig describes the backend REST API.
type APIConfig struct {
	BaseURL   string        `yaml:"base_url" env:"REQDESK_API_URL"`
	Timeout   time.Duration `yaml:"timeout" env:"REQDESK_API_TIMEOUT"`
	RateLimit float64       `yaml:"rate_limit" env:"REQDESK_API_RATE_LIMIT"`
	Burst     int           `yaml:"burst" env:"REQDESK_API_BURST"`
	UserAgent string        `yaml:"user_agent" env:"REQDESK_API_USER_AGENT"`
}

// AuthConfig holds credentials. Token takes precedence over username/password.
type AuthConfig struct {
	Token    string `yaml:"token" env:"REQDESK_TOKEN"`
	Username string `yaml:"username" env:"REQDESK_USERNAME"`
	Password string `yaml:"password" env:"REQDESK_PASSWORD"`
}

// LogConfig configures the logrus logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"REQDESK_LOG_LEVEL"`
	Format string `yaml:"format" env:"REQDESK_LOG_FORMAT"`
}

// RealtimeConfig configures the change-event websocket.
type RealtimeConfig struct {
	Enabled bool   `yaml:"enabled" env:"REQDESK_REALTIME_ENABLED"`
	URL     string `yaml:"url" env:"REQDESK_REALTIME_URL"`
}

// RefreshConfig configures the scheduled collection refresh.
type RefreshConfig struct {
	Enabled  bool   `yaml:"enabled" env:"REQDESK_REFRESH_ENABLED"`
	Schedule string `yaml:"schedule" env:"REQDESK_REFRESH_SCHEDULE"`
}

// RedisConfig configures the cache mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REQDESK_REDIS_ADDR"`
	Password string        `yaml:"password" env:"REQDESK_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REQDESK_REDIS_DB"`
	Prefix   string        `yaml:"prefix" env:"REQDESK_REDIS_PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"REQDESK_REDIS_TTL"`
}

// JournalConfig configures the Postgres change journal. An empty DSN disables it.
type JournalConfig struct {
	DSN     string `yaml:"dsn" env:"REQDESK_JOURNAL_DSN"`
	Migrate bool   `yaml:"migrate" env:"REQDESK_JOURNAL_MIGRATE"`
}

// MetricsConfig configures the Prometheus endpoint used by long-running commands.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"REQDESK_METRICS_ADDR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:   "http://localhost:8000",
			Timeout:   30 * time.Second,
			RateLimit: 20,
			Burst:     10,
			UserAgent: "reqdesk-client",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Refresh: RefreshConfig{
			Schedule: "@every 5m",
		},
		Redis: RedisConfig{
			Prefix: "reqdesk",
			TTL:    24 * time.Hour,
		},
	}
}

// Load builds a Config. path may be empty, in which case only defaults and
// the environment are used. A .env file next to the working directory is
// loaded when present; variables already set in the environment win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(&cfg); err != nil && !stderrors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate checks the fields every component depends on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit must not be negative")
	}
	if c.Realtime.Enabled && c.RealtimeURL() == "" {
		return fmt.Errorf("realtime.url is required when realtime is enabled")
	}
	if c.Refresh.Enabled && strings.TrimSpace(c.Refresh.Schedule) == "" {
		return fmt.Errorf("refresh.schedule is required when refresh is enabled")
	}
	return nil
}

// RealtimeURL returns the configured websocket URL, deriving it from the API
// base URL when none is set.
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	base := strings.TrimSuffix(c.API.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/api/v1/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/api/v1/ws"
	}
	return ""
}
