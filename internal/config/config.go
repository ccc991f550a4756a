package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "config.yaml"

// Config is the full service configuration as read from YAML.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logger      LoggerConfig      `yaml:"logger"`
	Render      RenderConfig      `yaml:"render"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
	Auth        AuthConfig        `yaml:"auth"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Prefork        bool   `yaml:"prefork"`
	PublicDir      string `yaml:"public_dir"`
	BodyLimitBytes int    `yaml:"body_limit_bytes"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type LoggerConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RenderConfig drives the headless Chrome session used for every export.
type RenderConfig struct {
	ChromePath      string `yaml:"chrome_path"`
	ChromeNoSandbox bool   `yaml:"chrome_no_sandbox"`
	UserDataDir     string `yaml:"user_data_dir"`

	ViewportWidth     int64   `yaml:"viewport_width"`
	ViewportHeight    int64   `yaml:"viewport_height"`
	DeviceScaleFactor float64 `yaml:"device_scale_factor"`
	TargetSelector    string  `yaml:"target_selector"`

	Timeout                time.Duration `yaml:"timeout"`
	NetworkIdleQuiet       time.Duration `yaml:"network_idle_quiet"`
	NetworkIdleMaxInflight int           `yaml:"network_idle_max_inflight"`

	// PoolSize > 0 keeps one warm Chrome process and hands out isolated tabs.
	PoolSize      int           `yaml:"pool_size"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	QueueTimeout  time.Duration `yaml:"queue_timeout"`
}

type RateLimiterConfig struct {
	UserLimit int           `yaml:"user_limit"`
	Interval  time.Duration `yaml:"interval"`
	RedisHost string        `yaml:"redis_host"`
	RedisDB   int           `yaml:"redis_db"`
}

type AuthConfig struct {
	Enabled         bool           `yaml:"enabled"`
	Postgres        PostgresConfig `yaml:"postgres"`
	RefreshInterval time.Duration  `yaml:"refresh_interval"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// Default returns a configuration that works without any file present.
func Default() Config {
	var cfg Config
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 3000
	cfg.Server.PublicDir = "public"
	cfg.Server.BodyLimitBytes = 10 * 1024 * 1024

	cfg.Logger.Level = "info"
	cfg.Logger.MaxSizeMB = 10
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAgeDays = 7

	cfg.Render.ChromeNoSandbox = true
	cfg.Render.ViewportWidth = 2400
	cfg.Render.ViewportHeight = 1600
	cfg.Render.DeviceScaleFactor = 2
	cfg.Render.TargetSelector = "#diagram-wrapper"
	cfg.Render.Timeout = 30 * time.Second
	cfg.Render.NetworkIdleQuiet = 500 * time.Millisecond
	cfg.Render.QueueTimeout = 10 * time.Second

	cfg.RateLimiter.Interval = time.Minute

	cfg.Auth.RefreshInterval = time.Minute
	return cfg
}

// Load reads the file named by CONFIG_PATH (or DefaultPath) and applies
// environment overrides.
func Load() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFrom(path)
}

// LoadFrom reads the YAML file at path on top of Default(). A missing file is
// not an error. Invalid values panic since the process cannot serve with them.
func LoadFrom(path string) Config {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			panic(fmt.Sprintf("config: parse %s: %v", path, err))
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		panic(fmt.Sprintf("config: read %s: %v", path, err))
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && port >= 0 && port <= 65535 {
			cfg.Server.Port = port
		}
	}
	// Allow common container env var to override chrome_path.
	if cfg.Render.ChromePath == "" {
		if v := os.Getenv("CHROME_BIN"); v != "" {
			cfg.Render.ChromePath = v
		}
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	case c.Server.BodyLimitBytes <= 0:
		return errors.New("server.body_limit_bytes must be positive")
	case c.Render.ViewportWidth <= 0 || c.Render.ViewportHeight <= 0:
		return errors.New("render viewport must be positive")
	case c.Render.DeviceScaleFactor <= 0:
		return errors.New("render.device_scale_factor must be positive")
	case strings.TrimSpace(c.Render.TargetSelector) == "":
		return errors.New("render.target_selector is empty")
	case c.Render.Timeout <= 0:
		return errors.New("render.timeout must be positive")
	case c.Render.NetworkIdleQuiet < 0 || c.Render.NetworkIdleMaxInflight < 0:
		return errors.New("render network idle settings must not be negative")
	case c.Render.PoolSize < 0 || c.Render.MaxConcurrent < 0:
		return errors.New("render.pool_size and render.max_concurrent must not be negative")
	case c.RateLimiter.UserLimit < 0:
		return errors.New("rate_limiter.user_limit must not be negative")
	case c.RateLimiter.UserLimit > 0 && c.RateLimiter.Interval <= 0:
		return errors.New("rate_limiter.interval must be positive")
	case c.Auth.Enabled && c.Auth.RefreshInterval <= 0:
		return errors.New("auth.refresh_interval must be positive")
	}
	return nil
}
