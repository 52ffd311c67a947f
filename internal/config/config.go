// Package config loads server configuration from defaults, an optional
// yaml file and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Secrets may live between MinTTL and MaxTTL inclusive; secrets.min_ttl
// and secrets.max_ttl can only narrow that range.
const (
	MinTTL = time.Minute
	MaxTTL = 24 * time.Hour
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	TLSCertFile     string        `yaml:"tls_cert"`
	TLSKeyFile      string        `yaml:"tls_key"`
}

type StoreConfig struct {
	Type     string         `yaml:"type"`
	Timeout  time.Duration  `yaml:"timeout"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

type PostgresConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SecretsConfig struct {
	MinTTL             time.Duration `yaml:"min_ttl"`
	MaxTTL             time.Duration `yaml:"max_ttl"`
	MaxAttachmentBytes int64         `yaml:"max_attachment_bytes"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
}

type RateLimitConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Backend          string        `yaml:"backend"`
	Window           time.Duration `yaml:"window"`
	InspectPerWindow int           `yaml:"inspect_per_window"`
	ViewPerWindow    int           `yaml:"view_per_window"`
	DefaultPerWindow int           `yaml:"default_per_window"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    16 << 20,
			CORSOrigins:     []string{"*"},
		},
		Store: StoreConfig{
			Type:    StoreMemory,
			Timeout: 5 * time.Second,
			Postgres: PostgresConfig{
				Migrate: true,
			},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "ciphershare:",
			},
		},
		Secrets: SecretsConfig{
			MinTTL:             MinTTL,
			MaxTTL:             MaxTTL,
			MaxAttachmentBytes: 10 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			Backend:          StoreMemory,
			Window:           time.Minute,
			InspectPerWindow: 10,
			ViewPerWindow:    5,
			DefaultPerWindow: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a Config. A missing file at path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("CIPHERSHARE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("CIPHERSHARE_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	if v := os.Getenv("CIPHERSHARE_STORE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.Postgres.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Store.Redis.DB = db
	}

	if v := os.Getenv("CIPHERSHARE_CLEANUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CIPHERSHARE_CLEANUP_INTERVAL: %w", err)
		}
		c.Secrets.CleanupInterval = d
	}

	if v := os.Getenv("CIPHERSHARE_RATE_LIMIT"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CIPHERSHARE_RATE_LIMIT: %w", err)
		}
		c.RateLimit.Enabled = enabled
	}

	if v := os.Getenv("CIPHERSHARE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}

	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("postgres url is required when store type is 'postgres' (or DATABASE_URL env var)")
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when store type is 'redis'")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be 'memory', 'postgres' or 'redis')", c.Store.Type)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	if c.Secrets.MinTTL < MinTTL || c.Secrets.MinTTL > MaxTTL {
		return fmt.Errorf("min_ttl must be between %s and %s", MinTTL, MaxTTL)
	}
	if c.Secrets.MaxTTL < c.Secrets.MinTTL || c.Secrets.MaxTTL > MaxTTL {
		return fmt.Errorf("max_ttl must be between min_ttl and %s", MaxTTL)
	}
	if c.Secrets.MaxAttachmentBytes < 0 {
		return fmt.Errorf("max_attachment_bytes must not be negative")
	}
	if c.Secrets.CleanupInterval < 0 {
		return fmt.Errorf("cleanup_interval must not be negative")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case StoreMemory:
		case StoreRedis:
			if c.Store.Redis.Addr == "" {
				return fmt.Errorf("redis addr is required for the redis rate limit backend")
			}
		default:
			return fmt.Errorf("invalid rate_limit backend: %s (must be 'memory' or 'redis')", c.RateLimit.Backend)
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit window must be positive")
		}
		if c.RateLimit.InspectPerWindow < 1 || c.RateLimit.ViewPerWindow < 1 || c.RateLimit.DefaultPerWindow < 1 {
			return fmt.Errorf("rate_limit per-window limits must be at least 1")
		}
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Log.Format)
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
