package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Retry     RetryConfig     `yaml:"retry"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Security  SecurityConfig  `yaml:"security"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// GatewayConfig points at the upstream inference endpoint.
type GatewayConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	APIKey             string        `yaml:"api_key"`
	DefaultModel       string        `yaml:"default_model"`
	DefaultTemperature float64       `yaml:"default_temperature"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
}

// RetryConfig bounds the run executor's transient-failure retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type PricingConfig struct {
	UnitPriceUSD float64 `yaml:"unit_price_usd"` // per token, in and out alike
}

type QueueConfig struct {
	Workers    int `yaml:"workers"`
	BufferSize int `yaml:"buffer_size"`
}

// RateLimitConfig controls the fixed-window admission gate on run and
// experiment submission.
type RateLimitConfig struct {
	Window   time.Duration `yaml:"window"`
	Capacity int64         `yaml:"capacity"`
}

// ScoringConfig selects how experiment outputs are graded.
type ScoringConfig struct {
	Mode       string `yaml:"mode"` // "similarity" (default) or "judge"
	JudgeModel string `yaml:"judge_model"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second, // > gateway call timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Gateway: GatewayConfig{
			Endpoint:           "http://localhost:9000/v1/generate",
			DefaultModel:       "default",
			DefaultTemperature: 0.0,
			CallTimeout:        60 * time.Second,
			MaxConcurrent:      8,
			RequestsPerSecond:  10,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff:     5 * time.Second,
		},
		Pricing: PricingConfig{
			UnitPriceUSD: 0.00001,
		},
		Queue: QueueConfig{
			Workers:    8,
			BufferSize: 1024,
		},
		RateLimit: RateLimitConfig{
			Window:   time.Minute,
			Capacity: 60,
		},
		Scoring: ScoringConfig{
			Mode: "similarity",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:         "X-API-Key",
			AllowUnauthenticated: true,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Gateway.Endpoint == "" {
		return fmt.Errorf("gateway.endpoint is required")
	}
	if c.Gateway.CallTimeout <= 0 {
		return fmt.Errorf("gateway.call_timeout must be > 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("retry.backoff must be >= 0")
	}
	if c.Pricing.UnitPriceUSD < 0 {
		return fmt.Errorf("pricing.unit_price_usd must be >= 0")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be >= 1")
	}
	if c.Queue.BufferSize < 1 {
		return fmt.Errorf("queue.buffer_size must be >= 1")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be > 0")
	}
	if c.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit.capacity must be >= 1")
	}
	switch c.Scoring.Mode {
	case "similarity", "judge":
	default:
		return fmt.Errorf("scoring.mode must be \"similarity\" or \"judge\", got %q", c.Scoring.Mode)
	}
	if c.Scoring.Mode == "judge" && c.Scoring.JudgeModel == "" {
		return fmt.Errorf("scoring.judge_model is required when scoring.mode is \"judge\"")
	}
	if !c.Security.AllowUnauthenticated && len(c.Security.AllowedKeys) == 0 {
		return fmt.Errorf("security.allowed_keys is required when allow_unauthenticated is false")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
