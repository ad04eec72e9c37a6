// Package config layers dynops configuration the way the teacher layers
// its own: struct defaults, then an optional YAML file, then environment
// variables, then functional options, each layer overriding the last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/norpie/dynops/internal/ratelimit"
	"github.com/norpie/dynops/internal/retry"
	"gopkg.in/yaml.v3"
)

// Environment identifies the Dynamics 365 org to talk to.
type Environment struct {
	Host       string `yaml:"host"`
	APIVersion string `yaml:"api_version"`
}

// Auth holds the OAuth client-credentials used to mint tokens.
type Auth struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Flow         string `yaml:"flow"`
}

// HTTP holds transport-level tuning.
type HTTP struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Retry selects a named retry preset or overrides individual fields.
type Retry struct {
	Preset            string        `yaml:"preset"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// RateLimit holds token-bucket parameters.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	BurstCapacity     float64 `yaml:"burst_capacity"`
	Enabled           bool    `yaml:"enabled"`
}

// Queue holds durable-queue tuning.
type Queue struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	DBPath        string `yaml:"db_path"`
}

// Logging holds structured-logger tuning.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the fully resolved dynops configuration (spec §4.10).
type Config struct {
	Environment Environment `yaml:"environment"`
	Auth        Auth        `yaml:"auth"`
	HTTP        HTTP        `yaml:"http"`
	Retry       Retry       `yaml:"retry"`
	RateLimit   RateLimit   `yaml:"rate_limit"`
	Queue       Queue       `yaml:"queue"`
	Logging     Logging     `yaml:"logging"`
}

// Option mutates a Config after defaults, file, and env have been
// applied; options have the highest precedence (spec §4.10).
type Option func(*Config) error

// Default returns the lowest-precedence configuration layer.
func Default() *Config {
	return &Config{
		Environment: Environment{APIVersion: "9.2"},
		Auth:        Auth{Flow: "client_credentials"},
		HTTP:        HTTP{Timeout: 30 * time.Second},
		Retry:       Retry{Preset: "default"},
		RateLimit: RateLimit{
			RequestsPerMinute: ratelimit.DefaultRequestsPerMinute,
			BurstCapacity:     ratelimit.DefaultBurstCapacity,
			Enabled:           true,
		},
		Queue:   Queue{MaxConcurrent: 1, DBPath: "dynops-queue.db"},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load builds a Config following the full precedence chain: defaults,
// then the YAML file named by DYNOPS_CONFIG (if set), then DYNOPS_*
// environment variables, then opts in order.
func Load(opts ...Option) (*Config, error) {
	cfg := Default()

	if path := os.Getenv("DYNOPS_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	cfg.loadEnv()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply config option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadEnv() {
	if v := os.Getenv("DYNOPS_HOST"); v != "" {
		c.Environment.Host = v
	}
	if v := os.Getenv("DYNOPS_API_VERSION"); v != "" {
		c.Environment.APIVersion = v
	}
	if v := os.Getenv("DYNOPS_TENANT_ID"); v != "" {
		c.Auth.TenantID = v
	}
	if v := os.Getenv("DYNOPS_CLIENT_ID"); v != "" {
		c.Auth.ClientID = v
	}
	if v := os.Getenv("DYNOPS_CLIENT_SECRET"); v != "" {
		c.Auth.ClientSecret = v
	}
	if v := os.Getenv("DYNOPS_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.Timeout = d
		}
	}
	if v := os.Getenv("DYNOPS_RETRY_PRESET"); v != "" {
		c.Retry.Preset = v
	}
	if v := os.Getenv("DYNOPS_RATE_LIMIT_RPM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RequestsPerMinute = f
		}
	}
	if v := os.Getenv("DYNOPS_QUEUE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxConcurrent = n
		}
	}
	if v := os.Getenv("DYNOPS_QUEUE_DB_PATH"); v != "" {
		c.Queue.DBPath = v
	}
	if v := os.Getenv("DYNOPS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DYNOPS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate rejects configurations the client cannot run against.
func (c *Config) Validate() error {
	if c.Environment.Host == "" {
		return fmt.Errorf("environment.host is required")
	}
	if c.Auth.TenantID == "" || c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
		return fmt.Errorf("auth.tenant_id, auth.client_id, and auth.client_secret are required")
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be at least 1")
	}
	return nil
}

// RetryPolicy resolves the Retry layer into a concrete retry.Policy,
// preferring an explicit preset name and falling back to field overrides.
func (c *Config) RetryPolicy() retry.Policy {
	if c.Retry.Preset != "" && c.Retry.Preset != "custom" {
		return retry.ByName(c.Retry.Preset)
	}
	return retry.Policy{
		MaxAttempts:       c.Retry.MaxAttempts,
		BaseDelay:         c.Retry.BaseDelay,
		MaxDelay:          c.Retry.MaxDelay,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		Jitter:            true,
	}
}

// WithHost overrides the target Dynamics host.
func WithHost(host string) Option {
	return func(c *Config) error {
		c.Environment.Host = host
		return nil
	}
}

var knownRetryPresets = map[string]bool{"default": true, "conservative": true, "aggressive": true, "disabled": true}

// WithRetryPreset overrides the named retry preset.
func WithRetryPreset(name string) Option {
	return func(c *Config) error {
		if !knownRetryPresets[name] {
			return fmt.Errorf("unknown retry preset %q", name)
		}
		c.Retry.Preset = name
		return nil
	}
}

// WithQueueDBPath overrides the durable queue's SQLite path.
func WithQueueDBPath(path string) Option {
	return func(c *Config) error {
		c.Queue.DBPath = path
		return nil
	}
}

// WithMaxConcurrent overrides the queue's concurrency bound.
func WithMaxConcurrent(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("max concurrent must be at least 1")
		}
		c.Queue.MaxConcurrent = n
		return nil
	}
}

// redacted is the safe stand-in for any secret field in String()/YAML output.
const redacted = "***REDACTED***"

// String renders the config with ClientSecret redacted, matching the
// logger's header redaction (spec §4.3).
func (c Config) String() string {
	c.Auth.ClientSecret = redacted
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config marshal error: %v>", err)
	}
	return string(data)
}

// MarshalYAML implements yaml.Marshaler so ClientSecret is redacted
// whenever a Config value is serialized, not just via String().
func (c Config) MarshalYAML() (interface{}, error) {
	type alias Config
	a := alias(c)
	a.Auth.ClientSecret = redacted
	return a, nil
}
