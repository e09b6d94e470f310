// Package config holds all configuration options for the dispatch service.
// It supports the same three-layer configuration priority the teacher
// framework uses:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority, used mainly by tests)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting named in spec §6 plus the ambient settings
// this expansion adds (logging, telemetry, reaper cadence, input bounds).
type Config struct {
	APIHost string `json:"api_host" env:"API_HOST" default:"0.0.0.0"`
	APIPort int    `json:"api_port" env:"API_PORT" default:"8080"`
	APIKey  string `json:"-" env:"API_KEY"`

	StoreURL  string `json:"store_url" env:"STORE_URL" default:"redis://localhost:6379/0"`
	BrokerURL string `json:"broker_url" env:"BROKER_URL" default:"redis://localhost:6379/1"`

	WorkerConcurrency  int      `json:"worker_concurrency" env:"WORKER_CONCURRENCY" default:"4"`
	WorkerQueues       []string `json:"worker_queues" env:"WORKER_QUEUES" default:"gpu_heavy,gpu_medium,cpu_intensive,default"`
	WorkerRecycleAfter int      `json:"worker_recycle_after" env:"WORKER_RECYCLE_AFTER" default:"10"`
	WorkerMemCeilingMB int      `json:"worker_mem_ceiling_mb" env:"WORKER_MEM_CEILING_MB" default:"2048"`

	TaskTTLSeconds int `json:"task_ttl_seconds" env:"TASK_TTL_SECONDS" default:"86400"`
	MaxInputBytes  int `json:"max_input_bytes" env:"MAX_INPUT_BYTES" default:"262144"`

	WebhookTimeoutSeconds int `json:"webhook_timeout_seconds" env:"WEBHOOK_TIMEOUT_SECONDS" default:"30"`
	WebhookMaxAttempts    int `json:"webhook_max_attempts" env:"WEBHOOK_MAX_ATTEMPTS" default:"4"`
	WebhookConcurrency    int `json:"webhook_concurrency" env:"WEBHOOK_CONCURRENCY" default:"8"`

	ReaperIntervalSeconds int     `json:"reaper_interval_seconds" env:"REAPER_INTERVAL_SECONDS" default:"30"`
	StalenessMultiplier   float64 `json:"staleness_multiplier" env:"STALENESS_MULTIPLIER" default:"2.0"`

	LogLevel  string `json:"log_level" env:"LOG_LEVEL" default:"info"`
	LogFormat string `json:"log_format" env:"LOG_FORMAT" default:"json"`

	OTelEndpoint string `json:"otel_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`

	HTTP HTTPConfig `json:"http"`
}

// HTTPConfig carries net/http.Server timeouts, mirroring the teacher's
// HTTPConfig in shape and defaults.
type HTTPConfig struct {
	ReadTimeout       time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"30s"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"HTTP_READ_HEADER_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// Option mutates a Config after defaults and environment variables have
// been applied. Tests use these to override individual fields without
// touching the process environment.
type Option func(*Config)

// Load builds a Config from defaults, then environment variables, then the
// supplied options, in that priority order.
func Load(opts ...Option) (*Config, error) {
	cfg := defaultConfig()
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		APIHost:               "0.0.0.0",
		APIPort:               8080,
		StoreURL:              "redis://localhost:6379/0",
		BrokerURL:             "redis://localhost:6379/1",
		WorkerConcurrency:     4,
		WorkerQueues:          []string{"gpu_heavy", "gpu_medium", "cpu_intensive", "default"},
		WorkerRecycleAfter:    10,
		WorkerMemCeilingMB:    2048,
		TaskTTLSeconds:        86400,
		MaxInputBytes:         262144,
		WebhookTimeoutSeconds: 30,
		WebhookMaxAttempts:    4,
		WebhookConcurrency:    8,
		ReaperIntervalSeconds: 30,
		StalenessMultiplier:   2.0,
		LogLevel:              "info",
		LogFormat:             "json",
		HTTP: HTTPConfig{
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
	}
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("API_HOST"); v != "" {
		c.APIHost = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid API_PORT %q: %w", v, err)
		}
		c.APIPort = p
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("STORE_URL"); v != "" {
		c.StoreURL = v
	}
	if v := os.Getenv("BROKER_URL"); v != "" {
		c.BrokerURL = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_CONCURRENCY %q: %w", v, err)
		}
		c.WorkerConcurrency = n
	}
	if v := os.Getenv("WORKER_QUEUES"); v != "" {
		c.WorkerQueues = splitCSV(v)
	}
	if v := os.Getenv("WORKER_RECYCLE_AFTER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_RECYCLE_AFTER %q: %w", v, err)
		}
		c.WorkerRecycleAfter = n
	}
	if v := os.Getenv("WORKER_MEM_CEILING_MB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_MEM_CEILING_MB %q: %w", v, err)
		}
		c.WorkerMemCeilingMB = n
	}
	if v := os.Getenv("TASK_TTL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TASK_TTL_SECONDS %q: %w", v, err)
		}
		c.TaskTTLSeconds = n
	}
	if v := os.Getenv("MAX_INPUT_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_INPUT_BYTES %q: %w", v, err)
		}
		c.MaxInputBytes = n
	}
	if v := os.Getenv("WEBHOOK_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WEBHOOK_TIMEOUT_SECONDS %q: %w", v, err)
		}
		c.WebhookTimeoutSeconds = n
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WEBHOOK_MAX_ATTEMPTS %q: %w", v, err)
		}
		c.WebhookMaxAttempts = n
	}
	if v := os.Getenv("WEBHOOK_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WEBHOOK_CONCURRENCY %q: %w", v, err)
		}
		c.WebhookConcurrency = n
	}
	if v := os.Getenv("REAPER_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REAPER_INTERVAL_SECONDS %q: %w", v, err)
		}
		c.ReaperIntervalSeconds = n
	}
	if v := os.Getenv("STALENESS_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid STALENESS_MULTIPLIER %q: %w", v, err)
		}
		c.StalenessMultiplier = f
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTelEndpoint = v
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if len(c.WorkerQueues) == 0 {
		return fmt.Errorf("WORKER_QUEUES must name at least one queue")
	}
	return nil
}

// WithAPIKey overrides the API key; used by tests to avoid depending on the
// process environment.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithStoreURL overrides the store URL.
func WithStoreURL(url string) Option {
	return func(c *Config) { c.StoreURL = url }
}

// WithBrokerURL overrides the broker URL.
func WithBrokerURL(url string) Option {
	return func(c *Config) { c.BrokerURL = url }
}

// WithWorkerQueues overrides the worker's configured queue set.
func WithWorkerQueues(queues []string) Option {
	return func(c *Config) { c.WorkerQueues = queues }
}
