// Package config provides the unified configuration for relay.
// It defines a single Config structure that every component reads its
// section from, ensuring consistent defaults across the CLI and the API server.
//
// The configuration is organized into logical sections:
//   - SourceRuntime / SinkRuntime: connector runtime control planes
//   - Polling / Retry: how lifecycle calls wait and back off
//   - Naming / Streams: stream identifiers and pre-creation policy
//   - Storage / API: persistence and the HTTP surface
//   - Logging / Metrics / Tracing: observability
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.SourceRuntime.URL = "http://connect:8083"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ajitpratap0/relay/pkg/logger"
)

// Config is the root configuration document.
type Config struct {
	Logging       logger.Config  `mapstructure:"logging" yaml:"logging"`
	SourceRuntime RuntimeConfig  `mapstructure:"source_runtime" yaml:"source_runtime"`
	SinkRuntime   RuntimeConfig  `mapstructure:"sink_runtime" yaml:"sink_runtime"`
	Polling       PollingConfig  `mapstructure:"polling" yaml:"polling"`
	Retry         RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Naming        NamingConfig   `mapstructure:"naming" yaml:"naming"`
	Streams       StreamsConfig  `mapstructure:"streams" yaml:"streams"`
	BulkLoad      BulkLoadConfig `mapstructure:"bulk_load" yaml:"bulk_load"`
	Storage       StorageConfig  `mapstructure:"storage" yaml:"storage"`
	API           APIConfig      `mapstructure:"api" yaml:"api"`
	Metrics       MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Tracing       TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

// RuntimeConfig describes one connector runtime control plane.
type RuntimeConfig struct {
	// URL is the base address of the control plane, e.g. http://connect:8083
	URL      string `mapstructure:"url" yaml:"url"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	// RequestTimeout bounds every individual HTTP call
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// RateLimitPerSec limits calls per second (0 = unlimited)
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
	// CircuitBreaker enables the breaker around the control plane
	CircuitBreaker   bool          `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	EnableHTTP2      bool          `mapstructure:"enable_http2" yaml:"enable_http2"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
}

// PollingConfig controls the status poll loop that follows every mutating call.
type PollingConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	// Deadline is the overall budget of one poll loop
	Deadline time.Duration `mapstructure:"deadline" yaml:"deadline"`
	// MaxConsecutiveTimeouts fails the loop once this many polls in a row time out
	MaxConsecutiveTimeouts int `mapstructure:"max_consecutive_timeouts" yaml:"max_consecutive_timeouts"`
	// StatusTimeout bounds a status read issued by status()
	StatusTimeout time.Duration `mapstructure:"status_timeout" yaml:"status_timeout"`
}

// RetryConfig controls retries of transient control-plane failures.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay    time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	RandomizeFactor float64       `mapstructure:"randomize_factor" yaml:"randomize_factor"`
}

// NamingConfig controls stream and connector identifiers.
type NamingConfig struct {
	// TopicPrefix is joined with the pipeline's short id to form the stream prefix
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	// Placeholder replaces characters outside the allowed set
	Placeholder string `mapstructure:"placeholder" yaml:"placeholder"`
	MaxLength   int    `mapstructure:"max_length" yaml:"max_length"`
}

// StreamsConfig is the stream pre-creation policy.
type StreamsConfig struct {
	PreCreate         bool     `mapstructure:"pre_create" yaml:"pre_create"`
	Brokers           []string `mapstructure:"brokers" yaml:"brokers"`
	Partitions        int32    `mapstructure:"partitions" yaml:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor" yaml:"replication_factor"`
	KafkaVersion      string   `mapstructure:"kafka_version" yaml:"kafka_version"`
}

// BulkLoadConfig tunes the full-load copy.
type BulkLoadConfig struct {
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	// Compression applies to object-store targets: none or zstd
	Compression string        `mapstructure:"compression" yaml:"compression"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is memory or postgres
	Driver   string `mapstructure:"driver" yaml:"driver"`
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
	// AutoMigrate applies embedded migrations on startup
	AutoMigrate bool `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`
}

// Default returns a Config with production-ready values.
func Default() *Config {
	runtime := func(u string) RuntimeConfig {
		return RuntimeConfig{
			URL:              u,
			RequestTimeout:   10 * time.Second,
			RateLimitPerSec:  20,
			RateLimitBurst:   5,
			CircuitBreaker:   true,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			EnableHTTP2:      false,
			MaxIdleConns:     16,
		}
	}
	return &Config{
		Logging:       logger.Config{Level: "info", Encoding: "json"},
		SourceRuntime: runtime("http://localhost:8083"),
		SinkRuntime:   runtime("http://localhost:8084"),
		Polling: PollingConfig{
			Interval:               time.Second,
			MaxInterval:            5 * time.Second,
			Multiplier:             1.5,
			Deadline:               60 * time.Second,
			MaxConsecutiveTimeouts: 3,
			StatusTimeout:          5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialDelay:    500 * time.Millisecond,
			MaxDelay:        10 * time.Second,
			Multiplier:      2.0,
			RandomizeFactor: 0.1,
		},
		Naming: NamingConfig{
			TopicPrefix: "relay",
			Placeholder: "_",
			MaxLength:   249,
		},
		Streams: StreamsConfig{
			PreCreate:         false,
			Partitions:        1,
			ReplicationFactor: 1,
			KafkaVersion:      "3.6.0",
		},
		BulkLoad: BulkLoadConfig{
			BatchSize:   5000,
			Compression: "zstd",
			Timeout:     6 * time.Hour,
		},
		Storage: StorageConfig{
			Driver:      "memory",
			MaxConns:    10,
			AutoMigrate: true,
		},
		API: APIConfig{
			Listen:          ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Tracing: TracingConfig{Enabled: false, ServiceName: "relay", SamplingRate: 0.1},
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if err := c.SourceRuntime.validate("source_runtime"); err != nil {
		return err
	}
	if err := c.SinkRuntime.validate("sink_runtime"); err != nil {
		return err
	}
	p := c.Polling
	if p.Interval <= 0 || p.Deadline <= 0 {
		return fmt.Errorf("polling.interval and polling.deadline must be positive")
	}
	if p.MaxInterval < p.Interval {
		return fmt.Errorf("polling.max_interval must be >= polling.interval")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("polling.multiplier must be >= 1")
	}
	if p.MaxConsecutiveTimeouts <= 0 {
		return fmt.Errorf("polling.max_consecutive_timeouts must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.RandomizeFactor < 0 || c.Retry.RandomizeFactor > 1 {
		return fmt.Errorf("retry.randomize_factor must be between 0 and 1")
	}
	if len(c.Naming.Placeholder) != 1 {
		return fmt.Errorf("naming.placeholder must be a single character")
	}
	if c.Naming.MaxLength <= 0 {
		return fmt.Errorf("naming.max_length must be positive")
	}
	if c.Streams.PreCreate && len(c.Streams.Brokers) == 0 {
		return fmt.Errorf("streams.brokers is required when streams.pre_create is set")
	}
	switch c.BulkLoad.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("bulk_load.compression %q is not supported", c.BulkLoad.Compression)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1")
	}
	return nil
}

func (r *RuntimeConfig) validate(section string) error {
	if r.URL == "" {
		return fmt.Errorf("%s.url is required", section)
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s.url %q is not an absolute URL", section, r.URL)
	}
	if r.RequestTimeout <= 0 {
		return fmt.Errorf("%s.request_timeout must be positive", section)
	}
	if r.RateLimitPerSec < 0 {
		return fmt.Errorf("%s.rate_limit_per_sec cannot be negative", section)
	}
	return nil
}

// IsRateLimited returns true if rate limiting is enabled
func (r *RuntimeConfig) IsRateLimited() bool {
	return r.RateLimitPerSec > 0
}
