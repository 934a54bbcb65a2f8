package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. RELAY_STORAGE_DSN.
const EnvPrefix = "RELAY"

// Load reads a YAML file (optional when path is empty), substitutes ${VAR}
// references, applies RELAY_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		content := substituteEnvVars(string(data))
		if err := v.ReadConfig(bytes.NewBufferString(content)); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// the file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	runtime := func(prefix string, r RuntimeConfig) {
		v.SetDefault(prefix+".url", r.URL)
		v.SetDefault(prefix+".username", r.Username)
		v.SetDefault(prefix+".password", r.Password)
		v.SetDefault(prefix+".request_timeout", r.RequestTimeout)
		v.SetDefault(prefix+".rate_limit_per_sec", r.RateLimitPerSec)
		v.SetDefault(prefix+".rate_limit_burst", r.RateLimitBurst)
		v.SetDefault(prefix+".circuit_breaker", r.CircuitBreaker)
		v.SetDefault(prefix+".failure_threshold", r.FailureThreshold)
		v.SetDefault(prefix+".reset_timeout", r.ResetTimeout)
		v.SetDefault(prefix+".enable_http2", r.EnableHTTP2)
		v.SetDefault(prefix+".max_idle_conns", r.MaxIdleConns)
	}

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("logging.output_paths", d.Logging.OutputPaths)

	runtime("source_runtime", d.SourceRuntime)
	runtime("sink_runtime", d.SinkRuntime)

	v.SetDefault("polling.interval", d.Polling.Interval)
	v.SetDefault("polling.max_interval", d.Polling.MaxInterval)
	v.SetDefault("polling.multiplier", d.Polling.Multiplier)
	v.SetDefault("polling.deadline", d.Polling.Deadline)
	v.SetDefault("polling.max_consecutive_timeouts", d.Polling.MaxConsecutiveTimeouts)
	v.SetDefault("polling.status_timeout", d.Polling.StatusTimeout)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.randomize_factor", d.Retry.RandomizeFactor)

	v.SetDefault("naming.topic_prefix", d.Naming.TopicPrefix)
	v.SetDefault("naming.placeholder", d.Naming.Placeholder)
	v.SetDefault("naming.max_length", d.Naming.MaxLength)

	v.SetDefault("streams.pre_create", d.Streams.PreCreate)
	v.SetDefault("streams.brokers", d.Streams.Brokers)
	v.SetDefault("streams.partitions", d.Streams.Partitions)
	v.SetDefault("streams.replication_factor", d.Streams.ReplicationFactor)
	v.SetDefault("streams.kafka_version", d.Streams.KafkaVersion)

	v.SetDefault("bulk_load.batch_size", d.BulkLoad.BatchSize)
	v.SetDefault("bulk_load.compression", d.BulkLoad.Compression)
	v.SetDefault("bulk_load.timeout", d.BulkLoad.Timeout)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("storage.max_conns", d.Storage.MaxConns)
	v.SetDefault("storage.auto_migrate", d.Storage.AutoMigrate)

	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)
	v.SetDefault("api.shutdown_timeout", d.API.ShutdownTimeout)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
