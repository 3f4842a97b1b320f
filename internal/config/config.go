// Package config loads Sluice's runtime configuration from environment
// variables (with an optional .env file for local development), the same
// way the teacher's WebSocket server loads its configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every option spec.md §6 recognizes. Anything not listed
// here is not honored by the core.
type Config struct {
	BindHost string `env:"SLUICE_BIND_HOST" envDefault:"0.0.0.0"`
	BindPort int    `env:"SLUICE_BIND_PORT" envDefault:"7050"`
	DataDir  string `env:"SLUICE_DATA_DIR" envDefault:"./data"`

	MaxBatchSize       int `env:"SLUICE_MAX_BATCH_SIZE" envDefault:"512"`
	MaxBatchLingerMs   int `env:"SLUICE_MAX_BATCH_LINGER_MS" envDefault:"2"`
	WriteQueueCapacity int `env:"SLUICE_WRITE_QUEUE_CAPACITY" envDefault:"4096"`
	ReadPoolSize       int `env:"SLUICE_READ_POOL_SIZE" envDefault:"8"`
	ShutdownGraceMs    int `env:"SLUICE_SHUTDOWN_GRACE_MS" envDefault:"5000"`

	MaxPayloadBytes int `env:"SLUICE_MAX_PAYLOAD_BYTES" envDefault:"1048576"`
	MaxAttributes   int `env:"SLUICE_MAX_ATTRIBUTES" envDefault:"64"`
	MaxAttrKVBytes  int `env:"SLUICE_MAX_ATTR_KV_BYTES" envDefault:"1024"`
	MaxTopicNameLen int `env:"SLUICE_MAX_TOPIC_NAME_LEN" envDefault:"255"`
	ReadChunkSize   int `env:"SLUICE_READ_CHUNK_SIZE" envDefault:"64"`
	CreditCap       int `env:"SLUICE_CREDIT_CAP" envDefault:"2147483647"`

	// TLS is optional; when Cert/Key are both empty the listener is plaintext.
	TLSCert     string `env:"SLUICE_TLS_CERT" envDefault:""`
	TLSKey      string `env:"SLUICE_TLS_KEY" envDefault:""`
	TLSClientCA string `env:"SLUICE_TLS_CLIENT_CA" envDefault:""`

	MetricsAddr string `env:"SLUICE_METRICS_ADDR" envDefault:":9090"`

	// Admission control (ambient; see internal/resourceguard).
	MaxSubscribesPerSec float64 `env:"SLUICE_MAX_SUBSCRIBES_PER_SEC" envDefault:"50"`
	CPURejectThreshold  float64 `env:"SLUICE_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	ResourceSampleEvery time.Duration `env:"SLUICE_RESOURCE_SAMPLE_INTERVAL" envDefault:"5s"`

	LogLevel  string `env:"SLUICE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SLUICE_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: environment variables > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally-inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("SLUICE_BIND_PORT must be 1-65535, got %d", c.BindPort)
	}
	if c.DataDir == "" {
		return fmt.Errorf("SLUICE_DATA_DIR is required")
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("SLUICE_MAX_BATCH_SIZE must be > 0, got %d", c.MaxBatchSize)
	}
	if c.WriteQueueCapacity < 1 {
		return fmt.Errorf("SLUICE_WRITE_QUEUE_CAPACITY must be > 0, got %d", c.WriteQueueCapacity)
	}
	if c.ReadPoolSize < 1 {
		return fmt.Errorf("SLUICE_READ_POOL_SIZE must be > 0, got %d", c.ReadPoolSize)
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("SLUICE_MAX_PAYLOAD_BYTES must be >= 0, got %d", c.MaxPayloadBytes)
	}
	if c.MaxTopicNameLen < 1 {
		return fmt.Errorf("SLUICE_MAX_TOPIC_NAME_LEN must be > 0, got %d", c.MaxTopicNameLen)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("SLUICE_TLS_CERT and SLUICE_TLS_KEY must be set together")
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("SLUICE_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("SLUICE_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("SLUICE_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}

	return nil
}

// BatchLinger returns MaxBatchLingerMs as a time.Duration.
func (c *Config) BatchLinger() time.Duration {
	return time.Duration(c.MaxBatchLingerMs) * time.Millisecond
}

// ShutdownGrace returns ShutdownGraceMs as a time.Duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

// Addr returns the host:port the transport should bind.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.BindPort)
}

// TLSEnabled reports whether a TLS cert/key pair was configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// LogConfig emits the loaded configuration as a structured log line,
// mirroring the teacher's LogConfig (Loki-friendly fields, no secrets).
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("bind_addr", c.Addr()).
		Str("data_dir", c.DataDir).
		Int("max_batch_size", c.MaxBatchSize).
		Int("max_batch_linger_ms", c.MaxBatchLingerMs).
		Int("write_queue_capacity", c.WriteQueueCapacity).
		Int("read_pool_size", c.ReadPoolSize).
		Int("shutdown_grace_ms", c.ShutdownGraceMs).
		Bool("tls_enabled", c.TLSEnabled()).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("sluice configuration loaded")
}
