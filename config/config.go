// Package config defines the daemon configuration: NATS connection, batch
// pipeline tuning, scheduler granularity and optional SMTP settings for the
// email output plugin. Configuration loads from a JSON file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/output/email"
)

// NATSConfig holds connection settings for the persistence backend.
type NATSConfig struct {
	URL             string `json:"url"`
	Name            string `json:"name,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	MaxReconnects   int    `json:"max_reconnects,omitempty"`
}

// PipelineConfig tunes result batching and plugin processing.
type PipelineConfig struct {
	MaxBatchSize         int   `json:"max_batch_size,omitempty"`
	FlushIntervalSeconds int   `json:"flush_interval_seconds,omitempty"`
	BatchWorkers         int   `json:"batch_workers,omitempty"`
	BatchQueueSize       int   `json:"batch_queue_size,omitempty"`
}

// FlushInterval returns the staleness threshold as a duration.
func (p PipelineConfig) FlushInterval() time.Duration {
	return time.Duration(p.FlushIntervalSeconds) * time.Second
}

// CronConfig tunes the scheduler and lifetime enforcer.
type CronConfig struct {
	TickSeconds int `json:"tick_seconds,omitempty"`
}

// Tick returns the scheduling granularity as a duration.
func (c CronConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port,omitempty"`
}

// Config is the complete daemon configuration.
type Config struct {
	NATS     NATSConfig        `json:"nats"`
	Pipeline PipelineConfig    `json:"pipeline"`
	Cron     CronConfig        `json:"cron"`
	Metrics  MetricsConfig     `json:"metrics"`
	SMTP     *email.SMTPConfig `json:"smtp,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "grr",
			MaxReconnects: -1,
		},
		Pipeline: PipelineConfig{
			MaxBatchSize:         100,
			FlushIntervalSeconds: 30,
			BatchWorkers:         4,
			BatchQueueSize:       256,
		},
		Cron:    CronConfig{TickSeconds: 60},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
	}
}

// Load reads the file, fills unset fields from defaults, applies
// environment overrides and validates the result. An empty path loads
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-specific values from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("GRR_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("GRR_NATS_CREDS"); v != "" {
		c.NATS.CredentialsFile = v
	}
	if v := os.Getenv("GRR_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
}

// fillDefaults replaces zero values left by partial config files.
func (c *Config) fillDefaults() {
	def := Default()
	if c.NATS.URL == "" {
		c.NATS.URL = def.NATS.URL
	}
	if c.NATS.Name == "" {
		c.NATS.Name = def.NATS.Name
	}
	if c.Pipeline.MaxBatchSize == 0 {
		c.Pipeline.MaxBatchSize = def.Pipeline.MaxBatchSize
	}
	if c.Pipeline.FlushIntervalSeconds == 0 {
		c.Pipeline.FlushIntervalSeconds = def.Pipeline.FlushIntervalSeconds
	}
	if c.Pipeline.BatchWorkers == 0 {
		c.Pipeline.BatchWorkers = def.Pipeline.BatchWorkers
	}
	if c.Pipeline.BatchQueueSize == 0 {
		c.Pipeline.BatchQueueSize = def.Pipeline.BatchQueueSize
	}
	if c.Cron.TickSeconds == 0 {
		c.Cron.TickSeconds = def.Cron.TickSeconds
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = def.Metrics.Port
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats url is required")
	}
	if c.Pipeline.MaxBatchSize < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("max_batch_size must be positive, got %d", c.Pipeline.MaxBatchSize))
	}
	if c.Pipeline.BatchWorkers < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("batch_workers must be positive, got %d", c.Pipeline.BatchWorkers))
	}
	if c.Cron.TickSeconds < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("cron tick_seconds must be positive, got %d", c.Cron.TickSeconds))
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("metrics port out of range: %d", c.Metrics.Port))
	}
	if c.SMTP != nil {
		if err := c.SMTP.Validate(); err != nil {
			return err
		}
	}
	return nil
}
