// Package config holds all configuration types and loading logic for dispatchq.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a dispatchq process.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Settings     SettingsConfig     `yaml:"settings"`
	Consent      ConsentConfig      `yaml:"consent"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Webhooks     []WebhookEndpoint  `yaml:"webhooks"`
	DeadLetter   DeadLetterConfig   `yaml:"dead_letter"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host" env:"DISPATCHQ_HOST"`
	Port int    `yaml:"port" env:"DISPATCHQ_PORT"`
	// ShutdownTimeout bounds the graceful drain of HTTP connections.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects where module data and the dispatch queue live.
type StorageConfig struct {
	DataDir string `yaml:"data_dir" env:"DISPATCHQ_DATA_DIR"`
	// InMemory skips the database file entirely. Nothing survives a restart.
	InMemory bool   `yaml:"in_memory" env:"DISPATCHQ_IN_MEMORY"`
	FileName string `yaml:"file_name"`
	// SweepInterval is how often timed-out data store values are removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// InstanceID pins the instance id. "auto" generates and persists one.
	InstanceID string `yaml:"instance_id"`
}

// PipelineConfig tunes the dispatch loop.
type PipelineConfig struct {
	// MaxInFlight caps dispatches handed to one dispatcher and not yet
	// completed.
	MaxInFlight    int           `yaml:"max_in_flight"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	IOWorkers      int           `yaml:"io_workers"`
	RetryInitial   time.Duration `yaml:"retry_initial"`
	RetryMax       time.Duration `yaml:"retry_max"`
}

// SettingsConfig names the settings document sources. The remote document
// overrides the local file; settings enforced by modules override both.
type SettingsConfig struct {
	LocalFile string `yaml:"local_file" env:"DISPATCHQ_SETTINGS_FILE"`
	RemoteURL string `yaml:"remote_url" env:"DISPATCHQ_SETTINGS_URL"`
}

// ConsentConfig enables consent handling with a programmatic CMP whose
// decision is set through the consent endpoint.
type ConsentConfig struct {
	Enabled bool   `yaml:"enabled"`
	CmpID   string `yaml:"cmp_id"`
	// Purposes is the catalogue of purposes the CMP may grant.
	Purposes []string `yaml:"purposes"`
}

// ConnectivityConfig drives the connectivity barrier.
type ConnectivityConfig struct {
	// ProbeAddress is dialed periodically; empty means always connected.
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// WebhookEndpoint enforces one webhook dispatcher.
type WebhookEndpoint struct {
	ID            string            `yaml:"id"`
	URL           string            `yaml:"url"`
	Secret        string            `yaml:"secret"`
	DispatchLimit int               `yaml:"dispatch_limit"`
	TimeoutMs     int               `yaml:"timeout_ms"`
	Headers       map[string]string `yaml:"headers"`
}

// DeadLetterConfig controls how long dispatches that a dispatcher dropped
// are kept for inspection and replay.
type DeadLetterConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Retention        time.Duration `yaml:"retention"`
	MaxPerDispatcher int           `yaml:"max_per_dispatcher"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key" env:"DISPATCHQ_API_KEY"`
}

// RateLimitConfig bounds ingress per client IP.
type RateLimitConfig struct {
	// MaxRate is requests per second per client.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"DISPATCHQ_TRACING"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error. The settings document's
	// core.log_level takes over once settings are loaded.
	Level  string `yaml:"level" env:"DISPATCHQ_LOG_LEVEL"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:       "./data",
			FileName:      "dispatchq.db",
			SweepInterval: time.Minute,
			InstanceID:    "auto",
		},
		Pipeline: PipelineConfig{
			MaxInFlight:    50,
			SessionTimeout: 5 * time.Minute,
			IOWorkers:      4,
			RetryInitial:   500 * time.Millisecond,
			RetryMax:       time.Minute,
		},
		Consent: ConsentConfig{
			CmpID: "static",
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 30 * time.Second,
		},
		Webhooks: []WebhookEndpoint{},
		DeadLetter: DeadLetterConfig{
			Enabled:          true,
			Retention:        7 * 24 * time.Hour,
			MaxPerDispatcher: 1_000,
		},
		RateLimit: RateLimitConfig{
			MaxRate: 1_000,
			Burst:   5_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			ServiceName: "dispatchq",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run dispatchq with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	DISPATCHQ_API_KEY       sets auth.api_key and enables auth
//	DISPATCHQ_DATA_DIR      sets storage.data_dir
//	DISPATCHQ_IN_MEMORY     sets storage.in_memory
//	DISPATCHQ_HOST          sets server.host
//	DISPATCHQ_PORT          sets server.port
//	DISPATCHQ_LOG_LEVEL     sets log.level
//	DISPATCHQ_SETTINGS_FILE sets settings.local_file
//	DISPATCHQ_SETTINGS_URL  sets settings.remote_url
//	DISPATCHQ_TRACING       sets tracing.enabled
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg. Unset
// variables leave the field untouched.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	if _, ok := os.LookupEnv("DISPATCHQ_API_KEY"); ok && cfg.Auth.APIKey != "" {
		cfg.Auth.Enabled = true
	}
	return nil
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return errors.New("storage.data_dir must not be empty")
	}
	if c.Pipeline.MaxInFlight < 1 {
		return errors.New("pipeline.max_in_flight must be at least 1")
	}
	if c.Pipeline.IOWorkers < 1 {
		return errors.New("pipeline.io_workers must be at least 1")
	}
	if c.Pipeline.RetryInitial <= 0 || c.Pipeline.RetryMax < c.Pipeline.RetryInitial {
		return errors.New("pipeline.retry_max must be at least pipeline.retry_initial, which must be positive")
	}
	if c.DeadLetter.Enabled && (c.DeadLetter.Retention <= 0 || c.DeadLetter.MaxPerDispatcher < 1) {
		return errors.New("dead_letter.retention and dead_letter.max_per_dispatcher must be positive")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.RateLimit.MaxRate < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must be >= 0")
	}
	if c.Consent.Enabled && c.Consent.CmpID == "" {
		return errors.New("consent.cmp_id must be set when consent is enabled")
	}
	seen := make(map[string]struct{}, len(c.Webhooks))
	for i, w := range c.Webhooks {
		if w.ID == "" || w.URL == "" {
			return fmt.Errorf("webhooks[%d]: id and url are required", i)
		}
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("webhooks[%d]: duplicate id %q", i, w.ID)
		}
		seen[w.ID] = struct{}{}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be "json" or "text"`)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
