// Package config handles YAML configuration for Warden.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Config is the root configuration structure.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	AWS        AWSConfig        `yaml:"aws"`
	OTEL       OTELConfig       `yaml:"otel"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Journal    JournalConfig    `yaml:"journal"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the bbolt data directory.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ServerConfig holds the ops HTTP server settings. Empty Addr disables it.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ComplianceConfig points at the compliance template directory.
type ComplianceConfig struct {
	TemplatesDir string `yaml:"templates_dir"`
}

// JournalConfig holds scan journal settings. Empty Dir disables it.
type JournalConfig struct {
	Dir          string        `yaml:"dir"`
	RetentionStr string        `yaml:"retention"`
	Retention    time.Duration `yaml:"-"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseRetention(cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseRetention(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverBolt
	}
	if cfg.Store.Driver == DriverBolt && cfg.Store.Path == "" {
		cfg.Store.Path = "./data"
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "warden"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Journal.RetentionStr == "" {
		cfg.Journal.RetentionStr = "168h"
	}
}

func parseRetention(cfg *Config) error {
	d, err := time.ParseDuration(cfg.Journal.RetentionStr)
	if err != nil {
		return fmt.Errorf("parse journal retention %q: %w", cfg.Journal.RetentionStr, err)
	}
	cfg.Journal.Retention = d
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store: path required for driver %s", DriverBolt)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store: dsn required for driver %s", DriverPostgres)
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
