// Package config loads the service configuration from a YAML file.
// Environment variables in ${VAR} form are expanded before parsing.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level accounting service configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Accounting AccountingConfig `yaml:"accounting"`
}

// DatabaseConfig selects the backing database.
type DatabaseConfig struct {
	// DSN is either a postgres URL/keyword DSN or a sqlite file path.
	DSN string `yaml:"dsn"`
}

// LoggingConfig controls log level and file rotation. An empty File logs to
// stderr only.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AccountingConfig carries startup overrides for tunables that are otherwise
// read from the settings table.
type AccountingConfig struct {
	ReservationTTLMinutes       int   `yaml:"reservation_ttl_minutes"`
	SweepIntervalSeconds        int   `yaml:"sweep_interval_seconds"`
	StorageCapBytes             int64 `yaml:"storage_cap_bytes"`
	StorageUsageCacheTTLSeconds int   `yaml:"storage_usage_cache_ttl_seconds"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.Accounting.ReservationTTLMinutes < 0 {
		return fmt.Errorf("config: accounting.reservation_ttl_minutes must not be negative")
	}
	if c.Accounting.SweepIntervalSeconds < 0 {
		return fmt.Errorf("config: accounting.sweep_interval_seconds must not be negative")
	}
	if c.Accounting.StorageCapBytes < 0 {
		return fmt.Errorf("config: accounting.storage_cap_bytes must not be negative")
	}
	return nil
}
