// Package config defines scrapesched's on-disk configuration and a
// loader that overlays it on top of sane defaults: Default() plus
// Parse/Load start from the defaults and overlay whatever the YAML
// file sets, so a missing or partial config file still produces a
// runnable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the scheduler process.
type Config struct {
	// Server configures the management HTTP API.
	Server ServerConfig `yaml:"server"`

	// Database configures the embedded SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Scheduler configures the scheduling engine's own timing knobs.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Log configures structured logging output.
	Log LogConfig `yaml:"log"`
}

// ServerConfig configures the HTTP management surface.
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080".
	Address string `yaml:"address"`
}

// DatabaseConfig configures the embedded relational store.
type DatabaseConfig struct {
	// Path is the SQLite database file path (default "./data/scrapesched.db").
	Path string `yaml:"path"`
}

// SchedulerConfig configures the scheduling engine.
type SchedulerConfig struct {
	// CleanupCron is the cron expression for the nightly old-run sweep
	// (default "0 2 * * *").
	CleanupCron string `yaml:"cleanup_cron"`

	// ShutdownTimeout bounds how long Stop waits for in-flight runs.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the out-of-the-box configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":8080",
		},
		Database: DatabaseConfig{
			Path: "./data/scrapesched.db",
		},
		Scheduler: SchedulerConfig{
			CleanupCron:     "0 2 * * *",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Parse overlays YAML bytes onto Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config yaml: %w", err)
	}
	return cfg, nil
}

// Load reads and parses the config file at path. A missing file is not
// an error; Default() is returned unchanged, so the process can run
// with zero configuration on first start.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return Parse(data)
}
