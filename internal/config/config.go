// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration from an optional YAML file
// with environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Addr is the TCP address the HTTP server listens on.
	Addr string `yaml:"addr"`

	// DatabasePath is the SQLite database file (":memory:" for ephemeral).
	DatabasePath string `yaml:"database_path"`

	// RequestTimeout is the per-request deadline enforced at the transport
	// boundary.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OrphanSweepAge is how stale a RUNNING execution must be before the
	// startup sweep fails it. Zero sweeps everything non-terminal.
	OrphanSweepAge time.Duration `yaml:"orphan_sweep_age"`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat is the log output format (json, text).
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Addr:            "127.0.0.1:8080",
		DatabasePath:    "maestro.db",
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		OrphanSweepAge:  0,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load reads the configuration file at path (optional; "" or a missing file
// yields the defaults) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies MAESTRO_* environment variables on top of the
// file values.
func (c *Config) applyEnvOverrides() {
	if val := os.Getenv("MAESTRO_ADDR"); val != "" {
		c.Addr = val
	}
	if val := os.Getenv("MAESTRO_DB"); val != "" {
		c.DatabasePath = val
	}
	if val := os.Getenv("MAESTRO_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.RequestTimeout = d
		}
	}
	if val := os.Getenv("MAESTRO_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("MAESTRO_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.LogFormat = val
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if c.OrphanSweepAge < 0 {
		return fmt.Errorf("orphan_sweep_age must not be negative")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	return nil
}
