// SPDX-License-Identifier: MIT

// Package config loads the coordinatord process configuration. Only
// cmd/coordinatord ever calls this package — the core (coordstore,
// segmentlead, nodelock, directory) receives its dependencies by
// constructor argument and never reads configuration itself.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the strict YAML shape read from disk, trimmed to what
// this module's entry point needs.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	LogLevel string         `yaml:"logLevel,omitempty"`
	Instance InstanceConfig `yaml:"instance,omitempty"`
	Admin    AdminConfig    `yaml:"admin,omitempty"`
	Tracing  TracingConfig  `yaml:"tracing,omitempty"`
}

// StoreConfig selects and configures the coordstore.Session backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // "redis" or "badger"
	Addr       string `yaml:"addr,omitempty"`
	Password   string `yaml:"password,omitempty"`
	DB         int    `yaml:"db,omitempty"`
	BadgerDir  string `yaml:"badgerDir,omitempty"`
	DefaultTTL string `yaml:"defaultTTL,omitempty"` // e.g. "90s"
}

// InstanceConfig overrides identity detection.
type InstanceConfig struct {
	Host string `yaml:"host,omitempty"`
}

// AdminConfig configures the admin/ops HTTP surface.
type AdminConfig struct {
	Addr            string `yaml:"addr,omitempty"`
	RateLimitRPS    int    `yaml:"rateLimitRPS,omitempty"`
	RateLimitWindow string `yaml:"rateLimitWindow,omitempty"` // e.g. "1m"
}

// TracingConfig points at an OTLP collector. Empty Endpoint disables
// exporting: spans are still created against the ambient global
// TracerProvider, which defaults to a no-op.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Backend:    "redis",
			Addr:       "127.0.0.1:6379",
			DefaultTTL: "90s",
		},
		LogLevel: "info",
		Admin: AdminConfig{
			Addr:            ":8090",
			RateLimitRPS:    20,
			RateLimitWindow: "1m",
		},
	}
}

// Load reads path with strict YAML parsing (unknown fields are
// rejected), applies env overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if err := dec.Decode(new(struct{})); err != io.EOF {
			return cfg, fmt.Errorf("config: %s contains multiple documents or trailing content", path)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COORDINATORD_STORE_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("COORDINATORD_STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("COORDINATORD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("COORDINATORD_INSTANCE_HOST"); v != "" {
		cfg.Instance.Host = v
	}
}

func validate(cfg Config) error {
	switch strings.ToLower(cfg.Store.Backend) {
	case "redis", "badger":
	default:
		return fmt.Errorf("config: store.backend must be \"redis\" or \"badger\", got %q", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "redis" && cfg.Store.Addr == "" {
		return fmt.Errorf("config: store.addr is required for the redis backend")
	}
	if _, err := cfg.DefaultTTL(); err != nil {
		return fmt.Errorf("config: store.defaultTTL: %w", err)
	}
	return nil
}

// DefaultTTL parses Store.DefaultTTL, falling back to 90s if unset.
func (c Config) DefaultTTL() (time.Duration, error) {
	if c.Store.DefaultTTL == "" {
		return 90 * time.Second, nil
	}
	return time.ParseDuration(c.Store.DefaultTTL)
}

// RateLimitWindow parses Admin.RateLimitWindow, falling back to 1m.
func (c Config) RateLimitWindow() (time.Duration, error) {
	if c.Admin.RateLimitWindow == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(c.Admin.RateLimitWindow)
}
