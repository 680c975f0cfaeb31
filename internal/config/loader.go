package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RTMUX_TRANSPORT_URL.
const EnvPrefix = "RTMUX_"

// Load reads a YAML config file, expands ${VAR} references and applies
// RTMUX_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a config from RTMUX_* variables alone, for running without
// a file.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays set variables onto each section. Unset variables leave
// the YAML values alone.
func (c *Config) applyEnv() error {
	sections := []struct {
		prefix string
		target any
	}{
		{"INSTANCE_", &c.Instance},
		{"TRANSPORT_", &c.Transport},
		{"CHANNELS_", &c.Channels},
		{"RETRY_", &c.Retry},
		{"LOG_", &c.Logging},
		{"METRICS_", &c.Metrics},
		{"AUDIT_", &c.Audit},
	}

	for _, s := range sections {
		opts := env.Options{Prefix: EnvPrefix + s.prefix}
		if err := env.ParseWithOptions(s.target, opts); err != nil {
			return fmt.Errorf("parse env %s*: %w", opts.Prefix, err)
		}
	}
	return nil
}
