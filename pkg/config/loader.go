package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges and validates configuration from path. A
// missing file is not an error — the defaults apply, and the secret must
// then come from the MAESTRO_STATE_SECRET environment variable.
func Initialize(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Warn("Config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			fileCfg, err := parse(ExpandEnv(data))
			if err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			// File values win over defaults.
			if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge config: %w", err)
			}
			slog.Info("Loaded configuration", "path", path)
		}
	}

	if cfg.SignedStateSecret == "" {
		cfg.SignedStateSecret = os.Getenv("MAESTRO_STATE_SECRET")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parse decodes YAML strictly: unknown keys are rejected so a typo in
// the file fails fast instead of silently falling back to a default.
func parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
