// Package config loads and validates the flat runtime configuration.
// The file is YAML with {{.ENV_VAR}} expansion; unknown keys are
// rejected at load. The resulting Config is immutable after Initialize.
package config

import (
	"fmt"
	"time"
)

// Config is the complete runtime configuration. All durations are
// expressed in milliseconds in the file and surfaced as time.Duration
// via accessor methods.
type Config struct {
	HeartbeatIntervalMS  int   `yaml:"heartbeat_interval_ms"`
	IdleTimeoutMS        int   `yaml:"idle_timeout_ms"`
	OutboundLogSize      int   `yaml:"outbound_log_size"`
	SolverConcurrency    int   `yaml:"solver_concurrency"`
	RequirePlanConfirm   *bool `yaml:"require_plan_confirm"`
	PlanConfirmTimeoutMS int   `yaml:"plan_confirm_timeout_ms"`
	ToolConfirmTimeoutMS int   `yaml:"tool_confirm_timeout_ms"`
	LLMTimeoutMS         int   `yaml:"llm_timeout_ms"`
	ToolTimeoutMS        int   `yaml:"tool_timeout_ms"`

	MaxSteps   int `yaml:"max_steps"`
	MaxObserve int `yaml:"max_observe"`

	Retry RetryConfig `yaml:"retry"`
	LLM   LLMConfig   `yaml:"llm"`

	// SignedStateSecret authenticates exported session state blobs.
	// Required — state export/restore refuses to run without it.
	SignedStateSecret string `yaml:"signed_state_secret"`
}

// RetryConfig holds the default retry profile knobs.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         float64 `yaml:"jitter"`
}

// LLMConfig selects the LLM provider for the built-in OpenAI-compatible
// client. APIKeyEnv names the environment variable holding the key so
// the secret itself never appears in the file.
type LLMConfig struct {
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// Defaults returns the built-in configuration. File values are merged on
// top of this.
func Defaults() *Config {
	confirm := true
	return &Config{
		HeartbeatIntervalMS:  30_000,
		IdleTimeoutMS:        150_000,
		OutboundLogSize:      512,
		SolverConcurrency:    5,
		RequirePlanConfirm:   &confirm,
		PlanConfirmTimeoutMS: 600_000,
		ToolConfirmTimeoutMS: 300_000,
		LLMTimeoutMS:         30_000,
		ToolTimeoutMS:        30_000,
		MaxSteps:             10,
		MaxObserve:           2000,
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMS: 1000,
			MaxDelayMS:     60_000,
			Multiplier:     2,
			Jitter:         0.1,
		},
		LLM: LLMConfig{
			Model:     "gpt-4o",
			APIKeyEnv: "OPENAI_API_KEY",
		},
	}
}

// Validate checks invariants that the defaults alone cannot guarantee.
func (c *Config) Validate() error {
	if c.SignedStateSecret == "" {
		return fmt.Errorf("signed_state_secret is required")
	}
	if c.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("heartbeat_interval_ms must be positive, got %d", c.HeartbeatIntervalMS)
	}
	if c.IdleTimeoutMS < c.HeartbeatIntervalMS {
		return fmt.Errorf("idle_timeout_ms (%d) must be at least heartbeat_interval_ms (%d)",
			c.IdleTimeoutMS, c.HeartbeatIntervalMS)
	}
	if c.OutboundLogSize < 1 {
		return fmt.Errorf("outbound_log_size must be at least 1, got %d", c.OutboundLogSize)
	}
	if c.SolverConcurrency < 1 {
		return fmt.Errorf("solver_concurrency must be at least 1, got %d", c.SolverConcurrency)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1), got %v", c.Retry.Jitter)
	}
	return nil
}

// --- Duration accessors ---

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c *Config) PlanConfirmTimeout() time.Duration {
	return time.Duration(c.PlanConfirmTimeoutMS) * time.Millisecond
}

func (c *Config) ToolConfirmTimeout() time.Duration {
	return time.Duration(c.ToolConfirmTimeoutMS) * time.Millisecond
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutMS) * time.Millisecond
}

func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMS) * time.Millisecond
}

// PlanConfirmRequired reports whether the plan confirmation stage runs.
func (c *Config) PlanConfirmRequired() bool {
	return c.RequirePlanConfirm == nil || *c.RequirePlanConfirm
}
