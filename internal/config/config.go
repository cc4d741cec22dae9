// Package config holds the orchestration engine's configuration snapshot
// and the provider interface the Engine consumes it through.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the per-Start configuration snapshot, loaded from YAML.
type Config struct {
	MaxParallel    int    `yaml:"max_parallel"`
	MaxRetries     int    `yaml:"max_retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // 0 disables per-agent timeout
	APIKeyEnvVar   string `yaml:"api_key_env_var"`

	BootstrapTemplate string   `yaml:"bootstrap_template"` // path, empty = default template
	CodexArgs         []string `yaml:"codex_args"`
	CodexCommand      string   `yaml:"codex_command"` // space-splittable override

	RateLimitBackoffBaseMs     int64 `yaml:"rate_limit_backoff_base_ms"`
	RateLimitBackoffMaxMs      int64 `yaml:"rate_limit_backoff_max_ms"`
	RateLimitMaxRetries        int   `yaml:"rate_limit_max_retries"`
	RateLimitAdaptiveParallel  bool  `yaml:"rate_limit_adaptive_parallel"`
	RateLimitParallelFloor     int   `yaml:"rate_limit_parallel_floor"`
	RateLimitCooldownMs        int64 `yaml:"rate_limit_cooldown_ms"`
	LaunchBudgetPerMinute      int   `yaml:"rate_limit_launch_budget_per_minute"`
	LaunchBudgetWindowMs       int64 `yaml:"rate_limit_launch_budget_window_ms"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds the logging settings loaded from YAML. The kse CLI
// does not read them: it initializes internal/logging from its --verbose
// flag.
type LoggingConfig struct {
	DebugMode  bool   `yaml:"debug_mode"`
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
}

// DefaultConfig returns the engine's default configuration, mirroring the
// teacher's DefaultConfig() pattern in internal/config/config.go.
func DefaultConfig() *Config {
	return &Config{
		MaxParallel:    4,
		MaxRetries:     3,
		TimeoutSeconds: 1800,
		APIKeyEnvVar:   "CODEX_API_KEY",

		CodexCommand: "codex",

		RateLimitBackoffBaseMs:    1000,
		RateLimitBackoffMaxMs:     60000,
		RateLimitMaxRetries:       5,
		RateLimitAdaptiveParallel: true,
		RateLimitParallelFloor:    1,
		RateLimitCooldownMs:       30000,
		LaunchBudgetPerMinute:     0, // 0 = disabled
		LaunchBudgetWindowMs:      60000,

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// RateLimitBackoffBase returns the configured base backoff as a Duration.
func (c *Config) RateLimitBackoffBase() time.Duration {
	return time.Duration(c.RateLimitBackoffBaseMs) * time.Millisecond
}

// RateLimitBackoffMax returns the configured max backoff as a Duration.
func (c *Config) RateLimitBackoffMax() time.Duration {
	return time.Duration(c.RateLimitBackoffMaxMs) * time.Millisecond
}

// RateLimitCooldown returns the adaptive-parallel recovery cooldown.
func (c *Config) RateLimitCooldown() time.Duration {
	return time.Duration(c.RateLimitCooldownMs) * time.Millisecond
}

// LaunchBudgetWindow returns the rolling launch-budget window.
func (c *Config) LaunchBudgetWindow() time.Duration {
	return time.Duration(c.LaunchBudgetWindowMs) * time.Millisecond
}

// Timeout returns the per-agent timeout, or 0 if disabled.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Provider supplies a Config snapshot to the Engine. Implementations may
// read from disk, environment, or a remote store; the Engine only
// depends on this interface.
type Provider interface {
	GetConfig(ctx context.Context) (*Config, error)
}

// FileProvider loads Config from a YAML file on disk, falling back to
// DefaultConfig() when the file does not exist.
type FileProvider struct {
	Path string
}

// NewFileProvider returns a Provider that reads YAML config from path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{Path: path}
}

// GetConfig implements Provider.
func (p *FileProvider) GetConfig(_ context.Context) (*Config, error) {
	cfg := DefaultConfig()
	if p.Path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", p.Path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", p.Path, err)
	}
	return cfg, nil
}

// StaticProvider returns a fixed Config, useful for tests and for callers
// that already have a Config value in hand.
type StaticProvider struct {
	Config *Config
}

// GetConfig implements Provider.
func (p *StaticProvider) GetConfig(_ context.Context) (*Config, error) {
	return p.Config, nil
}
