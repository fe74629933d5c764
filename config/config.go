// Package config provides configuration loading and management for docpipe.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/docpipe/llm"
)

// Config represents the complete docpipe configuration
type Config struct {
	NATS      NATSConfig                `yaml:"nats"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Retry     RetryConfig               `yaml:"retry"`
	Log       LogConfig                 `yaml:"log"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	WorkDir   string                    `yaml:"work_dir"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = in-memory stores, no persistence)
	URL string `yaml:"url"`
}

// ProviderConfig configures one LLM provider backend
type ProviderConfig struct {
	// APIKey authenticates the provider; supports ${ENV_VAR} expansion
	APIKey string `yaml:"api_key"`
	// Endpoint overrides the provider's default base URL
	Endpoint string `yaml:"endpoint"`
	// Enabled controls whether the provider can be selected
	Enabled bool `yaml:"enabled"`
}

// RetryConfig configures the retry policy for provider calls
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LogConfig configures structured logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is "text" or "json"
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	rc := llm.DefaultRetryConfig()
	return &Config{
		NATS: NATSConfig{URL: ""},
		Providers: map[string]ProviderConfig{
			string(llm.KindClaudeCode): {Enabled: true},
		},
		Retry: RetryConfig{
			MaxRetries:        rc.MaxRetries,
			InitialDelay:      rc.InitialDelay,
			MaxDelay:          rc.MaxDelay,
			BackoffMultiplier: rc.BackoffMultiplier,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{Addr: ""},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	for name := range c.Providers {
		if _, err := llm.ParseKind(name); err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.expandEnv()

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	for name, pc := range other.Providers {
		if c.Providers == nil {
			c.Providers = make(map[string]ProviderConfig)
		}
		c.Providers[name] = pc
	}
	if other.Retry.MaxRetries != 0 {
		c.Retry.MaxRetries = other.Retry.MaxRetries
	}
	if other.Retry.InitialDelay != 0 {
		c.Retry.InitialDelay = other.Retry.InitialDelay
	}
	if other.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = other.Retry.MaxDelay
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
	if other.WorkDir != "" {
		c.WorkDir = other.WorkDir
	}
}

// RetryPolicy converts the retry section to the llm package's config.
func (c *Config) RetryPolicy() llm.RetryConfig {
	rc := llm.DefaultRetryConfig()
	rc.MaxRetries = c.Retry.MaxRetries
	if c.Retry.InitialDelay > 0 {
		rc.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.MaxDelay > 0 {
		rc.MaxDelay = c.Retry.MaxDelay
	}
	if c.Retry.BackoffMultiplier >= 1 {
		rc.BackoffMultiplier = c.Retry.BackoffMultiplier
	}
	return rc
}

// ProviderSettings converts a provider section to llm.Settings.
func (c *Config) ProviderSettings(kind llm.Kind) llm.Settings {
	pc, ok := c.Providers[string(kind)]
	if !ok {
		return llm.Settings{Kind: kind}
	}
	return llm.Settings{
		Kind:     kind,
		APIKey:   pc.APIKey,
		Endpoint: pc.Endpoint,
		Enabled:  pc.Enabled,
	}
}

// expandEnv resolves ${VAR} references in API keys so secrets can stay out
// of config files.
func (c *Config) expandEnv() {
	for name, pc := range c.Providers {
		pc.APIKey = os.ExpandEnv(pc.APIKey)
		c.Providers[name] = pc
	}
}
