package inferbatch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ineyio/inferbatch/ratelimit"
)

// DefaultConcurrency bounds in-flight requests when Concurrency is unset.
const DefaultConcurrency = 100

// Config is the top-level batch configuration.
type Config struct {
	DefaultModel      string         `yaml:"default_model"`
	Concurrency       int            `yaml:"concurrency"`
	TokenSafetyMargin int64          `yaml:"token_safety_margin"`
	MinSpacing        time.Duration  `yaml:"min_spacing"`
	Temperature       *float64       `yaml:"temperature"`
	MaxTokens         *int           `yaml:"max_tokens"`
	Timeout           time.Duration  `yaml:"timeout"`
	Provider          ProviderConfig `yaml:"provider"`
	Models            []ModelConfig  `yaml:"models"`
}

// ProviderConfig selects and configures the transport.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Auth    Auth   `yaml:"auth"`
}

// ModelConfig holds the quota and pricing of one model.
// A model with both quotas zero runs without a limiter.
type ModelConfig struct {
	Name              string  `yaml:"name"`
	RequestsPerMinute int64   `yaml:"requests_per_minute"`
	TokensPerMinute   int64   `yaml:"tokens_per_minute"`
	InputTokenCost    float64 `yaml:"input_token_cost"`
	OutputTokenCost   float64 `yaml:"output_token_cost"`
}

// Limited reports whether the model has request and token quotas.
func (m ModelConfig) Limited() bool {
	return m.RequestsPerMinute > 0 && m.TokensPerMinute > 0
}

// Quota returns the limiter quota for the model.
func (m ModelConfig) Quota(minSpacing time.Duration) ratelimit.Quota {
	return ratelimit.Quota{
		RequestsPerMinute: m.RequestsPerMinute,
		TokensPerMinute:   m.TokensPerMinute,
		MinSpacing:        minSpacing,
	}
}

// Pricing returns the per-token costs for the model.
func (m ModelConfig) Pricing() Pricing {
	return Pricing{InputTokenCost: m.InputTokenCost, OutputTokenCost: m.OutputTokenCost}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("inferbatch: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, expanding ${VAR} references.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("inferbatch: parse config: %w", err)
	}

	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must not be negative", ErrInvalidConfig)
	}
	if c.TokenSafetyMargin < 0 {
		return fmt.Errorf("%w: token_safety_margin must not be negative", ErrInvalidConfig)
	}
	if c.MinSpacing < 0 {
		return fmt.Errorf("%w: min_spacing must not be negative", ErrInvalidConfig)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidConfig)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("%w: at least one model is required", ErrInvalidConfig)
	}

	names := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("%w: models[%d]: name is required", ErrInvalidConfig, i)
		}
		if names[m.Name] {
			return fmt.Errorf("%w: duplicate model %q", ErrInvalidConfig, m.Name)
		}
		names[m.Name] = true

		if m.RequestsPerMinute < 0 || m.TokensPerMinute < 0 {
			return fmt.Errorf("%w: models[%d] (%s): quotas must not be negative", ErrInvalidConfig, i, m.Name)
		}
		if (m.RequestsPerMinute == 0) != (m.TokensPerMinute == 0) {
			return fmt.Errorf("%w: models[%d] (%s): requests_per_minute and tokens_per_minute must be set together",
				ErrInvalidConfig, i, m.Name)
		}
		if m.InputTokenCost < 0 || m.OutputTokenCost < 0 {
			return fmt.Errorf("%w: models[%d] (%s): token costs must not be negative", ErrInvalidConfig, i, m.Name)
		}
	}

	if c.DefaultModel != "" && !names[c.DefaultModel] {
		return fmt.Errorf("%w: default_model %q is not configured", ErrInvalidConfig, c.DefaultModel)
	}

	return nil
}

// Model returns the configuration of the named model.
func (c Config) Model(name string) (ModelConfig, error) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, nil
		}
	}
	return ModelConfig{}, fmt.Errorf("%w: %q", ErrModelNotFound, name)
}
