package config

import "fmt"

// EmbedderConfig configures an embedding provider.
//
// Example YAML:
//
//	embedder:
//	  type: openai
//	  model: text-embedding-3-small
//	  api_key: ${OPENAI_API_KEY}
type EmbedderConfig struct {
	// Type is the provider type: "openai" or "ollama".
	Type string `yaml:"type,omitempty"`

	// Model is the embedding model name.
	Model string `yaml:"model,omitempty"`

	// Host overrides the provider base URL.
	Host string `yaml:"host,omitempty"`

	// APIKey for authenticated access.
	APIKey string `yaml:"api_key,omitempty"`

	// Dimension of the produced vectors. Inferred from model when 0.
	Dimension int `yaml:"dimension,omitempty"`

	// BatchSize is the provider-side max inputs per request. Default: 100
	BatchSize int `yaml:"batch_size,omitempty"`

	// Timeout per request. Default: 60s
	Timeout Duration `yaml:"timeout,omitempty"`

	// MaxRetries for transient provider errors. Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// SetDefaults applies default values.
func (c *EmbedderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "ollama":
			c.Model = "nomic-embed-text"
		default:
			c.Model = "text-embedding-3-small"
		}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = Duration(60_000_000_000)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	c.APIKey = expandEnvVars(c.APIKey)
}

// Validate checks the configuration for errors.
func (c *EmbedderConfig) Validate() error {
	switch c.Type {
	case "openai":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for openai embedder")
		}
	case "ollama":
	default:
		return fmt.Errorf("invalid embedder type %q (valid: openai, ollama)", c.Type)
	}
	return nil
}

// GeneratorConfig configures the answer-synthesis LLM provider.
//
// Example YAML:
//
//	generator:
//	  type: anthropic
//	  model: claude-sonnet-4-20250514
//	  api_key: ${ANTHROPIC_API_KEY}
type GeneratorConfig struct {
	// Type is the provider type: "openai" or "anthropic".
	Type string `yaml:"type,omitempty"`

	// Model is the generation model name.
	Model string `yaml:"model,omitempty"`

	// Host overrides the provider base URL.
	Host string `yaml:"host,omitempty"`

	// APIKey for authenticated access.
	APIKey string `yaml:"api_key,omitempty"`

	// Temperature is the default sampling temperature.
	Temperature float64 `yaml:"temperature,omitempty"`

	// MaxTokens is the default completion budget.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout per request. Default: 60s
	Timeout Duration `yaml:"timeout,omitempty"`

	// MaxRetries for transient provider errors. Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// SetDefaults applies default values.
func (c *GeneratorConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "anthropic":
			c.Model = "claude-3-5-haiku-latest"
		default:
			c.Model = "gpt-4o-mini"
		}
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.Timeout <= 0 {
		c.Timeout = Duration(60_000_000_000)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	c.APIKey = expandEnvVars(c.APIKey)
}

// Validate checks the configuration for errors.
func (c *GeneratorConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid generator type %q (valid: openai, anthropic)", c.Type)
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required for %s generator", c.Type)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}
