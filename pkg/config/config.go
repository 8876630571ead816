// Package config defines the typed configuration for every quarry subsystem.
//
// Each subsystem owns a small struct of typed fields with documented
// defaults; there is no runtime-typed option passing. Structs implement
// SetDefaults and Validate, and the root Config wires them together.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a quarry process.
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`
	Ingestion IngestionConfig `yaml:"ingestion,omitempty"`
	Retrieval RetrievalConfig `yaml:"retrieval,omitempty"`
	Embedder  EmbedderConfig  `yaml:"embedder,omitempty"`
	Generator GeneratorConfig `yaml:"generator,omitempty"`
}

// SetDefaults applies default values to all subsystems.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Storage.SetDefaults()
	c.Ingestion.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Embedder.SetDefaults()
	c.Generator.SetDefaults()
}

// Validate checks all subsystem configurations.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Ingestion.Validate(); err != nil {
		return fmt.Errorf("ingestion: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.Generator.Validate(); err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	return nil
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Load reads a YAML config file, expands environment references, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return cfg, nil
}
