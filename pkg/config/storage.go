package config

import "fmt"

// StorageConfig configures the document store and its on-disk layout.
//
// Example YAML:
//
//	storage:
//	  backend: local
//	  data_dir: .quarry
//	  text_index: quarry_text
//	  images_index: quarry_images
//	  qdrant:
//	    host: qdrant.example.com
//	    port: 6334
//	    api_key: ${QDRANT_API_KEY}
type StorageConfig struct {
	// Backend is the store variant: "qdrant" (cloud) or "local" (chromem + bleve).
	Backend string `yaml:"backend,omitempty"`

	// DataDir is the root directory for local state (registry, blobs, indices).
	DataDir string `yaml:"data_dir,omitempty"`

	// TextIndex is the index name for text chunks.
	TextIndex string `yaml:"text_index,omitempty"`

	// ImagesIndex is the index name for image OCR records.
	ImagesIndex string `yaml:"images_index,omitempty"`

	// Qdrant configures the cloud backend.
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`

	// Compress enables gzip compression for local vector persistence.
	Compress bool `yaml:"compress,omitempty"`

	// Retry configures retries for transient backend failures.
	Retry *RetryConfig `yaml:"retry,omitempty"`
}

// QdrantConfig holds connection settings for a Qdrant cluster.
type QdrantConfig struct {
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	EnableTLS *bool  `yaml:"enable_tls,omitempty"`
}

// SetDefaults applies default values.
func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "local"
	}
	if c.DataDir == "" {
		c.DataDir = ".quarry"
	}
	if c.TextIndex == "" {
		c.TextIndex = "quarry_text"
	}
	if c.ImagesIndex == "" {
		c.ImagesIndex = "quarry_images"
	}
	if c.Qdrant != nil && c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	c.Retry.SetDefaults()
}

// Validate checks the configuration for errors.
func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case "local":
	case "qdrant":
		if c.Qdrant == nil || c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant.host is required for qdrant backend")
		}
	default:
		return fmt.Errorf("invalid storage backend %q (valid: local, qdrant)", c.Backend)
	}
	if c.TextIndex == c.ImagesIndex {
		return fmt.Errorf("text_index and images_index must differ")
	}
	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
	}
	return nil
}

// RetryConfig configures retry behavior for transient failures.
//
// Uses exponential backoff with jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// BaseDelay is the initial delay between retries.
	// Each subsequent retry doubles this value.
	// Default: 500ms
	BaseDelay Duration `yaml:"base_delay,omitempty"`

	// MaxDelay is the maximum delay between retries.
	// Default: 30s
	MaxDelay Duration `yaml:"max_delay,omitempty"`

	// Jitter adds randomness to delays to prevent thundering herd.
	// Value between 0.0 and 1.0. Default: 0.2
	Jitter float64 `yaml:"jitter,omitempty"`
}

// SetDefaults applies default values.
func (c *RetryConfig) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = Duration(500_000_000) // 500ms
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = Duration(30_000_000_000) // 30s
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
}

// Validate checks the configuration for errors.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base_delay must be non-negative")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("max_delay must be non-negative")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1")
	}
	return nil
}
