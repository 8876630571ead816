package config

import (
	"fmt"
	"runtime"
)

// Chunking presets. Token counts per chunk / overlap tokens.
const (
	ChunkingPrecise       = "precise"       // 256 / 50
	ChunkingBalanced      = "balanced"      // 384 / 75 (default)
	ChunkingComprehensive = "comprehensive" // 512 / 100
)

// IngestionConfig configures the ingestion worker.
//
// Example YAML:
//
//	ingestion:
//	  chunking_strategy: balanced
//	  parser_timeout: 20m
//	  max_concurrent_ingests: 4
//	  max_concurrent_embed_batches: 4
//	  ocr:
//	    url: http://localhost:8884/ocr
type IngestionConfig struct {
	// ChunkingStrategy is one of "precise", "balanced", "comprehensive".
	ChunkingStrategy string `yaml:"chunking_strategy,omitempty"`

	// MaxChunkTokens overrides the preset chunk size.
	MaxChunkTokens int `yaml:"max_chunk_tokens,omitempty"`

	// OverlapTokens overrides the preset overlap.
	OverlapTokens int `yaml:"overlap_tokens,omitempty"`

	// TokenizerModel selects the tiktoken encoding used for token counting.
	TokenizerModel string `yaml:"tokenizer_model,omitempty"`

	// ParserTimeout is the hard timeout per parser invocation.
	// Default: 20m
	ParserTimeout Duration `yaml:"parser_timeout,omitempty"`

	// MaxConcurrentIngests limits parallel document ingests.
	// Default: NumCPU-1, floor 1.
	MaxConcurrentIngests int `yaml:"max_concurrent_ingests,omitempty"`

	// MaxConcurrentEmbedBatches bounds parallel embedding calls per ingest.
	// Default: 4
	MaxConcurrentEmbedBatches int `yaml:"max_concurrent_embed_batches,omitempty"`

	// EmbedBatchSize is the number of chunk texts per embedding request.
	// Default: 64
	EmbedBatchSize int `yaml:"embed_batch_size,omitempty"`

	// EmbedTimeout is the per-batch embedding call timeout. Default: 60s
	EmbedTimeout Duration `yaml:"embed_timeout,omitempty"`

	// OCR configures the external OCR service used by the ocr parser.
	OCR *OCRConfig `yaml:"ocr,omitempty"`

	// Retry configures retries for embedding and index writes.
	Retry *RetryConfig `yaml:"retry,omitempty"`
}

// OCRConfig holds the contract for the external OCR collaborator.
type OCRConfig struct {
	// URL is the OCR service endpoint.
	URL string `yaml:"url"`

	// APIKey for authenticated access.
	APIKey string `yaml:"api_key,omitempty"`

	// Timeout per OCR request. Default: 5m
	Timeout Duration `yaml:"timeout,omitempty"`
}

// ChunkPreset returns the (max tokens, overlap tokens) pair for the
// configured strategy, honoring explicit overrides.
func (c *IngestionConfig) ChunkPreset() (int, int) {
	maxTokens, overlap := 384, 75
	switch c.ChunkingStrategy {
	case ChunkingPrecise:
		maxTokens, overlap = 256, 50
	case ChunkingComprehensive:
		maxTokens, overlap = 512, 100
	}
	if c.MaxChunkTokens > 0 {
		maxTokens = c.MaxChunkTokens
	}
	if c.OverlapTokens > 0 {
		overlap = c.OverlapTokens
	}
	return maxTokens, overlap
}

// SetDefaults applies default values.
func (c *IngestionConfig) SetDefaults() {
	if c.ChunkingStrategy == "" {
		c.ChunkingStrategy = ChunkingBalanced
	}
	if c.TokenizerModel == "" {
		c.TokenizerModel = "cl100k_base"
	}
	if c.ParserTimeout <= 0 {
		c.ParserTimeout = Duration(20 * 60 * 1_000_000_000) // 20m
	}
	if c.MaxConcurrentIngests <= 0 {
		c.MaxConcurrentIngests = runtime.NumCPU() - 1
		if c.MaxConcurrentIngests < 1 {
			c.MaxConcurrentIngests = 1
		}
	}
	if c.MaxConcurrentEmbedBatches <= 0 {
		c.MaxConcurrentEmbedBatches = 4
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 64
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = Duration(60_000_000_000) // 60s
	}
	if c.OCR != nil && c.OCR.Timeout <= 0 {
		c.OCR.Timeout = Duration(5 * 60 * 1_000_000_000) // 5m
	}
	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	c.Retry.SetDefaults()
}

// Validate checks the configuration for errors.
func (c *IngestionConfig) Validate() error {
	switch c.ChunkingStrategy {
	case ChunkingPrecise, ChunkingBalanced, ChunkingComprehensive:
	default:
		return fmt.Errorf("invalid chunking_strategy %q (valid: precise, balanced, comprehensive)", c.ChunkingStrategy)
	}
	maxTokens, overlap := c.ChunkPreset()
	if overlap >= maxTokens {
		return fmt.Errorf("overlap_tokens (%d) must be less than max_chunk_tokens (%d)", overlap, maxTokens)
	}
	if c.EmbedBatchSize < 1 {
		return fmt.Errorf("embed_batch_size must be positive")
	}
	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
	}
	return nil
}
