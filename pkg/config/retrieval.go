package config

import "fmt"

// RetrievalConfig configures the retrieval worker.
//
// Example YAML:
//
//	retrieval:
//	  top_k: 6
//	  search_mode: hybrid
//	  semantic_weight: 0.7
//	  use_mmr: true
//	  mmr_lambda: 0.7
//	  max_context_tokens: 6000
//	  rerank:
//	    url: http://localhost:8787/rerank
type RetrievalConfig struct {
	// TopK is the default number of chunks returned after reranking.
	TopK int `yaml:"top_k,omitempty"`

	// SearchMode is "semantic", "keyword" or "hybrid".
	SearchMode string `yaml:"search_mode,omitempty"`

	// SemanticWeight is the dense-score weight in hybrid fusion [0,1].
	// The lexical weight is 1 - SemanticWeight.
	SemanticWeight float64 `yaml:"semantic_weight,omitempty"`

	// UseMMR enables maximal marginal relevance diversification.
	UseMMR *bool `yaml:"use_mmr,omitempty"`

	// MMRLambda balances relevance against novelty in MMR selection.
	MMRLambda float64 `yaml:"mmr_lambda,omitempty"`

	// MaxContextTokens bounds the assembled generation context.
	MaxContextTokens int `yaml:"max_context_tokens,omitempty"`

	// SearchTimeout is the per-search-call timeout. Default: 15s
	SearchTimeout Duration `yaml:"search_timeout,omitempty"`

	// RerankTimeout is the reranker call timeout. Default: 10s
	RerankTimeout Duration `yaml:"rerank_timeout,omitempty"`

	// GenerateTimeout is the generator call timeout. Default: 60s
	GenerateTimeout Duration `yaml:"generate_timeout,omitempty"`

	// Rerank configures the external cross-encoder service. Nil disables
	// reranking (fused order is used directly).
	Rerank *RerankConfig `yaml:"rerank,omitempty"`

	// Retry configures retries for downstream calls.
	Retry *RetryConfig `yaml:"retry,omitempty"`
}

// RerankConfig holds the contract for the external cross-encoder collaborator.
type RerankConfig struct {
	// URL is the rerank service endpoint.
	URL string `yaml:"url"`

	// Model is the cross-encoder model name forwarded to the service.
	Model string `yaml:"model,omitempty"`

	// APIKey for authenticated access.
	APIKey string `yaml:"api_key,omitempty"`
}

// SetDefaults applies default values.
func (c *RetrievalConfig) SetDefaults() {
	if c.TopK <= 0 {
		c.TopK = 6
	}
	if c.SearchMode == "" {
		c.SearchMode = "hybrid"
	}
	if c.SemanticWeight <= 0 {
		c.SemanticWeight = 0.7
	}
	if c.UseMMR == nil {
		c.UseMMR = BoolPtr(true)
	}
	if c.MMRLambda <= 0 {
		c.MMRLambda = 0.7
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 6000
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = Duration(15_000_000_000)
	}
	if c.RerankTimeout <= 0 {
		c.RerankTimeout = Duration(10_000_000_000)
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = Duration(60_000_000_000)
	}
	if c.Retry == nil {
		c.Retry = &RetryConfig{MaxAttempts: 3}
	}
	c.Retry.SetDefaults()
}

// Validate checks the configuration for errors.
func (c *RetrievalConfig) Validate() error {
	switch c.SearchMode {
	case "semantic", "keyword", "hybrid":
	default:
		return fmt.Errorf("invalid search_mode %q (valid: semantic, keyword, hybrid)", c.SearchMode)
	}
	if c.SemanticWeight < 0 || c.SemanticWeight > 1 {
		return fmt.Errorf("semantic_weight must be between 0 and 1")
	}
	if c.MMRLambda < 0 || c.MMRLambda > 1 {
		return fmt.Errorf("mmr_lambda must be between 0 and 1")
	}
	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
	}
	return nil
}
