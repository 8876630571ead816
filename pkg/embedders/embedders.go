// Package embedders turns text into dense vectors via an external
// embedding provider. Two adapters are included: an OpenAI-compatible
// HTTP API and a local Ollama instance.
package embedders

import (
	"context"
	"fmt"

	"github.com/quarrydocs/quarry/pkg/config"
)

// Provider computes embeddings. Implementations must return vectors of
// a fixed dimension and preserve input order in EmbedBatch.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
	Close() error
}

// New builds the configured embedding provider.
func New(cfg *config.EmbedderConfig) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAI(cfg)
	case "ollama":
		return NewOllama(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", cfg.Type)
	}
}
