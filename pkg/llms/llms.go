// Package llms wraps the answer-synthesis LLM providers behind one
// Generator interface. Adapters exist for the OpenAI chat completions
// API and the Anthropic messages API.
package llms

import (
	"context"
	"fmt"

	"github.com/quarrydocs/quarry/pkg/config"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// Options tune a single generation call. Zero values fall back to the
// provider defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Generator produces a completion for a sequence of messages.
type Generator interface {
	Generate(ctx context.Context, messages []Message, opts Options) (string, error)
	ModelName() string
	Close() error
}

// New builds the configured generator.
func New(cfg *config.GeneratorConfig) (Generator, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAI(cfg)
	case "anthropic":
		return NewAnthropic(cfg)
	default:
		return nil, fmt.Errorf("unsupported generator type: %s", cfg.Type)
	}
}

// System and user helpers keep call sites terse.
func System(content string) Message { return Message{Role: "system", Content: content} }
func User(content string) Message   { return Message{Role: "user", Content: content} }
