package ingest

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with the tokenizer of a given model.
// Encodings are cached process-wide; initialisation is expensive.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

// NewTokenCounter creates a counter for the model, falling back to
// cl100k_base for models tiktoken does not know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingMu.RLock()
	cached, ok := encodingCache[model]
	encodingMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	encodingMu.Lock()
	encodingCache[model] = encoding
	encodingMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// Encode returns the token ids for text.
func (tc *TokenCounter) Encode(text string) []int {
	return tc.encoding.Encode(text, nil, nil)
}

// Decode turns token ids back into text.
func (tc *TokenCounter) Decode(tokens []int) string {
	return tc.encoding.Decode(tokens)
}

// Model returns the model this counter tokenizes for.
func (tc *TokenCounter) Model() string {
	return tc.model
}
