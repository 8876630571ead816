package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarrydocs/quarry/pkg/llms"
)

const maxSubQuestions = 5

const decomposePrompt = `Break the question below into focused sub-questions that together cover everything needed to answer it. Emit between 1 and 5 sub-questions.

Question: %s

Respond with a JSON array of strings, ordered from most to least important:
["sub-question one", "sub-question two"]

Only include the JSON array, no other text.`

// Decomposer asks the generator to split a complex question into
// independently retrievable sub-questions.
type Decomposer struct {
	gen llms.Generator
}

// NewDecomposer creates a decomposer on top of the generator.
func NewDecomposer(gen llms.Generator) *Decomposer {
	return &Decomposer{gen: gen}
}

// Decompose returns 1-5 sub-questions for the input. The caller is
// expected to fall back to the original question when this fails.
func (d *Decomposer) Decompose(ctx context.Context, question string) ([]string, error) {
	response, err := d.gen.Generate(ctx, []llms.Message{
		llms.User(fmt.Sprintf(decomposePrompt, question)),
	}, llms.Options{Temperature: 0})
	if err != nil {
		return nil, fmt.Errorf("decomposition failed: %w", err)
	}
	return parseSubQuestions(response)
}

// parseSubQuestions extracts the JSON array from the response, tolerating
// prose or code fences around it.
func parseSubQuestions(response string) ([]string, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end == -1 || start >= end {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	var raw []string
	if err := json.Unmarshal([]byte(response[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse sub-questions: %w", err)
	}

	questions := make([]string, 0, len(raw))
	for _, q := range raw {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		questions = append(questions, q)
		if len(questions) == maxSubQuestions {
			break
		}
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("decomposition produced no sub-questions")
	}
	return questions, nil
}
