package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/quarrydocs/quarry/pkg/config"
	"github.com/quarrydocs/quarry/pkg/httpclient"
)

// Reranker scores documents against a query with a cross-encoder. Scores
// are returned in input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// HTTPReranker calls an external rerank service speaking the common
// cross-encoder contract (POST {model, query, documents} -> scored
// indices), as served by Cohere- and Jina-compatible endpoints.
type HTTPReranker struct {
	client *httpclient.Client
	url    string
	model  string
	apiKey string
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// NewHTTPReranker creates a reranker client for the configured service.
func NewHTTPReranker(cfg *config.RerankConfig) *HTTPReranker {
	return &HTTPReranker{
		client: httpclient.New(),
		url:    cfg.URL,
		model:  cfg.Model,
		apiKey: cfg.APIKey,
	}
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: documents,
		TopN:      len(documents),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response rerankResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	// Results arrive ranked; map back to input order. Documents the
	// service omitted keep a zero score.
	scores := make([]float64, len(documents))
	for _, result := range response.Results {
		if result.Index < 0 || result.Index >= len(scores) {
			return nil, fmt.Errorf("rerank index %d out of range", result.Index)
		}
		scores[result.Index] = result.RelevanceScore
	}
	return scores, nil
}

var _ Reranker = (*HTTPReranker)(nil)
