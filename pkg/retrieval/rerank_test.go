package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydocs/quarry/pkg/config"
)

func TestHTTPRerankerMapsScoresToInputOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what is the tolerance", req.Query)
		assert.Len(t, req.Documents, 3)
		assert.Equal(t, "cross-encoder-v2", req.Model)

		// Ranked order differs from input order.
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 2, "relevance_score": 0.97},
				{"index": 0, "relevance_score": 0.41},
				{"index": 1, "relevance_score": 0.12},
			},
		})
	}))
	defer server.Close()

	r := NewHTTPReranker(&config.RerankConfig{URL: server.URL, Model: "cross-encoder-v2"})
	scores, err := r.Rerank(context.Background(), "what is the tolerance", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.41, 0.12, 0.97}, scores)
}

func TestHTTPRerankerRejectsOutOfRangeIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"index": 9, "relevance_score": 0.5}},
		})
	}))
	defer server.Close()

	r := NewHTTPReranker(&config.RerankConfig{URL: server.URL})
	_, err := r.Rerank(context.Background(), "q", []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestHTTPRerankerSurfacesServiceErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	r := NewHTTPReranker(&config.RerankConfig{URL: server.URL})
	_, err := r.Rerank(context.Background(), "q", []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestHTTPRerankerEmptyDocuments(t *testing.T) {
	r := NewHTTPReranker(&config.RerankConfig{URL: "http://unused"})
	scores, err := r.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Nil(t, scores)
}
