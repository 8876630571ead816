package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydocs/quarry/pkg/store"
)

func vecCandidate(id string, fused float64, vec []float32) *Candidate {
	return &Candidate{Record: store.Record{ID: id, SourceName: id, Vector: vec}, Fused: fused}
}

func TestMMRPrefersDiverseResults(t *testing.T) {
	// Two near-duplicates with high relevance and one distinct candidate.
	cands := []*Candidate{
		vecCandidate("dup1", 0.95, []float32{1, 0}),
		vecCandidate("dup2", 0.94, []float32{1, 0.01}),
		vecCandidate("distinct", 0.80, []float32{0, 1}),
	}

	selected := maximalMarginalRelevance(cands, 0.5, 2)
	require.Len(t, selected, 2)
	assert.Equal(t, "dup1", selected[0].Record.ID)
	assert.Equal(t, "distinct", selected[1].Record.ID)
}

func TestMMRLambdaOneIsPureRelevance(t *testing.T) {
	cands := []*Candidate{
		vecCandidate("a", 0.9, []float32{1, 0}),
		vecCandidate("b", 0.8, []float32{1, 0}),
		vecCandidate("c", 0.7, []float32{0, 1}),
	}

	selected := maximalMarginalRelevance(cands, 1.0, 3)
	require.Len(t, selected, 3)
	assert.Equal(t, "a", selected[0].Record.ID)
	assert.Equal(t, "b", selected[1].Record.ID)
	assert.Equal(t, "c", selected[2].Record.ID)
}

func TestMMRRespectsLimit(t *testing.T) {
	cands := []*Candidate{
		vecCandidate("a", 0.9, []float32{1, 0}),
		vecCandidate("b", 0.8, []float32{0, 1}),
	}
	assert.Len(t, maximalMarginalRelevance(cands, 0.7, 1), 1)
	assert.Len(t, maximalMarginalRelevance(cands, 0.7, 5), 2)
	assert.Empty(t, maximalMarginalRelevance(nil, 0.7, 3))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine(nil, []float32{1}))
	assert.Zero(t, cosine([]float32{1, 0}, []float32{0, 0}))
}
