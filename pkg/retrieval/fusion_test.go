package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydocs/quarry/pkg/store"
)

func result(id string, score float64) store.SearchResult {
	return store.SearchResult{Record: store.Record{ID: id, SourceName: id}, Score: score}
}

func TestFuseWeightsBothStreams(t *testing.T) {
	semantic := []store.SearchResult{result("a", 0.9), result("b", 0.1)}
	lexical := []store.SearchResult{result("b", 12.0), result("a", 2.0)}

	cands := fuse(semantic, lexical, 0.7)
	require.Len(t, cands, 2)

	// a: semantic 1.0, lexical 0.0 -> 0.7; b: semantic 0.0, lexical 1.0 -> 0.3
	assert.Equal(t, "a", cands[0].Record.ID)
	assert.InDelta(t, 0.7, cands[0].Fused, 1e-9)
	assert.Equal(t, "b", cands[1].Record.ID)
	assert.InDelta(t, 0.3, cands[1].Fused, 1e-9)
}

func TestFuseSingleStreamKeepsOrder(t *testing.T) {
	semantic := []store.SearchResult{result("a", 0.9), result("b", 0.5), result("c", 0.2)}

	cands := fuse(semantic, nil, 0.7)
	require.Len(t, cands, 3)
	assert.Equal(t, "a", cands[0].Record.ID)
	assert.Equal(t, "c", cands[2].Record.ID)
	assert.False(t, cands[0].HasLexical)
}

func TestFuseRecordInBothStreamsScoresOnce(t *testing.T) {
	semantic := []store.SearchResult{result("a", 1.0), result("b", 0.0)}
	lexical := []store.SearchResult{result("a", 5.0), result("b", 1.0)}

	cands := fuse(semantic, lexical, 0.5)
	require.Len(t, cands, 2)
	assert.Equal(t, "a", cands[0].Record.ID)
	assert.True(t, cands[0].HasSemantic)
	assert.True(t, cands[0].HasLexical)
	assert.InDelta(t, 1.0, cands[0].Fused, 1e-9)
}

func TestFuseTieBreaksDeterministically(t *testing.T) {
	tied := []store.SearchResult{
		{Record: store.Record{ID: "1", SourceName: "b.pdf", ChunkIndex: 0}, Score: 0.5},
		{Record: store.Record{ID: "2", SourceName: "a.pdf", ChunkIndex: 7}, Score: 0.5},
		{Record: store.Record{ID: "3", SourceName: "a.pdf", ChunkIndex: 2}, Score: 0.5},
	}
	cands := fuse(tied, nil, 0.7)
	require.Len(t, cands, 3)
	assert.Equal(t, "a.pdf", cands[0].Record.SourceName)
	assert.Equal(t, 2, cands[0].Record.ChunkIndex)
	assert.Equal(t, 7, cands[1].Record.ChunkIndex)
	assert.Equal(t, "b.pdf", cands[2].Record.SourceName)
}

func TestSortByRerankFallsBackToFused(t *testing.T) {
	cands := []*Candidate{
		{Record: store.Record{ID: "1", SourceName: "a"}, Fused: 0.2, Rerank: 0.9, HasRerank: true},
		{Record: store.Record{ID: "2", SourceName: "b"}, Fused: 0.9, Rerank: 0.9, HasRerank: true},
		{Record: store.Record{ID: "3", SourceName: "c"}, Fused: 0.5},
	}
	sortByRerank(cands)

	// Equal rerank scores break on fused; candidates without a rerank
	// score sort after reranked ones.
	assert.Equal(t, "2", cands[0].Record.ID)
	assert.Equal(t, "1", cands[1].Record.ID)
	assert.Equal(t, "3", cands[2].Record.ID)
}
