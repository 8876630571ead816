package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydocs/quarry/pkg/config"
)

func newTestChunker(t *testing.T, strategy string) *Chunker {
	t.Helper()
	cfg := &config.IngestionConfig{ChunkingStrategy: strategy}
	cfg.SetDefaults()
	c, err := NewChunker(cfg)
	require.NoError(t, err)
	return c
}

func TestShortTextIsOneChunk(t *testing.T) {
	c := newTestChunker(t, config.ChunkingBalanced)

	chunks, err := c.ChunkPages(context.Background(), []Page{{Number: 1, Text: "a short paragraph."}})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[0].Page)
	assert.Greater(t, chunks[0].TokenCount, 0)
}

func TestChunksRespectTokenBudget(t *testing.T) {
	c := newTestChunker(t, config.ChunkingPrecise)

	// Many paragraphs, well beyond one 256-token chunk.
	var b strings.Builder
	for i := 0; i < 80; i++ {
		b.WriteString("The retrieval pipeline fuses semantic and lexical scores before reranking. ")
		b.WriteString("Chunk boundaries prefer structure over raw offsets.\n\n")
	}

	chunks, err := c.ChunkPages(context.Background(), []Page{{Number: 1, Text: b.String()}})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for _, chunk := range chunks {
		// The budget is a hard cap, carried overlap included.
		assert.LessOrEqual(t, chunk.TokenCount, 256, "chunk %d", chunk.Index)
	}
}

func TestChunkIndicesAreContiguousAcrossPages(t *testing.T) {
	c := newTestChunker(t, config.ChunkingBalanced)

	pages := []Page{
		{Number: 1, Text: "page one text."},
		{Number: 2, Text: "page two text."},
		{Number: 3, Text: "page three text."},
	}
	chunks, err := c.ChunkPages(context.Background(), pages)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, i+1, chunk.Page)
	}
}

func TestOverlapCarriesTextBetweenChunks(t *testing.T) {
	c := newTestChunker(t, config.ChunkingPrecise)

	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("sentence number fragment with several words in it. ")
	}
	chunks, err := c.ChunkPages(context.Background(), []Page{{Number: 1, Text: b.String()}})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// The start of chunk n+1 must repeat the tail of chunk n.
	tail := chunks[0].Text[len(chunks[0].Text)-40:]
	assert.Contains(t, chunks[1].Text, strings.TrimSpace(tail)[:20])
}

func TestHugeUnbrokenTokenRunStillSplits(t *testing.T) {
	c := newTestChunker(t, config.ChunkingPrecise)

	// No headings, paragraphs, sentences or spaces.
	text := strings.Repeat("abcdefghij", 1000)
	chunks, err := c.ChunkPages(context.Background(), []Page{{Number: 1, Text: text}})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, chunk.TokenCount, 256)
	}
}

func TestChunkPresets(t *testing.T) {
	tests := []struct {
		strategy string
		budget   int
	}{
		{config.ChunkingPrecise, 256},
		{config.ChunkingBalanced, 384},
		{config.ChunkingComprehensive, 512},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			c := newTestChunker(t, tt.strategy)
			assert.Equal(t, tt.budget, c.maxTokens)
		})
	}
}
