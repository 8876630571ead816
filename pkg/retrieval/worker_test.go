package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydocs/quarry/pkg/config"
	"github.com/quarrydocs/quarry/pkg/llms"
	"github.com/quarrydocs/quarry/pkg/registry"
	"github.com/quarrydocs/quarry/pkg/store"
)

// fakeSearchStore serves canned results per index and captures the
// filter it saw. Text and image lookups can run concurrently, hence
// the mutex.
type fakeSearchStore struct {
	mu         sync.Mutex
	semantic   []store.SearchResult
	lexical    []store.SearchResult
	images     []store.SearchResult
	lastFilter *store.Filter
	lastIndex  string
	searchErr  error
}

func (s *fakeSearchStore) EnsureIndex(ctx context.Context, index string, vectorDim int) error {
	return nil
}
func (s *fakeSearchStore) IndexExists(ctx context.Context, index string) (bool, error) {
	return true, nil
}
func (s *fakeSearchStore) InsertBatch(ctx context.Context, index string, records []store.Record) error {
	return nil
}
func (s *fakeSearchStore) DeleteByDocument(ctx context.Context, index, documentID string) error {
	return nil
}

func (s *fakeSearchStore) SemanticSearch(ctx context.Context, index string, vector []float32, topK int, filter *store.Filter) ([]store.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = filter
	s.lastIndex = index
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	if index == "quarry_images" {
		return filtered(s.images, filter), nil
	}
	return filtered(s.semantic, filter), nil
}

func (s *fakeSearchStore) LexicalSearch(ctx context.Context, index, query string, topK int, filter *store.Filter) ([]store.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = filter
	s.lastIndex = index
	if index == "quarry_images" {
		return filtered(s.images, filter), nil
	}
	return filtered(s.lexical, filter), nil
}

func (s *fakeSearchStore) GetByDocument(ctx context.Context, index, documentID string) ([]store.Record, error) {
	return nil, nil
}
func (s *fakeSearchStore) Count(ctx context.Context, index string) (int, error) { return 0, nil }
func (s *fakeSearchStore) Close() error                                         { return nil }

func filtered(results []store.SearchResult, filter *store.Filter) []store.SearchResult {
	var out []store.SearchResult
	for _, r := range results {
		if filter.Match(&r.Record) {
			out = append(out, r)
		}
	}
	return out
}

type fakeGenerator struct {
	response string
	err      error
	lastUser string
}

func (g *fakeGenerator) Generate(ctx context.Context, messages []llms.Message, opts llms.Options) (string, error) {
	for _, m := range messages {
		if m.Role == "user" {
			g.lastUser = m.Content
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}
func (g *fakeGenerator) ModelName() string { return "fake" }
func (g *fakeGenerator) Close() error      { return nil }

type fakeQueryEmbedder struct{ err error }

func (e *fakeQueryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0}, nil
}
func (e *fakeQueryEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (e *fakeQueryEmbedder) Dimension() int    { return 2 }
func (e *fakeQueryEmbedder) ModelName() string { return "fake" }
func (e *fakeQueryEmbedder) Close() error      { return nil }

type fakeReranker struct {
	scores []float64
	err    error
}

func (r *fakeReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.scores[:len(documents)], nil
}

type retrievalFixture struct {
	worker *Worker
	docs   *fakeSearchStore
	gen    *fakeGenerator
	reg    *registry.Registry
}

func newRetrievalFixture(t *testing.T) *retrievalFixture {
	t.Helper()

	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	cfg := &config.RetrievalConfig{}
	cfg.SetDefaults()
	storage := &config.StorageConfig{}
	storage.SetDefaults()

	docs := &fakeSearchStore{}
	gen := &fakeGenerator{response: "The tolerance is 0.05mm [1]."}

	w, err := NewWorker(cfg, storage, reg, docs, &fakeQueryEmbedder{}, gen)
	require.NoError(t, err)
	return &retrievalFixture{worker: w, docs: docs, gen: gen, reg: reg}
}

func chunkResult(id, source, text string, page, index int, score float64) store.SearchResult {
	return store.SearchResult{
		Record: store.Record{
			ID:          id,
			DocumentID:  "doc-1",
			SourceName:  source,
			Page:        page,
			ChunkIndex:  index,
			Text:        text,
			Vector:      []float32{1, 0},
			ContentType: store.ContentTypeText,
		},
		Score: score,
	}
}

func TestQueryReturnsCitedAnswer(t *testing.T) {
	f := newRetrievalFixture(t)
	f.docs.semantic = []store.SearchResult{
		chunkResult("c1", "spec.pdf", "tolerance is 0.05mm", 2, 0, 0.9),
		chunkResult("c2", "spec.pdf", "material is aluminium", 3, 1, 0.4),
	}

	answer, err := f.worker.Query(context.Background(), "what is the tolerance?", Options{})
	require.NoError(t, err)

	assert.Equal(t, "The tolerance is 0.05mm [1].", answer.Answer)
	assert.Equal(t, []string{"spec.pdf"}, answer.Sources)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, 1, answer.Citations[0].ID)
	assert.Equal(t, 2, answer.Citations[0].Page)
	assert.Equal(t, 2, answer.NumChunksUsed)
	assert.Greater(t, answer.ContextTokens, 0)
	assert.Greater(t, answer.TotalTokens, answer.ContextTokens)
	assert.False(t, answer.GenerationFailed)

	// The generator saw the numbered context.
	assert.Contains(t, f.gen.lastUser, "[1] (source: spec.pdf, page 2)")
}

func TestQueryEmptyCandidatesIsNotAnError(t *testing.T) {
	f := newRetrievalFixture(t)

	answer, err := f.worker.Query(context.Background(), "anything?", Options{})
	require.NoError(t, err)
	assert.Equal(t, insufficientContextAnswer, answer.Answer)
	assert.Empty(t, answer.Citations)
	assert.Zero(t, answer.NumChunksUsed)
}

func TestQueryGeneratorFailureFallsBackToExtraction(t *testing.T) {
	f := newRetrievalFixture(t)
	f.docs.semantic = []store.SearchResult{
		chunkResult("c1", "spec.pdf", "tolerance is 0.05mm", 2, 0, 0.9),
	}
	f.gen.err = errors.New("provider down")

	answer, err := f.worker.Query(context.Background(), "what is the tolerance?", Options{})
	require.NoError(t, err)

	assert.True(t, answer.GenerationFailed)
	assert.Contains(t, answer.Answer, "tolerance is 0.05mm")
	assert.Contains(t, answer.Answer, "[1]")
	require.NotEmpty(t, answer.Citations)
	assert.Contains(t, answer.Warnings, "answer generation unavailable, returning extracted chunks")
}

func TestQueryUnknownActiveSourcesDegradesToUnrestricted(t *testing.T) {
	f := newRetrievalFixture(t)
	f.docs.semantic = []store.SearchResult{
		chunkResult("c1", "spec.pdf", "some text", 1, 0, 0.9),
	}

	answer, err := f.worker.Query(context.Background(), "question?", Options{
		ActiveSources: []string{"nope.pdf"},
	})
	require.NoError(t, err)
	assert.Nil(t, f.docs.lastFilter)
	require.NotEmpty(t, answer.Warnings)
	assert.Contains(t, answer.Warnings[0], "nope.pdf")
	assert.Equal(t, 1, answer.NumChunksUsed)
}

func TestQueryDocumentFilterSurvivesRename(t *testing.T) {
	f := newRetrievalFixture(t)
	require.NoError(t, f.reg.Add(&registry.DocumentRecord{
		DocumentID: "doc-1",
		Name:       "v1.pdf",
		TextIndex:  "quarry_text",
	}))
	_, err := f.reg.Update("doc-1", "renamed", func(r *registry.DocumentRecord) error {
		r.Name = "v2.pdf"
		return nil
	})
	require.NoError(t, err)

	// Chunks were indexed under the original name.
	f.docs.semantic = []store.SearchResult{
		chunkResult("c1", "v1.pdf", "content", 1, 0, 0.9),
	}

	answer, err := f.worker.Query(context.Background(), "question?", Options{DocumentID: "doc-1"})
	require.NoError(t, err)
	require.NotNil(t, f.docs.lastFilter)
	assert.Equal(t, []string{"v1.pdf"}, f.docs.lastFilter.SourceNames)
	assert.Equal(t, 1, answer.NumChunksUsed)

	// Restricting by the new name also resolves to the original.
	_, err = f.worker.Query(context.Background(), "question?", Options{ActiveSources: []string{"v2.pdf"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.pdf"}, f.docs.lastFilter.SourceNames)
}

func TestQueryUnknownDocumentID(t *testing.T) {
	f := newRetrievalFixture(t)
	_, err := f.worker.Query(context.Background(), "question?", Options{DocumentID: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestQueryRerankerReordersTopK(t *testing.T) {
	f := newRetrievalFixture(t)
	f.docs.semantic = []store.SearchResult{
		chunkResult("c1", "spec.pdf", "first by fusion", 1, 0, 0.9),
		chunkResult("c2", "spec.pdf", "first by reranker", 1, 1, 0.5),
	}
	f.worker.reranker = &fakeReranker{scores: []float64{0.1, 0.99}}
	f.gen.response = "answer [1]"

	answer, err := f.worker.Query(context.Background(), "question?", Options{K: 1})
	require.NoError(t, err)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "first by reranker", answer.Citations[0].FullText)
}

func TestQueryRerankerFailureKeepsFusedOrder(t *testing.T) {
	f := newRetrievalFixture(t)
	f.docs.semantic = []store.SearchResult{
		chunkResult("c1", "spec.pdf", "top fused", 1, 0, 0.9),
		chunkResult("c2", "spec.pdf", "second fused", 1, 1, 0.5),
	}
	f.worker.reranker = &fakeReranker{err: errors.New("rerank service down")}
	f.gen.response = "answer [1]"

	answer, err := f.worker.Query(context.Background(), "question?", Options{K: 1})
	require.NoError(t, err)
	assert.Contains(t, answer.Warnings, "reranker unavailable, using fused order")
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "top fused", answer.Citations[0].FullText)
}

func TestQueryRejectsInvalidSearchMode(t *testing.T) {
	f := newRetrievalFixture(t)
	_, err := f.worker.Query(context.Background(), "question?", Options{SearchMode: "psychic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search_mode")
}

func TestQueryLegacyHybridAlias(t *testing.T) {
	f := newRetrievalFixture(t)
	f.docs.semantic = []store.SearchResult{chunkResult("c1", "spec.pdf", "text", 1, 0, 0.9)}
	f.docs.lexical = []store.SearchResult{chunkResult("c1", "spec.pdf", "text", 1, 0, 4.2)}

	off := false
	_, err := f.worker.Query(context.Background(), "question?", Options{UseHybridSearch: &off})
	require.NoError(t, err)
	// semantic-only mode still hits the text index
	assert.Equal(t, "quarry_text", f.docs.lastIndex)
}

func TestQueryImagesOnlyReturnsImageRecords(t *testing.T) {
	f := newRetrievalFixture(t)
	f.docs.images = []store.SearchResult{
		{
			Record: store.Record{
				ID:          "img-1",
				DocumentID:  "doc-1",
				SourceName:  "scan.pdf",
				Page:        3,
				ImageNumber: 1,
				Text:        "PART NO. 12345",
				Vector:      []float32{1, 0},
				ContentType: store.ContentTypeImageOCR,
			},
			Score: 0.8,
		},
	}

	results, _, err := f.worker.QueryImages(context.Background(), "part number", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.ContentTypeImageOCR, results[0].ContentType)
	assert.Equal(t, "PART NO. 12345", results[0].OCRText)
	assert.Equal(t, "quarry_images", f.docs.lastIndex)
}

func TestQueryImageryMentionAddsImageResults(t *testing.T) {
	f := newRetrievalFixture(t)
	f.docs.semantic = []store.SearchResult{
		chunkResult("c1", "spec.pdf", "the enclosure vents are spaced 12mm apart", 2, 0, 0.9),
	}
	f.docs.images = []store.SearchResult{
		{
			Record: store.Record{
				ID:          "img-1",
				DocumentID:  "doc-1",
				SourceName:  "spec.pdf",
				Page:        2,
				ImageNumber: 1,
				Text:        "FIG 3: vent layout",
				Vector:      []float32{1, 0},
				ContentType: store.ContentTypeImageOCR,
			},
			Score: 0.7,
		},
	}

	answer, err := f.worker.Query(context.Background(), "which figure shows the vent layout?", Options{})
	require.NoError(t, err)
	require.Len(t, answer.Images, 1)
	assert.Equal(t, store.ContentTypeImageOCR, answer.Images[0].ContentType)
	assert.Equal(t, "FIG 3: vent layout", answer.Images[0].OCRText)

	// Image hits never enter the text citation pool.
	for _, cit := range answer.Citations {
		assert.Equal(t, store.ContentTypeText, cit.ContentType)
	}

	// Without an imagery mention the images index is left alone.
	answer, err = f.worker.Query(context.Background(), "what is the vent spacing?", Options{})
	require.NoError(t, err)
	assert.Empty(t, answer.Images)
}

func TestMentionsImagery(t *testing.T) {
	assert.True(t, mentionsImagery("show me the wiring diagram"))
	assert.True(t, mentionsImagery("Which Figure covers assembly?"))
	assert.False(t, mentionsImagery("what is the enclosure tolerance?"))
}
