package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/philippgille/chromem-go"
)

// LocalStore is the zero-dependency backend: chromem-go holds vectors
// (cosine similarity), bleve holds a BM25 keyword index. Both live
// under <dataDir>/indices.
type LocalStore struct {
	mu       sync.RWMutex
	dataDir  string
	compress bool

	db          *chromem.DB
	collections map[string]*chromem.Collection
	lexical     map[string]bleve.Index

	embeddingFunc chromem.EmbeddingFunc
}

// NewLocal opens (or creates) a local store under dataDir.
func NewLocal(dataDir string, compress bool) (*LocalStore, error) {
	vectorDir := filepath.Join(dataDir, "indices", "vectors")
	if err := os.MkdirAll(vectorDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vector directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(vectorDir, compress)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}

	// Vectors are computed externally; chromem must never embed.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	return &LocalStore{
		dataDir:       dataDir,
		compress:      compress,
		db:            db,
		collections:   make(map[string]*chromem.Collection),
		lexical:       make(map[string]bleve.Index),
		embeddingFunc: identityEmbed,
	}, nil
}

func (s *LocalStore) EnsureIndex(ctx context.Context, index string, vectorDim int) error {
	if _, err := s.collection(index); err != nil {
		return err
	}
	_, err := s.lexicalIndex(index)
	return err
}

func (s *LocalStore) IndexExists(ctx context.Context, index string) (bool, error) {
	s.mu.RLock()
	_, cached := s.collections[index]
	s.mu.RUnlock()
	if cached {
		return true, nil
	}
	col := s.db.GetCollection(index, s.embeddingFunc)
	return col != nil, nil
}

func (s *LocalStore) InsertBatch(ctx context.Context, index string, records []Record) error {
	if err := validateBatch(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	col, err := s.collection(index)
	if err != nil {
		return err
	}
	lex, err := s.lexicalIndex(index)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(records))
	for i := range records {
		docs = append(docs, recordToDocument(&records[i]))
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to write vectors to %s: %w", index, err)
	}

	batch := lex.NewBatch()
	for i := range records {
		r := &records[i]
		if err := batch.Index(r.ID, lexicalDocument{
			Content:     r.Text,
			DocumentID:  r.DocumentID,
			SourceName:  r.SourceName,
			ContentType: r.ContentType,
		}); err != nil {
			return fmt.Errorf("failed to index record %s: %w", r.ID, err)
		}
	}
	if err := lex.Batch(batch); err != nil {
		// Roll the vector write back so the two indices stay in step.
		ids := make([]string, len(records))
		for i := range records {
			ids[i] = records[i].ID
		}
		if delErr := col.Delete(ctx, nil, nil, ids...); delErr != nil {
			slog.Error("failed to roll back vector write after lexical failure",
				"index", index, "error", delErr)
		}
		return fmt.Errorf("failed to write lexical index %s: %w", index, err)
	}

	return nil
}

func (s *LocalStore) DeleteByDocument(ctx context.Context, index, documentID string) error {
	col, err := s.collection(index)
	if err != nil {
		return err
	}

	records, err := s.GetByDocument(ctx, index, documentID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	if err := col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return fmt.Errorf("failed to delete vectors for %s: %w", documentID, err)
	}

	lex, err := s.lexicalIndex(index)
	if err != nil {
		return err
	}
	batch := lex.NewBatch()
	for i := range records {
		batch.Delete(records[i].ID)
	}
	if err := lex.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete lexical entries for %s: %w", documentID, err)
	}
	return nil
}

func (s *LocalStore) SemanticSearch(ctx context.Context, index string, vector []float32, topK int, filter *Filter) ([]SearchResult, error) {
	col, err := s.collection(index)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem can only express single-value equality filters, so a
	// document_id restriction goes to the engine and source-name lists
	// are applied afterwards. Over-fetch to leave room for post-filtering.
	var where map[string]string
	fetch := topK
	if filter != nil {
		if filter.DocumentID != "" {
			where = map[string]string{"document_id": filter.DocumentID}
		}
		if len(filter.SourceNames) > 0 {
			fetch = topK * 4
		}
	}
	if fetch > count {
		fetch = count
	}

	hits, err := col.QueryEmbedding(ctx, vector, fetch, where, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed on %s: %w", index, err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		rec := resultToRecord(hit)
		if !filter.Match(&rec) {
			continue
		}
		results = append(results, SearchResult{Record: rec, Score: float64(hit.Similarity)})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

func (s *LocalStore) LexicalSearch(ctx context.Context, index, query string, topK int, filter *Filter) ([]SearchResult, error) {
	lex, err := s.lexicalIndex(index)
	if err != nil {
		return nil, err
	}
	col, err := s.collection(index)
	if err != nil {
		return nil, err
	}

	match := bleve.NewMatchQuery(query)
	match.SetField("content")

	var q = bleve.NewConjunctionQuery(match)
	if filter != nil && filter.DocumentID != "" {
		term := bleve.NewTermQuery(filter.DocumentID)
		term.SetField("document_id")
		q.AddQuery(term)
	}
	if filter != nil && len(filter.SourceNames) > 0 {
		names := bleve.NewDisjunctionQuery()
		for _, name := range filter.SourceNames {
			term := bleve.NewTermQuery(name)
			term.SetField("source_name")
			names.AddQuery(term)
		}
		q.AddQuery(names)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = topK

	res, err := lex.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed on %s: %w", index, err)
	}

	results := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, err := col.GetByID(ctx, hit.ID)
		if err != nil {
			slog.Warn("lexical hit missing from vector index", "index", index, "id", hit.ID)
			continue
		}
		rec := documentToRecord(doc)
		results = append(results, SearchResult{Record: rec, Score: hit.Score})
	}
	return results, nil
}

func (s *LocalStore) GetByDocument(ctx context.Context, index, documentID string) ([]Record, error) {
	lex, err := s.lexicalIndex(index)
	if err != nil {
		return nil, err
	}
	col, err := s.collection(index)
	if err != nil {
		return nil, err
	}

	term := bleve.NewTermQuery(documentID)
	term.SetField("document_id")
	req := bleve.NewSearchRequest(term)
	count, _ := lex.DocCount()
	req.Size = int(count)

	res, err := lex.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for %s: %w", documentID, err)
	}

	records := make([]Record, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, err := col.GetByID(ctx, hit.ID)
		if err != nil {
			continue
		}
		records = append(records, documentToRecord(doc))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ChunkIndex != records[j].ChunkIndex {
			return records[i].ChunkIndex < records[j].ChunkIndex
		}
		return records[i].ImageNumber < records[j].ImageNumber
	})
	return records, nil
}

func (s *LocalStore) Count(ctx context.Context, index string) (int, error) {
	col, err := s.collection(index)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, idx := range s.lexical {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close lexical index %s: %w", name, err)
		}
	}
	s.lexical = make(map[string]bleve.Index)
	return firstErr
}

// collection gets or creates the chromem collection for an index.
func (s *LocalStore) collection(index string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[index]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[index]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(index, nil, s.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", index, err)
	}
	s.collections[index] = col
	return col, nil
}

// lexicalIndex gets or creates the bleve index for an index name.
func (s *LocalStore) lexicalIndex(index string) (bleve.Index, error) {
	s.mu.RLock()
	if idx, ok := s.lexical[index]; ok {
		s.mu.RUnlock()
		return idx, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.lexical[index]; ok {
		return idx, nil
	}

	path := filepath.Join(s.dataDir, "indices", "lexical", index)
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create lexical directory: %w", mkErr)
		}
		idx, err = bleve.New(path, lexicalMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open lexical index %q: %w", index, err)
	}
	s.lexical[index] = idx
	return idx, nil
}

// lexicalDocument is the shape bleve indexes.
type lexicalDocument struct {
	Content     string `json:"content"`
	DocumentID  string `json:"document_id"`
	SourceName  string `json:"source_name"`
	ContentType string `json:"content_type"`
}

func lexicalMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	content := bleve.NewTextFieldMapping()
	doc.AddFieldMappingsAt("content", content)

	for _, field := range []string{"document_id", "source_name", "content_type"} {
		kw := bleve.NewKeywordFieldMapping()
		doc.AddFieldMappingsAt(field, kw)
	}

	im.DefaultMapping = doc
	return im
}

// recordToDocument packs a Record into a chromem document; every field
// rides along as string metadata so hits can be rehydrated.
func recordToDocument(r *Record) chromem.Document {
	return chromem.Document{
		ID:        r.ID,
		Content:   r.Text,
		Embedding: r.Vector,
		Metadata: map[string]string{
			"document_id":  r.DocumentID,
			"source_name":  r.SourceName,
			"page":         strconv.Itoa(r.Page),
			"chunk_index":  strconv.Itoa(r.ChunkIndex),
			"image_number": strconv.Itoa(r.ImageNumber),
			"token_count":  strconv.Itoa(r.TokenCount),
			"content_type": r.ContentType,
		},
	}
}

func documentToRecord(doc chromem.Document) Record {
	return Record{
		ID:          doc.ID,
		Text:        doc.Content,
		Vector:      doc.Embedding,
		DocumentID:  doc.Metadata["document_id"],
		SourceName:  doc.Metadata["source_name"],
		Page:        atoiOr0(doc.Metadata["page"]),
		ChunkIndex:  atoiOr0(doc.Metadata["chunk_index"]),
		ImageNumber: atoiOr0(doc.Metadata["image_number"]),
		TokenCount:  atoiOr0(doc.Metadata["token_count"]),
		ContentType: doc.Metadata["content_type"],
	}
}

func resultToRecord(res chromem.Result) Record {
	return Record{
		ID:          res.ID,
		Text:        res.Content,
		Vector:      res.Embedding,
		DocumentID:  res.Metadata["document_id"],
		SourceName:  res.Metadata["source_name"],
		Page:        atoiOr0(res.Metadata["page"]),
		ChunkIndex:  atoiOr0(res.Metadata["chunk_index"]),
		ImageNumber: atoiOr0(res.Metadata["image_number"]),
		TokenCount:  atoiOr0(res.Metadata["token_count"]),
		ContentType: res.Metadata["content_type"],
	}
}

func atoiOr0(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var _ Store = (*LocalStore)(nil)
