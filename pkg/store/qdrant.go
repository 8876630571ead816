package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore is the cloud backend. Vectors and payloads live in one
// Qdrant collection per index. Qdrant has no BM25, so lexical search is
// approximated with a full-text payload filter plus token-overlap
// scoring in the client; fusion upstream treats the scores the same way
// it treats BM25.
type QdrantStore struct {
	client *qdrant.Client
}

// QdrantOptions configures the connection.
type QdrantOptions struct {
	Host      string
	Port      int
	APIKey    string
	EnableTLS bool
}

// NewQdrant connects to a Qdrant cluster.
func NewQdrant(opts QdrantOptions) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.EnableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantStore{client: client}, nil
}

func (s *QdrantStore) EnsureIndex(ctx context.Context, index string, vectorDim int) error {
	exists, err := s.client.CollectionExists(ctx, index)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", index, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: index,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorDim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create collection %s: %w", index, err)
	}

	// Full-text index on content makes the lexical approximation usable.
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: index,
		FieldName:      "content",
		FieldType:      qdrant.FieldType_FieldTypeText.Enum(),
	})
	if err != nil {
		return fmt.Errorf("failed to create text index on %s: %w", index, err)
	}
	return nil
}

func (s *QdrantStore) IndexExists(ctx context.Context, index string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, index)
	if err != nil {
		return false, fmt.Errorf("failed to check collection %s: %w", index, err)
	}
	return exists, nil
}

func (s *QdrantStore) InsertBatch(ctx context.Context, index string, records []Record) error {
	if err := validateBatch(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	if err := s.EnsureIndex(ctx, index, len(records[0].Vector)); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for i := range records {
		r := &records[i]
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"content":      r.Text,
				"document_id":  r.DocumentID,
				"source_name":  r.SourceName,
				"page":         int64(r.Page),
				"chunk_index":  int64(r.ChunkIndex),
				"image_number": int64(r.ImageNumber),
				"token_count":  int64(r.TokenCount),
				"content_type": r.ContentType,
			}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: index,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d points to %s: %w", len(points), index, err)
	}
	return nil
}

func (s *QdrantStore) DeleteByDocument(ctx context.Context, index, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: index,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: documentFilter(documentID, nil),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete document %s from %s: %w", documentID, index, err)
	}
	return nil
}

func (s *QdrantStore) SemanticSearch(ctx context.Context, index string, vector []float32, topK int, filter *Filter) ([]SearchResult, error) {
	req := &qdrant.SearchPoints{
		CollectionName: index,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
		// Vectors come back with the hit so diversification downstream
		// can measure similarity between candidates.
		WithVectors: qdrant.NewWithVectors(true),
	}
	if f := searchFilter(filter); f != nil {
		req.Filter = f
	}

	res, err := s.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed on %s: %w", index, err)
	}

	results := make([]SearchResult, 0, len(res.Result))
	for _, point := range res.Result {
		rec := pointToRecord(point.Id, point.Payload)
		rec.Vector = denseVector(point.Vectors)
		results = append(results, SearchResult{
			Record: rec,
			Score:  float64(point.Score),
		})
	}
	return results, nil
}

func (s *QdrantStore) LexicalSearch(ctx context.Context, index, query string, topK int, filter *Filter) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	f := searchFilter(filter)
	if f == nil {
		f = &qdrant.Filter{}
	}
	f.Must = append(f.Must, &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: "content",
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Text{Text: query},
				},
			},
		},
	})

	limit := uint32(topK * 4)
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: index,
		Filter:         f,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("lexical search failed on %s: %w", index, err)
	}

	queryTokens := tokenize(query)
	results := make([]SearchResult, 0, len(points))
	for _, point := range points {
		rec := pointToRecord(point.Id, point.Payload)
		score := tokenOverlap(queryTokens, tokenize(rec.Text))
		if score == 0 {
			continue
		}
		results = append(results, SearchResult{Record: rec, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *QdrantStore) GetByDocument(ctx context.Context, index, documentID string) ([]Record, error) {
	limit := uint32(10000)
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: index,
		Filter:         documentFilter(documentID, nil),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records for %s: %w", documentID, err)
	}

	records := make([]Record, 0, len(points))
	for _, point := range points {
		records = append(records, pointToRecord(point.Id, point.Payload))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ChunkIndex != records[j].ChunkIndex {
			return records[i].ChunkIndex < records[j].ChunkIndex
		}
		return records[i].ImageNumber < records[j].ImageNumber
	})
	return records, nil
}

func (s *QdrantStore) Count(ctx context.Context, index string) (int, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: index})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", index, err)
	}
	return int(count), nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func documentFilter(documentID string, sourceNames []string) *qdrant.Filter {
	f := &qdrant.Filter{}
	if documentID != "" {
		f.Must = append(f.Must, qdrant.NewMatch("document_id", documentID))
	}
	if len(sourceNames) > 0 {
		f.Must = append(f.Must, qdrant.NewMatchKeywords("source_name", sourceNames...))
	}
	return f
}

func searchFilter(filter *Filter) *qdrant.Filter {
	if filter == nil {
		return nil
	}
	if filter.DocumentID == "" && len(filter.SourceNames) == 0 {
		return nil
	}
	return documentFilter(filter.DocumentID, filter.SourceNames)
}

func pointToRecord(id *qdrant.PointId, payload map[string]*qdrant.Value) Record {
	rec := Record{}
	if id != nil {
		if uuid, ok := id.PointIdOptions.(*qdrant.PointId_Uuid); ok {
			rec.ID = uuid.Uuid
		} else if num, ok := id.PointIdOptions.(*qdrant.PointId_Num); ok {
			rec.ID = fmt.Sprintf("%d", num.Num)
		}
	}
	rec.Text = payload["content"].GetStringValue()
	rec.DocumentID = payload["document_id"].GetStringValue()
	rec.SourceName = payload["source_name"].GetStringValue()
	rec.Page = int(payload["page"].GetIntegerValue())
	rec.ChunkIndex = int(payload["chunk_index"].GetIntegerValue())
	rec.ImageNumber = int(payload["image_number"].GetIntegerValue())
	rec.TokenCount = int(payload["token_count"].GetIntegerValue())
	rec.ContentType = payload["content_type"].GetStringValue()
	return rec
}

// denseVector unwraps the dense vector of a returned point, when the
// request asked for vectors back.
func denseVector(out *qdrant.VectorsOutput) []float32 {
	if out == nil {
		return nil
	}
	v := out.GetVector()
	if v == nil {
		return nil
	}
	if dense, ok := v.Vector.(*qdrant.VectorOutput_Dense); ok && dense.Dense != nil {
		return dense.Dense.Data
	}
	return nil
}

// tokenize lowercases and splits on non-alphanumerics.
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

// tokenOverlap scores by the fraction of query tokens present.
func tokenOverlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for tok := range query {
		if _, ok := doc[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

var _ Store = (*QdrantStore)(nil)
