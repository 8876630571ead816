// Package store persists embedded chunks and exposes semantic and
// lexical search over them. Two variants implement the same interface:
// a local one backed by chromem-go (vectors) plus bleve (BM25), and a
// cloud one backed by Qdrant.
//
// Text chunks and image OCR records live in separate indices and are
// never mixed; InsertBatch enforces a homogeneous content type per
// batch.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Content types for records. A record is either a text chunk or the OCR
// text of an extracted image.
const (
	ContentTypeText     = "text"
	ContentTypeImageOCR = "image_ocr"
)

var (
	// ErrIndexNotFound is returned when an operation targets an index
	// that was never created.
	ErrIndexNotFound = errors.New("index not found")

	// ErrMixedBatch is returned when a batch mixes content types.
	ErrMixedBatch = errors.New("batch mixes content types")
)

// Record is one stored unit: a text chunk or an image OCR record.
type Record struct {
	ID          string
	DocumentID  string
	SourceName  string
	Page        int
	ChunkIndex  int
	ImageNumber int
	TokenCount  int
	Text        string
	Vector      []float32
	ContentType string
}

// SearchResult pairs a record with a backend-specific relevance score.
// Semantic scores are cosine similarities; lexical scores are BM25 (or
// a token-overlap approximation on the cloud backend).
type SearchResult struct {
	Record Record
	Score  float64
}

// Filter restricts a search. Zero-value fields are ignored.
type Filter struct {
	// DocumentID limits results to one document.
	DocumentID string

	// SourceNames limits results to documents whose name-at-ingest-time
	// is in the list.
	SourceNames []string
}

// Match reports whether a record passes the filter.
func (f *Filter) Match(r *Record) bool {
	if f == nil {
		return true
	}
	if f.DocumentID != "" && r.DocumentID != f.DocumentID {
		return false
	}
	if len(f.SourceNames) > 0 {
		found := false
		for _, name := range f.SourceNames {
			if r.SourceName == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the document store shared by the ingestion and retrieval
// workers.
type Store interface {
	// EnsureIndex creates the index if it does not exist yet.
	EnsureIndex(ctx context.Context, index string, vectorDim int) error

	// IndexExists reports whether the index exists.
	IndexExists(ctx context.Context, index string) (bool, error)

	// InsertBatch writes records (vectors and lexical content) to the
	// index. All records must share one content type.
	InsertBatch(ctx context.Context, index string, records []Record) error

	// DeleteByDocument removes every record of a document from the index.
	DeleteByDocument(ctx context.Context, index, documentID string) error

	// SemanticSearch returns the topK most similar records by vector.
	SemanticSearch(ctx context.Context, index string, vector []float32, topK int, filter *Filter) ([]SearchResult, error)

	// LexicalSearch returns the topK best keyword matches for query.
	LexicalSearch(ctx context.Context, index, query string, topK int, filter *Filter) ([]SearchResult, error)

	// GetByDocument returns all records of a document, ordered by chunk
	// index (or image number for OCR records).
	GetByDocument(ctx context.Context, index, documentID string) ([]Record, error)

	// Count returns the number of records in the index.
	Count(ctx context.Context, index string) (int, error)

	// Close releases backend resources.
	Close() error
}

// validateBatch checks the homogeneous content type invariant.
func validateBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ct := records[0].ContentType
	if ct != ContentTypeText && ct != ContentTypeImageOCR {
		return fmt.Errorf("invalid content type %q", ct)
	}
	for i := range records {
		if records[i].ContentType != ct {
			return fmt.Errorf("%w: %q and %q", ErrMixedBatch, ct, records[i].ContentType)
		}
	}
	return nil
}
