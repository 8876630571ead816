// Package gateway is the single entry point for external clients. It
// routes writes to the ingestion worker and reads to the retrieval
// worker, owns the document registry, and serves the REST surface the
// MCP tools also delegate to.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/quarrydocs/quarry/pkg/blob"
	"github.com/quarrydocs/quarry/pkg/config"
	"github.com/quarrydocs/quarry/pkg/ingest"
	"github.com/quarrydocs/quarry/pkg/registry"
	"github.com/quarrydocs/quarry/pkg/retrieval"
	"github.com/quarrydocs/quarry/pkg/store"
)

// Service bundles the workers and shared state behind the REST and MCP
// surfaces. All handlers go through it; it owns no HTTP concerns.
type Service struct {
	cfg       *config.Config
	reg       *registry.Registry
	blobs     *blob.Store
	docs      store.Store
	ingester  *ingest.Worker
	retriever *retrieval.Worker

	// degraded is set when the configured backend was unreachable at
	// start-up and the local variant took over.
	degraded bool
}

// NewService wires the gateway service.
func NewService(cfg *config.Config, reg *registry.Registry, blobs *blob.Store, docs store.Store, ingester *ingest.Worker, retriever *retrieval.Worker, degraded bool) *Service {
	return &Service{
		cfg:       cfg,
		reg:       reg,
		blobs:     blobs,
		docs:      docs,
		ingester:  ingester,
		retriever: retriever,
		degraded:  degraded,
	}
}

// UploadDocument ingests one uploaded file end to end and returns the
// terminal document record.
func (s *Service) UploadDocument(ctx context.Context, data []byte, name string, opts ingest.Options) (*registry.DocumentRecord, error) {
	if name == "" {
		return nil, &ValidationError{Field: "file", Message: "a file name is required"}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Field: "file", Message: "uploaded file is empty"}
	}
	if err := validateParserPreference(opts.ParserPreference); err != nil {
		return nil, err
	}
	if err := validateChunkingStrategy(opts.ChunkingStrategy); err != nil {
		return nil, err
	}
	return s.ingester.Ingest(ctx, data, name, opts)
}

// ListDocuments returns all registry records ordered by upload time,
// newest first.
func (s *Service) ListDocuments() []*registry.DocumentRecord {
	records := s.reg.List()
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Upload.Timestamp.Equal(records[j].Upload.Timestamp) {
			return records[i].Upload.Timestamp.After(records[j].Upload.Timestamp)
		}
		return records[i].DocumentID < records[j].DocumentID
	})
	return records
}

// GetDocument returns one registry record.
func (s *Service) GetDocument(id string) (*registry.DocumentRecord, error) {
	return s.reg.Get(id)
}

// DocumentUpdate is the mutable subset of a document record.
type DocumentUpdate struct {
	Name string `json:"name,omitempty"`
}

// UpdateDocument applies a metadata update. A name change is a rename;
// the registry keeps the original name mapped for retrieval.
func (s *Service) UpdateDocument(id string, update DocumentUpdate) (*registry.DocumentRecord, error) {
	if update.Name == "" {
		return nil, &ValidationError{Field: "name", Message: "name is required"}
	}
	return s.reg.Update(id, fmt.Sprintf("renamed to %s", update.Name), func(r *registry.DocumentRecord) error {
		r.Name = update.Name
		return nil
	})
}

// DeleteDocument removes the document from the registry and cascades to
// both store indices and the blob store. Deletion is idempotent at the
// store level; a missing registry record is a not-found error.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.reg.Get(id); err != nil {
		return err
	}

	var errs []error
	if err := s.docs.DeleteByDocument(ctx, s.cfg.Storage.TextIndex, id); err != nil {
		errs = append(errs, fmt.Errorf("text index: %w", err))
	}
	if err := s.docs.DeleteByDocument(ctx, s.cfg.Storage.ImagesIndex, id); err != nil {
		errs = append(errs, fmt.Errorf("images index: %w", err))
	}
	if len(errs) > 0 {
		// Registry record stays so the client can retry the cascade.
		return fmt.Errorf("failed to delete stored records: %w", errors.Join(errs...))
	}

	if err := s.blobs.Delete(id); err != nil {
		slog.Warn("failed to delete blobs", "document_id", id, "error", err)
	}
	return s.reg.Remove(id)
}

// Query answers a question over the text index.
func (s *Service) Query(ctx context.Context, question string, opts retrieval.Options) (*retrieval.Answer, error) {
	if question == "" {
		return nil, &ValidationError{Field: "question", Message: "question is required"}
	}
	return s.retriever.Query(ctx, question, opts)
}

// ImageQueryResult is the response shape of an image query.
type ImageQueryResult struct {
	Images      []retrieval.ImageResult `json:"images"`
	Total       int                     `json:"total"`
	ContentType string                  `json:"content_type"`
	ImagesIndex string                  `json:"images_index"`
	Warnings    []string                `json:"warnings,omitempty"`
}

// QueryImages searches the image-OCR index.
func (s *Service) QueryImages(ctx context.Context, question string, opts retrieval.Options) (*ImageQueryResult, error) {
	if question == "" {
		return nil, &ValidationError{Field: "question", Message: "question is required"}
	}
	results, warnings, err := s.retriever.QueryImages(ctx, question, opts)
	if err != nil {
		return nil, err
	}
	return &ImageQueryResult{
		Images:      results,
		Total:       len(results),
		ContentType: store.ContentTypeImageOCR,
		ImagesIndex: s.cfg.Storage.ImagesIndex,
		Warnings:    warnings,
	}, nil
}

// PageContent holds everything stored for one page of a document.
type PageContent struct {
	DocumentID  string         `json:"document_id"`
	Page        int            `json:"page"`
	TextChunks  []store.Record `json:"text_chunks"`
	Images      []store.Record `json:"images"`
	TotalChunks int            `json:"total_chunks"`
	TotalImages int            `json:"total_images"`
}

// GetPage returns the chunks and image records persisted for one page.
func (s *Service) GetPage(ctx context.Context, id string, page int) (*PageContent, error) {
	if _, err := s.reg.Get(id); err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, &ValidationError{Field: "page", Message: "page must be at least 1"}
	}

	chunks, err := s.docs.GetByDocument(ctx, s.cfg.Storage.TextIndex, id)
	if err != nil {
		return nil, err
	}
	images, err := s.docs.GetByDocument(ctx, s.cfg.Storage.ImagesIndex, id)
	if err != nil {
		return nil, err
	}

	content := &PageContent{DocumentID: id, Page: page, TextChunks: []store.Record{}, Images: []store.Record{}}
	for _, rec := range chunks {
		if rec.Page == page {
			content.TextChunks = append(content.TextChunks, rec)
		}
	}
	for _, rec := range images {
		if rec.Page == page {
			content.Images = append(content.Images, rec)
		}
	}
	content.TotalChunks = len(content.TextChunks)
	content.TotalImages = len(content.Images)
	return content, nil
}

// StorageStatus reports where a document's records live and how many
// actually persisted, next to what the registry believes.
type StorageStatus struct {
	DocumentID    string `json:"document_id"`
	Status        string `json:"status"`
	TextIndex     string `json:"text_index"`
	ImagesIndex   string `json:"images_index"`
	ChunksCreated int    `json:"chunks_created"`
	ChunksStored  int    `json:"chunks_stored"`
	ImagesCreated int    `json:"images_stored"`
	ImagesInStore int    `json:"images_in_store"`
	Degraded      bool   `json:"degraded,omitempty"`
}

// GetStorageStatus compares registry counts with the store's.
func (s *Service) GetStorageStatus(ctx context.Context, id string) (*StorageStatus, error) {
	rec, err := s.reg.Get(id)
	if err != nil {
		return nil, err
	}

	chunks, err := s.docs.GetByDocument(ctx, rec.TextIndex, id)
	if err != nil {
		return nil, err
	}
	images, err := s.docs.GetByDocument(ctx, rec.ImagesIndex, id)
	if err != nil {
		return nil, err
	}

	return &StorageStatus{
		DocumentID:    id,
		Status:        string(rec.Status),
		TextIndex:     rec.TextIndex,
		ImagesIndex:   rec.ImagesIndex,
		ChunksCreated: rec.ChunksCreated,
		ChunksStored:  len(chunks),
		ImagesCreated: rec.ImagesStored,
		ImagesInStore: len(images),
		Degraded:      s.degraded,
	}, nil
}

// ListChunks returns every text chunk of a document in chunk order.
func (s *Service) ListChunks(ctx context.Context, id string) ([]store.Record, error) {
	if _, err := s.reg.Get(id); err != nil {
		return nil, err
	}
	return s.docs.GetByDocument(ctx, s.cfg.Storage.TextIndex, id)
}

// ReingestImages re-extracts and replaces a document's image stream.
func (s *Service) ReingestImages(ctx context.Context, id string) (*registry.DocumentRecord, error) {
	return s.ingester.ReingestImages(ctx, id)
}

// Health reports liveness of the registry and both store indices.
type Health struct {
	Status    string              `json:"status"`
	Degraded  bool                `json:"degraded,omitempty"`
	Registry  registry.SyncStatus `json:"registry"`
	Documents int                 `json:"documents"`
}

// GetHealth answers the health probe.
func (s *Service) GetHealth(ctx context.Context) (*Health, error) {
	if _, err := s.docs.Count(ctx, s.cfg.Storage.TextIndex); err != nil && !errors.Is(err, store.ErrIndexNotFound) {
		return nil, fmt.Errorf("text index unavailable: %w", err)
	}
	return &Health{
		Status:    "healthy",
		Degraded:  s.degraded,
		Registry:  s.reg.GetSyncStatus(),
		Documents: len(s.reg.List()),
	}, nil
}

// Stats summarises the corpus for operators and agents.
type Stats struct {
	Documents    int            `json:"documents"`
	ByStatus     map[string]int `json:"by_status"`
	TextRecords  int            `json:"text_records"`
	ImageRecords int            `json:"image_records"`
	TextIndex    string         `json:"text_index"`
	ImagesIndex  string         `json:"images_index"`
	Backend      string         `json:"backend"`
	Degraded     bool           `json:"degraded,omitempty"`
}

// GetStats aggregates registry and store counts.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus:    make(map[string]int),
		TextIndex:   s.cfg.Storage.TextIndex,
		ImagesIndex: s.cfg.Storage.ImagesIndex,
		Backend:     s.cfg.Storage.Backend,
		Degraded:    s.degraded,
	}
	for _, rec := range s.reg.List() {
		stats.Documents++
		stats.ByStatus[string(rec.Status)]++
	}

	if n, err := s.docs.Count(ctx, s.cfg.Storage.TextIndex); err == nil {
		stats.TextRecords = n
	}
	if n, err := s.docs.Count(ctx, s.cfg.Storage.ImagesIndex); err == nil {
		stats.ImageRecords = n
	}
	return stats, nil
}

func validateParserPreference(p string) error {
	switch p {
	case "", "auto", "fast", "ocr", "image_model":
		return nil
	}
	return &ValidationError{Field: "parser_preference", Message: fmt.Sprintf("unknown parser preference %q (valid: auto, fast, ocr, image_model)", p)}
}

func validateChunkingStrategy(s string) error {
	switch s {
	case "", config.ChunkingPrecise, config.ChunkingBalanced, config.ChunkingComprehensive:
		return nil
	}
	return &ValidationError{Field: "chunking_strategy", Message: fmt.Sprintf("unknown chunking strategy %q (valid: precise, balanced, comprehensive)", s)}
}
