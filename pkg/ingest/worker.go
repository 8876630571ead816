package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quarrydocs/quarry/pkg/blob"
	"github.com/quarrydocs/quarry/pkg/config"
	"github.com/quarrydocs/quarry/pkg/embedders"
	"github.com/quarrydocs/quarry/pkg/registry"
	"github.com/quarrydocs/quarry/pkg/store"
)

// Options tune a single ingest.
type Options struct {
	// ParserPreference pins one parser and disables fallback:
	// "auto" (default), "fast", "ocr", "image_model".
	ParserPreference string

	// ChunkingStrategy overrides the configured preset for this ingest.
	ChunkingStrategy string

	// Source and Uploader are recorded in upload metadata.
	Source   string
	Uploader string
}

// Worker runs the ingestion pipeline: parse, chunk, embed, dual-index
// write, registry commit. One Worker serves all ingests of a process;
// concurrent ingests are bounded by max_concurrent_ingests.
type Worker struct {
	cfg       *config.IngestionConfig
	storage   *config.StorageConfig
	reg       *registry.Registry
	blobs     *blob.Store
	docs      store.Store
	embedder  embedders.Provider
	parsers   *ParserSet
	ingestSem *semaphore.Weighted
}

// NewWorker wires an ingestion worker.
func NewWorker(cfg *config.IngestionConfig, storage *config.StorageConfig, reg *registry.Registry, blobs *blob.Store, docs store.Store, embedder embedders.Provider) *Worker {
	return &Worker{
		cfg:       cfg,
		storage:   storage,
		reg:       reg,
		blobs:     blobs,
		docs:      docs,
		embedder:  embedder,
		parsers:   NewParserSet(cfg),
		ingestSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentIngests)),
	}
}

// Ingest runs the full pipeline for one document and returns its final
// record. Pipeline failures are reflected in the record's status; only
// intake failures (blob write, registry add) return an error.
func (w *Worker) Ingest(ctx context.Context, data []byte, name string, opts Options) (*registry.DocumentRecord, error) {
	if err := w.ingestSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer w.ingestSem.Release(1)

	started := time.Now()

	// Step 1: intake.
	hash := sha256.Sum256(data)
	docID := uuid.NewString()

	if _, err := w.blobs.PutSource(docID, name, data); err != nil {
		return nil, fmt.Errorf("failed to store source blob: %w", err)
	}

	rec := &registry.DocumentRecord{
		DocumentID: docID,
		Name:       name,
		FileHash:   hex.EncodeToString(hash[:]),
		Upload: registry.UploadMetadata{
			Source:    opts.Source,
			Timestamp: started.UTC(),
			SizeBytes: int64(len(data)),
			Uploader:  opts.Uploader,
		},
		Status:      registry.StatusProcessing,
		TextIndex:   w.storage.TextIndex,
		ImagesIndex: w.storage.ImagesIndex,
	}
	if err := w.reg.Add(rec); err != nil {
		return nil, fmt.Errorf("failed to register document: %w", err)
	}

	final, err := w.process(ctx, docID, data, name, opts, started)
	if err != nil {
		// process only fails on registry conflicts; pipeline failures
		// land in the record status.
		return nil, err
	}
	return final, nil
}

// process runs steps 2-8 and commits the terminal record.
func (w *Worker) process(ctx context.Context, docID string, data []byte, name string, opts Options, started time.Time) (*registry.DocumentRecord, error) {
	proc := &registry.ProcessingMetadata{}

	// Step 2: parser selection.
	chain, err := w.parsers.ChainFor(name, data, opts.ParserPreference)
	if err != nil {
		return w.commitFailure(docID, proc, fmt.Sprintf("parser selection: %v", err))
	}

	// Step 3: text extraction with fallback.
	parseStart := time.Now()
	result, parserUsed, taken, err := RunChain(ctx, chain, w.cfg.ParserTimeout.Duration(), data, name)
	proc.ParseMillis = time.Since(parseStart).Milliseconds()
	proc.FallbackChain = taken
	if err != nil {
		return w.commitFailure(docID, proc, fmt.Sprintf("parse: %v", err))
	}

	// Detected-but-unextracted images become placeholder markers so the
	// images index still knows the document has imagery.
	images := collectImages(result, name)

	// Step 4: chunking.
	chunkCfg := *w.cfg
	if opts.ChunkingStrategy != "" {
		chunkCfg.ChunkingStrategy = opts.ChunkingStrategy
		chunkCfg.MaxChunkTokens = 0
		chunkCfg.OverlapTokens = 0
	}
	chunker, err := NewChunker(&chunkCfg)
	if err != nil {
		return w.commitFailure(docID, proc, fmt.Sprintf("chunker init: %v", err))
	}
	chunker.Progress = func(done, total int) {
		slog.Debug("chunking progress", "document_id", docID, "pages_done", done, "pages_total", total)
	}

	chunkStart := time.Now()
	chunks, err := chunker.ChunkPages(ctx, result.Pages)
	proc.ChunkMillis = time.Since(chunkStart).Milliseconds()
	if err != nil {
		return w.commitFailure(docID, proc, fmt.Sprintf("chunk: %v", err))
	}
	if len(chunks) == 0 && len(images) == 0 {
		return w.commitFailure(docID, proc, "parser extracted no text")
	}

	// Steps 5-6: embedding (chunks in parallel batches, then images).
	embedStart := time.Now()
	textRecords, failedChunks := w.embedChunks(ctx, docID, name, chunks)
	imageRecords := w.embedImages(ctx, docID, name, images)
	proc.EmbedMillis = time.Since(embedStart).Milliseconds()

	// Step 7: dual-index write, independently and concurrently.
	storeStart := time.Now()
	textErr, imageErr := w.dualWrite(ctx, textRecords, imageRecords)
	proc.StoreMillis = time.Since(storeStart).Milliseconds()
	proc.TotalMillis = time.Since(started).Milliseconds()

	// Step 8: registry commit with terminal status.
	status, detail := terminalStatus(len(chunks), len(textRecords), len(imageRecords), failedChunks, countPlaceholders(images), textErr, imageErr)

	return w.reg.Update(docID, "ingest finished", func(r *registry.DocumentRecord) error {
		r.Status = status
		r.Error = detail
		r.ParserUsed = parserUsed
		r.PDF = result.PDF
		r.Processing = proc
		if textErr == nil {
			r.ChunksCreated = len(textRecords)
		}
		if imageErr == nil {
			r.ImagesStored = len(imageRecords)
		}
		return nil
	})
}

// ReingestImages re-runs extraction and replaces the document's image
// stream. When real images replace a marker-only stream, the document
// is upgraded from partial to success.
func (w *Worker) ReingestImages(ctx context.Context, docID string) (*registry.DocumentRecord, error) {
	rec, err := w.reg.Get(docID)
	if err != nil {
		return nil, err
	}

	path, err := w.blobs.SourcePath(docID)
	if err != nil {
		return nil, err
	}
	data, err := w.blobs.Read(path)
	if err != nil {
		return nil, err
	}

	// OCR leads: image extraction is the whole point here.
	chain := []Parser{w.parsers.OCR, w.parsers.ImageModel}
	result, _, _, err := RunChain(ctx, chain, w.cfg.ParserTimeout.Duration(), data, rec.OriginalName)
	if err != nil {
		return nil, fmt.Errorf("re-ingest parse failed: %w", err)
	}

	images := collectImages(result, rec.OriginalName)
	imageRecords := w.embedImages(ctx, docID, rec.OriginalName, images)

	// Replace atomically: clear the image stream, then insert fresh.
	if err := w.docs.DeleteByDocument(ctx, w.storage.ImagesIndex, docID); err != nil {
		return nil, fmt.Errorf("failed to clear image stream: %w", err)
	}
	if err := w.docs.InsertBatch(ctx, w.storage.ImagesIndex, imageRecords); err != nil {
		return nil, fmt.Errorf("failed to write image stream: %w", err)
	}

	return w.reg.Update(docID, "images re-ingested", func(r *registry.DocumentRecord) error {
		r.ImagesStored = len(imageRecords)
		if r.Status == registry.StatusPartial && r.Error == markerDetail &&
			countPlaceholders(images) == 0 && len(imageRecords) > 0 {
			r.Status = registry.StatusSuccess
			r.Error = ""
		}
		return nil
	})
}

// embedChunks embeds chunk texts in bounded parallel batches. Chunks
// whose batch permanently fails are reported so the document can be
// marked partial.
func (w *Worker) embedChunks(ctx context.Context, docID, name string, chunks []Chunk) ([]store.Record, int) {
	if len(chunks) == 0 {
		return nil, 0
	}

	batchSize := w.cfg.EmbedBatchSize
	type batchResult struct {
		start   int
		vectors [][]float32
	}

	var mu sync.Mutex
	var results []batchResult
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxConcurrentEmbedBatches)

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		start, end := start, end

		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, chunk := range chunks[start:end] {
				texts = append(texts, chunk.Text)
			}

			embedCtx, cancel := context.WithTimeout(gctx, w.cfg.EmbedTimeout.Duration())
			vectors, err := w.embedder.EmbedBatch(embedCtx, texts)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error("embedding batch failed",
					"document_id", docID,
					"chunks", fmt.Sprintf("%d-%d", start, end-1),
					"error", err)
				failed += end - start
				return nil // keep going; partial is better than nothing
			}
			results = append(results, batchResult{start: start, vectors: vectors})
			return nil
		})
	}
	_ = g.Wait()

	var records []store.Record
	for _, br := range results {
		for i, vec := range br.vectors {
			chunk := chunks[br.start+i]
			records = append(records, store.Record{
				ID:          uuid.NewString(),
				DocumentID:  docID,
				SourceName:  name,
				Page:        chunk.Page,
				ChunkIndex:  chunk.Index,
				TokenCount:  chunk.TokenCount,
				Text:        chunk.Text,
				Vector:      vec,
				ContentType: store.ContentTypeText,
			})
		}
	}
	return records, failed
}

// embedImages persists image blobs and embeds their OCR text (or the
// marker text for placeholders, so they stay findable by keyword).
func (w *Worker) embedImages(ctx context.Context, docID, name string, images []ExtractedImage) []store.Record {
	records := make([]store.Record, 0, len(images))
	for i, img := range images {
		imageID := uuid.NewString()
		if len(img.Data) > 0 {
			if _, err := w.blobs.PutImage(docID, imageID, img.Ext, img.Data); err != nil {
				slog.Warn("failed to store image blob", "document_id", docID, "error", err)
			}
		}

		text := img.OCRText
		if text == "" {
			text = fmt.Sprintf("[image %d from %s]", i+1, name)
		}

		embedCtx, cancel := context.WithTimeout(ctx, w.cfg.EmbedTimeout.Duration())
		vec, err := w.embedder.Embed(embedCtx, text)
		cancel()
		if err != nil {
			slog.Error("image embedding failed", "document_id", docID, "image", i+1, "error", err)
			continue
		}

		records = append(records, store.Record{
			ID:          imageID,
			DocumentID:  docID,
			SourceName:  name,
			ImageNumber: i + 1,
			Text:        text,
			Vector:      vec,
			ContentType: store.ContentTypeImageOCR,
		})
	}
	return records
}

// dualWrite sends chunks to the text index and image records to the
// images index concurrently. The writes are independent: one failing
// does not stop the other.
func (w *Worker) dualWrite(ctx context.Context, textRecords, imageRecords []store.Record) (textErr, imageErr error) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if len(textRecords) > 0 {
			textErr = w.docs.InsertBatch(ctx, w.storage.TextIndex, textRecords)
		}
	}()
	go func() {
		defer wg.Done()
		if len(imageRecords) > 0 {
			imageErr = w.docs.InsertBatch(ctx, w.storage.ImagesIndex, imageRecords)
		}
	}()
	wg.Wait()
	return textErr, imageErr
}

func (w *Worker) commitFailure(docID string, proc *registry.ProcessingMetadata, detail string) (*registry.DocumentRecord, error) {
	return w.reg.Update(docID, "ingest failed", func(r *registry.DocumentRecord) error {
		r.Status = registry.StatusFailed
		r.Error = detail
		r.Processing = proc
		return nil
	})
}

// collectImages flattens extracted images across pages, inserting
// placeholder markers when a parser detected images it could not
// extract. The marker count heuristic is one per 5000 characters of
// text, floor 1.
func collectImages(result *ParseResult, name string) []ExtractedImage {
	var images []ExtractedImage
	for _, page := range result.Pages {
		images = append(images, page.Images...)
	}
	if len(images) == 0 && result.ImagesDetected {
		n := result.TotalTextLen() / 5000
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			images = append(images, ExtractedImage{Placeholder: true})
		}
	}
	return images
}

// markerDetail flags a document whose imagery is held only by
// placeholder markers. ReingestImages clears it once real images land.
const markerDetail = "images detected but not extracted; placeholder markers stored"

func countPlaceholders(images []ExtractedImage) int {
	n := 0
	for _, img := range images {
		if img.Placeholder {
			n++
		}
	}
	return n
}

// terminalStatus derives the document status from what persisted. A
// clean ingest that stored placeholder markers instead of real images
// is partial until re-ingest replaces the markers.
func terminalStatus(chunksWanted, chunksEmbedded, imagesEmbedded, failedChunks, placeholders int, textErr, imageErr error) (registry.Status, string) {
	textPersisted := textErr == nil && chunksEmbedded > 0
	imagesPersisted := imageErr == nil && imagesEmbedded > 0
	anythingWanted := chunksWanted > 0 || imagesEmbedded > 0

	var problems []string
	if failedChunks > 0 {
		problems = append(problems, fmt.Sprintf("%d chunks failed to embed", failedChunks))
	}
	if textErr != nil {
		problems = append(problems, fmt.Sprintf("text index write failed: %v", textErr))
	}
	if imageErr != nil {
		problems = append(problems, fmt.Sprintf("images index write failed: %v", imageErr))
	}
	detail := ""
	if len(problems) > 0 {
		detail = fmt.Sprintf("%v", problems)
	}

	switch {
	case !anythingWanted:
		return registry.StatusSuccess, detail
	case len(problems) == 0 && placeholders > 0:
		return registry.StatusPartial, markerDetail
	case len(problems) == 0:
		return registry.StatusSuccess, ""
	case textPersisted || imagesPersisted:
		return registry.StatusPartial, detail
	default:
		return registry.StatusFailed, detail
	}
}
