package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrydocs/quarry/pkg/config"
	"github.com/quarrydocs/quarry/pkg/embedders"
	"github.com/quarrydocs/quarry/pkg/ingest"
	"github.com/quarrydocs/quarry/pkg/llms"
	"github.com/quarrydocs/quarry/pkg/registry"
	"github.com/quarrydocs/quarry/pkg/store"
)

const insufficientContextAnswer = "I don't have sufficient context to answer this question."

const answerSystemPrompt = `You answer questions strictly from the numbered context excerpts provided. Cite every claim with the [n] tag of the excerpt it came from. If the context does not contain the answer, say so plainly instead of guessing.`

// Options tune a single query. Zero values fall back to the configured
// defaults.
type Options struct {
	// K is the number of chunks kept after reranking.
	K int

	// SearchMode is "semantic", "keyword" or "hybrid".
	SearchMode string

	// UseMMR toggles maximal marginal relevance diversification.
	UseMMR *bool

	// UseHybridSearch is a legacy alias: true forces hybrid mode, false
	// forces semantic. SearchMode wins when both are set.
	UseHybridSearch *bool

	// SemanticWeight overrides the dense-score weight in fusion.
	SemanticWeight *float64

	// UseAgenticRAG enables query decomposition.
	UseAgenticRAG bool

	// Temperature and MaxTokens are forwarded to the generator.
	Temperature float64
	MaxTokens   int

	// DocumentID restricts retrieval to one document, resolved through
	// its original name so renames do not break the filter.
	DocumentID string

	// ActiveSources restricts retrieval to the named sources. Unknown
	// names degrade to unrestricted search with a warning.
	ActiveSources []string
}

// Answer is the result of a query. Images ride along unfused when the
// question mentions imagery; their content_type keeps them
// distinguishable from text hits.
type Answer struct {
	Answer           string        `json:"answer"`
	Sources          []string      `json:"sources"`
	Citations        []Citation    `json:"citations"`
	Images           []ImageResult `json:"images,omitempty"`
	NumChunksUsed    int           `json:"num_chunks_used"`
	ResponseTime     float64       `json:"response_time"`
	ContextTokens    int           `json:"context_tokens"`
	ResponseTokens   int           `json:"response_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	GenerationFailed bool          `json:"generation_failed,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
}

// ImageResult is one hit from the image-OCR index.
type ImageResult struct {
	ImageID     string  `json:"image_id"`
	SourceName  string  `json:"source_name"`
	Page        int     `json:"page,omitempty"`
	ImageNumber int     `json:"image_number"`
	OCRText     string  `json:"ocr_text"`
	Score       float64 `json:"score"`
	ContentType string  `json:"content_type"`
}

// Worker answers queries: hybrid candidate generation, MMR, reranking,
// context assembly and cited generation.
type Worker struct {
	cfg      *config.RetrievalConfig
	storage  *config.StorageConfig
	reg      *registry.Registry
	docs     store.Store
	embedder embedders.Provider
	gen      llms.Generator
	reranker Reranker
	counter  *ingest.TokenCounter
}

// NewWorker wires a retrieval worker. The reranker is optional and comes
// from cfg.Rerank; without it the fused order is final.
func NewWorker(cfg *config.RetrievalConfig, storage *config.StorageConfig, reg *registry.Registry, docs store.Store, embedder embedders.Provider, gen llms.Generator) (*Worker, error) {
	counter, err := ingest.NewTokenCounter("cl100k_base")
	if err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:      cfg,
		storage:  storage,
		reg:      reg,
		docs:     docs,
		embedder: embedder,
		gen:      gen,
		counter:  counter,
	}
	if cfg.Rerank != nil && cfg.Rerank.URL != "" {
		w.reranker = NewHTTPReranker(cfg.Rerank)
	}
	return w, nil
}

// Query answers a question over the text index.
func (w *Worker) Query(ctx context.Context, question string, opts Options) (*Answer, error) {
	started := time.Now()

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}

	k, mode, weight, useMMR, err := w.resolve(opts)
	if err != nil {
		return nil, err
	}

	var warnings []string
	filter, filterWarnings, err := w.buildFilter(opts)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, filterWarnings...)

	// Questions that mention imagery also search the image-OCR index,
	// in parallel with text retrieval. Image hits are never fused with
	// the text pool.
	var (
		imageWG       sync.WaitGroup
		images        []ImageResult
		imageWarnings []string
	)
	if mentionsImagery(question) {
		imageWG.Add(1)
		go func() {
			defer imageWG.Done()
			results, _, err := w.QueryImages(ctx, question, opts)
			if err != nil {
				slog.Warn("image retrieval failed", "error", err)
				imageWarnings = []string{"image retrieval unavailable"}
				return
			}
			images = results
		}()
	}

	questions := []string{question}
	if opts.UseAgenticRAG {
		subs, err := w.decompose(ctx, question, opts)
		if err != nil {
			slog.Warn("query decomposition failed, using original question", "error", err)
			warnings = append(warnings, "query decomposition unavailable")
		} else {
			questions = subs
		}
	}

	candidates, searchWarnings, err := w.gather(ctx, questions, w.storage.TextIndex, mode, weight, k, filter)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, searchWarnings...)

	if len(candidates) == 0 {
		imageWG.Wait()
		return &Answer{
			Answer:       insufficientContextAnswer,
			Sources:      []string{},
			Citations:    []Citation{},
			Images:       images,
			ResponseTime: time.Since(started).Seconds(),
			Warnings:     append(warnings, imageWarnings...),
		}, nil
	}

	top, rerankWarnings := w.rankPool(ctx, question, candidates, k, useMMR)
	warnings = append(warnings, rerankWarnings...)

	contextText, used := assembleContext(top, w.counter, w.cfg.MaxContextTokens)
	contextTokens := w.counter.Count(contextText)

	answerText, generationFailed := w.generate(ctx, question, contextText, opts)
	if generationFailed {
		// Extractive fallback: the numbered excerpts are the answer.
		answerText = contextText
		warnings = append(warnings, "answer generation unavailable, returning extracted chunks")
	}

	imageWG.Wait()
	warnings = append(warnings, imageWarnings...)

	responseTokens := w.counter.Count(answerText)
	return &Answer{
		Answer:           answerText,
		Sources:          sourceNames(used),
		Citations:        extractCitations(answerText, used),
		Images:           images,
		NumChunksUsed:    len(used),
		ResponseTime:     time.Since(started).Seconds(),
		ContextTokens:    contextTokens,
		ResponseTokens:   responseTokens,
		TotalTokens:      contextTokens + responseTokens,
		GenerationFailed: generationFailed,
		Warnings:         warnings,
	}, nil
}

var imageryTerms = []string{
	"image", "picture", "photo", "figure", "diagram", "chart",
	"screenshot", "drawing", "illustration", "scan", "graphic",
}

// mentionsImagery reports whether a question asks about visual content.
func mentionsImagery(question string) bool {
	q := strings.ToLower(question)
	for _, term := range imageryTerms {
		if strings.Contains(q, term) {
			return true
		}
	}
	return false
}

// QueryImages searches the image-OCR index. Image hits are never fused
// with text results.
func (w *Worker) QueryImages(ctx context.Context, question string, opts Options) ([]ImageResult, []string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, nil, fmt.Errorf("question is required")
	}

	k, mode, weight, useMMR, err := w.resolve(opts)
	if err != nil {
		return nil, nil, err
	}
	filter, warnings, err := w.buildFilter(opts)
	if err != nil {
		return nil, nil, err
	}

	candidates, searchWarnings, err := w.gather(ctx, []string{question}, w.storage.ImagesIndex, mode, weight, k, filter)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, searchWarnings...)

	top, rerankWarnings := w.rankPool(ctx, question, candidates, k, useMMR)
	warnings = append(warnings, rerankWarnings...)

	results := make([]ImageResult, 0, len(top))
	for _, c := range top {
		score := c.Fused
		if c.HasRerank {
			score = c.Rerank
		}
		results = append(results, ImageResult{
			ImageID:     c.Record.ID,
			SourceName:  c.Record.SourceName,
			Page:        c.Record.Page,
			ImageNumber: c.Record.ImageNumber,
			OCRText:     c.Record.Text,
			Score:       score,
			ContentType: c.Record.ContentType,
		})
	}
	return results, warnings, nil
}

// resolve merges per-query options with configured defaults.
func (w *Worker) resolve(opts Options) (k int, mode string, weight float64, useMMR bool, err error) {
	k = opts.K
	if k <= 0 {
		k = w.cfg.TopK
	}

	mode = opts.SearchMode
	if mode == "" && opts.UseHybridSearch != nil {
		if *opts.UseHybridSearch {
			mode = "hybrid"
		} else {
			mode = "semantic"
		}
	}
	if mode == "" {
		mode = w.cfg.SearchMode
	}
	switch mode {
	case "semantic", "keyword", "hybrid":
	default:
		return 0, "", 0, false, fmt.Errorf("invalid search_mode %q (valid: semantic, keyword, hybrid)", mode)
	}

	weight = w.cfg.SemanticWeight
	if opts.SemanticWeight != nil {
		weight = *opts.SemanticWeight
		if weight < 0 || weight > 1 {
			return 0, "", 0, false, fmt.Errorf("semantic_weight must be between 0 and 1")
		}
	}

	useMMR = w.cfg.UseMMR == nil || *w.cfg.UseMMR
	if opts.UseMMR != nil {
		useMMR = *opts.UseMMR
	}
	return k, mode, weight, useMMR, nil
}

// buildFilter translates document and source restrictions into a store
// filter. Filtering is by name-at-ingest-time (original_name) so renamed
// documents keep matching their indexed chunks.
func (w *Worker) buildFilter(opts Options) (*store.Filter, []string, error) {
	if opts.DocumentID != "" {
		rec, err := w.reg.Get(opts.DocumentID)
		if err != nil {
			return nil, nil, err
		}
		return &store.Filter{SourceNames: []string{rec.OriginalName}}, nil, nil
	}

	if len(opts.ActiveSources) == 0 {
		return nil, nil, nil
	}

	known := make(map[string]string) // name or original name -> original name
	for _, rec := range w.reg.List() {
		known[rec.Name] = rec.OriginalName
		known[rec.OriginalName] = rec.OriginalName
	}

	var resolved []string
	var unknown []string
	seen := make(map[string]bool)
	for _, name := range opts.ActiveSources {
		original, ok := known[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if !seen[original] {
			seen[original] = true
			resolved = append(resolved, original)
		}
	}

	if len(resolved) == 0 {
		slog.Warn("no active_sources matched known documents, searching unrestricted", "requested", opts.ActiveSources)
		return nil, []string{fmt.Sprintf("unknown sources %v, searched all documents", unknown)}, nil
	}
	var warnings []string
	if len(unknown) > 0 {
		warnings = append(warnings, fmt.Sprintf("unknown sources %v ignored", unknown))
	}
	return &store.Filter{SourceNames: resolved}, warnings, nil
}

func (w *Worker) decompose(ctx context.Context, question string, opts Options) ([]string, error) {
	genCtx, cancel := context.WithTimeout(ctx, w.cfg.GenerateTimeout.Duration())
	defer cancel()
	return NewDecomposer(w.gen).Decompose(genCtx, question)
}

// gather runs candidate generation for every (sub-)question in parallel
// and unions the pools, keeping each record's best fused score.
func (w *Worker) gather(ctx context.Context, questions []string, index, mode string, weight float64, k int, filter *store.Filter) ([]*Candidate, []string, error) {
	kPool := 5 * k
	if kPool < 50 {
		kPool = 50
	}

	var mu sync.Mutex
	union := make(map[string]*Candidate)
	var warnings []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, q := range questions {
		q := q
		g.Go(func() error {
			cands, warns, err := w.searchOne(gctx, q, index, mode, weight, kPool, filter)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			warnings = append(warnings, warns...)
			for _, c := range cands {
				if prev, ok := union[c.Record.ID]; !ok || c.Fused > prev.Fused {
					union[c.Record.ID] = c
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	merged := make([]*Candidate, 0, len(union))
	for _, c := range union {
		merged = append(merged, c)
	}
	sortByFused(merged)
	return merged, warnings, nil
}

// searchOne runs the configured score streams for one question and fuses
// them.
func (w *Worker) searchOne(ctx context.Context, question, index, mode string, weight float64, kPool int, filter *store.Filter) ([]*Candidate, []string, error) {
	var warnings []string
	var semantic, lexical []store.SearchResult

	if mode != "keyword" {
		vec, err := w.embedQuestion(ctx, question)
		if err != nil {
			if mode == "semantic" {
				return nil, nil, fmt.Errorf("failed to embed question: %w", err)
			}
			slog.Warn("question embedding failed, keyword-only search", "error", err)
			warnings = append(warnings, "semantic search unavailable, keyword results only")
		} else {
			searchCtx, cancel := context.WithTimeout(ctx, w.cfg.SearchTimeout.Duration())
			semantic, err = w.docs.SemanticSearch(searchCtx, index, vec, kPool, filter)
			cancel()
			if err != nil {
				return nil, nil, fmt.Errorf("semantic search failed: %w", err)
			}
		}
	}

	if mode != "semantic" {
		searchCtx, cancel := context.WithTimeout(ctx, w.cfg.SearchTimeout.Duration())
		results, err := w.docs.LexicalSearch(searchCtx, index, question, kPool, filter)
		cancel()
		if err != nil {
			if len(semantic) == 0 {
				return nil, nil, fmt.Errorf("lexical search failed: %w", err)
			}
			slog.Warn("lexical search failed, semantic results only", "error", err)
			warnings = append(warnings, "keyword search unavailable, semantic results only")
		} else {
			lexical = results
		}
	}

	return fuse(semantic, lexical, weight), warnings, nil
}

func (w *Worker) embedQuestion(ctx context.Context, question string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, w.cfg.SearchTimeout.Duration())
	defer cancel()
	return w.embedder.Embed(embedCtx, question)
}

// rankPool applies MMR and reranking to the fused pool and returns the
// top k candidates.
func (w *Worker) rankPool(ctx context.Context, question string, candidates []*Candidate, k int, useMMR bool) ([]*Candidate, []string) {
	kRerank := 3 * k
	if useMMR {
		candidates = maximalMarginalRelevance(candidates, w.cfg.MMRLambda, kRerank)
	} else if len(candidates) > kRerank {
		candidates = candidates[:kRerank]
	}

	var warnings []string
	if w.reranker != nil && len(candidates) > 0 {
		texts := make([]string, len(candidates))
		for i, c := range candidates {
			texts[i] = c.Record.Text
		}
		rerankCtx, cancel := context.WithTimeout(ctx, w.cfg.RerankTimeout.Duration())
		scores, err := w.reranker.Rerank(rerankCtx, question, texts)
		cancel()
		if err != nil {
			slog.Warn("reranking failed, keeping fused order", "error", err)
			warnings = append(warnings, "reranker unavailable, using fused order")
		} else {
			for i, c := range candidates {
				c.Rerank = scores[i]
				c.HasRerank = true
			}
		}
	}
	sortByRerank(candidates)

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, warnings
}

// generate asks the generator for a cited answer. A failure switches the
// caller to the extractive fallback.
func (w *Worker) generate(ctx context.Context, question, contextText string, opts Options) (string, bool) {
	genCtx, cancel := context.WithTimeout(ctx, w.cfg.GenerateTimeout.Duration())
	defer cancel()

	answer, err := w.gen.Generate(genCtx, []llms.Message{
		llms.System(answerSystemPrompt),
		llms.User(fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, question)),
	}, llms.Options{Temperature: opts.Temperature, MaxTokens: opts.MaxTokens})
	if err != nil {
		slog.Error("answer generation failed", "error", err)
		return "", true
	}
	return strings.TrimSpace(answer), false
}

func sourceNames(used []*Candidate) []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range used {
		if !seen[c.Record.SourceName] {
			seen[c.Record.SourceName] = true
			names = append(names, c.Record.SourceName)
		}
	}
	sort.Strings(names)
	return names
}
