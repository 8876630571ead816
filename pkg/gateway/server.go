package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quarrydocs/quarry/pkg/config"
	"github.com/quarrydocs/quarry/pkg/ingest"
	"github.com/quarrydocs/quarry/pkg/retrieval"
)

// Server serves the REST surface.
type Server struct {
	cfg     *config.ServerConfig
	service *Service
	httpSrv *http.Server
}

// NewServer builds the HTTP server around the gateway service.
func NewServer(cfg *config.ServerConfig, service *Service) *Server {
	s := &Server{cfg: cfg, service: service}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout.Duration()))
	}

	r.Route("/documents", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Put("/", s.handleUpdate)
			r.Delete("/", s.handleDelete)
			r.Get("/pages/{page}", s.handlePage)
			r.Get("/storage/status", s.handleStorageStatus)
			r.Get("/chunks", s.handleChunks)
			r.Post("/images/reingest", s.handleReingestImages)
		})
	})
	r.Post("/query", s.handleQuery)
	r.Post("/query/images", s.handleQueryImages)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if s.cfg.EnableMetrics == nil || *s.cfg.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "file: a file upload is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read upload: %v", err))
		return
	}

	opts := ingest.Options{
		ParserPreference: r.FormValue("parser_preference"),
		ChunkingStrategy: r.FormValue("chunking_strategy"),
		Source:           "api",
		Uploader:         r.FormValue("uploader"),
	}

	rec, err := s.service.UploadDocument(r.Context(), data, header.Filename, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if rec.Processing != nil {
		observeIngest(rec.Processing.ParseMillis, rec.Processing.ChunkMillis, rec.Processing.EmbedMillis, rec.Processing.StoreMillis)
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records := s.service.ListDocuments()
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": records,
		"total":     len(records),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.GetDocument(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var update DocumentUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	rec, err := s.service.UpdateDocument(chi.URLParam(r, "id"), update)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteDocument(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReingestImages(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.ReingestImages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// queryRequest is the /query body: the question plus every retrieval
// option. Unknown fields are ignored.
type queryRequest struct {
	Question        string   `json:"question"`
	K               int      `json:"k"`
	SearchMode      string   `json:"search_mode"`
	UseMMR          *bool    `json:"use_mmr"`
	UseHybridSearch *bool    `json:"use_hybrid_search"`
	SemanticWeight  *float64 `json:"semantic_weight"`
	UseAgenticRAG   bool     `json:"use_agentic_rag"`
	Temperature     float64  `json:"temperature"`
	MaxTokens       int      `json:"max_tokens"`
	DocumentID      string   `json:"document_id"`
	ActiveSources   []string `json:"active_sources"`
}

func (q *queryRequest) options() retrieval.Options {
	return retrieval.Options{
		K:               q.K,
		SearchMode:      q.SearchMode,
		UseMMR:          q.UseMMR,
		UseHybridSearch: q.UseHybridSearch,
		SemanticWeight:  q.SemanticWeight,
		UseAgenticRAG:   q.UseAgenticRAG,
		Temperature:     q.Temperature,
		MaxTokens:       q.MaxTokens,
		DocumentID:      q.DocumentID,
		ActiveSources:   q.ActiveSources,
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusUnprocessableEntity, "question: question is required")
		return
	}

	answer, err := s.service.Query(r.Context(), req.Question, req.options())
	if err != nil {
		queriesTotal.WithLabelValues("text", "error").Inc()
		writeServiceError(w, err)
		return
	}
	outcome := "ok"
	if answer.GenerationFailed {
		outcome = "generation_failed"
	}
	queriesTotal.WithLabelValues("text", outcome).Inc()
	writeJSON(w, http.StatusOK, answer)
}

type imageQueryRequest struct {
	Question string `json:"question"`
	Source   string `json:"source"`
	K        int    `json:"k"`
}

func (s *Server) handleQueryImages(w http.ResponseWriter, r *http.Request) {
	var req imageQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusUnprocessableEntity, "question: question is required")
		return
	}

	opts := retrieval.Options{K: req.K}
	if req.Source != "" {
		opts.ActiveSources = []string{req.Source}
	}
	result, err := s.service.QueryImages(r.Context(), req.Question, opts)
	if err != nil {
		queriesTotal.WithLabelValues("images", "error").Inc()
		writeServiceError(w, err)
		return
	}
	queriesTotal.WithLabelValues("images", "ok").Inc()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "page: must be an integer")
		return
	}
	content, err := s.service.GetPage(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func (s *Server) handleStorageStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.GetStorageStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.service.ListChunks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunks": chunks,
		"total":  len(chunks),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.service.GetHealth(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError emits the {"detail": ...} error body every endpoint uses.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}
