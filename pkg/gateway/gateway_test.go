package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydocs/quarry/pkg/blob"
	"github.com/quarrydocs/quarry/pkg/config"
	"github.com/quarrydocs/quarry/pkg/ingest"
	"github.com/quarrydocs/quarry/pkg/llms"
	"github.com/quarrydocs/quarry/pkg/registry"
	"github.com/quarrydocs/quarry/pkg/retrieval"
	"github.com/quarrydocs/quarry/pkg/store"
)

// memStore is an in-memory store.Store for handler tests.
type memStore struct {
	mu      sync.Mutex
	records map[string][]store.Record
}

func newMemStore() *memStore {
	return &memStore{records: map[string][]store.Record{}}
}

func (m *memStore) EnsureIndex(ctx context.Context, index string, vectorDim int) error { return nil }
func (m *memStore) IndexExists(ctx context.Context, index string) (bool, error)       { return true, nil }

func (m *memStore) InsertBatch(ctx context.Context, index string, records []store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[index] = append(m.records[index], records...)
	return nil
}

func (m *memStore) DeleteByDocument(ctx context.Context, index, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[index][:0]
	for _, rec := range m.records[index] {
		if rec.DocumentID != documentID {
			kept = append(kept, rec)
		}
	}
	m.records[index] = kept
	return nil
}

func (m *memStore) SemanticSearch(ctx context.Context, index string, vector []float32, topK int, filter *store.Filter) ([]store.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.SearchResult
	for _, rec := range m.records[index] {
		if filter.Match(&rec) {
			out = append(out, store.SearchResult{Record: rec, Score: 0.9})
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memStore) LexicalSearch(ctx context.Context, index, query string, topK int, filter *store.Filter) ([]store.SearchResult, error) {
	return nil, nil
}

func (m *memStore) GetByDocument(ctx context.Context, index, documentID string) ([]store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Record
	for _, rec := range m.records[index] {
		if rec.DocumentID == documentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) Count(ctx context.Context, index string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[index]), nil
}

func (m *memStore) Close() error { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (fakeEmbedder) Dimension() int    { return 2 }
func (fakeEmbedder) ModelName() string { return "fake" }
func (fakeEmbedder) Close() error      { return nil }

type fakeGenerator struct{ response string }

func (g fakeGenerator) Generate(ctx context.Context, messages []llms.Message, opts llms.Options) (string, error) {
	return g.response, nil
}
func (fakeGenerator) ModelName() string { return "fake" }
func (fakeGenerator) Close() error      { return nil }

type fixture struct {
	server   *httptest.Server
	service  *Service
	docs     *memStore
	reg      *registry.Registry
	registryDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	registryDir := filepath.Join(dir, "registry")
	require.NoError(t, os.MkdirAll(registryDir, 0o755))

	reg, err := registry.Open(registryDir)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Storage.DataDir = dir

	docs := newMemStore()
	embedder := fakeEmbedder{}
	gen := fakeGenerator{response: "cited answer [1]"}

	ingester := ingest.NewWorker(&cfg.Ingestion, &cfg.Storage, reg, blobs, docs, embedder)
	retriever, err := retrieval.NewWorker(&cfg.Retrieval, &cfg.Storage, reg, docs, embedder, gen)
	require.NoError(t, err)

	service := NewService(cfg, reg, blobs, docs, ingester, retriever, false)
	srv := NewServer(&cfg.Server, service)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &fixture{server: ts, service: service, docs: docs, reg: reg, registryDir: registryDir}
}

func (f *fixture) upload(t *testing.T, name, content string, fields map[string]string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if name != "" {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.server.URL+"/documents", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestUploadAndFetchDocument(t *testing.T) {
	f := newFixture(t)

	resp := f.upload(t, "notes.txt", "The Acme X-90 enclosure has tolerance 0.05mm.", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[registry.DocumentRecord](t, resp)
	assert.Equal(t, "notes.txt", rec.Name)
	assert.Equal(t, registry.StatusSuccess, rec.Status)
	assert.NotEmpty(t, rec.DocumentID)

	getResp, err := http.Get(f.server.URL + "/documents/" + rec.DocumentID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	fetched := decode[registry.DocumentRecord](t, getResp)
	assert.Equal(t, rec.FileHash, fetched.FileHash)

	listResp, err := http.Get(f.server.URL + "/documents")
	require.NoError(t, err)
	list := decode[struct {
		Documents []registry.DocumentRecord `json:"documents"`
		Total     int                       `json:"total"`
	}](t, listResp)
	assert.Equal(t, 1, list.Total)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.upload(t, "", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Contains(t, body["detail"], "file")

	resp = f.upload(t, "notes.txt", "content", map[string]string{"parser_preference": "psychic"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = f.upload(t, "notes.txt", "content", map[string]string{"chunking_strategy": "gigantic"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetUnknownDocumentIs404(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/documents/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.NotEmpty(t, body["detail"])
}

func TestRenameDocument(t *testing.T) {
	f := newFixture(t)
	resp := f.upload(t, "v1.txt", "some document body", nil)
	rec := decode[registry.DocumentRecord](t, resp)

	req, err := http.NewRequest(http.MethodPut, f.server.URL+"/documents/"+rec.DocumentID,
		strings.NewReader(`{"name":"v2.txt"}`))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, putResp.StatusCode)
	updated := decode[registry.DocumentRecord](t, putResp)
	assert.Equal(t, "v2.txt", updated.Name)
	assert.Equal(t, "v1.txt", updated.OriginalName)

	// Missing name fails validation.
	req, err = http.NewRequest(http.MethodPut, f.server.URL+"/documents/"+rec.DocumentID,
		strings.NewReader(`{}`))
	require.NoError(t, err)
	putResp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, putResp.StatusCode)
}

func TestUpdateConflictIs409(t *testing.T) {
	f := newFixture(t)
	resp := f.upload(t, "doc.txt", "content for conflict test", nil)
	rec := decode[registry.DocumentRecord](t, resp)

	// Simulate another process bumping the registry version.
	require.NoError(t, os.WriteFile(filepath.Join(f.registryDir, "version"), []byte("99"), 0o644))

	req, err := http.NewRequest(http.MethodPut, f.server.URL+"/documents/"+rec.DocumentID,
		strings.NewReader(`{"name":"renamed.txt"}`))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, putResp.StatusCode)
}

func TestDeleteDocumentCascades(t *testing.T) {
	f := newFixture(t)
	resp := f.upload(t, "doomed.txt", "this document will be deleted", nil)
	rec := decode[registry.DocumentRecord](t, resp)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/documents/"+rec.DocumentID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	stored, err := f.docs.GetByDocument(context.Background(), "quarry_text", rec.DocumentID)
	require.NoError(t, err)
	assert.Empty(t, stored)

	// Second delete: gone from the registry.
	delResp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, delResp2.StatusCode)
}

func TestQueryEndpoint(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "spec.txt", "The Acme X-90 enclosure has tolerance 0.05mm.", nil)

	resp := f.postJSON(t, "/query", map[string]any{"question": "what is the tolerance?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	answer := decode[retrieval.Answer](t, resp)
	assert.Equal(t, "cited answer [1]", answer.Answer)
	assert.Equal(t, []string{"spec.txt"}, answer.Sources)
	require.NotEmpty(t, answer.Citations)
	assert.Equal(t, store.ContentTypeText, answer.Citations[0].ContentType)

	// Missing question is a validation error.
	resp = f.postJSON(t, "/query", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestQueryImagesEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.docs.InsertBatch(context.Background(), "quarry_images", []store.Record{{
		ID:          "img-1",
		DocumentID:  "doc-1",
		SourceName:  "scan.pdf",
		Page:        3,
		ImageNumber: 1,
		Text:        "PART NO. 12345",
		Vector:      []float32{1, 0},
		ContentType: store.ContentTypeImageOCR,
	}}))

	resp := f.postJSON(t, "/query/images", map[string]any{"question": "part number"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[ImageQueryResult](t, resp)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, store.ContentTypeImageOCR, result.ContentType)
	assert.Equal(t, "quarry_images", result.ImagesIndex)
	assert.Equal(t, "PART NO. 12345", result.Images[0].OCRText)
}

func TestPageAndStorageStatusEndpoints(t *testing.T) {
	f := newFixture(t)
	resp := f.upload(t, "doc.txt", "short page of text for status checks", nil)
	rec := decode[registry.DocumentRecord](t, resp)

	pageResp, err := http.Get(fmt.Sprintf("%s/documents/%s/pages/1", f.server.URL, rec.DocumentID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, pageResp.StatusCode)
	page := decode[PageContent](t, pageResp)
	assert.Equal(t, 1, page.Page)
	assert.Greater(t, page.TotalChunks, 0)

	statusResp, err := http.Get(fmt.Sprintf("%s/documents/%s/storage/status", f.server.URL, rec.DocumentID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
	status := decode[StorageStatus](t, statusResp)
	assert.Equal(t, "success", status.Status)
	assert.Equal(t, status.ChunksCreated, status.ChunksStored)

	chunksResp, err := http.Get(fmt.Sprintf("%s/documents/%s/chunks", f.server.URL, rec.DocumentID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, chunksResp.StatusCode)
	chunks := decode[struct {
		Chunks []store.Record `json:"chunks"`
		Total  int            `json:"total"`
	}](t, chunksResp)
	assert.Equal(t, status.ChunksStored, chunks.Total)
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc.txt", "some content for statistics", nil)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[Health](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Documents)

	statsResp, err := http.Get(f.server.URL + "/stats")
	require.NoError(t, err)
	stats := decode[Stats](t, statsResp)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 1, stats.ByStatus["success"])
	assert.Greater(t, stats.TextRecords, 0)
}

func TestMetricsEndpointExposed(t *testing.T) {
	f := newFixture(t)

	// Generate at least one observation so the counter materialises.
	_, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "quarry_http_requests_total")
}
