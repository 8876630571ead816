package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	cfg.Embedder.APIKey = "test-key"
	cfg.Generator.APIKey = "test-key"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "quarry_text", cfg.Storage.TextIndex)
	assert.Equal(t, "quarry_images", cfg.Storage.ImagesIndex)
	assert.Equal(t, 6, cfg.Retrieval.TopK)
	assert.Equal(t, "hybrid", cfg.Retrieval.SearchMode)
	assert.InDelta(t, 0.7, cfg.Retrieval.SemanticWeight, 1e-9)
	assert.True(t, BoolValue(cfg.Retrieval.UseMMR, false))
}

func TestChunkPresets(t *testing.T) {
	tests := []struct {
		strategy string
		size     int
		overlap  int
	}{
		{ChunkingPrecise, 256, 50},
		{ChunkingBalanced, 384, 75},
		{ChunkingComprehensive, 512, 100},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			cfg := IngestionConfig{ChunkingStrategy: tt.strategy}
			cfg.SetDefaults()
			size, overlap := cfg.ChunkPreset()
			assert.Equal(t, tt.size, size)
			assert.Equal(t, tt.overlap, overlap)
		})
	}
}

func TestIngestionConfigRejectsBadStrategy(t *testing.T) {
	cfg := IngestionConfig{ChunkingStrategy: "gigantic"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunking_strategy")
}

func TestRetrievalConfigRejectsBadWeight(t *testing.T) {
	cfg := RetrievalConfig{}
	cfg.SetDefaults()
	cfg.SemanticWeight = 1.5
	require.Error(t, cfg.Validate())
}

func TestStorageConfigQdrantRequiresHost(t *testing.T) {
	cfg := StorageConfig{Backend: "qdrant"}
	cfg.SetDefaults()
	require.Error(t, cfg.Validate())

	cfg.Qdrant = &QdrantConfig{Host: "localhost"}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6334, cfg.Qdrant.Port)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("QUARRY_TEST_KEY", "sekrit")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
embedder:
  type: openai
  api_key: ${QUARRY_TEST_KEY}
generator:
  type: openai
  api_key: ${QUARRY_TEST_KEY}
retrieval:
  search_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.Embedder.APIKey)
	assert.Equal(t, 5*time.Second, cfg.Retrieval.SearchTimeout.Duration())
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  search_mode: psychic\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search_mode")
}
