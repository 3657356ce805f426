package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.Index.BatchSize)
	assert.Equal(t, 0.25, cfg.Search.Threshold)
	assert.Equal(t, 100, cfg.Search.Limit)
	assert.Equal(t, 1.2, cfg.Search.PenaltyFactor)
	assert.Equal(t, "deterministic", cfg.Embedding.Provider)
	assert.Equal(t, 512, cfg.Embedding.Dimension)
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultConfig().Search, cfg.Search)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "photosearch.yaml")

	content := `
index:
  batch_size: 25
search:
  threshold: 0.3
  cache_ttl: 90s
expansion:
  timeout: 2s
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Index.BatchSize)
	assert.Equal(t, 0.3, cfg.Search.Threshold)
	assert.Equal(t, 90*time.Second, cfg.Search.CacheTTL)
	assert.Equal(t, 2*time.Second, cfg.Expansion.Timeout)
	// untouched keys keep their defaults
	assert.Equal(t, 100, cfg.Search.Limit)
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "photosearch.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("index: [unclosed"), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoadFromDir(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, EnsureDataDir(tmpDir))

	content := `
library:
  max_photos: 1000
`
	require.NoError(t, os.WriteFile(filepath.Join(DataDir(tmpDir), "config.yaml"), []byte(content), 0644))

	cfg, err := LoadFromDir(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Library.MaxPhotos)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photosearch.yaml")
	cfg := DefaultConfig()
	cfg.Labels.Names = []string{"sunset"}

	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"sunset"}, loaded.Labels.Names)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("/photos", ".photosearch", "index.db"), IndexDBPath("/photos"))

	cfg := DefaultConfig()
	assert.Empty(t, cfg.LegacyCachePath("/photos"))

	cfg.Index.LegacyCache = "indexed.json"
	assert.Equal(t, filepath.Join("/photos", "indexed.json"), cfg.LegacyCachePath("/photos"))

	cfg.Index.LegacyCache = "/var/cache/indexed.json"
	assert.Equal(t, "/var/cache/indexed.json", cfg.LegacyCachePath("/photos"))
}
