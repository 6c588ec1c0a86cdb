package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configData := `
llm:
  base_url: "http://localhost:11434"
  model: "mistral"
  embedding_model: "nomic-embed-text:latest"
  max_tokens: 1000
  temperature: 0.5
  context_window: 4096
  first_token_timeout: 45s

database:
  url: "postgres://localhost:5432/test"
  table_prefix: "test_guide"
  vector_dim: 768
  search_limit: 3

ingest:
  chunk_size: 256
  chunk_overlap: 32

thermal:
  alert_celsius: 70
  halt_celsius: 80
  resume_celsius: 65

ui:
  streaming: false
`
	err := os.WriteFile(configPath, []byte(configData), 0644)
	require.NoError(t, err)

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434", config.LLM.BaseURL)
	assert.Equal(t, "mistral", config.LLM.Model)
	assert.Equal(t, 1000, config.LLM.MaxTokens)
	assert.Equal(t, 0.5, config.LLM.Temperature)
	assert.Equal(t, 4096, config.LLM.ContextWindow)
	assert.Equal(t, 45*time.Second, config.LLM.FirstTokenTimeout)
	assert.Equal(t, "postgres://localhost:5432/test", config.Database.URL)
	assert.Equal(t, "test_guide", config.Database.TablePrefix)
	assert.Equal(t, 3, config.Database.SearchLimit)
	assert.Equal(t, 256, config.Ingest.ChunkSize)
	assert.Equal(t, 32, config.Ingest.ChunkOverlap)
	assert.Equal(t, 70.0, config.Thermal.AlertCelsius)
	assert.Equal(t, 80.0, config.Thermal.HaltCelsius)
	assert.False(t, config.UI.Streaming)
}

func TestLoadConfigDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("{}"), 0644))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434", config.LLM.BaseURL)
	assert.Equal(t, "mistral", config.LLM.Model)
	assert.Equal(t, "nomic-embed-text:latest", config.LLM.EmbeddingModel)
	assert.Equal(t, 512, config.LLM.MaxTokens)
	assert.Equal(t, 2048, config.LLM.ContextWindow)
	assert.Equal(t, 3, config.LLM.MaxRetries)
	assert.Equal(t, 60*time.Second, config.LLM.FirstTokenTimeout)
	assert.Equal(t, "guide", config.Database.TablePrefix)
	assert.Equal(t, 768, config.Database.VectorDim)
	assert.Equal(t, 512, config.Ingest.ChunkSize)
	assert.Equal(t, 50, config.Ingest.ChunkOverlap)
	assert.Equal(t, int64(10<<20), config.Ingest.MaxContentBytes)
	assert.Equal(t, 30*time.Second, config.Thermal.SampleInterval)
	assert.Equal(t, 3, config.Thermal.Samples)
	assert.Equal(t, 75.0, config.Thermal.AlertCelsius)
	assert.Equal(t, 85.0, config.Thermal.HaltCelsius)
	assert.Equal(t, 70.0, config.Thermal.ResumeCelsius)
	assert.Equal(t, "info", config.Logging.Level)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://ollama.local:11434")
	t.Setenv("DATABASE_URL", "postgres://env-host:5432/guide")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configData := `
llm:
  base_url: "http://file-host:11434"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configData), 0644))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "http://ollama.local:11434", config.LLM.BaseURL)
	assert.Equal(t, "postgres://env-host:5432/guide", config.Database.URL)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}
