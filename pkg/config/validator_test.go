package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func TestValidateDefaults(t *testing.T) {
	assert.Empty(t, validConfig().Validate())
}

func TestValidateBaseURL(t *testing.T) {
	config := validConfig()
	config.LLM.BaseURL = ""

	errors := config.Validate()
	require.Len(t, errors, 1)
	assert.Equal(t, "llm.base_url", errors[0].Field)
}

func TestValidateMaxTokens(t *testing.T) {
	config := validConfig()
	config.LLM.MaxTokens = 0
	assertFieldInvalid(t, config, "llm.max_tokens")

	config = validConfig()
	config.LLM.MaxTokens = 5000
	// 5000 tokens also breaks the context window constraint
	errors := config.Validate()
	assert.NotEmpty(t, errors)
}

func TestValidateContextWindowCoversResponse(t *testing.T) {
	config := validConfig()
	config.LLM.ContextWindow = config.LLM.MaxTokens - 1
	assertFieldInvalid(t, config, "llm.context_window")
}

func TestValidateChunkOverlap(t *testing.T) {
	config := validConfig()
	config.Ingest.ChunkOverlap = config.Ingest.ChunkSize
	assertFieldInvalid(t, config, "ingest.chunk_overlap")

	config = validConfig()
	config.Ingest.ChunkOverlap = -1
	assertFieldInvalid(t, config, "ingest.chunk_overlap")
}

func TestValidateThermalThresholds(t *testing.T) {
	config := validConfig()
	config.Thermal.HaltCelsius = config.Thermal.AlertCelsius
	assertFieldInvalid(t, config, "thermal.halt_celsius")

	config = validConfig()
	config.Thermal.ResumeCelsius = config.Thermal.AlertCelsius
	assertFieldInvalid(t, config, "thermal.resume_celsius")
}

func assertFieldInvalid(t *testing.T, config *Config, field string) {
	t.Helper()
	for _, err := range config.Validate() {
		if err.Field == field {
			return
		}
	}
	t.Errorf("expected validation error on %s", field)
}
