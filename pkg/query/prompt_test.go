package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerag/guide/internal/models"
	"github.com/edgerag/guide/pkg/chunker"
)

func newBuilder(t *testing.T, contextWindow, maxTokens int) *PromptBuilder {
	t.Helper()
	chk, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 64, ChunkOverlap: 8})
	require.NoError(t, err)
	return NewPromptBuilder(chk, contextWindow, maxTokens)
}

func result(id, title, content string) models.SearchResult {
	return models.SearchResult{
		Chunk:      models.Chunk{ID: id, Content: content},
		DocumentID: "doc-" + id,
		Title:      title,
	}
}

func TestBuildIncludesSourceAttribution(t *testing.T) {
	b := newBuilder(t, 2048, 256)

	prompt, used := b.Build("How do I reset the router?", []models.SearchResult{
		result("c1", "Router Manual", "Hold the reset pinhole for ten seconds."),
		result("c2", "Network FAQ", "Reboot fixes most connectivity issues."),
	})

	require.Len(t, used, 2)
	assert.Contains(t, prompt, "Source: Router Manual")
	assert.Contains(t, prompt, "Hold the reset pinhole for ten seconds.")
	assert.Contains(t, prompt, "Source: Network FAQ")
	assert.Contains(t, prompt, "How do I reset the router?")
}

func TestBuildDropsWorstRankedWhenOverBudget(t *testing.T) {
	// Tiny window: only the best-ranked chunk fits.
	b := newBuilder(t, 120, 40)

	big := strings.Repeat("relevant words fill the context window ", 5)
	prompt, used := b.Build("question?", []models.SearchResult{
		result("best", "First", big),
		result("worst", "Second", big),
	})

	require.Len(t, used, 1)
	assert.Equal(t, "best", used[0].Chunk.ID)
	assert.Contains(t, prompt, "Source: First")
	assert.NotContains(t, prompt, "Source: Second")
}

func TestBuildNoResultsUsesFallbackTemplate(t *testing.T) {
	b := newBuilder(t, 2048, 256)

	prompt, used := b.Build("anything stored about llamas?", nil)
	assert.Empty(t, used)
	assert.Contains(t, prompt, "No relevant documentation was found")
	assert.Contains(t, prompt, "anything stored about llamas?")
	assert.NotContains(t, prompt, "Context:")
}

func TestBuildNothingFitsUsesFallbackTemplate(t *testing.T) {
	b := newBuilder(t, 60, 40)

	huge := strings.Repeat("far too many tokens to ever fit in the budget ", 20)
	prompt, used := b.Build("question?", []models.SearchResult{result("c1", "Big", huge)})

	assert.Empty(t, used)
	assert.Contains(t, prompt, "No relevant documentation was found")
}
