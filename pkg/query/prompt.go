package query

import (
	"fmt"
	"strings"

	"github.com/edgerag/guide/internal/models"
	"github.com/edgerag/guide/internal/types"
)

const answerWithContext = `You are a helpful assistant answering questions about locally stored documentation.
Answer using only the context below. If the context does not contain the answer, say so instead of guessing.

Context:
%s
Question: %s

Answer:`

const answerWithoutContext = `You are a helpful assistant answering questions about locally stored documentation.
No relevant documentation was found for this question. Say that nothing relevant is available locally and, if possible, suggest what kind of document to import.

Question: %s

Answer:`

// PromptBuilder assembles the generation prompt under a token budget shared
// with the response: context chunks plus template plus the reserved response
// tokens must fit the model's context window.
type PromptBuilder struct {
	counter       types.Chunker
	contextWindow int
	maxTokens     int
}

func NewPromptBuilder(counter types.Chunker, contextWindow, maxTokens int) *PromptBuilder {
	return &PromptBuilder{
		counter:       counter,
		contextWindow: contextWindow,
		maxTokens:     maxTokens,
	}
}

// Build renders the prompt and returns the results actually included, in
// prompt order. Results arrive ranked best-first; when the budget runs out
// the worst-ranked are the ones dropped.
func (b *PromptBuilder) Build(question string, results []models.SearchResult) (string, []models.SearchResult) {
	if len(results) == 0 {
		return fmt.Sprintf(answerWithoutContext, question), nil
	}

	budget := b.contextWindow - b.maxTokens -
		b.counter.CountTokens(fmt.Sprintf(answerWithContext, "", question))

	var blocks []string
	var used []models.SearchResult
	for _, r := range results {
		block := fmt.Sprintf("Source: %s\n%s\n", r.Title, strings.TrimSpace(r.Chunk.Content))
		cost := b.counter.CountTokens(block)
		if cost > budget {
			break
		}
		budget -= cost
		blocks = append(blocks, block)
		used = append(used, r)
	}

	if len(used) == 0 {
		return fmt.Sprintf(answerWithoutContext, question), nil
	}

	return fmt.Sprintf(answerWithContext, strings.Join(blocks, "\n"), question), used
}
