package types

import (
	"context"

	"github.com/edgerag/guide/internal/models"
)

// ThrottleLevel is the thermal policy decision consumed by the orchestrator
// between generated tokens.
type ThrottleLevel int

const (
	ThrottleNone ThrottleLevel = iota
	ThrottleReduced
	ThrottleHalted
)

func (l ThrottleLevel) String() string {
	switch l {
	case ThrottleReduced:
		return "reduced"
	case ThrottleHalted:
		return "halted"
	default:
		return "none"
	}
}

// VectorStore owns persisted documents, chunks and query audit records.
// Mutation is atomic at single-document granularity.
type VectorStore interface {
	UpsertDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error
	RegisterSource(ctx context.Context, ref models.SourceRef) error
	FindSource(ctx context.Context, sourceURI string) (*models.SourceRef, error)
	ListSources(ctx context.Context) ([]models.SourceRef, error)
	FindByContentHash(ctx context.Context, contentHash string) (*models.Document, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, status models.DocumentStatus, sourceFilter string) ([]models.Document, error)
	SoftDelete(ctx context.Context, id string) error
	MarkOutdated(ctx context.Context, id string) error
	TouchChecked(ctx context.Context, id string) error

	// Search returns up to k chunks ranked by similarity. Only chunks of
	// active documents are ever returned; the status predicate lives inside
	// the store, not in caller discipline.
	Search(ctx context.Context, embedding []float32, k int) ([]models.SearchResult, error)

	RecordQuery(ctx context.Context, rec *models.QueryRecord) error
	Close()
}

// Embedder maps text to the fixed-length vector space shared by chunk
// storage and query retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// TokenStream is a pull-based, cancellable sequence of generated tokens.
// Next returns io.EOF when the engine signals end-of-sequence; Close aborts
// the underlying generation.
type TokenStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// GenerateOptions are per-call inference parameters. Threads lets the caller
// shed inference parallelism under thermal pressure.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	Threads     int
}

// Generator drives token-streaming inference against a local engine.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (TokenStream, error)
}

// Chunker splits normalized text into overlapping token windows.
type Chunker interface {
	Split(text string) ([]models.Chunk, error)
	CountTokens(text string) int
}

// ThrottleSource reports the current thermal throttle decision. Observe
// advances the sampler's rolling state; Level is a pure read.
type ThrottleSource interface {
	Observe()
	Level() ThrottleLevel
}
