package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerag/guide/internal/models"
	"github.com/edgerag/guide/internal/types"
	"github.com/edgerag/guide/pkg/chunker"
	"github.com/edgerag/guide/pkg/resources"
)

// fakeStore serves scripted search results and captures the audit record.
type fakeStore struct {
	results   []models.SearchResult
	searchErr error
	searches  int
	recorded  []*models.QueryRecord
}

func (f *fakeStore) Search(_ context.Context, _ []float32, _ int) ([]models.SearchResult, error) {
	f.searches++
	return f.results, f.searchErr
}

func (f *fakeStore) RecordQuery(_ context.Context, rec *models.QueryRecord) error {
	f.recorded = append(f.recorded, rec)
	return nil
}

func (f *fakeStore) UpsertDocument(context.Context, *models.Document, []models.Chunk) error {
	return nil
}
func (f *fakeStore) RegisterSource(context.Context, models.SourceRef) error { return nil }
func (f *fakeStore) FindSource(context.Context, string) (*models.SourceRef, error) {
	return nil, nil
}
func (f *fakeStore) ListSources(context.Context) ([]models.SourceRef, error) {
	return nil, nil
}
func (f *fakeStore) FindByContentHash(context.Context, string) (*models.Document, error) {
	return nil, nil
}
func (f *fakeStore) GetDocument(context.Context, string) (*models.Document, error) {
	return nil, nil
}
func (f *fakeStore) ListDocuments(context.Context, models.DocumentStatus, string) ([]models.Document, error) {
	return nil, nil
}
func (f *fakeStore) SoftDelete(context.Context, string) error   { return nil }
func (f *fakeStore) MarkOutdated(context.Context, string) error { return nil }
func (f *fakeStore) TouchChecked(context.Context, string) error { return nil }
func (f *fakeStore) Close()                                     {}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// scriptedStream replays fixed tokens, or blocks until the caller's context
// expires when block is set.
type scriptedStream struct {
	tokens []string
	i      int
	block  bool
	closed bool
}

func (s *scriptedStream) Next(ctx context.Context) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.i >= len(s.tokens) {
		return "", io.EOF
	}
	tok := s.tokens[s.i]
	s.i++
	return tok, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type fakeGenerator struct {
	calls      int
	failBefore int // calls numbered <= failBefore return an error
	prompts    []string
	opts       []types.GenerateOptions
	newStream  func() types.TokenStream
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, opts types.GenerateOptions) (types.TokenStream, error) {
	g.calls++
	g.prompts = append(g.prompts, prompt)
	g.opts = append(g.opts, opts)
	if g.calls <= g.failBefore {
		return nil, errors.New("engine unavailable")
	}
	return g.newStream(), nil
}

// fakeThrottle advances one scripted level per Observe; the last level sticks.
type fakeThrottle struct {
	levels []types.ThrottleLevel
	i      int
	level  types.ThrottleLevel
	avg    float64
}

func (f *fakeThrottle) Observe() {
	if f.i < len(f.levels) {
		f.level = f.levels[f.i]
		f.i++
	}
}
func (f *fakeThrottle) Level() types.ThrottleLevel { return f.level }
func (f *fakeThrottle) Average() float64           { return f.avg }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	orchestrator *Orchestrator
	store        *fakeStore
	generator    *fakeGenerator
	throttle     *fakeThrottle
}

func newFixture(t *testing.T, configure func(*OrchestratorConfig)) *fixture {
	t.Helper()

	store := &fakeStore{
		results: []models.SearchResult{
			{Chunk: models.Chunk{ID: "d1_chunk_0", Content: "Hold the reset pinhole for ten seconds."},
				DocumentID: "d1", Title: "Router Manual"},
			{Chunk: models.Chunk{ID: "d2_chunk_3", Content: "Reboot fixes most connectivity issues."},
				DocumentID: "d2", Title: "Network FAQ"},
		},
	}
	generator := &fakeGenerator{
		newStream: func() types.TokenStream {
			return &scriptedStream{tokens: []string{"Hold", " the", " pinhole."}}
		},
	}
	throttle := &fakeThrottle{}

	chk, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 64, ChunkOverlap: 8})
	require.NoError(t, err)

	config := OrchestratorConfig{
		TopK:              5,
		MaxTokens:         128,
		Threads:           4,
		ReducedThreads:    2,
		MaxRetries:        2,
		FirstTokenTimeout: time.Second,
	}
	if configure != nil {
		configure(&config)
	}

	gate := resources.NewGateWithStat(resources.Config{},
		func() (uint64, uint64, error) { return 1 << 20, 1 << 20, nil }, testLogger())

	return &fixture{
		orchestrator: NewOrchestrator(config, store, fakeEmbedder{}, generator,
			NewPromptBuilder(chk, 2048, 128), throttle, gate, testLogger()),
		store:     store,
		generator: generator,
		throttle:  throttle,
	}
}

func TestAskAnswersFromRetrievedContext(t *testing.T) {
	f := newFixture(t, nil)

	answer, err := f.orchestrator.Ask(context.Background(), "How do I reset the router?")
	require.NoError(t, err)
	assert.Equal(t, "Hold the pinhole.", answer)

	// The prompt fed to the engine carries the retrieved chunks and question.
	require.Len(t, f.generator.prompts, 1)
	assert.Contains(t, f.generator.prompts[0], "Hold the reset pinhole for ten seconds.")
	assert.Contains(t, f.generator.prompts[0], "Source: Router Manual")
	assert.Contains(t, f.generator.prompts[0], "How do I reset the router?")
}

func TestAskRecordsAudit(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orchestrator.Ask(context.Background(), "How do I reset the router?")
	require.NoError(t, err)

	require.Len(t, f.store.recorded, 1)
	rec := f.store.recorded[0]
	assert.True(t, strings.HasPrefix(rec.ID, "query_"))
	assert.Equal(t, "How do I reset the router?", rec.Text)
	assert.Equal(t, "Hold the pinhole.", rec.ResponseText)
	assert.Equal(t, 3, rec.ResponseTokens)
	assert.Equal(t, []string{"d1_chunk_0", "d2_chunk_3"}, rec.RetrievedChunkIDs)
	assert.Equal(t, []string{"d1", "d2"}, rec.SourceDocumentIDs)
}

func TestStreamReportsGroundingSources(t *testing.T) {
	f := newFixture(t, nil)
	// Second chunk from the same document must not duplicate the source.
	f.store.results = append(f.store.results, models.SearchResult{
		Chunk:      models.Chunk{ID: "d1_chunk_7", Content: "Lights blink during reset."},
		DocumentID: "d1", Title: "Router Manual",
	})

	stream, err := f.orchestrator.Stream(context.Background(), "question?")
	require.NoError(t, err)
	defer stream.Close()

	sources := stream.Sources()
	require.Len(t, sources, 2)
	assert.Equal(t, "d1", sources[0].DocumentID)
	assert.Equal(t, "Router Manual", sources[0].Title)
	assert.Equal(t, "d2", sources[1].DocumentID)
}

func TestEmptyQuestionRejected(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orchestrator.Stream(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, types.KindContentValidation, types.KindOf(err))
	assert.Zero(t, f.generator.calls)
}

func TestRetrievalFailureSkipsGeneration(t *testing.T) {
	f := newFixture(t, nil)
	f.store.searchErr = errors.New("index unavailable")

	_, err := f.orchestrator.Stream(context.Background(), "question?")
	require.Error(t, err)
	assert.Equal(t, types.KindStoreCorruption, types.KindOf(err), "retrieval failures carry a kind")
	assert.Zero(t, f.generator.calls, "no generation after failed retrieval")
}

func TestRetryBeforeFirstToken(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.failBefore = 1

	answer, err := f.orchestrator.Ask(context.Background(), "question?")
	require.NoError(t, err)
	assert.Equal(t, "Hold the pinhole.", answer)
	assert.Equal(t, 2, f.generator.calls)
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.failBefore = 100

	_, err := f.orchestrator.Stream(context.Background(), "question?")
	require.Error(t, err)
	assert.Equal(t, types.KindInference, types.KindOf(err))
	assert.Equal(t, 3, f.generator.calls, "initial attempt plus MaxRetries")
}

func TestFirstTokenTimeoutNotRetried(t *testing.T) {
	f := newFixture(t, func(c *OrchestratorConfig) {
		c.FirstTokenTimeout = 20 * time.Millisecond
	})
	f.generator.newStream = func() types.TokenStream {
		return &scriptedStream{block: true}
	}

	_, err := f.orchestrator.Stream(context.Background(), "question?")
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
	assert.Equal(t, 1, f.generator.calls, "timeouts are not retried")
}

func TestThermalHaltBlocksNewQueries(t *testing.T) {
	f := newFixture(t, nil)
	f.throttle.levels = []types.ThrottleLevel{types.ThrottleHalted}
	f.throttle.avg = 86.5

	_, err := f.orchestrator.Stream(context.Background(), "question?")
	require.Error(t, err)
	assert.Equal(t, types.KindThermalProtection, types.KindOf(err))
	assert.Zero(t, f.generator.calls)
	assert.Contains(t, err.Error(), "86.5")
}

func TestThermalReducedShedsThreads(t *testing.T) {
	f := newFixture(t, nil)
	f.throttle.levels = []types.ThrottleLevel{types.ThrottleReduced}

	_, err := f.orchestrator.Ask(context.Background(), "question?")
	require.NoError(t, err)

	require.NotEmpty(t, f.generator.opts)
	assert.Equal(t, 2, f.generator.opts[0].Threads)
}

func TestThermalHaltMidStream(t *testing.T) {
	f := newFixture(t, nil)
	// Cool at submission, halted at the first between-token checkpoint.
	f.throttle.levels = []types.ThrottleLevel{types.ThrottleNone, types.ThrottleHalted}

	stream, err := f.orchestrator.Stream(context.Background(), "question?")
	require.NoError(t, err)
	defer stream.Close()

	tok, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hold", tok)

	_, err = stream.Next(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.KindThermalProtection, types.KindOf(err))

	// The partial response is still audited.
	require.Len(t, f.store.recorded, 1)
	assert.Equal(t, "Hold", f.store.recorded[0].ResponseText)
	assert.Equal(t, 1, f.store.recorded[0].ResponseTokens)
}
