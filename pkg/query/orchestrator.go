// Package query answers user questions: embed, retrieve, assemble a prompt,
// stream the generated answer. Retrieval failures stop the pipeline before
// any generation starts, and thermal state is consulted between tokens.
package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edgerag/guide/internal/models"
	"github.com/edgerag/guide/internal/types"
	"github.com/edgerag/guide/pkg/resources"
)

type OrchestratorConfig struct {
	TopK              int
	MaxTokens         int
	Temperature       float64
	TopP              float64
	Threads           int
	ReducedThreads    int // thread count while thermally throttled
	MaxRetries        int
	FirstTokenTimeout time.Duration
}

type Orchestrator struct {
	config    OrchestratorConfig
	store     types.VectorStore
	embedder  types.Embedder
	generator types.Generator
	prompts   *PromptBuilder
	throttle  types.ThrottleSource
	gate      *resources.Gate
	logger    *slog.Logger
}

func NewOrchestrator(
	config OrchestratorConfig,
	store types.VectorStore,
	embedder types.Embedder,
	generator types.Generator,
	prompts *PromptBuilder,
	throttle types.ThrottleSource,
	gate *resources.Gate,
	logger *slog.Logger,
) *Orchestrator {
	if config.TopK == 0 {
		config.TopK = 5
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 512
	}
	if config.ReducedThreads == 0 {
		config.ReducedThreads = 2
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.FirstTokenTimeout == 0 {
		config.FirstTokenTimeout = 60 * time.Second
	}
	return &Orchestrator{
		config:    config,
		store:     store,
		embedder:  embedder,
		generator: generator,
		prompts:   prompts,
		throttle:  throttle,
		gate:      gate,
		logger:    logger.With(slog.String("component", "query")),
	}
}

// Stream runs retrieval and starts generation, returning a token stream that
// audits the query once it finishes. The first token has already arrived when
// Stream returns, so retries never interleave with emitted output.
func (o *Orchestrator) Stream(ctx context.Context, question string) (*AnswerStream, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, types.ContentValidationf("query text is empty")
	}

	if err := o.gate.Check(); err != nil {
		return nil, err
	}

	o.throttle.Observe()
	if o.throttle.Level() == types.ThrottleHalted {
		return nil, types.ThermalHalt(o.averageTemp())
	}

	queryID := models.NewQueryID(question)
	started := time.Now()
	logger := o.logger.With(slog.String("query_id", queryID))

	embedding, err := o.embedder.Embed(ctx, question)
	if err != nil {
		return nil, types.InferenceFailed("query embedding failed", err)
	}

	results, err := o.store.Search(ctx, embedding, o.config.TopK)
	if err != nil {
		return nil, types.RetrievalFailed("chunk retrieval failed", err)
	}

	prompt, used := o.prompts.Build(question, results)
	logger.Info("retrieval finished",
		slog.Int("retrieved", len(results)),
		slog.Int("in_prompt", len(used)),
		slog.Duration("elapsed", time.Since(started)))

	opts := types.GenerateOptions{
		MaxTokens:   o.config.MaxTokens,
		Temperature: o.config.Temperature,
		TopP:        o.config.TopP,
		Threads:     o.config.Threads,
	}
	if o.throttle.Level() == types.ThrottleReduced {
		opts.Threads = o.config.ReducedThreads
		logger.Warn("thermal throttle active, reducing inference threads",
			slog.Int("threads", opts.Threads))
	}

	inner, first, err := o.startWithRetry(ctx, prompt, opts, logger)
	if err != nil {
		return nil, err
	}

	record := &models.QueryRecord{
		ID:        queryID,
		Text:      question,
		Embedding: embedding,
		CreatedAt: started.UTC(),
	}
	for _, r := range used {
		record.RetrievedChunkIDs = append(record.RetrievedChunkIDs, r.Chunk.ID)
		record.SourceDocumentIDs = appendUnique(record.SourceDocumentIDs, r.DocumentID)
	}

	return &AnswerStream{
		orchestrator: o,
		inner:        inner,
		pending:      first,
		hasPending:   true,
		used:         used,
		record:       record,
		started:      started,
		logger:       logger,
	}, nil
}

// startWithRetry launches generation and waits for the first token under the
// timeout budget. Transient failures before that token retry with backoff;
// once a token is out, no retry is possible without emitting text twice.
func (o *Orchestrator) startWithRetry(ctx context.Context, prompt string, opts types.GenerateOptions, logger *slog.Logger) (types.TokenStream, string, error) {
	var stream types.TokenStream
	var first string

	attempt := func() error {
		s, err := o.generator.Generate(ctx, prompt, opts)
		if err != nil {
			return err
		}

		firstCtx, cancel := context.WithTimeout(ctx, o.config.FirstTokenTimeout)
		defer cancel()

		tok, err := s.Next(firstCtx)
		if err != nil {
			s.Close()
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return backoff.Permanent(types.QueryTimeout("no token within the first-token budget"))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		stream, first = s, tok
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(o.config.MaxRetries)), ctx)

	err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		logger.Warn("generation attempt failed",
			slog.Any("error", err), slog.Duration("retry_in", wait))
	})
	if err != nil {
		var typed *types.Error
		if errors.As(err, &typed) {
			return nil, "", typed
		}
		return nil, "", types.InferenceFailed("generation failed after retries", err)
	}

	return stream, first, nil
}

// Ask drains the stream into a single response string.
func (o *Orchestrator) Ask(ctx context.Context, question string) (string, error) {
	stream, err := o.Stream(ctx, question)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		tok, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(tok)
	}
}

func (o *Orchestrator) averageTemp() float64 {
	if m, ok := o.throttle.(interface{ Average() float64 }); ok {
		return m.Average()
	}
	return 0
}

// Source identifies one document that grounded an answer.
type Source struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	SourceURI  string `json:"source_uri"`
}

// AnswerStream decorates the engine stream with between-token thermal
// checkpoints and the query audit record written at end of stream.
type AnswerStream struct {
	orchestrator *Orchestrator
	inner        types.TokenStream
	pending      string
	hasPending   bool
	used         []models.SearchResult
	record       *models.QueryRecord
	started      time.Time
	logger       *slog.Logger
	finished     bool
}

// Sources lists the distinct documents whose chunks were placed in the
// prompt, in prompt order.
func (s *AnswerStream) Sources() []Source {
	var sources []Source
	seen := map[string]bool{}
	for _, r := range s.used {
		if seen[r.DocumentID] {
			continue
		}
		seen[r.DocumentID] = true
		sources = append(sources, Source{
			DocumentID: r.DocumentID,
			Title:      r.Title,
			SourceURI:  r.SourceURI,
		})
	}
	return sources
}

func (s *AnswerStream) Next(ctx context.Context) (string, error) {
	if s.hasPending {
		s.hasPending = false
		s.accumulate(s.pending)
		return s.pending, nil
	}

	o := s.orchestrator
	o.throttle.Observe()
	if o.throttle.Level() == types.ThrottleHalted {
		s.inner.Close()
		err := types.ThermalHalt(o.averageTemp())
		s.finalize(err)
		return "", err
	}

	tok, err := s.inner.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.finalize(nil)
		return "", io.EOF
	}
	if err != nil {
		if ctx.Err() == nil {
			err = types.InferenceFailed("generation failed mid-stream", err)
		}
		s.finalize(err)
		return "", err
	}

	s.accumulate(tok)
	return tok, nil
}

func (s *AnswerStream) Close() error {
	return s.inner.Close()
}

func (s *AnswerStream) accumulate(tok string) {
	s.record.ResponseText += tok
	s.record.ResponseTokens++
}

// finalize writes the audit record exactly once, on its own context so a
// cancelled query still gets recorded.
func (s *AnswerStream) finalize(cause error) {
	if s.finished {
		return
	}
	s.finished = true

	s.record.ProcessingTimeMS = time.Since(s.started).Milliseconds()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.orchestrator.store.RecordQuery(ctx, s.record); err != nil {
		s.logger.Warn("query audit write failed", slog.Any("error", err))
	}

	if cause != nil {
		s.logger.Warn("query failed",
			slog.Any("error", cause),
			slog.Int("tokens_emitted", s.record.ResponseTokens))
	} else {
		s.logger.Info("query complete",
			slog.Int("tokens", s.record.ResponseTokens),
			slog.Int64("elapsed_ms", s.record.ProcessingTimeMS))
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
