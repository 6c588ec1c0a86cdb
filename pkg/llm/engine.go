package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"

	"github.com/edgerag/guide/internal/types"
)

type EngineConfig struct {
	Model         string
	BaseURL       string // Ollama server URL
	ContextWindow int
	Threads       int // default inference threads; 0 lets the engine decide
}

// Engine drives token-streaming generation against a local Ollama daemon.
type Engine struct {
	config EngineConfig
}

func NewEngineWithConfig(config EngineConfig) (*Engine, error) {
	if config.Model == "" {
		config.Model = "mistral"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.ContextWindow == 0 {
		config.ContextWindow = 2048
	}
	return &Engine{config: config}, nil
}

// Generate starts one generation and returns a pull-based token stream.
// Thread count is resolved per call so thermal throttling can shed
// parallelism without rebuilding the engine.
func (e *Engine) Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (types.TokenStream, error) {
	threads := opts.Threads
	if threads == 0 {
		threads = e.config.Threads
	}

	clientOpts := []ollama.Option{
		ollama.WithModel(e.config.Model),
		ollama.WithServerURL(e.config.BaseURL),
		ollama.WithRunnerNumCtx(e.config.ContextWindow),
	}
	if threads > 0 {
		clientOpts = append(clientOpts, ollama.WithRunnerNumThread(threads))
	}

	model, err := ollama.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	genCtx, cancel := context.WithCancel(ctx)
	stream := &tokenStream{
		tokens: make(chan string, 8),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	content := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}

	callOpts := []llms.CallOption{
		llms.WithStreamingFunc(stream.push),
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts.TopP > 0 {
		callOpts = append(callOpts, llms.WithTopP(opts.TopP))
	}

	go func() {
		_, err := model.GenerateContent(genCtx, content, callOpts...)
		stream.finish(err)
	}()

	return stream, nil
}

// tokenStream adapts the engine's push-style streaming callback into the
// pull-based cancellable sequence the orchestrator consumes.
type tokenStream struct {
	tokens chan string
	done   chan struct{}
	cancel context.CancelFunc
	err    error
	closed bool
}

func (s *tokenStream) push(ctx context.Context, chunk []byte) error {
	select {
	case s.tokens <- string(chunk):
		return nil
	case <-s.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *tokenStream) finish(err error) {
	// Cancellation after Close is the expected shutdown path, not a failure.
	if err != nil && !errors.Is(err, context.Canceled) {
		s.err = err
	}
	close(s.tokens)
}

// Next blocks for the next token. io.EOF signals a clean end-of-sequence.
func (s *tokenStream) Next(ctx context.Context) (string, error) {
	select {
	case token, ok := <-s.tokens:
		if !ok {
			if s.err != nil {
				return "", s.err
			}
			return "", io.EOF
		}
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close aborts the underlying generation. Safe to call after EOF.
func (s *tokenStream) Close() error {
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cancel()
	}
	return nil
}
