package llm

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream() *tokenStream {
	return &tokenStream{
		tokens: make(chan string, 8),
		done:   make(chan struct{}),
		cancel: func() {},
	}
}

func TestTokenStreamDeliversPushedTokens(t *testing.T) {
	s := newTestStream()
	ctx := context.Background()

	require.NoError(t, s.push(ctx, []byte("Hello")))
	require.NoError(t, s.push(ctx, []byte(" world")))
	s.finish(nil)

	tok, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello", tok)

	tok, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, " world", tok)

	_, err = s.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestTokenStreamSurfacesEngineError(t *testing.T) {
	s := newTestStream()
	ctx := context.Background()

	require.NoError(t, s.push(ctx, []byte("partial")))
	engineErr := errors.New("engine crashed")
	s.finish(engineErr)

	tok, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "partial", tok)

	_, err = s.Next(ctx)
	assert.Equal(t, engineErr, err)
}

func TestTokenStreamCancellationIsClean(t *testing.T) {
	s := newTestStream()
	s.finish(context.Canceled)

	_, err := s.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestTokenStreamCloseUnblocksPush(t *testing.T) {
	s := newTestStream()
	for i := 0; i < cap(s.tokens); i++ {
		require.NoError(t, s.push(context.Background(), []byte("x")))
	}

	require.NoError(t, s.Close())

	// Buffer is full; only the closed done channel lets push return.
	err := s.push(context.Background(), []byte("overflow"))
	assert.Equal(t, context.Canceled, err)

	// Close is idempotent.
	assert.NoError(t, s.Close())
}

func TestTokenStreamNextHonorsContext(t *testing.T) {
	s := newTestStream()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Next(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestNewEngineDefaults(t *testing.T) {
	e, err := NewEngineWithConfig(EngineConfig{})
	require.NoError(t, err)
	assert.Equal(t, "mistral", e.config.Model)
	assert.Equal(t, "http://localhost:11434", e.config.BaseURL)
	assert.Equal(t, 2048, e.config.ContextWindow)
}
