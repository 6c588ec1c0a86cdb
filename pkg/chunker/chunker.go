// Package chunker splits normalized document text into overlapping
// fixed-size token windows with byte offsets back into the original text.
package chunker

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/edgerag/guide/internal/models"
	"github.com/edgerag/guide/internal/types"
)

// The offline loader keeps tokenization working with no network access.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

func getEncoding() (*tiktoken.Tiktoken, error) {
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoding, encodingErr
}

type Config struct {
	ChunkSize    int // window length in tokens
	ChunkOverlap int // tokens shared with the previous window
}

type Chunker struct {
	config Config
	enc    *tiktoken.Tiktoken
}

func NewWithConfig(config Config) (*Chunker, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = 512
	}
	if config.ChunkOverlap == 0 && config.ChunkSize > 50 {
		config.ChunkOverlap = 50
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be non-negative and less than chunk size %d",
			config.ChunkOverlap, config.ChunkSize)
	}

	enc, err := getEncoding()
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding: %w", err)
	}

	return &Chunker{config: config, enc: enc}, nil
}

// Split slides a window of ChunkSize tokens with stride ChunkSize-Overlap
// over the text. Every byte of input is covered by at least one chunk;
// offsets index into the input so retrieval hits can be attributed back to
// the exact source span.
func (c *Chunker) Split(text string) ([]models.Chunk, error) {
	if text == "" {
		return nil, types.ContentValidationf("cannot chunk empty content")
	}

	tokens := c.enc.Encode(text, nil, nil)
	if len(tokens) == 0 {
		return nil, types.ContentValidationf("content produced no tokens")
	}

	// Byte offset of each token boundary. Token byte sequences concatenate
	// back to the exact input, so cumulative decode lengths are exact.
	offsets := make([]int, len(tokens)+1)
	for i, tok := range tokens {
		offsets[i+1] = offsets[i] + len(c.enc.Decode([]int{tok}))
	}

	stride := c.config.ChunkSize - c.config.ChunkOverlap

	var chunks []models.Chunk
	for index, start := 0, 0; start < len(tokens); index, start = index+1, start+stride {
		end := start + c.config.ChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}

		chunks = append(chunks, models.Chunk{
			Content:     text[offsets[start]:offsets[end]],
			StartOffset: offsets[start],
			EndOffset:   offsets[end],
			ChunkIndex:  index,
		})

		if end == len(tokens) {
			break
		}
	}

	return chunks, nil
}

// CountTokens reports the token length of text under the same encoding used
// for chunk windows, so prompt budgeting and chunking agree.
func (c *Chunker) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}
