package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IngestStatus classifies one content unit against the existing store.
type IngestStatus string

const (
	IngestNew       IngestStatus = "new"
	IngestUnchanged IngestStatus = "unchanged"
	IngestUpdated   IngestStatus = "updated"
	IngestDuplicate IngestStatus = "duplicate"
)

// IngestResult reports the outcome of ingesting a single content unit.
type IngestResult struct {
	Status     IngestStatus
	DocumentID string
	ChunkCount int
}

// BatchItem is the per-unit outcome inside a batch ingestion. One bad file
// never aborts the rest of the batch.
type BatchItem struct {
	SourceURI string
	Result    IngestResult
	Err       error
}

// BatchResult summarizes a directory or multi-source import.
type BatchResult struct {
	Succeeded int
	Skipped   int
	Failed    int
	Items     []BatchItem
}

func (b *BatchResult) Add(item BatchItem) {
	b.Items = append(b.Items, item)
	switch {
	case item.Err != nil:
		b.Failed++
	case item.Result.Status == IngestUnchanged:
		b.Skipped++
	default:
		b.Succeeded++
	}
}

// UpdateCheck reports whether a tracked source changed since its last import.
type UpdateCheck struct {
	SourceURI       string
	DocumentID      string
	UpdateAvailable bool
	Err             error
}

// UpdateReport accumulates update checks across tracked sources.
type UpdateReport struct {
	Checked   int
	Available int
	Items     []UpdateCheck
}

func (r *UpdateReport) Add(item UpdateCheck) {
	r.Items = append(r.Items, item)
	r.Checked++
	if item.UpdateAvailable {
		r.Available++
	}
}

// QueryRecord is the audit entry for one user request. RetrievedChunkIDs
// lists the chunks actually placed in the prompt, in prompt order.
type QueryRecord struct {
	ID                string
	Text              string
	Embedding         []float32
	ResponseText      string
	ResponseTokens    int
	ProcessingTimeMS  int64
	RetrievedChunkIDs []string
	SourceDocumentIDs []string
	CreatedAt         time.Time
}

// NewQueryID builds ids shaped query_<timestamp>_<texthash8>_<uuid8> so logs
// sort chronologically while staying unique.
func NewQueryID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("query_%s_%s_%s",
		time.Now().UTC().Format("20060102_150405"),
		hex.EncodeToString(sum[:])[:8],
		uuid.NewString()[:8])
}
