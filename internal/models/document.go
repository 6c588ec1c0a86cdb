package models

import "time"

// DocumentStatus controls query-time visibility of a document.
type DocumentStatus string

const (
	StatusActive   DocumentStatus = "active"
	StatusDeleted  DocumentStatus = "deleted"
	StatusOutdated DocumentStatus = "outdated"
)

func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDeleted, StatusOutdated:
		return true
	}
	return false
}

// Document is one logical ingested unit. A document exclusively owns its
// chunks; duplicate content arriving from another source is linked via a
// SourceRef rather than embedded again.
type Document struct {
	ID        string
	Title     string
	SourceURI string

	// SourceHash digests normalized URI + source metadata + raw bytes and
	// changes whenever the source changes in any observable way.
	SourceHash string
	// ContentHash digests the normalized content only, so identical content
	// from different sources hashes to the same value.
	ContentHash string

	SourceMetadata     map[string]string
	AdditionalMetadata map[string]string

	IngestedAt  time.Time
	LastUpdated time.Time
	LastChecked time.Time

	ChunkCount      int
	Status          DocumentStatus
	UpdateAvailable bool
}

// Chunk is a contiguous slice of a document's normalized text. Offsets are
// byte positions into that text; indexes are sequential and gapless per
// document.
type Chunk struct {
	ID          string
	DocumentID  string
	Content     string
	Embedding   []float32
	StartOffset int
	EndOffset   int
	ChunkIndex  int
}

// SourceRef tracks one source URI feeding a document.
type SourceRef struct {
	SourceURI   string
	DocumentID  string
	SourceHash  string
	LastChecked time.Time
}

// SearchResult pairs a retrieved chunk with its owning document's identity
// and the cosine distance to the query embedding.
type SearchResult struct {
	Chunk       Chunk
	DocumentID  string
	Title       string
	SourceURI   string
	LastUpdated time.Time
	Distance    float32
}
