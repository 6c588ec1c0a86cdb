// Package identity computes the dual-hash identity of a content unit and
// classifies it against the existing store: source_hash keys change
// detection, content_hash keys cross-source deduplication.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/edgerag/guide/internal/models"
	"github.com/edgerag/guide/internal/types"
)

// DetectorConfig bounds what the detector accepts before any hashing work.
type DetectorConfig struct {
	MaxContentBytes int64
}

// SourceIndex is the slice of the vector store the detector needs for
// classification.
type SourceIndex interface {
	FindSource(ctx context.Context, sourceURI string) (*models.SourceRef, error)
	FindByContentHash(ctx context.Context, contentHash string) (*models.Document, error)
}

// Identity is the computed dual hash plus the normalized content it was
// derived from.
type Identity struct {
	SourceURI   string
	SourceHash  string
	ContentHash string
	Content     string
}

// Classification is the decision for one content unit.
type Classification struct {
	Status models.IngestStatus
	// DocumentID is set for unchanged, updated and duplicate units and names
	// the document already tracking this source or content.
	DocumentID string
}

type Detector struct {
	config DetectorConfig
	index  SourceIndex
}

func NewDetector(config DetectorConfig, index SourceIndex) *Detector {
	if config.MaxContentBytes == 0 {
		config.MaxContentBytes = 10 << 20
	}
	return &Detector{config: config, index: index}
}

// Identify validates and normalizes raw content and produces both hashes.
// The source hash covers the raw bytes; normalization only ever feeds the
// content hash.
func (d *Detector) Identify(raw []byte, sourceURI string, meta map[string]string) (*Identity, error) {
	if int64(len(raw)) > d.config.MaxContentBytes {
		return nil, types.ContentValidationf("content of %s is %d bytes, over the %d byte ceiling",
			sourceURI, len(raw), d.config.MaxContentBytes)
	}

	content, err := Normalize(raw)
	if err != nil {
		return nil, types.ContentValidationf("content of %s rejected: %v", sourceURI, err)
	}

	normalizedURI := NormalizeURI(sourceURI)

	return &Identity{
		SourceURI:   normalizedURI,
		SourceHash:  SourceHash(normalizedURI, meta, raw),
		ContentHash: ContentHash(content),
		Content:     content,
	}, nil
}

// Classify decides new / unchanged / updated / duplicate for an identified
// unit. It reads the store but never writes.
func (d *Detector) Classify(ctx context.Context, id *Identity) (Classification, error) {
	ref, err := d.index.FindSource(ctx, id.SourceURI)
	if err != nil {
		return Classification{}, fmt.Errorf("source lookup for %s: %w", id.SourceURI, err)
	}
	if ref != nil {
		if ref.SourceHash == id.SourceHash {
			return Classification{Status: models.IngestUnchanged, DocumentID: ref.DocumentID}, nil
		}
		return Classification{Status: models.IngestUpdated, DocumentID: ref.DocumentID}, nil
	}

	doc, err := d.index.FindByContentHash(ctx, id.ContentHash)
	if err != nil {
		return Classification{}, fmt.Errorf("content hash lookup: %w", err)
	}
	if doc != nil {
		return Classification{Status: models.IngestDuplicate, DocumentID: doc.ID}, nil
	}

	return Classification{Status: models.IngestNew}, nil
}

// Normalize canonicalizes text for content hashing and chunking: UTF-8 only,
// LF line endings, no trailing whitespace per line, no leading or trailing
// blank lines, exactly one final newline.
func Normalize(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("content is not valid UTF-8")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}

	start := 0
	for start < len(lines) && lines[start] == "" {
		start++
	}
	end := len(lines)
	for end > start && lines[end-1] == "" {
		end--
	}

	if start == end {
		return "", fmt.Errorf("content is empty after normalization")
	}

	return strings.Join(lines[start:end], "\n") + "\n", nil
}

// NormalizeURI cleans file paths so the same file always yields the same
// source identity. URLs pass through untouched.
func NormalizeURI(sourceURI string) string {
	if strings.Contains(sourceURI, "://") {
		return sourceURI
	}
	if abs, err := filepath.Abs(sourceURI); err == nil {
		return abs
	}
	return filepath.Clean(sourceURI)
}

// SourceHash digests normalized URI, serialized source metadata and the raw
// bytes. Any observable source change, including metadata-only changes like
// mtime or etag, changes this value.
func SourceHash(normalizedURI string, meta map[string]string, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(normalizedURI))
	h.Write([]byte{'|'})
	h.Write([]byte(serializeMetadata(meta)))
	h.Write([]byte{'|'})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash digests normalized content only, so re-normalization is a
// no-op and identical content from different sources collides on purpose.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// MetadataHash digests source metadata alone. Update checks compare it to
// decide whether the content itself has to be re-fetched.
func MetadataHash(meta map[string]string) string {
	sum := sha256.Sum256([]byte(serializeMetadata(meta)))
	return hex.EncodeToString(sum[:])
}

func serializeMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(meta[k])
		b.WriteByte(';')
	}
	return b.String()
}

// ExtractTitle takes the first non-blank line, strips markdown heading and
// html title markers, and falls back to the file name stem.
func ExtractTitle(content, sourceURI string) string {
	for _, line := range strings.Split(content, "\n") {
		title := strings.TrimSpace(line)
		if title == "" {
			continue
		}
		title = strings.TrimSpace(strings.TrimLeft(title, "#"))
		if strings.HasPrefix(title, "<title>") && strings.HasSuffix(title, "</title>") {
			title = title[len("<title>") : len(title)-len("</title>")]
		}
		if title != "" {
			return title
		}
	}
	base := filepath.Base(sourceURI)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
