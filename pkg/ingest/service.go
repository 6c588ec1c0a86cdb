// Package ingest runs the import pipeline: identify, classify, chunk, embed,
// persist. Every entry point is idempotent; importing the same unchanged
// content twice writes nothing.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edgerag/guide/internal/models"
	"github.com/edgerag/guide/internal/types"
	"github.com/edgerag/guide/pkg/identity"
	"github.com/edgerag/guide/pkg/resources"
	"github.com/edgerag/guide/pkg/scraper"
)

var importableExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".html":     true,
	".htm":      true,
}

// Importable reports whether a file would be picked up by a directory import.
func Importable(path string) bool {
	return importableExtensions[strings.ToLower(filepath.Ext(path))]
}

type Service struct {
	store    types.VectorStore
	chunker  types.Chunker
	embedder types.Embedder
	detector *identity.Detector
	fetcher  *scraper.Fetcher
	gate     *resources.Gate
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(
	store types.VectorStore,
	chunker types.Chunker,
	embedder types.Embedder,
	detector *identity.Detector,
	fetcher *scraper.Fetcher,
	gate *resources.Gate,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:    store,
		chunker:  chunker,
		embedder: embedder,
		detector: detector,
		fetcher:  fetcher,
		gate:     gate,
		logger:   logger.With(slog.String("component", "ingest")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// IngestBytes runs one content unit through the full pipeline. title may be
// empty; it is then derived from the content itself.
func (s *Service) IngestBytes(ctx context.Context, raw []byte, sourceURI, title string, sourceMeta, additionalMeta map[string]string) (*models.IngestResult, error) {
	id, err := s.detector.Identify(raw, sourceURI, sourceMeta)
	if err != nil {
		return nil, err
	}

	class, err := s.detector.Classify(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()

	switch class.Status {
	case models.IngestUnchanged:
		if err := s.store.TouchChecked(ctx, class.DocumentID); err != nil {
			return nil, err
		}
		s.logger.Debug("source unchanged", slog.String("source", id.SourceURI))
		return &models.IngestResult{Status: models.IngestUnchanged, DocumentID: class.DocumentID}, nil

	case models.IngestDuplicate:
		// Known content from a new source: link the source, embed nothing.
		err := s.store.RegisterSource(ctx, models.SourceRef{
			SourceURI:   id.SourceURI,
			DocumentID:  class.DocumentID,
			SourceHash:  id.SourceHash,
			LastChecked: now,
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("duplicate content linked",
			slog.String("source", id.SourceURI),
			slog.String("document_id", class.DocumentID))
		return &models.IngestResult{Status: models.IngestDuplicate, DocumentID: class.DocumentID}, nil
	}

	docID := class.DocumentID
	ingestedAt := now
	if class.Status == models.IngestUpdated {
		if existing, err := s.store.GetDocument(ctx, docID); err == nil {
			ingestedAt = existing.IngestedAt
		} else {
			s.logger.Warn("prior document lookup failed, ingest time resets",
				slog.String("document_id", docID), slog.Any("error", err))
		}
	} else {
		docID = uuid.NewString()
	}

	if title == "" {
		title = identity.ExtractTitle(id.Content, id.SourceURI)
	}

	chunks, err := s.chunker.Split(id.Content)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, types.InferenceFailed("embedding failed", err)
	}
	for i := range chunks {
		chunks[i].ID = fmt.Sprintf("%s_chunk_%d", docID, i)
		chunks[i].DocumentID = docID
		chunks[i].Embedding = embeddings[i]
	}

	doc := &models.Document{
		ID:                 docID,
		Title:              title,
		SourceURI:          id.SourceURI,
		SourceHash:         id.SourceHash,
		ContentHash:        id.ContentHash,
		SourceMetadata:     sourceMeta,
		AdditionalMetadata: additionalMeta,
		IngestedAt:         ingestedAt,
		LastUpdated:        now,
		LastChecked:        now,
		Status:             models.StatusActive,
	}

	if err := s.store.UpsertDocument(ctx, doc, chunks); err != nil {
		return nil, err
	}

	s.logger.Info("document imported",
		slog.String("source", id.SourceURI),
		slog.String("document_id", docID),
		slog.String("status", string(class.Status)),
		slog.Int("chunks", len(chunks)))

	return &models.IngestResult{Status: class.Status, DocumentID: docID, ChunkCount: len(chunks)}, nil
}

// IngestFile imports one local file. HTML files have their readable text
// extracted first; everything else is treated as plain text.
func (s *Service) IngestFile(ctx context.Context, path string) (*models.IngestResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	meta := map[string]string{
		"mtime": info.ModTime().UTC().Format(time.RFC3339),
		"size":  strconv.FormatInt(info.Size(), 10),
	}

	var title string
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".html" || ext == ".htm" {
		htmlTitle, text, err := scraper.ExtractHTMLText(strings.NewReader(string(raw)))
		if err != nil {
			return nil, types.ContentValidationf("failed to parse HTML in %s: %v", path, err)
		}
		title = htmlTitle
		raw = []byte(text)
	}

	return s.IngestBytes(ctx, raw, path, title, meta, nil)
}

// IngestDirectory walks a directory tree and imports every supported file.
// Individual failures are collected, not fatal. progress, when non-nil, is
// called once per attempted file so callers can render batch progress.
func (s *Service) IngestDirectory(ctx context.Context, dir string, progress func(models.BatchItem)) (*models.BatchResult, error) {
	if err := s.gate.Check(); err != nil {
		return nil, err
	}

	batch := &models.BatchResult{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !Importable(path) {
			return nil
		}

		result, err := s.IngestFile(ctx, path)
		item := models.BatchItem{SourceURI: path, Err: err}
		if result != nil {
			item.Result = *result
		}
		if err != nil {
			s.logger.Warn("file import failed",
				slog.String("path", path), slog.Any("error", err))
		}
		batch.Add(item)
		if progress != nil {
			progress(item)
		}
		return nil
	})
	if err != nil {
		return batch, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	s.logger.Info("directory import finished",
		slog.String("dir", dir),
		slog.Int("succeeded", batch.Succeeded),
		slog.Int("skipped", batch.Skipped),
		slog.Int("failed", batch.Failed))

	return batch, nil
}

// IngestURL fetches and imports one URL.
func (s *Service) IngestURL(ctx context.Context, url string) (*models.IngestResult, error) {
	if err := s.gate.Check(); err != nil {
		return nil, err
	}

	page, err := s.fetcher.Fetch(ctx, url, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}

	meta := map[string]string{}
	if page.ETag != "" {
		meta["etag"] = page.ETag
	}
	if page.LastModified != "" {
		meta["last_modified"] = page.LastModified
	}

	return s.IngestBytes(ctx, []byte(page.Text), url, page.Title, meta, nil)
}

// CheckUpdates compares every tracked source, including secondary sources
// linked through the duplicate path, against its stored identity. Sources
// that changed mark their document outdated and update-available; nothing is
// re-imported here.
func (s *Service) CheckUpdates(ctx context.Context) (*models.UpdateReport, error) {
	refs, err := s.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}

	report := &models.UpdateReport{}
	for _, ref := range refs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		doc, err := s.store.GetDocument(ctx, ref.DocumentID)
		if err != nil {
			report.Add(models.UpdateCheck{SourceURI: ref.SourceURI, DocumentID: ref.DocumentID, Err: err})
			continue
		}
		if doc.Status == models.StatusDeleted {
			continue
		}

		check := s.checkOne(ctx, doc, &ref)
		if check.Err != nil {
			s.logger.Warn("update check failed",
				slog.String("source", ref.SourceURI), slog.Any("error", check.Err))
		}
		report.Add(check)
	}

	s.logger.Info("update check finished",
		slog.Int("checked", report.Checked),
		slog.Int("available", report.Available))

	return report, nil
}

// CheckSource checks a single tracked source by URI.
func (s *Service) CheckSource(ctx context.Context, sourceURI string) (models.UpdateCheck, error) {
	normalized := identity.NormalizeURI(sourceURI)
	ref, err := s.store.FindSource(ctx, normalized)
	if err != nil {
		return models.UpdateCheck{SourceURI: normalized}, err
	}
	if ref == nil {
		return models.UpdateCheck{SourceURI: normalized}, fmt.Errorf("source %s is not tracked", normalized)
	}

	doc, err := s.store.GetDocument(ctx, ref.DocumentID)
	if err != nil {
		return models.UpdateCheck{SourceURI: normalized}, err
	}
	return s.checkOne(ctx, doc, ref), nil
}

// checkOne compares one source ref against its stored hash. The ref decides
// which URI is read; the document only supplies status and the per-source
// metadata of its primary source.
func (s *Service) checkOne(ctx context.Context, doc *models.Document, ref *models.SourceRef) models.UpdateCheck {
	check := models.UpdateCheck{SourceURI: ref.SourceURI, DocumentID: doc.ID}

	var changed bool
	var err error
	if strings.Contains(ref.SourceURI, "://") {
		changed, err = s.urlChanged(ctx, doc, ref)
	} else {
		changed, err = s.fileChanged(doc, ref)
	}
	if err != nil {
		check.Err = err
		return check
	}

	if changed {
		check.UpdateAvailable = true
		check.Err = s.store.MarkOutdated(ctx, doc.ID)
	} else {
		check.Err = s.store.TouchChecked(ctx, doc.ID)
	}
	return check
}

// urlChanged prefers a conditional request; a 304 proves no change without
// transferring the body. Stored conditional headers describe the primary
// source only, so secondary sources always fetch the full body.
func (s *Service) urlChanged(ctx context.Context, doc *models.Document, ref *models.SourceRef) (bool, error) {
	var etag, lastModified string
	if ref.SourceURI == doc.SourceURI {
		etag = doc.SourceMetadata["etag"]
		lastModified = doc.SourceMetadata["last_modified"]
	}

	page, err := s.fetcher.Fetch(ctx, ref.SourceURI, etag, lastModified)
	if err != nil {
		return false, err
	}
	if page.NotModified {
		return false, nil
	}

	meta := map[string]string{}
	if page.ETag != "" {
		meta["etag"] = page.ETag
	}
	if page.LastModified != "" {
		meta["last_modified"] = page.LastModified
	}

	newHash := identity.SourceHash(ref.SourceURI, meta, []byte(page.Text))
	return newHash != ref.SourceHash, nil
}

// fileChanged short-circuits on unchanged metadata and only reads file bytes
// when mtime or size moved. The stored metadata belongs to the primary
// source, so secondary sources skip the short-circuit and hash directly.
func (s *Service) fileChanged(doc *models.Document, ref *models.SourceRef) (bool, error) {
	info, err := os.Stat(ref.SourceURI)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", ref.SourceURI, err)
	}

	meta := map[string]string{
		"mtime": info.ModTime().UTC().Format(time.RFC3339),
		"size":  strconv.FormatInt(info.Size(), 10),
	}
	if ref.SourceURI == doc.SourceURI &&
		identity.MetadataHash(meta) == identity.MetadataHash(doc.SourceMetadata) {
		return false, nil
	}

	raw, err := os.ReadFile(ref.SourceURI)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", ref.SourceURI, err)
	}

	// HTML sources are hashed over their extracted text, matching what
	// IngestFile fed the detector.
	ext := strings.ToLower(filepath.Ext(ref.SourceURI))
	if ext == ".html" || ext == ".htm" {
		_, text, err := scraper.ExtractHTMLText(strings.NewReader(string(raw)))
		if err != nil {
			return false, types.ContentValidationf("failed to parse HTML in %s: %v", ref.SourceURI, err)
		}
		raw = []byte(text)
	}

	newHash := identity.SourceHash(ref.SourceURI, meta, raw)
	return newHash != ref.SourceHash, nil
}

// Delete hides a document from retrieval. Rows stay in place.
func (s *Service) Delete(ctx context.Context, documentID string) error {
	return s.store.SoftDelete(ctx, documentID)
}

func (s *Service) List(ctx context.Context, status models.DocumentStatus, sourceFilter string) ([]models.Document, error) {
	return s.store.ListDocuments(ctx, status, sourceFilter)
}

func (s *Service) Get(ctx context.Context, documentID string) (*models.Document, error) {
	return s.store.GetDocument(ctx, documentID)
}
