// Package store persists documents, chunks and query audit records in
// PostgreSQL with pgvector embeddings. The active-status predicate on search
// lives here, not in callers, so deleted or outdated content can never leak
// into retrieval.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/edgerag/guide/internal/models"
	"github.com/edgerag/guide/internal/types"
)

type VectorStoreConfig struct {
	ConnString  string
	TablePrefix string
	VectorDim   int
	SearchLimit int
}

type VectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewWithConfig connects, creates the schema if needed and verifies store
// integrity, repairing what it can. It fails rather than serve from an index
// it could not repair.
func NewWithConfig(config VectorStoreConfig, logger *slog.Logger) (*VectorStore, error) {
	if config.TablePrefix == "" {
		config.TablePrefix = "guide"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.SearchLimit == 0 {
		config.SearchLimit = 5
	}

	pool, err := pgxpool.New(context.Background(), config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config: config,
		pool:   pool,
		logger: logger.With(slog.String("component", "store")),
	}

	if err := vs.initialize(); err != nil {
		pool.Close()
		return nil, err
	}

	if err := vs.verifyIntegrity(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) table(name string) string {
	return vs.config.TablePrefix + "_" + name
}

func (vs *VectorStore) initialize() error {
	ctx := context.Background()

	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				source_uri TEXT NOT NULL,
				source_hash TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				source_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
				additional_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
				ingested_at TIMESTAMPTZ NOT NULL,
				last_updated TIMESTAMPTZ NOT NULL,
				last_checked TIMESTAMPTZ NOT NULL,
				chunk_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'active',
				update_available BOOLEAN NOT NULL DEFAULT FALSE
			)`, vs.table("documents")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				document_id TEXT NOT NULL,
				content TEXT NOT NULL,
				chunk_index INTEGER NOT NULL,
				start_offset INTEGER NOT NULL,
				end_offset INTEGER NOT NULL,
				embedding vector(%d)
			)`, vs.table("chunks"), vs.config.VectorDim),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				source_uri TEXT PRIMARY KEY,
				document_id TEXT NOT NULL,
				source_hash TEXT NOT NULL,
				last_checked TIMESTAMPTZ NOT NULL
			)`, vs.table("sources")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				text TEXT NOT NULL,
				response_text TEXT NOT NULL DEFAULT '',
				response_tokens INTEGER NOT NULL DEFAULT 0,
				processing_time_ms BIGINT NOT NULL DEFAULT 0,
				retrieved_chunk_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
				source_document_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
				created_at TIMESTAMPTZ NOT NULL
			)`, vs.table("queries")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_content_hash_idx ON %s (content_hash)`,
			vs.table("documents"), vs.table("documents")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status)`,
			vs.table("documents"), vs.table("documents")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_document_idx ON %s (document_id)`,
			vs.table("chunks"), vs.table("chunks")),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_embedding_idx
			ON %s
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100)`,
			vs.table("chunks"), vs.table("chunks")),
	}

	for _, stmt := range statements {
		if _, err := vs.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return nil
}

// verifyIntegrity repairs what automatic repair can reach: orphaned chunks
// are removed, chunk counts reconciled, and documents whose chunk sequence is
// gapped or missing are marked outdated so a re-import rebuilds them.
func (vs *VectorStore) verifyIntegrity(ctx context.Context) error {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return types.StoreCorruption("integrity check could not start", err)
	}
	defer tx.Rollback(ctx)

	orphans, err := tx.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s c WHERE NOT EXISTS (
			SELECT 1 FROM %s d WHERE d.id = c.document_id
		)`, vs.table("chunks"), vs.table("documents")))
	if err != nil {
		return types.StoreCorruption("orphan chunk cleanup failed", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s d SET chunk_count = sub.cnt
		FROM (
			SELECT d2.id, COUNT(c.id) AS cnt
			FROM %s d2 LEFT JOIN %s c ON c.document_id = d2.id
			GROUP BY d2.id
		) sub
		WHERE sub.id = d.id AND d.chunk_count <> sub.cnt`,
		vs.table("documents"), vs.table("documents"), vs.table("chunks"))); err != nil {
		return types.StoreCorruption("chunk count reconciliation failed", err)
	}

	// Active documents with a gapped chunk sequence or no chunks at all
	// cannot be trusted for retrieval.
	damaged, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s d SET status = 'outdated', update_available = TRUE
		WHERE d.status = 'active' AND (
			d.chunk_count = 0 OR
			d.chunk_count <> (
				SELECT COALESCE(MAX(c.chunk_index) + 1, 0) FROM %s c WHERE c.document_id = d.id
			)
		)`, vs.table("documents"), vs.table("chunks")))
	if err != nil {
		return types.StoreCorruption("damaged document scan failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return types.StoreCorruption("integrity repair could not commit", err)
	}

	if orphans.RowsAffected() > 0 || damaged.RowsAffected() > 0 {
		vs.logger.Warn("store repaired on startup",
			slog.Int64("orphan_chunks_removed", orphans.RowsAffected()),
			slog.Int64("documents_marked_outdated", damaged.RowsAffected()))
	}

	return nil
}

// UpsertDocument replaces all chunks for the document with the given set, in
// one transaction holding a document-level advisory lock: concurrent readers
// of other documents proceed, a second writer on the same document waits.
func (vs *VectorStore) UpsertDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", doc.ID); err != nil {
		return fmt.Errorf("failed to lock document %s: %w", doc.ID, err)
	}

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, vs.table("chunks")), doc.ID); err != nil {
		return fmt.Errorf("failed to clear prior chunks: %w", err)
	}

	doc.ChunkCount = len(chunks)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, title, source_uri, source_hash, content_hash,
			source_metadata, additional_metadata,
			ingested_at, last_updated, last_checked,
			chunk_count, status, update_available)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			source_uri = EXCLUDED.source_uri,
			source_hash = EXCLUDED.source_hash,
			content_hash = EXCLUDED.content_hash,
			source_metadata = EXCLUDED.source_metadata,
			additional_metadata = EXCLUDED.additional_metadata,
			last_updated = EXCLUDED.last_updated,
			last_checked = EXCLUDED.last_checked,
			chunk_count = EXCLUDED.chunk_count,
			status = EXCLUDED.status,
			update_available = EXCLUDED.update_available`,
		vs.table("documents")),
		doc.ID, doc.Title, doc.SourceURI, doc.SourceHash, doc.ContentHash,
		doc.SourceMetadata, doc.AdditionalMetadata,
		doc.IngestedAt, doc.LastUpdated, doc.LastChecked,
		doc.ChunkCount, string(doc.Status), doc.UpdateAvailable); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	for _, chunk := range chunks {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, document_id, content, chunk_index, start_offset, end_offset, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			vs.table("chunks")),
			chunk.ID, doc.ID, chunk.Content, chunk.ChunkIndex,
			chunk.StartOffset, chunk.EndOffset, pgvector.NewVector(chunk.Embedding)); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	if err := vs.upsertSource(ctx, tx, models.SourceRef{
		SourceURI:   doc.SourceURI,
		DocumentID:  doc.ID,
		SourceHash:  doc.SourceHash,
		LastChecked: doc.LastChecked,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (vs *VectorStore) upsertSource(ctx context.Context, tx pgx.Tx, ref models.SourceRef) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (source_uri, document_id, source_hash, last_checked)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_uri) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			source_hash = EXCLUDED.source_hash,
			last_checked = EXCLUDED.last_checked`,
		vs.table("sources")),
		ref.SourceURI, ref.DocumentID, ref.SourceHash, ref.LastChecked); err != nil {
		return fmt.Errorf("failed to register source %s: %w", ref.SourceURI, err)
	}
	return nil
}

// RegisterSource links an additional source URI to an existing document
// without touching its embeddings (the duplicate path), and refreshes the
// document's last_checked.
func (vs *VectorStore) RegisterSource(ctx context.Context, ref models.SourceRef) error {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if ref.LastChecked.IsZero() {
		ref.LastChecked = time.Now().UTC()
	}

	if err := vs.upsertSource(ctx, tx, ref); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET last_checked = $2 WHERE id = $1`, vs.table("documents")),
		ref.DocumentID, ref.LastChecked); err != nil {
		return fmt.Errorf("failed to touch document %s: %w", ref.DocumentID, err)
	}

	return tx.Commit(ctx)
}

func (vs *VectorStore) FindSource(ctx context.Context, sourceURI string) (*models.SourceRef, error) {
	var ref models.SourceRef
	err := vs.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT source_uri, document_id, source_hash, last_checked FROM %s WHERE source_uri = $1`,
		vs.table("sources")), sourceURI).
		Scan(&ref.SourceURI, &ref.DocumentID, &ref.SourceHash, &ref.LastChecked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up source: %w", err)
	}
	return &ref, nil
}

// ListSources returns every tracked source, including secondary sources
// registered through the duplicate path.
func (vs *VectorStore) ListSources(ctx context.Context) ([]models.SourceRef, error) {
	rows, err := vs.pool.Query(ctx, fmt.Sprintf(
		`SELECT source_uri, document_id, source_hash, last_checked FROM %s ORDER BY source_uri`,
		vs.table("sources")))
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var refs []models.SourceRef
	for rows.Next() {
		var ref models.SourceRef
		if err := rows.Scan(&ref.SourceURI, &ref.DocumentID, &ref.SourceHash, &ref.LastChecked); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// FindByContentHash resolves the deduplication key. Deleted documents do not
// count: re-ingesting content that only a deleted document carried starts a
// fresh document.
func (vs *VectorStore) FindByContentHash(ctx context.Context, contentHash string) (*models.Document, error) {
	rows, err := vs.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE content_hash = $1 AND status <> 'deleted'
		ORDER BY last_updated DESC
		LIMIT 1`, documentColumns, vs.table("documents")), contentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up content hash: %w", err)
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func (vs *VectorStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	rows, err := vs.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = $1`, documentColumns, vs.table("documents")), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document %s not found", id)
	}
	return &docs[0], nil
}

func (vs *VectorStore) ListDocuments(ctx context.Context, status models.DocumentStatus, sourceFilter string) ([]models.Document, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE ($1 = '' OR status = $1) AND ($2 = '' OR source_uri LIKE '%%' || $2 || '%%') ORDER BY last_updated DESC`,
		documentColumns, vs.table("documents"))

	rows, err := vs.pool.Query(ctx, query, string(status), sourceFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// SoftDelete flips status only; chunk rows stay for audit and rollback but
// the search predicate hides them from every future query.
func (vs *VectorStore) SoftDelete(ctx context.Context, id string) error {
	tag, err := vs.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'deleted' WHERE id = $1`, vs.table("documents")), id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s not found", id)
	}
	return nil
}

// MarkOutdated records a detected-but-not-imported source change.
func (vs *VectorStore) MarkOutdated(ctx context.Context, id string) error {
	tag, err := vs.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'outdated', update_available = TRUE, last_checked = $2 WHERE id = $1`,
		vs.table("documents")), id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark document outdated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s not found", id)
	}
	return nil
}

func (vs *VectorStore) TouchChecked(ctx context.Context, id string) error {
	_, err := vs.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET last_checked = $2 WHERE id = $1`, vs.table("documents")), id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch document: %w", err)
	}
	return nil
}

// Search returns up to k chunks of active documents ranked by cosine
// distance. Equal distances break toward the more recently updated document,
// then chunk id, so ordering is deterministic.
func (vs *VectorStore) Search(ctx context.Context, embedding []float32, k int) ([]models.SearchResult, error) {
	if k == 0 {
		k = vs.config.SearchLimit
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.content, c.chunk_index, c.start_offset, c.end_offset,
			d.title, d.source_uri, d.last_updated,
			c.embedding <=> $1 AS distance
		FROM %s c
		JOIN %s d ON d.id = c.document_id
		WHERE d.status = 'active'
		ORDER BY distance, d.last_updated DESC, c.id
		LIMIT $2`,
		vs.table("chunks"), vs.table("documents"))

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		if err := rows.Scan(
			&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.Content,
			&r.Chunk.ChunkIndex, &r.Chunk.StartOffset, &r.Chunk.EndOffset,
			&r.Title, &r.SourceURI, &r.LastUpdated, &r.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.DocumentID = r.Chunk.DocumentID
		results = append(results, r)
	}

	return results, rows.Err()
}

func (vs *VectorStore) RecordQuery(ctx context.Context, rec *models.QueryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := vs.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, text, response_text, response_tokens, processing_time_ms,
			retrieved_chunk_ids, source_document_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		vs.table("queries")),
		rec.ID, rec.Text, rec.ResponseText, rec.ResponseTokens, rec.ProcessingTimeMS,
		rec.RetrievedChunkIDs, rec.SourceDocumentIDs, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record query: %w", err)
	}
	return nil
}

// Health reports basic store statistics for the status surfaces.
type Health struct {
	Documents int64
	Chunks    int64
	Queries   int64
}

func (vs *VectorStore) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := vs.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT
			(SELECT COUNT(*) FROM %s),
			(SELECT COUNT(*) FROM %s),
			(SELECT COUNT(*) FROM %s)`,
		vs.table("documents"), vs.table("chunks"), vs.table("queries"))).
		Scan(&h.Documents, &h.Chunks, &h.Queries)
	if err != nil {
		return nil, fmt.Errorf("failed to read store health: %w", err)
	}
	return &h, nil
}

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

const documentColumns = `id, title, source_uri, source_hash, content_hash,
	source_metadata, additional_metadata,
	ingested_at, last_updated, last_checked,
	chunk_count, status, update_available`

func scanDocuments(rows pgx.Rows) ([]models.Document, error) {
	var docs []models.Document
	for rows.Next() {
		var doc models.Document
		var status string
		if err := rows.Scan(
			&doc.ID, &doc.Title, &doc.SourceURI, &doc.SourceHash, &doc.ContentHash,
			&doc.SourceMetadata, &doc.AdditionalMetadata,
			&doc.IngestedAt, &doc.LastUpdated, &doc.LastChecked,
			&doc.ChunkCount, &status, &doc.UpdateAvailable); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Status = models.DocumentStatus(status)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
