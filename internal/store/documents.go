package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const documentColumns = "id, owner_user_id, filename, source_path, content_hash, normalized_hash, embedding_json, metadata_json, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc            Document
		normalizedHash sql.NullString
		embeddingJSON  sql.NullString
		metadataJSON   string
	)
	err := row.Scan(&doc.ID, &doc.OwnerUserID, &doc.Filename, &doc.SourcePath, &doc.ContentHash,
		&normalizedHash, &embeddingJSON, &metadataJSON, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if normalizedHash.Valid {
		doc.NormalizedHash = &normalizedHash.String
	}
	if doc.Embedding, err = unmarshalEmbedding(embeddingJSON); err != nil {
		return nil, fmt.Errorf("document %d: %w", doc.ID, err)
	}
	doc.Metadata = unmarshalMetadata(metadataJSON)
	return &doc, nil
}

func (s *SQLiteStore) queryDocument(ctx context.Context, query string, args ...any) (*Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return s.queryDocument(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
}

// FindDocumentByContentHash looks a document up through the (owner, hash)
// unique constraint.
func (s *SQLiteStore) FindDocumentByContentHash(ctx context.Context, ownerUserID int64, contentHash string) (*Document, error) {
	return s.queryDocument(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE owner_user_id = ? AND content_hash = ?",
		ownerUserID, contentHash)
}

// FindLatestDocumentByNormalizedHash returns the most recently uploaded match;
// the normalized hash is not unique.
func (s *SQLiteStore) FindLatestDocumentByNormalizedHash(ctx context.Context, ownerUserID int64, normalizedHash string) (*Document, error) {
	return s.queryDocument(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE owner_user_id = ? AND normalized_hash = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		ownerUserID, normalizedHash)
}

func (s *SQLiteStore) GetDocumentsByIDs(ctx context.Context, ids []int64) (map[int64]Document, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return map[int64]Document{}, nil
	}
	placeholders, args := inClause(ids)
	docs, err := s.queryDocuments(ctx, "SELECT "+documentColumns+" FROM documents WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	return byID, nil
}

func (s *SQLiteStore) ListDocumentsByOwner(ctx context.Context, ownerUserID int64) ([]Document, error) {
	return s.queryDocuments(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE owner_user_id = ? ORDER BY created_at DESC, id DESC",
		ownerUserID)
}

// ListDocuments returns every document; used to rebuild the vector index.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
	return s.queryDocuments(ctx, "SELECT "+documentColumns+" FROM documents ORDER BY id")
}

// ScanDocumentEmbeddings calls fn for every document of the owner that has a
// document-level embedding.
func (s *SQLiteStore) ScanDocumentEmbeddings(ctx context.Context, ownerUserID int64, fn func(id int64, embedding []float32) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, embedding_json FROM documents WHERE owner_user_id = ? AND embedding_json IS NOT NULL",
		ownerUserID)
	if err != nil {
		return fmt.Errorf("failed to query document embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			raw sql.NullString
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("failed to scan document embedding: %w", err)
		}
		embedding, err := unmarshalEmbedding(raw)
		if err != nil {
			return fmt.Errorf("document %d: %w", id, err)
		}
		if err := fn(id, embedding); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CreateDocument inserts the document and its chunk batch in one transaction.
// A racing insert of the same (owner, content hash) fails with
// ErrDuplicateContent and leaves nothing behind.
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *Document, chunks []NewChunk) ([]Chunk, error) {
	var inserted []Chunk
	err := s.inTx(ctx, func(t *sqliteTx) error {
		id, err := t.insertDocument(ctx, doc)
		if err != nil {
			return err
		}
		doc.ID = id
		inserted, err = t.InsertChunks(ctx, id, chunks)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// UpdateDocumentMetadata rewrites the descriptive fields of a document whose
// content is unchanged. It fails with ErrStaleDocument when the row no
// longer matches expect.
func (s *SQLiteStore) UpdateDocumentMetadata(ctx context.Context, id int64, expect Revision, filename, sourcePath string, metadata map[string]any) error {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET filename = ?, source_path = ?, metadata_json = ?, updated_at = ?
         WHERE id = ? AND content_hash = ? AND source_path = ?`,
		filename, sourcePath, metadataJSON, time.Now().UTC(), id, expect.ContentHash, expect.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to update document metadata: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return missedUpdate(ctx, s.db, id)
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// missedUpdate tells apart a deleted document from one whose revision moved
// on after a conditional update matched no row.
func missedUpdate(ctx context.Context, q rowQuerier, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE id = ?", id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrDocumentNotFound
	case err != nil:
		return fmt.Errorf("failed to check document %d: %w", id, err)
	}
	return ErrStaleDocument
}

// DeleteDocument removes the document; its chunks cascade.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
