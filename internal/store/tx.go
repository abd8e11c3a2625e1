package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"lexivion.com/docsearch/internal/apperr"
)

// ContentTx is the unit of work a content replace runs in: purge the old
// chunks, insert the new batch, rewrite the document's content fields.
// Nothing is visible to other connections until the transaction commits.
type ContentTx interface {
	DeleteChunks(ctx context.Context, documentID int64) ([]int64, error)
	InsertChunks(ctx context.Context, documentID int64, chunks []NewChunk) ([]Chunk, error)
	UpdateDocumentContent(ctx context.Context, documentID int64, update ContentUpdate) error
}

type sqliteTx struct {
	tx  *sql.Tx
	now time.Time
}

// InTx runs fn inside one write transaction. Any error from fn, or a panic,
// rolls everything back.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx ContentTx) error) error {
	return s.inTx(ctx, func(t *sqliteTx) error { return fn(t) })
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(t *sqliteTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
	}()

	if err = fn(&sqliteTx{tx: tx, now: time.Now().UTC()}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateContent
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (t *sqliteTx) insertDocument(ctx context.Context, doc *Document) (int64, error) {
	embeddingJSON, err := marshalEmbedding(doc.Embedding)
	if err != nil {
		return 0, err
	}
	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return 0, err
	}
	doc.CreatedAt, doc.UpdatedAt = t.now, t.now

	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO documents (owner_user_id, filename, source_path, content_hash, normalized_hash, embedding_json, metadata_json, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.OwnerUserID, doc.Filename, doc.SourcePath, doc.ContentHash, doc.NormalizedHash,
		embeddingJSON, metadataJSON, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateContent
		}
		return 0, fmt.Errorf("failed to insert document: %w", err)
	}
	return res.LastInsertId()
}

func (t *sqliteTx) DeleteChunks(ctx context.Context, documentID int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT id FROM chunks WHERE document_id = ? ORDER BY id", documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks for purge: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := t.tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return nil, fmt.Errorf("failed to purge chunks: %w", err)
	}
	return ids, nil
}

// InsertChunks inserts a batch in order. LinkedIndex must point at an earlier
// text chunk of the batch.
func (t *sqliteTx) InsertChunks(ctx context.Context, documentID int64, chunks []NewChunk) ([]Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO chunks (document_id, chunk_type, page_number, chunk_index, content, embedding_json, image_base64, linked_chunk_id, metadata_json, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	inserted := make([]Chunk, 0, len(chunks))
	for i, c := range chunks {
		if !c.Type.Valid() {
			return nil, apperr.Validation("insert chunks", "chunk %d has unknown type %q", i, c.Type)
		}
		if len(c.Embedding) == 0 {
			return nil, apperr.Validation("insert chunks", "chunk %d has no embedding", i)
		}
		var linked *int64
		if c.LinkedIndex != nil {
			li := *c.LinkedIndex
			if c.Type != ChunkTypeImage {
				return nil, apperr.Validation("insert chunks", "chunk %d: only image chunks may link to a text chunk", i)
			}
			if li < 0 || li >= i || chunks[li].Type != ChunkTypeText {
				return nil, apperr.Validation("insert chunks", "chunk %d: linked index %d is not an earlier text chunk", i, li)
			}
			id := inserted[li].ID
			linked = &id
		}

		embeddingJSON, err := marshalEmbedding(c.Embedding)
		if err != nil {
			return nil, err
		}
		metadataJSON, err := marshalMetadata(c.Metadata)
		if err != nil {
			return nil, err
		}

		res, err := stmt.ExecContext(ctx, documentID, string(c.Type), c.PageNumber, c.ChunkIndex, c.Content,
			embeddingJSON, c.ImageBase64, linked, metadataJSON, t.now)
		if err != nil {
			if strings.Contains(err.Error(), "linked chunk must be") {
				return nil, apperr.Validation("insert chunks", "chunk %d: %v", i, err)
			}
			return nil, fmt.Errorf("failed to insert chunk %d: %w", i, err)
		}
		id, _ := res.LastInsertId()
		inserted = append(inserted, Chunk{
			ID:            id,
			DocumentID:    documentID,
			Type:          c.Type,
			PageNumber:    c.PageNumber,
			ChunkIndex:    c.ChunkIndex,
			Content:       c.Content,
			Embedding:     c.Embedding,
			ImageBase64:   c.ImageBase64,
			LinkedChunkID: linked,
			Metadata:      c.Metadata,
			CreatedAt:     t.now,
		})
	}
	return inserted, nil
}

// UpdateDocumentContent rewrites the content fields. It fails with
// ErrStaleDocument when the row no longer matches update.Expect.
func (t *sqliteTx) UpdateDocumentContent(ctx context.Context, documentID int64, update ContentUpdate) error {
	embeddingJSON, err := marshalEmbedding(update.Embedding)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalMetadata(update.Metadata)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE documents
         SET filename = ?, source_path = ?, content_hash = ?, normalized_hash = ?, embedding_json = ?, metadata_json = ?, updated_at = ?
         WHERE id = ? AND content_hash = ? AND source_path = ?`,
		update.Filename, update.SourcePath, update.ContentHash, update.NormalizedHash,
		embeddingJSON, metadataJSON, t.now, documentID, update.Expect.ContentHash, update.Expect.SourcePath)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateContent
		}
		return fmt.Errorf("failed to update document content: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return missedUpdate(ctx, t.tx, documentID)
	}
	return nil
}
