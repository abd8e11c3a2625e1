package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

const chunkColumns = "id, document_id, chunk_type, page_number, chunk_index, content, embedding_json, image_base64, linked_chunk_id, metadata_json, created_at"

func scanChunk(row rowScanner) (*Chunk, error) {
	var (
		chunk         Chunk
		chunkType     string
		content       sql.NullString
		embeddingJSON sql.NullString
		imageBase64   sql.NullString
		linkedChunkID sql.NullInt64
		metadataJSON  string
	)
	err := row.Scan(&chunk.ID, &chunk.DocumentID, &chunkType, &chunk.PageNumber, &chunk.ChunkIndex,
		&content, &embeddingJSON, &imageBase64, &linkedChunkID, &metadataJSON, &chunk.CreatedAt)
	if err != nil {
		return nil, err
	}
	chunk.Type = ChunkType(chunkType)
	if content.Valid {
		chunk.Content = &content.String
	}
	if imageBase64.Valid {
		chunk.ImageBase64 = &imageBase64.String
	}
	if linkedChunkID.Valid {
		chunk.LinkedChunkID = &linkedChunkID.Int64
	}
	if chunk.Embedding, err = unmarshalEmbedding(embeddingJSON); err != nil {
		// A corrupt embedding should not hide the chunk's text from callers.
		log.Printf("Warning: chunk %d: %v. Embedding will be empty.", chunk.ID, err)
		chunk.Embedding = nil
	}
	chunk.Metadata = unmarshalMetadata(metadataJSON)
	return &chunk, nil
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		chunks = append(chunks, *chunk)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) ListChunksByDocument(ctx context.Context, documentID int64) ([]Chunk, error) {
	return s.queryChunks(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE document_id = ? ORDER BY id", documentID)
}

func (s *SQLiteStore) ListChunkIDs(ctx context.Context, documentID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM chunks WHERE document_id = ? ORDER BY id", documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountChunks returns how many text and image chunks a document has.
func (s *SQLiteStore) CountChunks(ctx context.Context, documentID int64) (text, image int, err error) {
	rows, err := s.db.QueryContext(ctx, "SELECT chunk_type, COUNT(*) FROM chunks WHERE document_id = ? GROUP BY chunk_type", documentID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			chunkType string
			n         int
		)
		if err := rows.Scan(&chunkType, &n); err != nil {
			return 0, 0, fmt.Errorf("failed to scan chunk count: %w", err)
		}
		switch ChunkType(chunkType) {
		case ChunkTypeText:
			text = n
		case ChunkTypeImage:
			image = n
		}
	}
	return text, image, rows.Err()
}

func (s *SQLiteStore) GetChunksByIDs(ctx context.Context, ids []int64) (map[int64]Chunk, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return map[int64]Chunk{}, nil
	}
	placeholders, args := inClause(ids)
	chunks, err := s.queryChunks(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	return byID, nil
}

// GetImagesForChunks returns image chunks keyed by the text chunk they link to.
// Only links to the given ids are returned.
func (s *SQLiteStore) GetImagesForChunks(ctx context.Context, parentIDs []int64) (map[int64][]Chunk, error) {
	parentIDs = uniqueIDs(parentIDs)
	if len(parentIDs) == 0 {
		return map[int64][]Chunk{}, nil
	}
	placeholders, args := inClause(parentIDs)
	chunks, err := s.queryChunks(ctx,
		"SELECT "+chunkColumns+" FROM chunks WHERE chunk_type = 'image' AND linked_chunk_id IN ("+placeholders+") ORDER BY chunk_index, id",
		args...)
	if err != nil {
		return nil, err
	}
	grouped := make(map[int64][]Chunk)
	for _, c := range chunks {
		grouped[*c.LinkedChunkID] = append(grouped[*c.LinkedChunkID], c)
	}
	return grouped, nil
}

// GetChunkEmbeddings loads only the embeddings for ids.
func (s *SQLiteStore) GetChunkEmbeddings(ctx context.Context, ids []int64) (map[int64][]float32, error) {
	ids = uniqueIDs(ids)
	embeddings := make(map[int64][]float32, len(ids))
	if len(ids) == 0 {
		return embeddings, nil
	}
	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, "SELECT id, embedding_json FROM chunks WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			raw sql.NullString
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan chunk embedding: %w", err)
		}
		embedding, err := unmarshalEmbedding(raw)
		if err != nil {
			log.Printf("Warning: chunk %d: %v. Skipping.", id, err)
			continue
		}
		embeddings[id] = embedding
	}
	return embeddings, rows.Err()
}

// FilterExistingChunks reports which of ids still exist.
func (s *SQLiteStore) FilterExistingChunks(ctx context.Context, ids []int64) (map[int64]bool, error) {
	ids = uniqueIDs(ids)
	existing := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}
	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM chunks WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to check chunk ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// ScanChunkEmbeddings streams (id, embedding) for every chunk in scope. The
// whole scan is one statement, so it sees a single committed state.
func (s *SQLiteStore) ScanChunkEmbeddings(ctx context.Context, scope ChunkScope, fn func(id int64, embedding []float32) error) error {
	query := `SELECT c.id, c.embedding_json
        FROM chunks c
        JOIN documents d ON d.id = c.document_id
        WHERE d.owner_user_id = ? AND c.chunk_type = ?`
	args := []any{scope.OwnerUserID, string(scope.Type)}
	if len(scope.DocumentIDs) > 0 {
		placeholders, docArgs := inClause(uniqueIDs(scope.DocumentIDs))
		query += " AND c.document_id IN (" + placeholders + ")"
		args = append(args, docArgs...)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to scan chunk embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			raw sql.NullString
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("failed to scan chunk embedding row: %w", err)
		}
		embedding, err := unmarshalEmbedding(raw)
		if err != nil {
			log.Printf("Warning: chunk %d: %v. Skipping.", id, err)
			continue
		}
		if err := fn(id, embedding); err != nil {
			return err
		}
	}
	return rows.Err()
}
