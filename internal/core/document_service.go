package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/store"
)

type DocumentStore interface {
	GetDocument(ctx context.Context, id int64) (*store.Document, error)
	ListDocumentsByOwner(ctx context.Context, ownerUserID int64) ([]store.Document, error)
	CountChunks(ctx context.Context, documentID int64) (text, image int, err error)
	DeleteDocument(ctx context.Context, id int64) error
}

// DocumentSummary is the listing view of a document.
type DocumentSummary struct {
	ID         int64          `json:"id"`
	Filename   string         `json:"filename"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
	TextChunks int            `json:"text_chunks,omitempty"`
	Images     int            `json:"images,omitempty"`
}

type DocumentService struct {
	store DocumentStore
	blobs BlobStore
	index Indexer
}

func NewDocumentService(s DocumentStore, blobs BlobStore, index Indexer) *DocumentService {
	return &DocumentService{store: s, blobs: blobs, index: index}
}

func summarize(doc store.Document) DocumentSummary {
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return DocumentSummary{
		ID:        doc.ID,
		Filename:  doc.Filename,
		Metadata:  metadata,
		CreatedAt: doc.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: doc.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *DocumentService) List(ctx context.Context, ownerUserID int64) ([]DocumentSummary, error) {
	docs, err := s.store.ListDocumentsByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	out := make([]DocumentSummary, 0, len(docs))
	for _, doc := range docs {
		out = append(out, summarize(doc))
	}
	return out, nil
}

// owned loads a document and checks the caller owns it.
func (s *DocumentService) owned(ctx context.Context, op string, id, callerUserID int64) (*store.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperr.NotFound(op, "document %d not found", id)
	}
	if doc.OwnerUserID != callerUserID {
		return nil, apperr.Ownership(op, "document %d belongs to another user", id)
	}
	return doc, nil
}

func (s *DocumentService) Get(ctx context.Context, id, callerUserID int64) (*DocumentSummary, error) {
	doc, err := s.owned(ctx, "get document", id, callerUserID)
	if err != nil {
		return nil, err
	}
	summary := summarize(*doc)
	if summary.TextChunks, summary.Images, err = s.store.CountChunks(ctx, id); err != nil {
		return nil, err
	}
	return &summary, nil
}

// OpenFile streams the stored upload. The caller closes the reader.
func (s *DocumentService) OpenFile(ctx context.Context, id, callerUserID int64) (io.ReadCloser, string, error) {
	const op = "open document file"
	doc, err := s.owned(ctx, op, id, callerUserID)
	if err != nil {
		return nil, "", err
	}
	if doc.SourcePath == "" {
		return nil, "", apperr.NotFound(op, "document %d has no stored file", id)
	}
	rc, err := s.blobs.Open(ctx, doc.SourcePath)
	if err != nil {
		log.Printf("Failed to open stored file for document %d at %s: %v", id, doc.SourcePath, err)
		return nil, "", apperr.NotFound(op, "file for document %d is missing", id)
	}
	return rc, doc.Filename, nil
}

// Delete removes the document and its chunks, then its index entries and
// stored upload.
func (s *DocumentService) Delete(ctx context.Context, id, callerUserID int64) error {
	const op = "delete document"
	doc, err := s.owned(ctx, op, id, callerUserID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			return apperr.NotFound(op, "document %d not found", id)
		}
		return err
	}
	if s.index != nil {
		if err := s.index.RemoveDocument(context.WithoutCancel(ctx), id); err != nil {
			log.Printf("Warning: failed to remove document %d from index: %v", id, err)
		}
	}
	deleteBlob(ctx, s.blobs, doc.SourcePath)
	log.Printf("Deleted document %d (%s) for user %d", id, doc.Filename, callerUserID)
	return nil
}

type ReindexStore interface {
	ListDocuments(ctx context.Context) ([]store.Document, error)
	ListChunksByDocument(ctx context.Context, documentID int64) ([]store.Chunk, error)
}

// Reindex rebuilds the secondary index from the store, one document at a
// time. It returns the number of documents and chunks indexed.
func Reindex(ctx context.Context, s ReindexStore, index Indexer) (docs, chunks int, err error) {
	all, err := s.ListDocuments(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, doc := range all {
		docChunks, err := s.ListChunksByDocument(ctx, doc.ID)
		if err != nil {
			return docs, chunks, err
		}
		if err := index.IndexChunks(ctx, doc.OwnerUserID, docChunks); err != nil {
			return docs, chunks, fmt.Errorf("failed to index chunks of document %d: %w", doc.ID, err)
		}
		if err := index.IndexDocument(ctx, doc); err != nil {
			return docs, chunks, fmt.Errorf("failed to index document %d: %w", doc.ID, err)
		}
		docs++
		chunks += len(docChunks)
		if docs%50 == 0 {
			log.Printf("Reindexed %d/%d documents", docs, len(all))
		}
	}
	return docs, chunks, nil
}
