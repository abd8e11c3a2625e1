package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"lexivion.com/docsearch/internal/dedup"
	"lexivion.com/docsearch/internal/store"
)

// BlobStore keeps the original uploaded files.
type BlobStore interface {
	Put(ctx context.Context, ownerUserID int64, filename string, r io.Reader) (string, error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// Indexer mirrors committed rows into a secondary search index.
type Indexer interface {
	IndexDocument(ctx context.Context, doc store.Document) error
	IndexChunks(ctx context.Context, ownerUserID int64, chunks []store.Chunk) error
	RemoveChunks(ctx context.Context, ids []int64) error
	RemoveDocument(ctx context.Context, documentID int64) error
}

type DuplicateResolver interface {
	Resolve(ctx context.Context, req dedup.Request) (*dedup.Match, error)
}

type IngestStore interface {
	CreateDocument(ctx context.Context, doc *store.Document, chunks []store.NewChunk) ([]store.Chunk, error)
	FindDocumentByContentHash(ctx context.Context, ownerUserID int64, contentHash string) (*store.Document, error)
}

type Upload struct {
	OwnerUserID int64
	Filename    string
	Content     io.Reader
	// Override skips the normalized and semantic duplicate checks.
	Override bool
}

type IngestResult struct {
	Message      string `json:"message"`
	Filename     string `json:"filename"`
	DocumentID   int64  `json:"document_id"`
	ChunksStored int    `json:"chunks_stored"`
	ImagesStored int    `json:"images_stored"`
}

type IngestService struct {
	store    IngestStore
	pipeline *Pipeline
	resolver DuplicateResolver
	blobs    BlobStore
	index    Indexer
}

func NewIngestService(s IngestStore, pipeline *Pipeline, resolver DuplicateResolver, blobs BlobStore, index Indexer) *IngestService {
	return &IngestService{store: s, pipeline: pipeline, resolver: resolver, blobs: blobs, index: index}
}

// Ingest stores a new document unless the owner already has a duplicate of
// it, in which case a *dedup.ConflictError is returned.
func (s *IngestService) Ingest(ctx context.Context, up Upload) (*IngestResult, error) {
	const op = "ingest"
	filename, err := s.pipeline.checkFilename(op, up.Filename)
	if err != nil {
		return nil, err
	}

	spooled, err := s.pipeline.spool(op, filename, up.Content)
	if err != nil {
		return nil, err
	}
	defer spooled.cleanup()

	// Exact duplicates are rejected before any extraction or model call.
	if existing, err := s.store.FindDocumentByContentHash(ctx, up.OwnerUserID, spooled.hash); err != nil {
		return nil, err
	} else if existing != nil {
		log.Printf("Upload %s by user %d duplicates document %d", filename, up.OwnerUserID, existing.ID)
		return nil, dedup.ExactConflict(existing)
	}

	analyzed, err := s.pipeline.analyze(ctx, op, spooled)
	if err != nil {
		return nil, err
	}

	match, err := s.resolver.Resolve(ctx, dedup.Request{
		OwnerUserID: up.OwnerUserID,
		Fingerprint: analyzed.fingerprint,
		Override:    up.Override,
	})
	if err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}
	if match.Tier != dedup.TierNone {
		return nil, &dedup.ConflictError{Match: match}
	}

	chunks, err := s.pipeline.embedChunks(ctx, analyzed)
	if err != nil {
		return nil, err
	}

	location, err := putBlob(ctx, s.blobs, up.OwnerUserID, spooled)
	if err != nil {
		return nil, err
	}

	doc := &store.Document{
		OwnerUserID: up.OwnerUserID,
		Filename:    filename,
		SourcePath:  location,
		ContentHash: analyzed.fingerprint.ExactHash,
		Embedding:   analyzed.fingerprint.SemanticVector,
		Metadata: map[string]any{
			"source":     "upload",
			"pages":      analyzed.pageCount,
			"size_bytes": spooled.size,
		},
	}
	if analyzed.fingerprint.HasNormalized {
		h := analyzed.fingerprint.NormalizedHash
		doc.NormalizedHash = &h
	}

	inserted, err := s.store.CreateDocument(ctx, doc, chunks)
	if err != nil {
		deleteBlob(ctx, s.blobs, location)
		if errors.Is(err, store.ErrDuplicateContent) {
			// Lost a race against an identical upload.
			existing, lookupErr := s.store.FindDocumentByContentHash(ctx, up.OwnerUserID, doc.ContentHash)
			if lookupErr != nil {
				return nil, fmt.Errorf("%w (lookup of existing document failed: %v)", err, lookupErr)
			}
			if existing != nil {
				return nil, dedup.ExactConflict(existing)
			}
		}
		return nil, err
	}

	reindex(ctx, s.index, doc, nil, inserted)

	text, images := countChunks(chunks)
	log.Printf("Ingested %s as document %d for user %d: %d text chunks, %d images", filename, doc.ID, up.OwnerUserID, text, images)
	return &IngestResult{
		Message:      fmt.Sprintf("%s processed successfully!", filename),
		Filename:     filename,
		DocumentID:   doc.ID,
		ChunksStored: text,
		ImagesStored: images,
	}, nil
}

func putBlob(ctx context.Context, blobs BlobStore, ownerUserID int64, u *spooledUpload) (string, error) {
	f, err := u.open()
	if err != nil {
		return "", fmt.Errorf("failed to reopen upload: %w", err)
	}
	defer f.Close()
	return blobs.Put(ctx, ownerUserID, u.filename, f)
}

func deleteBlob(ctx context.Context, blobs BlobStore, location string) {
	if location == "" {
		return
	}
	if err := blobs.Delete(context.WithoutCancel(ctx), location); err != nil {
		log.Printf("Warning: failed to delete stored upload %s: %v", location, err)
	}
}

// reindex brings the secondary index in line with a commit. The store is
// the source of truth, so failures are logged and searches filter stale hits.
func reindex(ctx context.Context, index Indexer, doc *store.Document, removed []int64, added []store.Chunk) {
	if index == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if len(removed) > 0 {
		if err := index.RemoveChunks(ctx, removed); err != nil {
			log.Printf("Warning: failed to remove %d chunks of document %d from index: %v", len(removed), doc.ID, err)
		}
	}
	if err := index.IndexChunks(ctx, doc.OwnerUserID, added); err != nil {
		log.Printf("Warning: failed to index chunks of document %d: %v", doc.ID, err)
	}
	if err := index.IndexDocument(ctx, *doc); err != nil {
		log.Printf("Warning: failed to index document %d: %v", doc.ID, err)
	}
}
