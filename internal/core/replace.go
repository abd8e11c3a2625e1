package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/dedup"
	"lexivion.com/docsearch/internal/store"
)

// ReplaceState is a step of a content replace.
type ReplaceState string

const (
	ReplaceValidating       ReplaceState = "validating"
	ReplaceHashCheck        ReplaceState = "hash_check"
	ReplaceFastPath         ReplaceState = "fast_path"
	ReplacePurgeAndReingest ReplaceState = "purge_and_reingest"
	ReplaceCommitted        ReplaceState = "committed"
	ReplaceAborted          ReplaceState = "aborted"
)

type ReplaceStore interface {
	GetDocument(ctx context.Context, id int64) (*store.Document, error)
	FindDocumentByContentHash(ctx context.Context, ownerUserID int64, contentHash string) (*store.Document, error)
	UpdateDocumentMetadata(ctx context.Context, id int64, expect store.Revision, filename, sourcePath string, metadata map[string]any) error
	CountChunks(ctx context.Context, documentID int64) (text, image int, err error)
	InTx(ctx context.Context, fn func(tx store.ContentTx) error) error
}

type ReplaceRequest struct {
	DocumentID   int64
	CallerUserID int64
	Filename     string
	Content      io.Reader
}

type ReplaceResult struct {
	Message      string `json:"message"`
	ChunksStored int    `json:"chunks_stored"`
	ImagesStored int    `json:"images_stored"`
	// Path is ReplaceFastPath or ReplacePurgeAndReingest.
	Path ReplaceState `json:"-"`
}

// replaceRun tracks the state of one replace for logging.
type replaceRun struct {
	documentID int64
	state      ReplaceState
}

func (r *replaceRun) to(state ReplaceState) {
	log.Printf("Replace of document %d: %s -> %s", r.documentID, r.state, state)
	r.state = state
}

// ReplaceCoordinator swaps a document's content in place. The document id,
// owner and creation time survive; either every old chunk is replaced by the
// new set or nothing changes.
type ReplaceCoordinator struct {
	store    ReplaceStore
	pipeline *Pipeline
	blobs    BlobStore
	index    Indexer
}

func NewReplaceCoordinator(s ReplaceStore, pipeline *Pipeline, blobs BlobStore, index Indexer) *ReplaceCoordinator {
	return &ReplaceCoordinator{store: s, pipeline: pipeline, blobs: blobs, index: index}
}

func (c *ReplaceCoordinator) Replace(ctx context.Context, req ReplaceRequest) (result *ReplaceResult, err error) {
	const op = "replace"

	run := &replaceRun{documentID: req.DocumentID, state: ReplaceValidating}
	defer func() {
		if err != nil {
			log.Printf("Replace of document %d aborted during %s: %v", req.DocumentID, run.state, err)
			run.state = ReplaceAborted
			return
		}
		run.to(ReplaceCommitted)
	}()

	doc, err := c.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperr.NotFound(op, "document %d not found", req.DocumentID)
	}
	if doc.OwnerUserID != req.CallerUserID {
		return nil, apperr.Ownership(op, "document %d belongs to another user", req.DocumentID)
	}
	filename, err := c.pipeline.checkFilename(op, req.Filename)
	if err != nil {
		return nil, err
	}
	spooled, err := c.pipeline.spool(op, filename, req.Content)
	if err != nil {
		return nil, err
	}
	defer spooled.cleanup()

	run.to(ReplaceHashCheck)
	if spooled.hash == doc.ContentHash {
		run.to(ReplaceFastPath)
		return c.fastPath(ctx, doc, spooled)
	}
	existing, err := c.store.FindDocumentByContentHash(ctx, doc.OwnerUserID, spooled.hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, dedup.ExactConflict(existing)
	}
	run.to(ReplacePurgeAndReingest)
	return c.purgeAndReingest(ctx, doc, spooled)
}

// fastPath handles identical bytes: only the filename, stored upload and
// metadata change. Chunk ids are untouched.
func (c *ReplaceCoordinator) fastPath(ctx context.Context, doc *store.Document, u *spooledUpload) (*ReplaceResult, error) {
	location, err := putBlob(ctx, c.blobs, doc.OwnerUserID, u)
	if err != nil {
		return nil, err
	}
	metadata := cloneMetadata(doc.Metadata)
	metadata["size_bytes"] = u.size
	if err := c.store.UpdateDocumentMetadata(ctx, doc.ID, revisionOf(doc), u.filename, location, metadata); err != nil {
		deleteBlob(ctx, c.blobs, location)
		return nil, replaceWriteError(doc.ID, err)
	}
	if location != doc.SourcePath {
		deleteBlob(ctx, c.blobs, doc.SourcePath)
	}

	text, images, err := c.store.CountChunks(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	log.Printf("Replaced document %d with identical content (%s), chunks kept", doc.ID, u.filename)
	return &ReplaceResult{
		Message:      fmt.Sprintf("%s replaced successfully (content unchanged)", u.filename),
		ChunksStored: text,
		ImagesStored: images,
		Path:         ReplaceFastPath,
	}, nil
}

func (c *ReplaceCoordinator) purgeAndReingest(ctx context.Context, doc *store.Document, u *spooledUpload) (*ReplaceResult, error) {
	const op = "replace"

	// All model work happens before the transaction opens.
	analyzed, err := c.pipeline.analyze(ctx, op, u)
	if err != nil {
		return nil, err
	}
	chunks, err := c.pipeline.embedChunks(ctx, analyzed)
	if err != nil {
		return nil, err
	}
	location, err := putBlob(ctx, c.blobs, doc.OwnerUserID, u)
	if err != nil {
		return nil, err
	}

	update := store.ContentUpdate{
		Expect:      revisionOf(doc),
		Filename:    u.filename,
		SourcePath:  location,
		ContentHash: analyzed.fingerprint.ExactHash,
		Embedding:   analyzed.fingerprint.SemanticVector,
		Metadata:    cloneMetadata(doc.Metadata),
	}
	update.Metadata["pages"] = analyzed.pageCount
	update.Metadata["size_bytes"] = u.size
	if analyzed.fingerprint.HasNormalized {
		h := analyzed.fingerprint.NormalizedHash
		update.NormalizedHash = &h
	}

	var (
		removed  []int64
		inserted []store.Chunk
	)
	err = c.store.InTx(ctx, func(tx store.ContentTx) error {
		var err error
		if removed, err = tx.DeleteChunks(ctx, doc.ID); err != nil {
			return err
		}
		if inserted, err = tx.InsertChunks(ctx, doc.ID, chunks); err != nil {
			return err
		}
		return tx.UpdateDocumentContent(ctx, doc.ID, update)
	})
	if err != nil {
		deleteBlob(ctx, c.blobs, location)
		if errors.Is(err, store.ErrStaleDocument) || errors.Is(err, store.ErrDocumentNotFound) {
			return nil, replaceWriteError(doc.ID, err)
		}
		if errors.Is(err, store.ErrDuplicateContent) {
			// Another document took the hash between the check and the commit.
			if existing, lookupErr := c.store.FindDocumentByContentHash(ctx, doc.OwnerUserID, update.ContentHash); lookupErr == nil && existing != nil {
				return nil, dedup.ExactConflict(existing)
			}
		}
		return nil, apperr.AbortedReplace(op, err)
	}

	if location != doc.SourcePath {
		deleteBlob(ctx, c.blobs, doc.SourcePath)
	}
	updated := *doc
	updated.Filename = update.Filename
	updated.SourcePath = update.SourcePath
	updated.ContentHash = update.ContentHash
	updated.NormalizedHash = update.NormalizedHash
	updated.Embedding = update.Embedding
	updated.Metadata = update.Metadata
	reindex(ctx, c.index, &updated, removed, inserted)

	text, images := countChunks(chunks)
	log.Printf("Replaced document %d: purged %d chunks, stored %d text chunks and %d images", doc.ID, len(removed), text, images)
	return &ReplaceResult{
		Message:      fmt.Sprintf("%s replaced successfully!", u.filename),
		ChunksStored: text,
		ImagesStored: images,
		Path:         ReplacePurgeAndReingest,
	}, nil
}

func revisionOf(doc *store.Document) store.Revision {
	return store.Revision{ContentHash: doc.ContentHash, SourcePath: doc.SourcePath}
}

// replaceWriteError maps a conditional write that matched no row. A stale
// revision means another replace of the same document committed first.
func replaceWriteError(id int64, err error) error {
	switch {
	case errors.Is(err, store.ErrDocumentNotFound):
		return apperr.NotFound("replace", "document %d not found", id)
	case errors.Is(err, store.ErrStaleDocument):
		return apperr.Wrap(apperr.KindConflict, "replace", err, "document %d was replaced concurrently, retry against its current content", id)
	}
	return err
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
