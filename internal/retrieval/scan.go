package retrieval

import (
	"container/heap"
	"context"
	"errors"
	"log"

	"lexivion.com/docsearch/internal/store"
	"lexivion.com/docsearch/internal/utils"
)

// EmbeddingScanner streams stored embeddings in scope.
type EmbeddingScanner interface {
	ScanChunkEmbeddings(ctx context.Context, scope store.ChunkScope, fn func(id int64, embedding []float32) error) error
	ScanDocumentEmbeddings(ctx context.Context, ownerUserID int64, fn func(id int64, embedding []float32) error) error
}

// ScanBackend scores every row in scope. Memory is bounded by the pool
// size, not the corpus.
type ScanBackend struct {
	store EmbeddingScanner
}

func NewScanBackend(s EmbeddingScanner) *ScanBackend {
	return &ScanBackend{store: s}
}

func (b *ScanBackend) Name() string { return "scan" }
func (b *ScanBackend) Exact() bool  { return true }

func (b *ScanBackend) Candidates(ctx context.Context, query []float32, scope Scope, limit int) ([]Candidate, error) {
	return b.topN(ctx, query, limit, func(fn func(int64, []float32) error) error {
		return b.store.ScanChunkEmbeddings(ctx, scope.chunkScope(), fn)
	})
}

func (b *ScanBackend) NearestDocuments(ctx context.Context, ownerUserID int64, vec []float32, limit int) ([]Candidate, error) {
	return b.topN(ctx, vec, limit, func(fn func(int64, []float32) error) error {
		return b.store.ScanDocumentEmbeddings(ctx, ownerUserID, fn)
	})
}

func (b *ScanBackend) topN(ctx context.Context, query []float32, limit int, scan func(func(int64, []float32) error) error) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	h := make(worstFirst, 0, limit)
	skipped := 0
	err := scan(func(id int64, emb []float32) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sim, err := utils.CosineSimilarity(query, emb)
		if err != nil {
			var dimErr *utils.DimensionError
			if errors.As(err, &dimErr) || errors.Is(err, utils.ErrZeroVector) || errors.Is(err, utils.ErrEmptyVector) {
				skipped++
				return nil
			}
			return err
		}
		c := Candidate{ID: id, Similarity: sim}
		if len(h) < limit {
			heap.Push(&h, c)
		} else if better(c, h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Printf("Warning: scan skipped %d rows with incomparable embeddings", skipped)
	}

	out := make([]Candidate, len(h))
	copy(out, h)
	SortCandidates(out)
	return out, nil
}

// The scan index lives in the store itself.
func (b *ScanBackend) IndexDocument(context.Context, store.Document) error     { return nil }
func (b *ScanBackend) IndexChunks(context.Context, int64, []store.Chunk) error { return nil }
func (b *ScanBackend) RemoveChunks(context.Context, []int64) error             { return nil }
func (b *ScanBackend) RemoveDocument(context.Context, int64) error             { return nil }

// worstFirst is a min-heap whose root is the candidate that ranks last.
type worstFirst []Candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
