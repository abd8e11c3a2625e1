// Package retrieval finds, ranks and assembles the chunks that answer a query.
//
// A Backend produces an oversampled candidate pool for a query vector. Two
// backends share the same contract: ScanBackend computes exact cosine
// similarity over every chunk in scope, QdrantBackend asks an approximate
// nearest-neighbour index. The Retriever picks the pool size and validates
// the query, the ranker orders and truncates, the Assembler joins ranked
// chunks with their images and documents.
package retrieval

import (
	"context"
	"fmt"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/store"
	"lexivion.com/docsearch/internal/utils"
)

// Candidate is a chunk (or, for NearestDocuments, a document) with its raw
// similarity to the query.
type Candidate struct {
	ID         int64   `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Scope restricts a search to one owner and chunk type, and optionally to a
// set of documents.
type Scope struct {
	OwnerUserID int64
	DocumentIDs []int64
	Type        store.ChunkType
}

func (s Scope) chunkScope() store.ChunkScope {
	return store.ChunkScope{OwnerUserID: s.OwnerUserID, DocumentIDs: s.DocumentIDs, Type: s.Type}
}

// Backend is a similarity search capability. Exact reports whether
// Candidates scores are exact cosine similarities; approximate pools are
// rescored before ranking.
type Backend interface {
	Name() string
	Exact() bool
	Candidates(ctx context.Context, query []float32, scope Scope, limit int) ([]Candidate, error)
	NearestDocuments(ctx context.Context, ownerUserID int64, vec []float32, limit int) ([]Candidate, error)

	IndexDocument(ctx context.Context, doc store.Document) error
	IndexChunks(ctx context.Context, ownerUserID int64, chunks []store.Chunk) error
	RemoveChunks(ctx context.Context, ids []int64) error
	RemoveDocument(ctx context.Context, documentID int64) error
}

// CandidatePoolSize is how many candidates a retrieval pass considers
// before ranking down to topK.
func CandidatePoolSize(topK, maxContextChunks int) int {
	return max(topK*20, maxContextChunks*5)
}

type Retriever struct {
	backend          Backend
	dims             map[store.ChunkType]int
	maxContextChunks int
}

func NewRetriever(backend Backend, textDim, imageDim, maxContextChunks int) *Retriever {
	return &Retriever{
		backend: backend,
		dims: map[store.ChunkType]int{
			store.ChunkTypeText:  textDim,
			store.ChunkTypeImage: imageDim,
		},
		maxContextChunks: maxContextChunks,
	}
}

func (r *Retriever) Backend() Backend { return r.backend }

// Dimension returns the configured vector dimension for a chunk type.
func (r *Retriever) Dimension(t store.ChunkType) int { return r.dims[t] }

// CheckQuery rejects vectors that cannot be compared against chunks of type t.
func (r *Retriever) CheckQuery(op string, t store.ChunkType, query []float32) error {
	want, ok := r.dims[t]
	if !ok {
		return apperr.Validation(op, "unknown chunk type %q", t)
	}
	if len(query) != want {
		return apperr.DimensionMismatch(op, want, len(query))
	}
	if utils.IsZero(query) {
		return apperr.Validation(op, "query vector is the zero vector")
	}
	return nil
}

// Retrieve returns the candidate pool for query, sorted by similarity
// descending with ties broken by ascending chunk id.
func (r *Retriever) Retrieve(ctx context.Context, query []float32, scope Scope, topK int) ([]Candidate, error) {
	const op = "retrieve"
	if topK <= 0 {
		return nil, apperr.Validation(op, "top_k must be positive, got %d", topK)
	}
	if scope.Type == "" {
		scope.Type = store.ChunkTypeText
	}
	if err := r.CheckQuery(op, scope.Type, query); err != nil {
		return nil, err
	}

	limit := CandidatePoolSize(topK, r.maxContextChunks)
	pool, err := r.backend.Candidates(ctx, query, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", r.backend.Name(), err)
	}
	SortCandidates(pool)
	if len(pool) > limit {
		pool = pool[:limit]
	}
	return pool, nil
}
