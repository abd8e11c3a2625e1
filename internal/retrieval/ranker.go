package retrieval

import (
	"context"
	"fmt"
	"log"
	"slices"

	"lexivion.com/docsearch/internal/utils"
)

// better reports whether a ranks ahead of b.
func better(a, b Candidate) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.ID < b.ID
}

// SortCandidates orders by similarity descending, then id ascending.
func SortCandidates(c []Candidate) {
	slices.SortFunc(c, func(a, b Candidate) int {
		switch {
		case better(a, b):
			return -1
		case better(b, a):
			return 1
		default:
			return 0
		}
	})
}

// Rank returns the best topK of pool. The input is not modified.
func Rank(pool []Candidate, topK int) []Candidate {
	if topK <= 0 || len(pool) == 0 {
		return nil
	}
	ranked := slices.Clone(pool)
	SortCandidates(ranked)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

// EmbeddingLoader loads stored chunk embeddings by id.
type EmbeddingLoader interface {
	GetChunkEmbeddings(ctx context.Context, ids []int64) (map[int64][]float32, error)
}

// Rescore replaces approximate index scores with exact cosine similarity
// computed from stored embeddings. Candidates whose chunk no longer exists,
// or whose embedding cannot be compared, are dropped.
func Rescore(ctx context.Context, query []float32, pool []Candidate, loader EmbeddingLoader) ([]Candidate, error) {
	if len(pool) == 0 {
		return pool, nil
	}
	ids := make([]int64, len(pool))
	for i, c := range pool {
		ids[i] = c.ID
	}
	embeddings, err := loader.GetChunkEmbeddings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings for rescoring: %w", err)
	}

	rescored := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		emb, ok := embeddings[c.ID]
		if !ok {
			continue
		}
		sim, err := utils.CosineSimilarity(query, emb)
		if err != nil {
			log.Printf("Warning: cannot rescore chunk %d: %v", c.ID, err)
			continue
		}
		rescored = append(rescored, Candidate{ID: c.ID, Similarity: sim})
	}
	SortCandidates(rescored)
	return rescored, nil
}
