package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/retrieval"
)

type fakeGenerator struct {
	answer *Answer
	err    error
	seen   []retrieval.Segment
}

func (g *fakeGenerator) GenerateAnswer(_ context.Context, _ string, segments []retrieval.Segment) (*Answer, error) {
	g.seen = segments
	if g.err != nil {
		return nil, g.err
	}
	return g.answer, nil
}

func (g *fakeGenerator) Model() string { return "fake-model" }

func newSearch(h *harness, generator AnswerGenerator) *SearchService {
	retriever := retrieval.NewRetriever(retrieval.NewScanBackend(h.store), testDim, 0, 10)
	cfg := SearchConfig{DefaultTopK: 5, MaxContextChunks: 10, TextDim: testDim}
	return NewSearchService(h.store, retriever, h.embedder, generator, h.pool, cfg)
}

func intPtr(i int) *int { return &i }

func TestEffectiveTopK(t *testing.T) {
	s := newSearch(newHarness(t), nil)

	k, err := s.EffectiveTopK(nil)
	require.NoError(t, err)
	assert.Equal(t, 5, k)

	k, err = s.EffectiveTopK(intPtr(30))
	require.NoError(t, err)
	assert.Equal(t, 10, k, "clamped to the context limit")

	for _, bad := range []int{0, -1, 51} {
		_, err = s.EffectiveTopK(intPtr(bad))
		assert.True(t, errors.Is(err, apperr.ErrValidation), "top_k=%d", bad)
	}
}

func TestSearch_RanksAndAssembles(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "u1@example.com")
	beta := h.upload(t, owner, "beta.txt", "beta hiring plan")
	alpha := h.upload(t, owner, "alpha.txt", "alpha revenue summary")
	gamma := h.upload(t, owner, "gamma.txt", "gamma office move")

	s := newSearch(h, nil)
	resp, err := s.Search(context.Background(), SearchRequest{OwnerUserID: owner, Query: "  what did alpha earn? ", TopK: intPtr(3)})
	require.NoError(t, err)

	assert.Equal(t, "what did alpha earn?", resp.Query)
	assert.Equal(t, 3, resp.TopK)
	assert.Equal(t, "retriever_only", resp.Model)
	assert.Equal(t, "scan", resp.VectorSearch)
	assert.Equal(t, "keyword-test", resp.EmbeddingModel)
	assert.Equal(t, testDim, resp.EmbeddingDim)

	require.Len(t, resp.Context, 3)
	assert.Equal(t, alpha.DocumentID, resp.Context[0].DocumentID)
	assert.InDelta(t, 1.0, resp.Context[0].Similarity, 1e-9)
	// Equal similarity: ascending chunk id, so upload order.
	assert.Equal(t, beta.DocumentID, resp.Context[1].DocumentID)
	assert.Equal(t, gamma.DocumentID, resp.Context[2].DocumentID)
	for i, seg := range resp.Context {
		assert.Equal(t, i+1, seg.Order)
		assert.Equal(t, seg.ChunkID, resp.ChunksUsed[i])
	}
	assert.Equal(t, "alpha.txt", resp.Context[0].Document.Filename)
	assert.Equal(t, retrieval.DocumentFileURL(alpha.DocumentID), resp.Context[0].Document.URL)
	assert.Len(t, resp.Sections, 3, "fallback answer has one section per segment")
}

func TestSearch_ScopedToOwner(t *testing.T) {
	h := newHarness(t)
	owner, other := h.user(t, "u1@example.com"), h.user(t, "u2@example.com")
	h.upload(t, owner, "alpha.txt", "alpha revenue summary")

	gen := &fakeGenerator{}
	resp, err := newSearch(h, gen).Search(context.Background(), SearchRequest{OwnerUserID: other, Query: "alpha"})
	require.NoError(t, err)
	assert.Empty(t, resp.Context)
	assert.Equal(t, NoContextAnswer().Answer, resp.Answer)
	assert.Nil(t, gen.seen, "the model is not called without context")
}

func TestSearch_SectionsCiteOnlyContextChunks(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "u1@example.com")
	res := h.upload(t, owner, "alpha.txt", "alpha revenue summary")
	chunkID := h.chunkIDs(t, res.DocumentID)[0]

	gen := &fakeGenerator{answer: &Answer{
		Answer:   "Revenue grew.",
		Sections: []Section{{Title: "Revenue", ChunkIDs: []int64{chunkID, 99999}, Text: "It grew."}},
		Source:   "gemini",
	}}
	resp, err := newSearch(h, gen).Search(context.Background(), SearchRequest{OwnerUserID: owner, Query: "alpha", TopK: intPtr(1)})
	require.NoError(t, err)

	assert.Equal(t, "fake-model", resp.Model)
	assert.Equal(t, "Revenue grew.", resp.Answer)
	require.Len(t, resp.Sections, 1)
	sec := resp.Sections[0]
	assert.Equal(t, []int64{chunkID}, sec.ChunkIDs)
	require.Len(t, sec.Documents, 1)
	assert.Equal(t, "alpha.txt", sec.Documents[0].Filename)
	assert.Equal(t, 1, sec.Documents[0].PageNumber)
	assert.NotNil(t, sec.Images)
}

func TestSearch_Errors(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "u1@example.com")
	h.upload(t, owner, "alpha.txt", "alpha revenue summary")
	ctx := context.Background()

	_, err := newSearch(h, nil).Search(ctx, SearchRequest{OwnerUserID: owner, Query: "   "})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = newSearch(h, &fakeGenerator{err: errors.New("model overloaded")}).Search(ctx, SearchRequest{OwnerUserID: owner, Query: "alpha"})
	assert.True(t, errors.Is(err, apperr.ErrTransient), "got %v", err)

	h.embedder.dim = 3
	_, err = newSearch(h, nil).Search(ctx, SearchRequest{OwnerUserID: owner, Query: "alpha"})
	assert.True(t, errors.Is(err, apperr.ErrDimensionMismatch), "got %v", err)
}
