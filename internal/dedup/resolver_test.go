package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/fingerprint"
	"lexivion.com/docsearch/internal/retrieval"
	"lexivion.com/docsearch/internal/store"
)

type fakeDocs struct {
	docs []store.Document
	err  error
}

func (f *fakeDocs) FindDocumentByContentHash(_ context.Context, owner int64, hash string) (*store.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, d := range f.docs {
		if d.OwnerUserID == owner && d.ContentHash == hash {
			return &d, nil
		}
	}
	return nil, nil
}

func (f *fakeDocs) FindLatestDocumentByNormalizedHash(_ context.Context, owner int64, hash string) (*store.Document, error) {
	var latest *store.Document
	for _, d := range f.docs {
		if d.OwnerUserID == owner && d.NormalizedHash != nil && *d.NormalizedHash == hash {
			if latest == nil || d.ID > latest.ID {
				latest = &d
			}
		}
	}
	return latest, nil
}

func (f *fakeDocs) GetDocumentsByIDs(_ context.Context, ids []int64) (map[int64]store.Document, error) {
	out := map[int64]store.Document{}
	for _, id := range ids {
		for _, d := range f.docs {
			if d.ID == id {
				out[id] = d
			}
		}
	}
	return out, nil
}

type fakeNearest struct {
	hits  []retrieval.Candidate
	calls int
}

func (f *fakeNearest) NearestDocuments(_ context.Context, _ int64, _ []float32, limit int) ([]retrieval.Candidate, error) {
	f.calls++
	out := append([]retrieval.Candidate(nil), f.hits...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func corpus() *fakeDocs {
	return &fakeDocs{docs: []store.Document{
		{ID: 10, OwnerUserID: 1, Filename: "a.pdf", ContentHash: "H1", NormalizedHash: strPtr("N1")},
		{ID: 12, OwnerUserID: 1, Filename: "a-copy.pdf", ContentHash: "H2", NormalizedHash: strPtr("N1")},
		{ID: 13, OwnerUserID: 1, Filename: "b.pdf", ContentHash: "H3"},
		{ID: 14, OwnerUserID: 1, Filename: "c.pdf", ContentHash: "H4"},
		{ID: 20, OwnerUserID: 2, Filename: "other.pdf", ContentHash: "H9"},
	}}
}

func cfg() Config {
	return Config{SemanticEnabled: true, SemanticThreshold: 0.92, SemanticTopK: 5, Dimension: 2}
}

func TestResolve_ExactMatchIgnoresOverride(t *testing.T) {
	nearest := &fakeNearest{}
	r := NewDefaultResolver(corpus(), nearest, cfg())

	for _, override := range []bool{false, true} {
		m, err := r.Resolve(context.Background(), Request{
			OwnerUserID: 1,
			Fingerprint: fingerprint.Fingerprint{ExactHash: "H1"},
			Override:    override,
		})
		require.NoError(t, err)
		assert.Equal(t, TierExact, m.Tier)
		assert.Equal(t, int64(10), m.DocumentID)
		assert.Equal(t, "a.pdf", m.Filename)
		assert.True(t, m.CanReplace)
	}
	assert.Zero(t, nearest.calls)
}

func TestResolve_ExactMatchIsPerOwner(t *testing.T) {
	r := NewDefaultResolver(corpus(), &fakeNearest{}, cfg())
	m, err := r.Resolve(context.Background(), Request{OwnerUserID: 2, Fingerprint: fingerprint.Fingerprint{ExactHash: "H1"}})
	require.NoError(t, err)
	assert.Equal(t, TierNone, m.Tier)
	assert.False(t, m.CanReplace)
}

func TestResolve_NormalizedReturnsMostRecent(t *testing.T) {
	r := NewDefaultResolver(corpus(), &fakeNearest{}, cfg())
	fp := fingerprint.Fingerprint{ExactHash: "new", NormalizedHash: "N1", HasNormalized: true}

	m, err := r.Resolve(context.Background(), Request{OwnerUserID: 1, Fingerprint: fp})
	require.NoError(t, err)
	assert.Equal(t, TierNormalized, m.Tier)
	assert.Equal(t, int64(12), m.DocumentID)

	m, err = r.Resolve(context.Background(), Request{OwnerUserID: 1, Fingerprint: fp, Override: true})
	require.NoError(t, err)
	assert.Equal(t, TierNone, m.Tier)
}

func TestResolve_NormalizedBeatsSemantic(t *testing.T) {
	nearest := &fakeNearest{hits: []retrieval.Candidate{{ID: 13, Similarity: 0.99}}}
	r := NewDefaultResolver(corpus(), nearest, cfg())
	fp := fingerprint.Fingerprint{ExactHash: "new", NormalizedHash: "N1", HasNormalized: true, SemanticVector: []float32{1, 0}}

	m, err := r.Resolve(context.Background(), Request{OwnerUserID: 1, Fingerprint: fp})
	require.NoError(t, err)
	assert.Equal(t, TierNormalized, m.Tier)
	assert.Zero(t, nearest.calls)
}

func TestResolve_SemanticThreshold(t *testing.T) {
	fp := fingerprint.Fingerprint{ExactHash: "new", SemanticVector: []float32{1, 0}}

	t.Run("returns every candidate at or above threshold", func(t *testing.T) {
		nearest := &fakeNearest{hits: []retrieval.Candidate{
			{ID: 14, Similarity: 0.95},
			{ID: 13, Similarity: 0.97},
			{ID: 10, Similarity: 0.95},
			{ID: 12, Similarity: 0.92},
			{ID: 99, Similarity: 0.50},
		}}
		m, err := NewDefaultResolver(corpus(), nearest, cfg()).Resolve(context.Background(), Request{OwnerUserID: 1, Fingerprint: fp})
		require.NoError(t, err)
		require.Equal(t, TierSemantic, m.Tier)
		assert.True(t, m.CanReplace)
		require.Len(t, m.Candidates, 4)
		got := make([]int64, len(m.Candidates))
		for i, c := range m.Candidates {
			got[i] = c.DocumentID
		}
		assert.Equal(t, []int64{13, 10, 14, 12}, got)
		assert.Equal(t, "b.pdf", m.Candidates[0].Filename)
	})

	t.Run("best below threshold is no match", func(t *testing.T) {
		nearest := &fakeNearest{hits: []retrieval.Candidate{{ID: 13, Similarity: 0.91}}}
		m, err := NewDefaultResolver(corpus(), nearest, cfg()).Resolve(context.Background(), Request{OwnerUserID: 1, Fingerprint: fp})
		require.NoError(t, err)
		assert.Equal(t, TierNone, m.Tier)
	})

	t.Run("skipped by override", func(t *testing.T) {
		nearest := &fakeNearest{hits: []retrieval.Candidate{{ID: 13, Similarity: 0.99}}}
		m, err := NewDefaultResolver(corpus(), nearest, cfg()).Resolve(context.Background(), Request{OwnerUserID: 1, Fingerprint: fp, Override: true})
		require.NoError(t, err)
		assert.Equal(t, TierNone, m.Tier)
		assert.Zero(t, nearest.calls)
	})

	t.Run("skipped when disabled", func(t *testing.T) {
		nearest := &fakeNearest{hits: []retrieval.Candidate{{ID: 13, Similarity: 0.99}}}
		c := cfg()
		c.SemanticEnabled = false
		m, err := NewDefaultResolver(corpus(), nearest, c).Resolve(context.Background(), Request{OwnerUserID: 1, Fingerprint: fp})
		require.NoError(t, err)
		assert.Equal(t, TierNone, m.Tier)
		assert.Zero(t, nearest.calls)
	})

	t.Run("never reports another owner's document", func(t *testing.T) {
		nearest := &fakeNearest{hits: []retrieval.Candidate{{ID: 20, Similarity: 0.99}}}
		m, err := NewDefaultResolver(corpus(), nearest, cfg()).Resolve(context.Background(), Request{OwnerUserID: 1, Fingerprint: fp})
		require.NoError(t, err)
		assert.Equal(t, TierNone, m.Tier)
	})

	t.Run("wrong dimension", func(t *testing.T) {
		bad := fingerprint.Fingerprint{ExactHash: "new", SemanticVector: []float32{1, 0, 0}}
		_, err := NewDefaultResolver(corpus(), &fakeNearest{}, cfg()).Resolve(context.Background(), Request{OwnerUserID: 1, Fingerprint: bad})
		assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
	})
}

func TestResolve_StoreErrorSurfaces(t *testing.T) {
	boom := errors.New("db down")
	r := NewDefaultResolver(&fakeDocs{err: boom}, nil, cfg())
	_, err := r.Resolve(context.Background(), Request{OwnerUserID: 1, Fingerprint: fingerprint.Fingerprint{ExactHash: "H1"}})
	assert.ErrorIs(t, err, boom)
}

func TestConflictError(t *testing.T) {
	err := error(ExactConflict(&store.Document{ID: 10, Filename: "a.pdf"}))
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, TierExact, conflict.Match.Tier)
	assert.Equal(t, int64(10), conflict.Match.DocumentID)
}
