package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/store"
)

type row struct {
	id    int64
	owner int64
	doc   int64
	typ   store.ChunkType
	emb   []float32
}

type fakeScanner struct {
	chunks []row
	docs   []row
	err    error
}

func (f *fakeScanner) ScanChunkEmbeddings(_ context.Context, scope store.ChunkScope, fn func(int64, []float32) error) error {
	if f.err != nil {
		return f.err
	}
	inDocs := func(id int64) bool {
		if len(scope.DocumentIDs) == 0 {
			return true
		}
		for _, d := range scope.DocumentIDs {
			if d == id {
				return true
			}
		}
		return false
	}
	for _, r := range f.chunks {
		if r.owner != scope.OwnerUserID || r.typ != scope.Type || !inDocs(r.doc) {
			continue
		}
		if err := fn(r.id, r.emb); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeScanner) ScanDocumentEmbeddings(_ context.Context, owner int64, fn func(int64, []float32) error) error {
	for _, r := range f.docs {
		if r.owner != owner {
			continue
		}
		if err := fn(r.id, r.emb); err != nil {
			return err
		}
	}
	return nil
}

func TestScanBackend_KeepsBestWithinLimit(t *testing.T) {
	s := &fakeScanner{chunks: []row{
		{id: 9, owner: 1, doc: 1, typ: store.ChunkTypeText, emb: []float32{0.8, 0.6}},
		{id: 7, owner: 1, doc: 1, typ: store.ChunkTypeText, emb: []float32{1, 1}},
		{id: 2, owner: 1, doc: 2, typ: store.ChunkTypeText, emb: []float32{1, 1}},
		{id: 5, owner: 1, doc: 2, typ: store.ChunkTypeText, emb: []float32{1, 0}},
		{id: 3, owner: 1, doc: 2, typ: store.ChunkTypeText, emb: []float32{0, 1}},
		{id: 4, owner: 2, doc: 3, typ: store.ChunkTypeText, emb: []float32{1, 0}},
		{id: 6, owner: 1, doc: 2, typ: store.ChunkTypeText, emb: []float32{1, 0, 0}},
		{id: 8, owner: 1, doc: 2, typ: store.ChunkTypeText, emb: []float32{0, 0}},
	}}
	b := NewScanBackend(s)

	got, err := b.Candidates(context.Background(), []float32{1, 0}, Scope{OwnerUserID: 1, Type: store.ChunkTypeText}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 9, 2}, ids(got))

	all, err := b.Candidates(context.Background(), []float32{1, 0}, Scope{OwnerUserID: 1, Type: store.ChunkTypeText}, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 9, 2, 7, 3}, ids(all))

	scoped, err := b.Candidates(context.Background(), []float32{1, 0}, Scope{OwnerUserID: 1, Type: store.ChunkTypeText, DocumentIDs: []int64{1}}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{9, 7}, ids(scoped))
}

func TestScanBackend_PropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	b := NewScanBackend(&fakeScanner{err: boom})
	_, err := b.Candidates(context.Background(), []float32{1}, Scope{OwnerUserID: 1, Type: store.ChunkTypeText}, 3)
	assert.ErrorIs(t, err, boom)
}

func TestScanBackend_NearestDocuments(t *testing.T) {
	b := NewScanBackend(&fakeScanner{docs: []row{
		{id: 10, owner: 1, emb: []float32{1, 0}},
		{id: 11, owner: 1, emb: []float32{0, 1}},
		{id: 12, owner: 2, emb: []float32{1, 0}},
	}})
	got, err := b.NearestDocuments(context.Background(), 1, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].ID)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-6)
}

func TestRetriever_Validation(t *testing.T) {
	r := NewRetriever(NewScanBackend(&fakeScanner{}), 2, 3, 8)
	ctx := context.Background()

	_, err := r.Retrieve(ctx, []float32{1, 0, 0}, Scope{OwnerUserID: 1}, 5)
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)

	_, err = r.Retrieve(ctx, []float32{1, 0}, Scope{OwnerUserID: 1, Type: store.ChunkTypeImage}, 5)
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)

	_, err = r.Retrieve(ctx, []float32{0, 0}, Scope{OwnerUserID: 1}, 5)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = r.Retrieve(ctx, []float32{1, 0}, Scope{OwnerUserID: 1}, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

type countingBackend struct {
	*ScanBackend
	lastLimit int
}

func (c *countingBackend) Candidates(ctx context.Context, q []float32, s Scope, limit int) ([]Candidate, error) {
	c.lastLimit = limit
	return c.ScanBackend.Candidates(ctx, q, s, limit)
}

func TestRetriever_RequestsOversampledPool(t *testing.T) {
	backend := &countingBackend{ScanBackend: NewScanBackend(&fakeScanner{})}
	r := NewRetriever(backend, 2, 3, 8)

	_, err := r.Retrieve(context.Background(), []float32{1, 0}, Scope{OwnerUserID: 1}, 3)
	require.NoError(t, err)
	assert.Equal(t, 60, backend.lastLimit)
}
