package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexivion.com/docsearch/internal/apperr"
)

func TestDocumentService_OwnerOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, other := h.user(t, "u1@example.com"), h.user(t, "u2@example.com")
	res := h.upload(t, owner, "a.txt", "alpha one\fbeta two")

	list, err := h.docs.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a.txt", list[0].Filename)

	list, err = h.docs.List(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := h.docs.Get(ctx, res.DocumentID, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TextChunks)

	_, err = h.docs.Get(ctx, res.DocumentID, other)
	assert.True(t, errors.Is(err, apperr.ErrOwnership))
	_, _, err = h.docs.OpenFile(ctx, res.DocumentID, other)
	assert.True(t, errors.Is(err, apperr.ErrOwnership))
	err = h.docs.Delete(ctx, res.DocumentID, other)
	assert.True(t, errors.Is(err, apperr.ErrOwnership))
}

func TestDocumentService_Delete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user(t, "u1@example.com")
	res := h.upload(t, owner, "a.txt", "alpha one")

	require.NoError(t, h.docs.Delete(ctx, res.DocumentID, owner))
	assert.Equal(t, []int64{res.DocumentID}, h.index.deleted)
	assert.Empty(t, h.chunkIDs(t, res.DocumentID))

	_, err := h.docs.Get(ctx, res.DocumentID, owner)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	err = h.docs.Delete(ctx, res.DocumentID, owner)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	// Same bytes can be uploaded again once the original is gone.
	again := h.upload(t, owner, "a.txt", "alpha one")
	assert.Greater(t, again.DocumentID, res.DocumentID)
}

func TestReindex(t *testing.T) {
	h := newHarness(t)
	owner := h.user(t, "u1@example.com")
	a := h.upload(t, owner, "a.txt", "alpha one\fbeta two")
	b := h.upload(t, owner, "b.txt", "gamma three")

	index := &recordingIndexer{}
	docs, chunks, err := Reindex(context.Background(), h.store, index)
	require.NoError(t, err)
	assert.Equal(t, 2, docs)
	assert.Equal(t, 3, chunks)
	assert.Equal(t, []int64{a.DocumentID, b.DocumentID}, index.documents)
	assert.ElementsMatch(t, append(h.chunkIDs(t, a.DocumentID), h.chunkIDs(t, b.DocumentID)...), index.indexed)
}
