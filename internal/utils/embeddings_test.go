package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilaritySelf(t *testing.T) {
	vecs := [][]float32{
		{1, 2, 3},
		{-0.5, 0.25, 9},
		{1e-3, 4e2, -7},
	}
	for _, v := range vecs {
		sim, err := CosineSimilarity(v, v)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sim, 1e-6)
	}
}

func TestCosineSimilaritySymmetric(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, -5, 6}
	ab, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	ba, err := CosineSimilarity(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.GreaterOrEqual(t, ab, -1.0)
	assert.LessOrEqual(t, ab, 1.0)
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0, sim, 1e-9)
}

func TestCosineSimilarityRejectsZeroVector(t *testing.T) {
	_, err := CosineSimilarity([]float32{0, 0, 0}, []float32{1, 2, 3})
	assert.ErrorIs(t, err, ErrZeroVector)
}

func TestCosineSimilarityRejectsMismatchedDimensions(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	var dimErr *DimensionError
	require.True(t, errors.As(err, &dimErr))
	assert.Equal(t, 2, dimErr.Left)
	assert.Equal(t, 3, dimErr.Right)
}

func TestMean(t *testing.T) {
	mean, ok := Mean([][]float32{{1, 2}, {3, 4}, {9, 9, 9}}, 2)
	require.True(t, ok)
	assert.Equal(t, []float32{2, 3}, mean)

	_, ok = Mean([][]float32{{1, 2, 3}}, 2)
	assert.False(t, ok)
}
