package utils

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyVector = errors.New("vectors cannot be empty")
	ErrZeroVector  = errors.New("cosine similarity is undefined for a zero vector")
)

// DimensionError is returned when two vectors of different length are compared.
type DimensionError struct {
	Left, Right int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vectors must have the same dimension (%d != %d)", e.Left, e.Right)
}

// dotProduct calculates the dot product of two vectors.
func dotProduct(vec1, vec2 []float32) (float64, error) {
	if len(vec1) != len(vec2) {
		return 0, &DimensionError{Left: len(vec1), Right: len(vec2)}
	}
	var product float64
	for i := range vec1 {
		product += float64(vec1[i]) * float64(vec2[i])
	}
	return product, nil
}

// Magnitude calculates the L2 norm of a vector.
func Magnitude(vec []float32) float64 {
	var sumOfSquares float64
	for _, val := range vec {
		sumOfSquares += float64(val) * float64(val)
	}
	return math.Sqrt(sumOfSquares)
}

// IsZero reports whether every component of vec is zero.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// It is rejected for empty, zero or differently sized vectors.
func CosineSimilarity(vec1, vec2 []float32) (float64, error) {
	if len(vec1) == 0 || len(vec2) == 0 {
		return 0, ErrEmptyVector
	}
	dot, err := dotProduct(vec1, vec2)
	if err != nil {
		return 0, err
	}

	mag1 := Magnitude(vec1)
	mag2 := Magnitude(vec2)
	if mag1 == 0 || mag2 == 0 {
		return 0, ErrZeroVector
	}

	sim := dot / (mag1 * mag2)
	// Rounding can push identical vectors a hair past 1.
	return math.Max(-1, math.Min(1, sim)), nil
}

// Mean returns the element-wise average of vectors of length dim, skipping
// any vector of a different length. ok is false when nothing was averaged.
func Mean(vectors [][]float32, dim int) (mean []float32, ok bool) {
	if dim <= 0 {
		return nil, false
	}
	sum := make([]float64, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil, false
	}
	mean = make([]float32, dim)
	for i := range sum {
		mean[i] = float32(sum[i] / float64(n))
	}
	return mean, true
}
