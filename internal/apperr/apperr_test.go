package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := Ownership("replace", "user %d does not own document %d", 2, 10)
	assert.True(t, errors.Is(err, ErrOwnership))
	assert.False(t, errors.Is(err, ErrNotFound))

	wrapped := fmt.Errorf("handler: %w", err)
	assert.True(t, errors.Is(wrapped, ErrOwnership))
	assert.Equal(t, KindOwnership, KindOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := AbortedReplace("replace", cause)
	assert.True(t, errors.Is(err, ErrAbortedReplace))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "disk full")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestDimensionMismatchMessage(t *testing.T) {
	err := DimensionMismatch("retrieve", 768, 3)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	assert.Equal(t, "retrieve: expected vector dimension 768, got 3", err.Error())
}
