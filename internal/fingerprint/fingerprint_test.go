package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactHashMatchesSHA256(t *testing.T) {
	content := bytes.Repeat([]byte("lexivion "), 20000)
	got, err := ExactHash(bytes.NewReader(content))
	require.NoError(t, err)

	want := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestExactHashDetectsSingleByteChange(t *testing.T) {
	a, err := ExactHash(strings.NewReader("quarterly report"))
	require.NoError(t, err)
	b, err := ExactHash(strings.NewReader("quarterly reporT"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "hello world", NormalizeText("  Hello \t\n  WORLD  "))
	assert.Equal(t, "", NormalizeText(" \n\t "))
}

func TestNormalizedHashInvariantUnderCaseAndWhitespace(t *testing.T) {
	base, ok := NormalizedHash([]string{"The quick brown fox", "jumps over"}, 0)
	require.True(t, ok)

	variants := [][]string{
		{"THE QUICK BROWN FOX", "JUMPS OVER"},
		{"the   quick\tbrown\n\nfox", "  jumps over  "},
		{"The quick brown fox jumps over"},
	}
	for _, pages := range variants {
		got, ok := NormalizedHash(pages, 0)
		require.True(t, ok)
		assert.Equal(t, base, got, "pages %q", pages)
	}
}

func TestNormalizedHashChangesOnCharacterEdit(t *testing.T) {
	base, _ := NormalizedHash([]string{"The quick brown fox"}, 0)
	for _, edited := range []string{"The quick brown fix", "The quick brown fox.", "The quick-brown fox"} {
		got, ok := NormalizedHash([]string{edited}, 0)
		require.True(t, ok)
		assert.NotEqual(t, base, got, edited)
	}
}

func TestNormalizedHashCapsPages(t *testing.T) {
	capped, ok := NormalizedHash([]string{"page one", "page two", "page three"}, 2)
	require.True(t, ok)
	firstTwo, _ := NormalizedHash([]string{"page one", "page two"}, 0)
	assert.Equal(t, firstTwo, capped)
}

func TestNormalizedHashAbsentWithoutText(t *testing.T) {
	_, ok := NormalizedHash(nil, 10)
	assert.False(t, ok)
	_, ok = NormalizedHash([]string{"", "   "}, 10)
	assert.False(t, ok)
}

func TestSemanticVector(t *testing.T) {
	vec, ok := SemanticVector([][]float32{{1, 0, 0}, {0, 1, 0}, {1, 2}}, 3)
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, 0.5, 0}, vec)

	_, ok = SemanticVector([][]float32{{1, -1}, {-1, 1}}, 2)
	assert.False(t, ok, "zero mean is not usable")

	_, ok = SemanticVector(nil, 3)
	assert.False(t, ok)
}

func TestCompute(t *testing.T) {
	fp, err := Compute(strings.NewReader("raw bytes"), []string{"Some Text"}, 5, [][]float32{{1, 1}}, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, fp.ExactHash)
	assert.True(t, fp.HasNormalized)
	assert.True(t, fp.HasSemantic())

	fp, err = Compute(strings.NewReader("raw bytes"), nil, 5, nil, 2)
	require.NoError(t, err)
	assert.False(t, fp.HasNormalized)
	assert.False(t, fp.HasSemantic())
}
