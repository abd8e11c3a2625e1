// Package fingerprint derives the identity signals used to detect duplicate
// uploads: an exact byte digest, a digest of normalized extracted text and an
// optional document-level embedding. Every function here is pure.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/minio/highwayhash"
	"golang.org/x/text/cases"

	"lexivion.com/docsearch/internal/utils"
)

const copyBufferSize = 32 * 1024

// normalizedKey is fixed so normalized digests stay comparable across restarts.
var normalizedKey = []byte("lexivion-normalized-text-digest!")

type Fingerprint struct {
	ExactHash      string
	NormalizedHash string
	HasNormalized  bool
	SemanticVector []float32
}

// HasSemantic reports whether a document-level vector is available.
func (f Fingerprint) HasSemantic() bool { return len(f.SemanticVector) > 0 }

// ExactHash streams r through SHA-256 using a fixed-size buffer.
func ExactHash(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizeText case-folds s, collapses every whitespace run to one space and
// trims the ends.
func NormalizeText(s string) string {
	folded := cases.Fold().String(s)
	return strings.Join(strings.Fields(folded), " ")
}

// NormalizedHash digests the normalized text of at most maxPages pages
// (maxPages <= 0 means all). ok is false when there is no text to digest.
func NormalizedHash(pages []string, maxPages int) (hash string, ok bool) {
	if maxPages > 0 && len(pages) > maxPages {
		pages = pages[:maxPages]
	}
	normalized := NormalizeText(strings.Join(pages, " "))
	if normalized == "" {
		return "", false
	}
	sum := highwayhash.Sum([]byte(normalized), normalizedKey)
	return hex.EncodeToString(sum[:]), true
}

// SemanticVector averages the prefix embeddings of a document into a single
// vector of length dim. ok is false when no usable vector exists.
func SemanticVector(prefix [][]float32, dim int) ([]float32, bool) {
	mean, ok := utils.Mean(prefix, dim)
	if !ok || utils.IsZero(mean) {
		return nil, false
	}
	return mean, true
}

// Compute assembles a Fingerprint from the raw content and its extracted pages.
func Compute(content io.Reader, pages []string, maxPages int, prefix [][]float32, dim int) (Fingerprint, error) {
	exact, err := ExactHash(content)
	if err != nil {
		return Fingerprint{}, err
	}
	fp := Fingerprint{ExactHash: exact}
	fp.NormalizedHash, fp.HasNormalized = NormalizedHash(pages, maxPages)
	if vec, ok := SemanticVector(prefix, dim); ok {
		fp.SemanticVector = vec
	}
	return fp, nil
}
