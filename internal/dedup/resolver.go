// Package dedup decides whether an upload duplicates a document the owner
// already has. Matchers run in a fixed order (exact, normalized, semantic)
// and the first hit wins.
package dedup

import (
	"context"
	"fmt"
	"log"
	"slices"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/fingerprint"
	"lexivion.com/docsearch/internal/retrieval"
	"lexivion.com/docsearch/internal/store"
)

type Tier string

const (
	TierNone       Tier = "no_match"
	TierExact      Tier = "exact_match"
	TierNormalized Tier = "normalized_match"
	TierSemantic   Tier = "semantic_match"
)

type Request struct {
	OwnerUserID int64
	Fingerprint fingerprint.Fingerprint
	// Override skips the advisory tiers. The exact tier always runs.
	Override bool
}

type Candidate struct {
	DocumentID int64   `json:"id"`
	Filename   string  `json:"filename"`
	Similarity float64 `json:"similarity"`
}

// Match is the resolver's verdict. DocumentID and Filename are set for the
// exact and normalized tiers, Candidates for the semantic tier.
type Match struct {
	Tier       Tier
	DocumentID int64
	Filename   string
	Candidates []Candidate
	CanReplace bool
}

// Matcher is one duplicate-detection strategy. It returns nil when it has
// nothing to report.
type Matcher interface {
	Name() string
	Match(ctx context.Context, req Request) (*Match, error)
}

// DocumentFinder is the store surface the matchers read.
type DocumentFinder interface {
	FindDocumentByContentHash(ctx context.Context, ownerUserID int64, contentHash string) (*store.Document, error)
	FindLatestDocumentByNormalizedHash(ctx context.Context, ownerUserID int64, normalizedHash string) (*store.Document, error)
	GetDocumentsByIDs(ctx context.Context, ids []int64) (map[int64]store.Document, error)
}

// NearestDocuments finds the owner's documents closest to a vector.
type NearestDocuments interface {
	NearestDocuments(ctx context.Context, ownerUserID int64, vec []float32, limit int) ([]retrieval.Candidate, error)
}

type Resolver struct {
	matchers []Matcher
}

func NewResolver(matchers ...Matcher) *Resolver {
	return &Resolver{matchers: matchers}
}

type Config struct {
	SemanticEnabled   bool
	SemanticThreshold float64
	SemanticTopK      int
	Dimension         int
}

// NewDefaultResolver wires the standard chain.
func NewDefaultResolver(docs DocumentFinder, nearest NearestDocuments, cfg Config) *Resolver {
	matchers := []Matcher{NewExactMatcher(docs), NewNormalizedMatcher(docs)}
	if cfg.SemanticEnabled && nearest != nil {
		matchers = append(matchers, NewSemanticMatcher(docs, nearest, cfg.SemanticThreshold, cfg.SemanticTopK, cfg.Dimension))
	}
	return &Resolver{matchers: matchers}
}

// Resolve runs the chain. It never returns a nil Match.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Match, error) {
	for _, m := range r.matchers {
		match, err := m.Match(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%s matcher: %w", m.Name(), err)
		}
		if match != nil {
			log.Printf("Duplicate check for owner %d: %s (matcher %s)", req.OwnerUserID, match.Tier, m.Name())
			return match, nil
		}
	}
	return &Match{Tier: TierNone}, nil
}

type ExactMatcher struct {
	docs DocumentFinder
}

func NewExactMatcher(docs DocumentFinder) *ExactMatcher { return &ExactMatcher{docs: docs} }

func (m *ExactMatcher) Name() string { return "exact" }

func (m *ExactMatcher) Match(ctx context.Context, req Request) (*Match, error) {
	if req.Fingerprint.ExactHash == "" {
		return nil, apperr.Validation("exact match", "content hash is required")
	}
	doc, err := m.docs.FindDocumentByContentHash(ctx, req.OwnerUserID, req.Fingerprint.ExactHash)
	if err != nil || doc == nil {
		return nil, err
	}
	return ExactMatch(doc), nil
}

// ExactMatch is the verdict for an existing document with identical bytes.
func ExactMatch(doc *store.Document) *Match {
	return &Match{Tier: TierExact, DocumentID: doc.ID, Filename: doc.Filename, CanReplace: true}
}

type NormalizedMatcher struct {
	docs DocumentFinder
}

func NewNormalizedMatcher(docs DocumentFinder) *NormalizedMatcher {
	return &NormalizedMatcher{docs: docs}
}

func (m *NormalizedMatcher) Name() string { return "normalized" }

func (m *NormalizedMatcher) Match(ctx context.Context, req Request) (*Match, error) {
	if req.Override || !req.Fingerprint.HasNormalized {
		return nil, nil
	}
	doc, err := m.docs.FindLatestDocumentByNormalizedHash(ctx, req.OwnerUserID, req.Fingerprint.NormalizedHash)
	if err != nil || doc == nil {
		return nil, err
	}
	return &Match{Tier: TierNormalized, DocumentID: doc.ID, Filename: doc.Filename, CanReplace: true}, nil
}

type SemanticMatcher struct {
	docs      DocumentFinder
	nearest   NearestDocuments
	threshold float64
	topK      int
	dim       int
}

func NewSemanticMatcher(docs DocumentFinder, nearest NearestDocuments, threshold float64, topK, dim int) *SemanticMatcher {
	return &SemanticMatcher{docs: docs, nearest: nearest, threshold: threshold, topK: topK, dim: dim}
}

func (m *SemanticMatcher) Name() string { return "semantic" }

func (m *SemanticMatcher) Match(ctx context.Context, req Request) (*Match, error) {
	vec := req.Fingerprint.SemanticVector
	if req.Override || len(vec) == 0 || m.topK <= 0 {
		return nil, nil
	}
	if m.dim > 0 && len(vec) != m.dim {
		return nil, apperr.DimensionMismatch("semantic match", m.dim, len(vec))
	}

	hits, err := m.nearest.NearestDocuments(ctx, req.OwnerUserID, vec, m.topK)
	if err != nil {
		return nil, err
	}
	retrieval.SortCandidates(hits)
	if len(hits) > m.topK {
		hits = hits[:m.topK]
	}
	if len(hits) == 0 || hits[0].Similarity < m.threshold {
		return nil, nil
	}

	above := slices.DeleteFunc(hits, func(c retrieval.Candidate) bool { return c.Similarity < m.threshold })
	ids := make([]int64, len(above))
	for i, c := range above {
		ids[i] = c.ID
	}
	docs, err := m.docs.GetDocumentsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(above))
	for _, c := range above {
		doc, ok := docs[c.ID]
		if !ok || doc.OwnerUserID != req.OwnerUserID {
			continue
		}
		candidates = append(candidates, Candidate{DocumentID: c.ID, Filename: doc.Filename, Similarity: c.Similarity})
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return &Match{Tier: TierSemantic, Candidates: candidates, CanReplace: true}, nil
}

// ConflictError reports a duplicate upload. It matches apperr.ErrConflict.
type ConflictError struct {
	Match *Match
}

func (e *ConflictError) Error() string {
	switch e.Match.Tier {
	case TierExact:
		return fmt.Sprintf("document with identical content already exists (id %d)", e.Match.DocumentID)
	case TierNormalized:
		return fmt.Sprintf("document with the same normalized text already exists (id %d)", e.Match.DocumentID)
	default:
		return fmt.Sprintf("%d semantically similar documents already exist", len(e.Match.Candidates))
	}
}

func (e *ConflictError) Unwrap() error { return apperr.ErrConflict }

// ExactConflict builds the conflict for doc, whether it was found by lookup
// or by losing an insert race on the unique constraint.
func ExactConflict(doc *store.Document) *ConflictError {
	return &ConflictError{Match: ExactMatch(doc)}
}
