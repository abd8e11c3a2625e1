package core

import (
	"context"
	"log"
	"strings"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/retrieval"
	"lexivion.com/docsearch/internal/store"
)

const (
	MaxTopK = 50

	retrieverOnlyModel = "retriever_only"
)

// SearchStore is what the query path reads from the store.
type SearchStore interface {
	retrieval.Source
	retrieval.EmbeddingLoader
}

type SearchConfig struct {
	DefaultTopK      int
	MaxContextChunks int
	TextDim          int
}

type SearchRequest struct {
	OwnerUserID int64
	Query       string
	// TopK nil means the configured default.
	TopK        *int
	DocumentIDs []int64
}

type SectionDocument struct {
	ID         int64  `json:"id"`
	Filename   string `json:"filename"`
	URL        string `json:"url"`
	PageNumber int    `json:"page_number"`
}

// AnswerSection is a generated section joined with the images and documents
// of the chunks it cites.
type AnswerSection struct {
	Title     string            `json:"title"`
	Text      string            `json:"text"`
	ChunkIDs  []int64           `json:"chunk_ids"`
	Images    []retrieval.Image `json:"images"`
	Documents []SectionDocument `json:"documents"`
}

type SearchResponse struct {
	Answer         string              `json:"answer"`
	Sections       []AnswerSection     `json:"sections"`
	Context        []retrieval.Segment `json:"context"`
	ChunksUsed     []int64             `json:"chunks_used"`
	Model          string              `json:"model"`
	EmbeddingModel string              `json:"embedding_model"`
	EmbeddingDim   int                 `json:"embedding_dim"`
	VectorSearch   string              `json:"vector_search"`
	Query          string              `json:"query"`
	TopK           int                 `json:"top_k"`
}

type SearchService struct {
	store     SearchStore
	retriever *retrieval.Retriever
	assembler *retrieval.Assembler
	embedder  TextEmbedder
	generator AnswerGenerator
	pool      *InferencePool
	cfg       SearchConfig
}

// NewSearchService wires the query path. generator may be nil, in which case
// answers are built from the retrieved context alone.
func NewSearchService(s SearchStore, retriever *retrieval.Retriever, embedder TextEmbedder, generator AnswerGenerator, pool *InferencePool, cfg SearchConfig) *SearchService {
	return &SearchService{
		store:     s,
		retriever: retriever,
		assembler: retrieval.NewAssembler(s),
		embedder:  embedder,
		generator: generator,
		pool:      pool,
		cfg:       cfg,
	}
}

// EffectiveTopK validates a requested top_k and clamps it to the context
// limit.
func (s *SearchService) EffectiveTopK(requested *int) (int, error) {
	topK := s.cfg.DefaultTopK
	if requested != nil {
		topK = *requested
	}
	if topK < 1 || topK > MaxTopK {
		return 0, apperr.Validation("search", "top_k must be between 1 and %d", MaxTopK)
	}
	if s.cfg.MaxContextChunks > 0 && topK > s.cfg.MaxContextChunks {
		topK = s.cfg.MaxContextChunks
	}
	return topK, nil
}

func (s *SearchService) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	const op = "search"
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperr.Validation(op, "query cannot be empty")
	}
	topK, err := s.EffectiveTopK(req.TopK)
	if err != nil {
		return nil, err
	}

	vecs, err := EmbedAll(ctx, s.pool, s.embedder, []string{query}, s.cfg.TextDim)
	if err != nil {
		return nil, err
	}

	scope := retrieval.Scope{OwnerUserID: req.OwnerUserID, DocumentIDs: req.DocumentIDs, Type: store.ChunkTypeText}
	pool, err := s.retriever.Retrieve(ctx, vecs[0], scope, topK)
	if err != nil {
		return nil, err
	}
	if !s.retriever.Backend().Exact() {
		if pool, err = retrieval.Rescore(ctx, vecs[0], pool, s.store); err != nil {
			return nil, err
		}
	}
	ranked := retrieval.Rank(pool, topK)

	segments, err := s.assembler.Assemble(ctx, ranked)
	if err != nil {
		return nil, err
	}
	log.Printf("Search for user %d: %d candidates, %d segments (top_k=%d, backend=%s)",
		req.OwnerUserID, len(pool), len(segments), topK, s.retriever.Backend().Name())

	answer, model, err := s.answer(ctx, query, segments)
	if err != nil {
		return nil, err
	}

	chunkIDs := make([]int64, len(segments))
	for i, seg := range segments {
		chunkIDs[i] = seg.ChunkID
	}
	return &SearchResponse{
		Answer:         answer.Answer,
		Sections:       enrichSections(answer.Sections, segments),
		Context:        segments,
		ChunksUsed:     chunkIDs,
		Model:          model,
		EmbeddingModel: s.embedder.EmbeddingModel(),
		EmbeddingDim:   s.cfg.TextDim,
		VectorSearch:   s.retriever.Backend().Name(),
		Query:          query,
		TopK:           topK,
	}, nil
}

func (s *SearchService) answer(ctx context.Context, query string, segments []retrieval.Segment) (*Answer, string, error) {
	if s.generator == nil {
		if len(segments) == 0 {
			return NoContextAnswer(), retrieverOnlyModel, nil
		}
		return FallbackAnswer(query, segments), retrieverOnlyModel, nil
	}
	model := s.generator.Model()
	if len(segments) == 0 {
		return NoContextAnswer(), model, nil
	}

	var answer *Answer
	err := s.pool.Do(ctx, "generate answer", func(ctx context.Context) error {
		var err error
		answer, err = s.generator.GenerateAnswer(ctx, query, segments)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return answer, model, nil
}

// enrichSections attaches the images and source documents of each cited
// chunk. Ids the model cites that are not in the context are dropped.
func enrichSections(sections []Section, segments []retrieval.Segment) []AnswerSection {
	byChunk := make(map[int64]retrieval.Segment, len(segments))
	for _, seg := range segments {
		byChunk[seg.ChunkID] = seg
	}

	out := make([]AnswerSection, 0, len(sections))
	for _, sec := range sections {
		enriched := AnswerSection{
			Title:     sec.Title,
			Text:      sec.Text,
			ChunkIDs:  []int64{},
			Images:    []retrieval.Image{},
			Documents: []SectionDocument{},
		}
		for _, id := range sec.ChunkIDs {
			seg, ok := byChunk[id]
			if !ok {
				continue
			}
			enriched.ChunkIDs = append(enriched.ChunkIDs, id)
			enriched.Images = append(enriched.Images, seg.Images...)
			enriched.Documents = append(enriched.Documents, SectionDocument{
				ID:         seg.Document.ID,
				Filename:   seg.Document.Filename,
				URL:        seg.Document.URL,
				PageNumber: seg.PageNumber,
			})
		}
		out = append(out, enriched)
	}
	return out
}
