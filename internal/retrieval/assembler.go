package retrieval

import (
	"context"
	"fmt"
	"maps"

	"lexivion.com/docsearch/internal/store"
)

// Source gives the assembler read access to chunks, their linked images
// and parent documents.
type Source interface {
	GetChunksByIDs(ctx context.Context, ids []int64) (map[int64]store.Chunk, error)
	GetImagesForChunks(ctx context.Context, parentIDs []int64) (map[int64][]store.Chunk, error)
	GetDocumentsByIDs(ctx context.Context, ids []int64) (map[int64]store.Document, error)
}

type Image struct {
	ChunkID       int64          `json:"id"`
	LinkedChunkID int64          `json:"linked_chunk_id"`
	PageNumber    int            `json:"page_number"`
	ChunkIndex    int            `json:"chunk_index"`
	ImageBase64   string         `json:"image_base64"`
	Metadata      map[string]any `json:"metadata"`
}

type DocumentRef struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Segment is one ranked chunk ready for answer generation. Order is the
// 1-based rank position.
type Segment struct {
	Order      int            `json:"order"`
	ChunkID    int64          `json:"chunk_id"`
	DocumentID int64          `json:"document_id"`
	PageNumber int            `json:"page_number"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	Images     []Image        `json:"images"`
	Similarity float64        `json:"similarity"`
	Document   DocumentRef    `json:"document"`
}

func DocumentFileURL(id int64) string {
	return fmt.Sprintf("/api/documents/%d/file", id)
}

type Assembler struct {
	source Source
}

func NewAssembler(source Source) *Assembler {
	return &Assembler{source: source}
}

// Assemble joins ranked candidates with their chunk rows, linked images and
// documents. Chunks removed since ranking are skipped and do not consume
// an order number.
func (a *Assembler) Assemble(ctx context.Context, ranked []Candidate) ([]Segment, error) {
	if len(ranked) == 0 {
		return []Segment{}, nil
	}
	ids := make([]int64, len(ranked))
	for i, c := range ranked {
		ids[i] = c.ID
	}

	chunks, err := a.source.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load ranked chunks: %w", err)
	}
	images, err := a.source.GetImagesForChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load linked images: %w", err)
	}
	docIDs := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		docIDs = append(docIDs, c.DocumentID)
	}
	docs, err := a.source.GetDocumentsByIDs(ctx, docIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	segments := make([]Segment, 0, len(ranked))
	for _, c := range ranked {
		chunk, ok := chunks[c.ID]
		if !ok {
			continue
		}
		seg := Segment{
			Order:      len(segments) + 1,
			ChunkID:    chunk.ID,
			DocumentID: chunk.DocumentID,
			PageNumber: chunk.PageNumber,
			ChunkIndex: chunk.ChunkIndex,
			Metadata:   maps.Clone(chunk.Metadata),
			Images:     toImages(images[chunk.ID]),
			Similarity: c.Similarity,
		}
		if seg.Metadata == nil {
			seg.Metadata = map[string]any{}
		}
		seg.Metadata["similarity"] = c.Similarity
		if chunk.Content != nil {
			seg.Content = *chunk.Content
		}
		if doc, ok := docs[chunk.DocumentID]; ok {
			seg.Document = DocumentRef{ID: doc.ID, Filename: doc.Filename, URL: DocumentFileURL(doc.ID)}
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func toImages(chunks []store.Chunk) []Image {
	images := make([]Image, 0, len(chunks))
	for _, c := range chunks {
		if c.LinkedChunkID == nil || c.ImageBase64 == nil {
			continue
		}
		images = append(images, Image{
			ChunkID:       c.ID,
			LinkedChunkID: *c.LinkedChunkID,
			PageNumber:    c.PageNumber,
			ChunkIndex:    c.ChunkIndex,
			ImageBase64:   *c.ImageBase64,
			Metadata:      c.Metadata,
		})
	}
	return images
}
