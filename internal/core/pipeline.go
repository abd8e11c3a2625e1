package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/extract"
	"lexivion.com/docsearch/internal/fingerprint"
	"lexivion.com/docsearch/internal/store"
)

// Extractor reads pages out of an uploaded file.
type Extractor interface {
	Supports(filename string) bool
	Extract(ctx context.Context, path, filename string) (*extract.Document, error)
}

// PipelineConfig holds the chunking and fingerprinting knobs.
type PipelineConfig struct {
	ChunkSize      int
	ChunkOverlap   int
	PrefixChunks   int
	NormMaxPages   int
	TextDim        int
	ImageDim       int
	MaxUploadBytes int64
}

// Pipeline turns upload bytes into a fingerprint and a batch of embedded
// chunks. It never touches the store, so ingest and replace can run it
// before opening a transaction.
type Pipeline struct {
	extractor     Extractor
	embedder      TextEmbedder
	imageEmbedder ImageEmbedder
	pool          *InferencePool
	cfg           PipelineConfig
}

func NewPipeline(extractor Extractor, embedder TextEmbedder, imageEmbedder ImageEmbedder, pool *InferencePool, cfg PipelineConfig) *Pipeline {
	return &Pipeline{extractor: extractor, embedder: embedder, imageEmbedder: imageEmbedder, pool: pool, cfg: cfg}
}

type textWindow struct {
	page  int
	index int // per page, from 1
	text  string
}

type pageImage struct {
	page  int
	index int
	image extract.PageImage
}

// spooledUpload is an upload on local disk with its exact hash.
type spooledUpload struct {
	path     string
	filename string
	hash     string
	size     int64
}

func (u *spooledUpload) cleanup() {
	if u == nil || u.path == "" {
		return
	}
	if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to remove temp upload %s: %v", u.path, err)
	}
}

func (u *spooledUpload) open() (*os.File, error) {
	return os.Open(u.path)
}

// analyzedUpload is a spooled upload split into chunks, with the prefix
// embedded and the fingerprint computed.
type analyzedUpload struct {
	*spooledUpload
	fingerprint fingerprint.Fingerprint
	windows     []textWindow
	images      []pageImage
	embeddings  [][]float32 // text embeddings, prefix first; full after embed
	pageCount   int
}

// CleanFilename strips any directory part from a client-supplied name.
func CleanFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.TrimSpace(name)
}

func (p *Pipeline) checkFilename(op, filename string) (string, error) {
	name := CleanFilename(filename)
	if name == "" {
		return "", apperr.Validation(op, "no file selected")
	}
	if !p.extractor.Supports(name) {
		return "", apperr.Validation(op, "unsupported file type %q", filepath.Ext(name))
	}
	return name, nil
}

// spool copies r to a temp file while hashing it, in constant memory.
func (p *Pipeline) spool(op string, filename string, r io.Reader) (*spooledUpload, error) {
	tmp, err := os.CreateTemp("", "upload-*"+filepath.Ext(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	u := &spooledUpload{path: tmp.Name(), filename: filename}

	src := r
	if p.cfg.MaxUploadBytes > 0 {
		src = io.LimitReader(r, p.cfg.MaxUploadBytes+1)
	}
	counter := &countingWriter{w: tmp}
	hash, err := fingerprint.ExactHash(io.TeeReader(src, counter))
	closeErr := tmp.Close()
	if err != nil {
		u.cleanup()
		return nil, err
	}
	if closeErr != nil {
		u.cleanup()
		return nil, fmt.Errorf("failed to write temp file: %w", closeErr)
	}
	if p.cfg.MaxUploadBytes > 0 && counter.n > p.cfg.MaxUploadBytes {
		u.cleanup()
		return nil, apperr.Validation(op, "file exceeds the %d byte upload limit", p.cfg.MaxUploadBytes)
	}
	if counter.n == 0 {
		u.cleanup()
		return nil, apperr.Validation(op, "file is empty")
	}
	u.hash, u.size = hash, counter.n
	return u, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

// analyze extracts and chunks the upload, embeds the prefix used for the
// semantic fingerprint and fills in the fingerprint.
func (p *Pipeline) analyze(ctx context.Context, op string, u *spooledUpload) (*analyzedUpload, error) {
	doc, err := p.extractor.Extract(ctx, u.path, u.filename)
	if err != nil {
		return nil, err
	}

	a := &analyzedUpload{spooledUpload: u, pageCount: len(doc.Pages)}
	for _, page := range doc.Pages {
		for i, text := range extract.ChunkWords(page.Text, p.cfg.ChunkSize, p.cfg.ChunkOverlap) {
			a.windows = append(a.windows, textWindow{page: page.Number, index: i + 1, text: text})
		}
		if p.imageEmbedder == nil {
			continue
		}
		for i, img := range page.Images {
			if len(img.Data) == 0 {
				continue
			}
			a.images = append(a.images, pageImage{page: page.Number, index: i + 1, image: img})
		}
	}
	if len(a.windows) == 0 && len(a.images) == 0 {
		return nil, apperr.Validation(op, "%s contains no extractable text", u.filename)
	}

	a.fingerprint = fingerprint.Fingerprint{ExactHash: u.hash}
	a.fingerprint.NormalizedHash, a.fingerprint.HasNormalized = fingerprint.NormalizedHash(doc.Texts(), p.cfg.NormMaxPages)

	prefix := min(max(p.cfg.PrefixChunks, 0), len(a.windows))
	if prefix > 0 {
		vecs, err := EmbedAll(ctx, p.pool, p.embedder, windowTexts(a.windows[:prefix]), p.cfg.TextDim)
		if err != nil {
			return nil, err
		}
		a.embeddings = vecs
		if vec, ok := fingerprint.SemanticVector(vecs, p.cfg.TextDim); ok {
			a.fingerprint.SemanticVector = vec
		}
	}
	return a, nil
}

func windowTexts(ws []textWindow) []string {
	texts := make([]string, len(ws))
	for i, w := range ws {
		texts[i] = w.text
	}
	return texts
}

// embedChunks embeds whatever analyze did not and returns the chunk batch.
// Each image links to the last text chunk of its page, when there is one.
func (p *Pipeline) embedChunks(ctx context.Context, a *analyzedUpload) ([]store.NewChunk, error) {
	g, gctx := errgroup.WithContext(ctx)

	done := len(a.embeddings)
	var rest [][]float32
	g.Go(func() error {
		var err error
		rest, err = EmbedAll(gctx, p.pool, p.embedder, windowTexts(a.windows[done:]), p.cfg.TextDim)
		return err
	})

	imageVecs := make([][]float32, len(a.images))
	for i, img := range a.images {
		g.Go(func() error {
			return p.pool.Do(gctx, "embed image", func(ctx context.Context) error {
				vec, err := p.imageEmbedder.EmbedImage(ctx, img.image.Data, img.image.MIMEType)
				if err != nil {
					return err
				}
				if len(vec) != p.cfg.ImageDim {
					return apperr.DimensionMismatch("embed image", p.cfg.ImageDim, len(vec))
				}
				imageVecs[i] = vec
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	a.embeddings = append(a.embeddings, rest...)

	chunks := make([]store.NewChunk, 0, len(a.windows)+len(a.images))
	lastTextOnPage := map[int]int{}
	for i, w := range a.windows {
		content := w.text
		lastTextOnPage[w.page] = len(chunks)
		chunks = append(chunks, store.NewChunk{
			Type:       store.ChunkTypeText,
			PageNumber: w.page,
			ChunkIndex: i,
			Content:    &content,
			Embedding:  a.embeddings[i],
			Metadata: map[string]any{
				"type":     "text",
				"page":     w.page,
				"chunk":    w.index,
				"filename": a.filename,
			},
		})
	}
	for i, img := range a.images {
		encoded := base64.StdEncoding.EncodeToString(img.image.Data)
		chunk := store.NewChunk{
			Type:        store.ChunkTypeImage,
			PageNumber:  img.page,
			ChunkIndex:  len(a.windows) + i,
			Embedding:   imageVecs[i],
			ImageBase64: &encoded,
			Metadata: map[string]any{
				"type":      "image",
				"page":      img.page,
				"image":     img.index,
				"mime_type": img.image.MIMEType,
				"filename":  fmt.Sprintf("%s_page_%d_img_%d", a.filename, img.page, img.index),
			},
		}
		for k, v := range img.image.Metadata {
			chunk.Metadata[k] = v
		}
		if idx, ok := lastTextOnPage[img.page]; ok {
			chunk.LinkedIndex = &idx
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func countChunks(chunks []store.NewChunk) (text, image int) {
	for _, c := range chunks {
		if c.Type == store.ChunkTypeImage {
			image++
		} else {
			text++
		}
	}
	return text, image
}
