package core

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lexivion.com/docsearch/internal/blob"
	"lexivion.com/docsearch/internal/dedup"
	"lexivion.com/docsearch/internal/extract"
	"lexivion.com/docsearch/internal/retrieval"
	"lexivion.com/docsearch/internal/store"
)

const testDim = 4

// keywordEmbedder maps a text to a one-hot vector chosen by the first
// keyword it contains, so tests control similarity exactly.
type keywordEmbedder struct {
	calls atomic.Int64
	texts atomic.Int64
	err   error
	dim   int
}

var keywords = []string{"alpha", "beta", "gamma"}

func (e *keywordEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	e.texts.Add(int64(len(texts)))
	if e.err != nil {
		return nil, e.err
	}
	dim := e.dim
	if dim == 0 {
		dim = testDim
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, dim)
		slot := len(keywords) % dim
		lower := strings.ToLower(text)
		for k, kw := range keywords {
			if strings.Contains(lower, kw) {
				slot = k % dim
				break
			}
		}
		vec[slot] = 1
		out[i] = vec
	}
	return out, nil
}

func (e *keywordEmbedder) EmbeddingModel() string { return "keyword-test" }

type recordingIndexer struct {
	mu        sync.Mutex
	documents []int64
	indexed   []int64
	removed   []int64
	deleted   []int64
}

func (r *recordingIndexer) IndexDocument(_ context.Context, doc store.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents = append(r.documents, doc.ID)
	return nil
}

func (r *recordingIndexer) IndexChunks(_ context.Context, _ int64, chunks []store.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		r.indexed = append(r.indexed, c.ID)
	}
	return nil
}

func (r *recordingIndexer) RemoveChunks(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, ids...)
	return nil
}

func (r *recordingIndexer) RemoveDocument(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return nil
}

type harness struct {
	store    *store.SQLiteStore
	blobs    *blob.Store
	embedder *keywordEmbedder
	index    *recordingIndexer
	pool     *InferencePool
	pipeline *Pipeline
	resolver *dedup.Resolver
	ingest   *IngestService
	replace  *ReplaceCoordinator
	docs     *DocumentService
}

func testPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ChunkSize:      50,
		ChunkOverlap:   10,
		PrefixChunks:   4,
		TextDim:        testDim,
		MaxUploadBytes: 1 << 20,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.New(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store:    st,
		blobs:    blobs,
		embedder: &keywordEmbedder{},
		index:    &recordingIndexer{},
		pool:     NewInferencePool(4, 5*time.Second, 0),
	}
	h.pipeline = NewPipeline(extract.NewRegistry(), h.embedder, nil, h.pool, testPipelineConfig())
	h.resolver = dedup.NewDefaultResolver(st, retrieval.NewScanBackend(st), dedup.Config{
		SemanticEnabled:   true,
		SemanticThreshold: 0.92,
		SemanticTopK:      5,
		Dimension:         testDim,
	})
	h.ingest = NewIngestService(st, h.pipeline, h.resolver, blobs, h.index)
	h.replace = NewReplaceCoordinator(st, h.pipeline, blobs, h.index)
	h.docs = NewDocumentService(st, blobs, h.index)
	return h
}

func (h *harness) user(t *testing.T, email string) int64 {
	t.Helper()
	u, err := h.store.CreateUser(context.Background(), email, "hash")
	require.NoError(t, err)
	return u.ID
}

func (h *harness) upload(t *testing.T, owner int64, filename, content string) *IngestResult {
	t.Helper()
	res, err := h.ingest.Ingest(context.Background(), Upload{
		OwnerUserID: owner,
		Filename:    filename,
		Content:     strings.NewReader(content),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) chunkIDs(t *testing.T, docID int64) []int64 {
	t.Helper()
	ids, err := h.store.ListChunkIDs(context.Background(), docID)
	require.NoError(t, err)
	return ids
}

func (h *harness) readFile(t *testing.T, docID, owner int64) string {
	t.Helper()
	rc, _, err := h.docs.OpenFile(context.Background(), docID, owner)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

// blobCount counts the stored uploads next to the given source path.
func blobCount(t *testing.T, sourcePath string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(strings.TrimPrefix(sourcePath, "file://")))
	require.NoError(t, err)
	return len(entries)
}
