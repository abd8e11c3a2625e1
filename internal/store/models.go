package store

import "time"

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt    time.Time `json:"created_at"`
}

type ChunkType string

const (
	ChunkTypeText  ChunkType = "text"
	ChunkTypeImage ChunkType = "image"
)

func (t ChunkType) Valid() bool {
	return t == ChunkTypeText || t == ChunkTypeImage
}

// Document is one uploaded file. (OwnerUserID, ContentHash) is unique.
type Document struct {
	ID             int64          `json:"id"`
	OwnerUserID    int64          `json:"owner_user_id"`
	Filename       string         `json:"filename"`
	SourcePath     string         `json:"-"`
	ContentHash    string         `json:"content_hash"`
	NormalizedHash *string        `json:"normalized_hash,omitempty"` // Nullable
	Embedding      []float32      `json:"-"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type Chunk struct {
	ID            int64          `json:"id"`
	DocumentID    int64          `json:"document_id"`
	Type          ChunkType      `json:"chunk_type"`
	PageNumber    int            `json:"page_number"`
	ChunkIndex    int            `json:"chunk_index"`
	Content       *string        `json:"content,omitempty"` // Nil for image chunks
	Embedding     []float32      `json:"-"`
	ImageBase64   *string        `json:"image_base64,omitempty"`
	LinkedChunkID *int64         `json:"linked_chunk_id,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewChunk is a chunk waiting to be inserted as part of a batch. Image chunks
// point at their text chunk by position in the same batch, since ids are only
// known after insert.
type NewChunk struct {
	Type        ChunkType
	PageNumber  int
	ChunkIndex  int
	Content     *string
	Embedding   []float32
	ImageBase64 *string
	LinkedIndex *int
	Metadata    map[string]any
}

// Revision is the stored content a replace was planned against. Updates
// that carry one only apply while the row still matches it.
type Revision struct {
	ContentHash string
	SourcePath  string
}

// ContentUpdate carries the fields a content replace rewrites. Owner and id
// are never part of it.
type ContentUpdate struct {
	Expect         Revision
	Filename       string
	SourcePath     string
	ContentHash    string
	NormalizedHash *string
	Embedding      []float32
	Metadata       map[string]any
}

// ChunkScope restricts chunk scans to one owner, one chunk type and
// optionally a set of documents.
type ChunkScope struct {
	OwnerUserID int64
	DocumentIDs []int64
	Type        ChunkType
}
