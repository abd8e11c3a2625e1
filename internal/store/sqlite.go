package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	// ErrDuplicateContent is returned when (owner, content hash) already exists.
	ErrDuplicateContent = errors.New("document with identical content already exists for this owner")
	ErrUserExists       = errors.New("user already exists")
	ErrDocumentNotFound = errors.New("document not found")
	ErrStaleDocument    = errors.New("document content changed since it was read")
)

type SQLiteStore struct {
	db *sql.DB
}

// DSN appends the connection options the store relies on: foreign keys for
// chunk cascades, immediate write transactions so replaces serialize, WAL so
// readers are not blocked by a replace in flight.
func DSN(path string) string {
	if path == "" {
		return path
	}
	lower := strings.ToLower(path)
	opts := []struct{ key, value string }{
		{"_foreign_keys", "on"},
		{"_busy_timeout", "5000"},
		{"_txlock", "immediate"},
	}
	if path != ":memory:" && !strings.Contains(lower, "mode=memory") {
		opts = append(opts, struct{ key, value string }{"_journal_mode", "WAL"})
	}
	for _, opt := range opts {
		if strings.Contains(lower, opt.key+"=") {
			continue
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + opt.key + "=" + opt.value
	}
	return path
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", DSN(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        email TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS documents (
        id INTEGER PRIMARY KEY AUTOINCREMENT, -- AUTOINCREMENT: ids are never reused
        owner_user_id INTEGER NOT NULL,
        filename TEXT NOT NULL,
        source_path TEXT NOT NULL,
        content_hash TEXT NOT NULL,
        normalized_hash TEXT,
        embedding_json TEXT,
        metadata_json TEXT NOT NULL DEFAULT '{}',
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        UNIQUE (owner_user_id, content_hash),
        FOREIGN KEY (owner_user_id) REFERENCES users (id)
    );

    CREATE INDEX IF NOT EXISTS idx_documents_owner_normalized
        ON documents (owner_user_id, normalized_hash);

    CREATE TABLE IF NOT EXISTS chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        document_id INTEGER NOT NULL,
        chunk_type TEXT NOT NULL CHECK (chunk_type IN ('text', 'image')),
        page_number INTEGER NOT NULL DEFAULT 0,
        chunk_index INTEGER NOT NULL,
        content TEXT,
        embedding_json TEXT NOT NULL, -- Storing as JSON string of []float32
        image_base64 TEXT,
        linked_chunk_id INTEGER,
        metadata_json TEXT NOT NULL DEFAULT '{}',
        created_at DATETIME NOT NULL,
        FOREIGN KEY (document_id) REFERENCES documents (id) ON DELETE CASCADE,
        FOREIGN KEY (linked_chunk_id) REFERENCES chunks (id) ON DELETE SET NULL
    );

    CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id, chunk_type);
    CREATE INDEX IF NOT EXISTS idx_chunks_linked ON chunks (linked_chunk_id);

    CREATE TRIGGER IF NOT EXISTS chunks_linked_same_document
    BEFORE INSERT ON chunks
    WHEN NEW.linked_chunk_id IS NOT NULL AND NOT EXISTS (
        SELECT 1 FROM chunks
        WHERE id = NEW.linked_chunk_id AND document_id = NEW.document_id AND chunk_type = 'text'
    )
    BEGIN
        SELECT RAISE(ABORT, 'linked chunk must be a text chunk of the same document');
    END;
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, email, password_hash, created_at FROM users WHERE email = ?", email).
		Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, email, password_hash, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, "INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)", email, passwordHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	return &User{ID: id, Email: email, PasswordHash: passwordHash, CreatedAt: now}, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func marshalEmbedding(embedding []float32) (sql.NullString, error) {
	if len(embedding) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(embedding)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalEmbedding(raw sql.NullString) ([]float32, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var embedding []float32
	if err := json.Unmarshal([]byte(raw.String), &embedding); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(raw string) map[string]any {
	metadata := map[string]any{}
	if raw == "" {
		return metadata
	}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		log.Printf("Warning: failed to unmarshal metadata (%.50s...): %v", raw, err)
		return map[string]any{}
	}
	return metadata
}

// inClause returns "?, ?, ?" and the matching args for ids.
func inClause(ids []int64) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
