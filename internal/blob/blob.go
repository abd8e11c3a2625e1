// Package blob keeps the original uploaded files. Locations are afs URLs,
// so the same code serves local disk (file://), memory (mem://) or any
// other scheme afs has a provider for.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

type Store struct {
	fs      afs.Service
	baseURL string
}

// New returns a store rooted at baseURL. A plain directory path is turned
// into a file:// URL.
func New(baseURL string) (*Store, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("blob storage location is empty")
	}
	if !strings.Contains(baseURL, "://") {
		abs, err := filepath.Abs(baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve storage path %s: %w", baseURL, err)
		}
		baseURL = "file://" + filepath.ToSlash(abs)
	}
	return &Store{fs: afs.New(), baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Key is the object path for a new upload. Every call gets a fresh name, so
// a replace never overwrites the file it replaces.
func Key(ownerUserID int64, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return path.Join(strconv.FormatInt(ownerUserID, 10), uuid.NewString()+"-"+name)
}

// Put stores r under a fresh key and returns its URL.
func (s *Store) Put(ctx context.Context, ownerUserID int64, filename string, r io.Reader) (string, error) {
	location := url.Join(s.baseURL, Key(ownerUserID, filename))
	if err := s.fs.Upload(ctx, location, file.DefaultFileOsMode, r); err != nil {
		return "", fmt.Errorf("failed to store upload %s: %w", filename, err)
	}
	return location, nil
}

func (s *Store) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	rc, err := s.fs.OpenURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", location, err)
	}
	return rc, nil
}

// Delete removes location. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, location string) error {
	if location == "" {
		return nil
	}
	exists, err := s.fs.Exists(ctx, location)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", location, err)
	}
	if !exists {
		return nil
	}
	if err := s.fs.Delete(ctx, location); err != nil {
		return fmt.Errorf("failed to delete %s: %w", location, err)
	}
	return nil
}
