// Package extract turns uploaded files into pages of text (and, where the
// format allows, page images) and splits page text into overlapping word
// windows.
package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"lexivion.com/docsearch/internal/apperr"
)

type PageImage struct {
	Data     []byte
	MIMEType string
	Metadata map[string]any
}

// Page is one page of extracted content. Number starts at 1.
type Page struct {
	Number int
	Text   string
	Images []PageImage
}

type Document struct {
	Pages []Page
}

// Texts returns the text of every page in order.
func (d *Document) Texts() []string {
	texts := make([]string, len(d.Pages))
	for i, p := range d.Pages {
		texts[i] = p.Text
	}
	return texts
}

// Extractor reads the file at path. filename is the name the user gave it.
type Extractor interface {
	Extract(ctx context.Context, path, filename string) (*Document, error)
}

// Registry picks an extractor by file extension.
type Registry struct {
	byExt map[string]Extractor
}

func NewRegistry() *Registry {
	plain := &PlainTextExtractor{}
	return &Registry{byExt: map[string]Extractor{
		".pdf": &PDFExtractor{},
		".txt": plain,
		".md":  plain,
	}}
}

// Register adds or replaces the extractor for ext (".ext").
func (r *Registry) Register(ext string, e Extractor) {
	r.byExt[strings.ToLower(ext)] = e
}

// Supports reports whether filename has an allowed extension.
func (r *Registry) Supports(filename string) bool {
	_, ok := r.byExt[strings.ToLower(filepath.Ext(filename))]
	return ok
}

func (r *Registry) Extract(ctx context.Context, path, filename string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	e, ok := r.byExt[ext]
	if !ok {
		return nil, apperr.Validation("extract", "unsupported file type %q", ext)
	}
	doc, err := e.Extract(ctx, path, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", filename, err)
	}
	return doc, nil
}
