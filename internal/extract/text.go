package extract

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"lexivion.com/docsearch/internal/apperr"
)

// formFeed separates pages in plain text files.
const formFeed = "\f"

type PlainTextExtractor struct{}

func (e *PlainTextExtractor) Extract(_ context.Context, path, filename string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if !utf8.Valid(data) {
		return nil, apperr.Validation("extract text", "%s is not valid UTF-8", filename)
	}

	doc := &Document{}
	for i, text := range strings.Split(string(data), formFeed) {
		doc.Pages = append(doc.Pages, Page{Number: i + 1, Text: text})
	}
	return doc, nil
}

// ChunkWords splits text into windows of size words, each starting
// size-overlap words after the previous one.
func ChunkWords(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	words := strings.Fields(text)
	step := max(size-overlap, 1)

	var chunks []string
	for i := 0; i < len(words); i += step {
		end := min(i+size, len(words))
		chunks = append(chunks, strings.Join(words[i:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
