package extract

import (
	"context"
	"fmt"
	"log"

	"github.com/ledongthuc/pdf"

	"lexivion.com/docsearch/internal/apperr"
)

// PDFExtractor reads page text and image XObjects with ledongthuc/pdf.
type PDFExtractor struct{}

func (e *PDFExtractor) Extract(ctx context.Context, path, filename string) (doc *Document, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, apperr.Validation("extract pdf", "%s is not a readable PDF: %v", filename, r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, apperr.Validation("extract pdf", "%s is not a readable PDF: %v", filename, err)
	}
	defer f.Close()

	doc = &Document{}
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			log.Printf("Warning: %s page %d: %v", filename, i, err)
			text = ""
		}
		doc.Pages = append(doc.Pages, Page{Number: i, Text: text, Images: pageImages(filename, i, page)})
	}
	if len(doc.Pages) == 0 {
		return nil, fmt.Errorf("%s has no pages", filename)
	}
	return doc, nil
}
