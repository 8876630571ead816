// Package ingest turns uploaded documents into durable chunks and
// image records: parser selection with fallback, token-aware chunking,
// embedding, and the dual-index write.
package ingest

import (
	"context"

	"github.com/quarrydocs/quarry/pkg/registry"
)

// Parser names, used in preference lists and processing metadata.
const (
	ParserPDFFast       = "pdf_fast"
	ParserPDFOCR        = "pdf_ocr"
	ParserPDFImageModel = "pdf_image_model"
	ParserDOCX          = "docx"
	ParserXLSX          = "xlsx"
	ParserText          = "text"
)

// ExtractedImage is one image pulled out of a document during parsing.
// Placeholder markers stand in for images a parser detected but could
// not extract.
type ExtractedImage struct {
	Data        []byte
	Ext         string
	OCRText     string
	Placeholder bool
}

// Page is one page (or page-equivalent unit) of parsed text.
type Page struct {
	Number int
	Text   string
	Images []ExtractedImage
}

// ParseResult is the output of one parser invocation.
type ParseResult struct {
	Pages []Page
	PDF   *registry.PDFMetadata

	// ImagesDetected is set when the parser saw images even if it could
	// not extract them.
	ImagesDetected bool
}

// TotalTextLen returns the combined text length across pages.
func (r *ParseResult) TotalTextLen() int {
	n := 0
	for i := range r.Pages {
		n += len(r.Pages[i].Text)
	}
	return n
}

// Parser extracts text (and images, when it can) from raw file bytes.
type Parser interface {
	Name() string
	Parse(ctx context.Context, data []byte, name string) (*ParseResult, error)
}
