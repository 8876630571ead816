package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/quarrydocs/quarry/pkg/registry"
)

// PDFKind classifies a PDF for parser selection.
type PDFKind int

const (
	PDFSearchable PDFKind = iota
	PDFScanned
	PDFMixed
)

func (k PDFKind) String() string {
	switch k {
	case PDFSearchable:
		return "searchable"
	case PDFScanned:
		return "scanned"
	default:
		return "mixed"
	}
}

// detectSamplePages caps how many pages the detector reads.
const detectSamplePages = 5

// DetectPDFKind samples the first pages and classifies the file by how
// many of them carry a usable text layer.
func DetectPDFKind(data []byte) (PDFKind, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return PDFScanned, fmt.Errorf("failed to open PDF: %w", err)
	}

	total := reader.NumPage()
	sample := total
	if sample > detectSamplePages {
		sample = detectSamplePages
	}
	if sample == 0 {
		return PDFScanned, nil
	}

	withText := 0
	for pageNum := 1; pageNum <= sample; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if len(strings.TrimSpace(text)) >= 50 {
			withText++
		}
	}

	ratio := float64(withText) / float64(sample)
	switch {
	case ratio >= 0.8:
		return PDFSearchable, nil
	case withText == 0:
		return PDFScanned, nil
	default:
		return PDFMixed, nil
	}
}

// FastPDFParser extracts the embedded text layer. It is the cheapest
// path and the first choice for searchable PDFs; it cannot OCR and
// cannot extract image bytes, but it flags pages that reference images
// so the pipeline can insert markers.
type FastPDFParser struct{}

func (p *FastPDFParser) Name() string { return ParserPDFFast }

func (p *FastPDFParser) Parse(ctx context.Context, data []byte, name string) (*ParseResult, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PDF: %w", err)
	}

	total := reader.NumPage()
	result := &ParseResult{
		Pages: make([]Page, 0, total),
		PDF:   &registry.PDFMetadata{PageCount: total},
	}

	for pageNum := 1; pageNum <= total; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			result.Pages = append(result.Pages, Page{Number: pageNum})
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			text = ""
		}
		if pageHasImages(page) {
			result.ImagesDetected = true
		}
		result.Pages = append(result.Pages, Page{Number: pageNum, Text: text})
	}

	if result.TotalTextLen() == 0 {
		return nil, fmt.Errorf("PDF has no extractable text layer")
	}
	return result, nil
}

// pageHasImages reports whether the page resources reference XObjects,
// which is how embedded images appear in PDF page dictionaries.
func pageHasImages(page pdf.Page) bool {
	resources := page.V.Key("Resources")
	if resources.IsNull() {
		return false
	}
	xobjects := resources.Key("XObject")
	if xobjects.IsNull() {
		return false
	}
	return len(xobjects.Keys()) > 0
}

var _ Parser = (*FastPDFParser)(nil)
