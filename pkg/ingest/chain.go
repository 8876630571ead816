package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/quarrydocs/quarry/pkg/config"
)

// ParserSet holds every parser the pipeline can reach.
type ParserSet struct {
	Fast       Parser
	OCR        Parser
	ImageModel Parser
	Docx       Parser
	Xlsx       Parser
	Text       Parser
}

// NewParserSet builds the default set from configuration.
func NewParserSet(cfg *config.IngestionConfig) *ParserSet {
	ocr := cfg.OCR
	if ocr == nil {
		ocr = &config.OCRConfig{}
	}
	return &ParserSet{
		Fast:       &FastPDFParser{},
		OCR:        NewOCRParser(ocr),
		ImageModel: NewImageModelParser(ocr),
		Docx:       &DocxParser{},
		Xlsx:       &XlsxParser{},
		Text:       &TextParser{},
	}
}

// ChainFor returns the parser preference list for a file. PDFs get a
// fallback chain ordered by the detected kind; other formats get a
// single format-specific parser. A manual preference pins one parser
// and disables fallback.
func (s *ParserSet) ChainFor(name string, data []byte, preference string) ([]Parser, error) {
	ext := strings.ToLower(filepath.Ext(name))

	if preference != "" && preference != "auto" {
		switch preference {
		case "fast":
			return []Parser{s.Fast}, nil
		case "ocr":
			return []Parser{s.OCR}, nil
		case "image_model":
			return []Parser{s.ImageModel}, nil
		default:
			return nil, fmt.Errorf("unknown parser preference %q", preference)
		}
	}

	switch ext {
	case ".pdf":
		kind, err := DetectPDFKind(data)
		if err != nil {
			slog.Warn("PDF detection failed, assuming scanned", "name", name, "error", err)
			kind = PDFScanned
		}
		switch kind {
		case PDFSearchable:
			return []Parser{s.Fast, s.OCR, s.ImageModel}, nil
		default: // scanned and mixed both lead with OCR
			return []Parser{s.OCR, s.ImageModel, s.Fast}, nil
		}
	case ".docx":
		return []Parser{s.Docx}, nil
	case ".xlsx":
		return []Parser{s.Xlsx}, nil
	case ".txt", ".md", ".markdown", ".rst", "":
		return []Parser{s.Text}, nil
	default:
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}
}

// RunChain tries each parser in order, wrapping every invocation in the
// configured hard timeout. It returns the first successful result, the
// name of the parser that produced it, and the chain actually taken.
func RunChain(ctx context.Context, parsers []Parser, timeout time.Duration, data []byte, name string) (*ParseResult, string, []string, error) {
	taken := make([]string, 0, len(parsers))
	var lastErr error

	for _, parser := range parsers {
		taken = append(taken, parser.Name())

		parseCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := runParser(parseCtx, parser, data, name)
		cancel()

		if err == nil {
			return result, parser.Name(), taken, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, "", taken, ctx.Err()
		}
		slog.Warn("parser failed, trying next in chain",
			"parser", parser.Name(),
			"name", name,
			"error", err)
	}

	return nil, "", taken, fmt.Errorf("all parsers failed for %s: %w", name, lastErr)
}

// runParser runs the parser on its own goroutine so a wedged parser
// cannot outlive its timeout.
func runParser(ctx context.Context, parser Parser, data []byte, name string) (*ParseResult, error) {
	type outcome struct {
		result *ParseResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := parser.Parse(ctx, data, name)
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("parser %s timed out: %w", parser.Name(), ctx.Err())
	case out := <-done:
		return out.result, out.err
	}
}
