package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// DocxParser extracts the text of a Word document. Word has no page
// layer at parse time, so everything lands on one page-equivalent.
type DocxParser struct{}

func (p *DocxParser) Name() string { return ParserDOCX }

func (p *DocxParser) Parse(ctx context.Context, data []byte, name string) (*ParseResult, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse docx: %w", err)
	}
	defer doc.Close()

	content := doc.Editable().GetContent()
	text := stripDocxTags(content)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("docx has no text content")
	}

	return &ParseResult{Pages: []Page{{Number: 1, Text: text}}}, nil
}

// stripDocxTags removes the WordprocessingML markup GetContent leaves
// in, keeping paragraph breaks.
func stripDocxTags(content string) string {
	var b strings.Builder
	inTag := false
	for _, r := range content {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// XlsxParser flattens each sheet to cell-reference lines, one sheet
// per page-equivalent.
type XlsxParser struct{}

func (p *XlsxParser) Name() string { return ParserXLSX }

func (p *XlsxParser) Parse(ctx context.Context, data []byte, name string) (*ParseResult, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse xlsx: %w", err)
	}
	defer f.Close()

	result := &ParseResult{}
	for sheetIdx, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}

		var sheet strings.Builder
		sheet.WriteString(fmt.Sprintf("Sheet: %s\n", sheetName))
		cells := 0
		for rowIdx, row := range rows {
			for colIdx, cell := range row {
				if cells >= 1000 {
					break
				}
				if text := strings.TrimSpace(cell); text != "" {
					ref, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+1)
					sheet.WriteString(fmt.Sprintf("%s: %s\n", ref, text))
					cells++
				}
			}
		}
		result.Pages = append(result.Pages, Page{Number: sheetIdx + 1, Text: sheet.String()})
	}

	if result.TotalTextLen() == 0 {
		return nil, fmt.Errorf("xlsx has no cell content")
	}
	return result, nil
}

// TextParser handles plain text and markdown.
type TextParser struct{}

func (p *TextParser) Name() string { return ParserText }

func (p *TextParser) Parse(ctx context.Context, data []byte, name string) (*ParseResult, error) {
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("file is empty")
	}
	return &ParseResult{Pages: []Page{{Number: 1, Text: text}}}, nil
}

var (
	_ Parser = (*DocxParser)(nil)
	_ Parser = (*XlsxParser)(nil)
	_ Parser = (*TextParser)(nil)
)
