package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/quarrydocs/quarry/pkg/config"
	"github.com/quarrydocs/quarry/pkg/httpclient"
	"github.com/quarrydocs/quarry/pkg/registry"
)

// remoteParser sends the raw document to the OCR service and maps its
// response back to pages. Two endpoints share one wire format: /v1/ocr
// runs the OCR engine, /v1/vision runs the image-model pipeline for
// PDFs the OCR engine cannot handle.
type remoteParser struct {
	name     string
	endpoint string
	apiKey   string
	client   *httpclient.Client
}

// NewOCRParser creates the OCR-capable parser.
func NewOCRParser(cfg *config.OCRConfig) Parser {
	return newRemoteParser(ParserPDFOCR, cfg, "/v1/ocr")
}

// NewImageModelParser creates the image-model parser, the last resort
// for scanned documents.
func NewImageModelParser(cfg *config.OCRConfig) Parser {
	return newRemoteParser(ParserPDFImageModel, cfg, "/v1/vision")
}

func newRemoteParser(name string, cfg *config.OCRConfig, path string) *remoteParser {
	return &remoteParser{
		name:     name,
		endpoint: cfg.URL + path,
		apiKey:   cfg.APIKey,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
		),
	}
}

type remoteParseRequest struct {
	Name string `json:"name"`
	Data string `json:"data"` // base64
}

type remoteParseResponse struct {
	Pages []struct {
		Page   int    `json:"page"`
		Text   string `json:"text"`
		Images []struct {
			Data    string `json:"data"` // base64
			Ext     string `json:"ext"`
			OCRText string `json:"ocr_text"`
		} `json:"images"`
	} `json:"pages"`
	PageCount      int    `json:"page_count"`
	ImagesDetected bool   `json:"images_detected"`
	Detail         string `json:"detail"`
}

func (p *remoteParser) Name() string { return p.name }

func (p *remoteParser) Parse(ctx context.Context, data []byte, name string) (*ParseResult, error) {
	if p.endpoint == "/v1/ocr" || p.endpoint == "/v1/vision" {
		return nil, fmt.Errorf("%s parser not configured (ingestion.ocr.url is empty)", p.name)
	}

	reqBody, err := json.Marshal(remoteParseRequest{
		Name: name,
		Data: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", p.name, err)
	}

	var response remoteParseResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		if response.Detail != "" {
			return nil, fmt.Errorf("%s service error: %s", p.name, response.Detail)
		}
		return nil, fmt.Errorf("%s service returned status %d", p.name, resp.StatusCode)
	}

	result := &ParseResult{
		Pages:          make([]Page, 0, len(response.Pages)),
		ImagesDetected: response.ImagesDetected,
	}
	if response.PageCount > 0 {
		result.PDF = &registry.PDFMetadata{PageCount: response.PageCount}
	}

	for _, page := range response.Pages {
		out := Page{Number: page.Page, Text: page.Text}
		for _, img := range page.Images {
			raw, err := base64.StdEncoding.DecodeString(img.Data)
			if err != nil {
				continue
			}
			ext := img.Ext
			if ext == "" {
				ext = ".png"
			}
			out.Images = append(out.Images, ExtractedImage{
				Data:    raw,
				Ext:     ext,
				OCRText: img.OCRText,
			})
			result.ImagesDetected = true
		}
		result.Pages = append(result.Pages, out)
	}
	return result, nil
}

var _ Parser = (*remoteParser)(nil)
