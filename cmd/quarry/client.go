package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quarrydocs/quarry/pkg/httpclient"
	"github.com/quarrydocs/quarry/pkg/registry"
	"github.com/quarrydocs/quarry/pkg/retrieval"
)

// gatewayClient is the thin HTTP client behind the one-shot commands.
type gatewayClient struct {
	base   string
	client *httpclient.Client
}

func newGatewayClient(server string) *gatewayClient {
	return &gatewayClient{
		base: strings.TrimRight(server, "/"),
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 5 * time.Minute}),
		),
	}
}

// do sends the request and decodes the JSON response into out. Non-2xx
// responses surface the gateway's detail message.
func (c *gatewayClient) do(ctx context.Context, req *http.Request, out any) error {
	resp, err := c.client.DoWithContext(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &errBody) == nil && errBody.Detail != "" {
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, errBody.Detail)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// IngestCmd uploads files to a running gateway and reports the terminal
// status of each.
type IngestCmd struct {
	Paths []string `arg:"" name:"path" help:"Files to ingest." type:"existingfile"`

	Server           string `help:"Gateway base URL." default:"http://localhost:8000"`
	ParserPreference string `name:"parser" help:"Pin one parser: auto, fast, ocr, image_model."`
	ChunkingStrategy string `name:"chunking" help:"Chunking strategy: precise, balanced, comprehensive."`
}

func (c *IngestCmd) Run(cli *CLI) error {
	client := newGatewayClient(c.Server)
	ctx := context.Background()

	var failed int
	for _, path := range c.Paths {
		rec, err := c.uploadOne(ctx, client, path)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s: %s (document_id=%s, chunks=%d, images=%d)\n",
			path, rec.Status, rec.DocumentID, rec.ChunksCreated, rec.ImagesStored)
		if rec.Status == registry.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(c.Paths))
	}
	return nil
}

func (c *IngestCmd) uploadOne(ctx context.Context, client *gatewayClient, path string) (*registry.DocumentRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if c.ParserPreference != "" {
		if err := mw.WriteField("parser_preference", c.ParserPreference); err != nil {
			return nil, err
		}
	}
	if c.ChunkingStrategy != "" {
		if err := mw.WriteField("chunking_strategy", c.ChunkingStrategy); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.base+"/documents", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var rec registry.DocumentRecord
	if err := client.do(ctx, req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// QueryCmd asks one question against a running gateway and prints the
// cited answer.
type QueryCmd struct {
	Question string `arg:"" help:"The question to ask."`

	Server     string   `help:"Gateway base URL." default:"http://localhost:8000"`
	K          int      `help:"Number of chunks to ground the answer on."`
	SearchMode string   `name:"mode" help:"Search mode: semantic, keyword, hybrid."`
	Agentic    bool     `help:"Decompose the question into sub-questions first."`
	DocumentID string   `name:"document" help:"Restrict retrieval to one document."`
	Sources    []string `help:"Restrict retrieval to the named source files."`
	JSON       bool     `help:"Print the raw JSON response."`
}

func (c *QueryCmd) Run(cli *CLI) error {
	payload := map[string]any{"question": c.Question}
	if c.K > 0 {
		payload["k"] = c.K
	}
	if c.SearchMode != "" {
		payload["search_mode"] = c.SearchMode
	}
	if c.Agentic {
		payload["use_agentic_rag"] = true
	}
	if c.DocumentID != "" {
		payload["document_id"] = c.DocumentID
	}
	if len(c.Sources) > 0 {
		payload["active_sources"] = c.Sources
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx := context.Background()
	client := newGatewayClient(c.Server)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.base+"/query", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var answer retrieval.Answer
	if err := client.do(ctx, req, &answer); err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}

	fmt.Println(answer.Answer)
	if len(answer.Sources) > 0 {
		fmt.Printf("\nSources: %s\n", strings.Join(answer.Sources, ", "))
	}
	for _, cit := range answer.Citations {
		fmt.Printf("  [%d] %s p.%d: %s\n", cit.ID, cit.SourceName, cit.Page, cit.Snippet)
	}
	for _, warning := range answer.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	return nil
}
