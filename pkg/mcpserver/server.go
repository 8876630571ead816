// Package mcpserver exposes the gateway to autonomous agents over the
// Model Context Protocol. Every tool delegates to the same gateway
// service the REST surface uses.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/quarrydocs/quarry/pkg/gateway"
	"github.com/quarrydocs/quarry/pkg/ingest"
	"github.com/quarrydocs/quarry/pkg/retrieval"
)

// Server wraps the MCP protocol server around the gateway service.
type Server struct {
	service *gateway.Service
	mcp     *server.MCPServer
}

// New builds the MCP server and registers the tool surface.
func New(service *gateway.Service, version string) *Server {
	s := &Server{
		service: service,
		mcp: server.NewMCPServer(
			"quarry",
			version,
			server.WithToolCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving the stdio transport.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// HTTPHandler returns the streamable-HTTP transport handler, mounted by
// the caller.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("search_knowledge_base",
		mcp.WithDescription("Answer a question from the ingested document corpus. Returns a generated answer with [n] citations grounding every claim in a source document, plus the matching chunks. Use for any question about document content."),
		mcp.WithString("question", mcp.Required(), mcp.Description("The natural-language question to answer")),
		mcp.WithNumber("k", mcp.Description("Number of chunks to ground the answer on (default: 6)")),
		mcp.WithString("search_mode", mcp.Description("One of semantic, keyword, hybrid (default: hybrid)")),
		mcp.WithString("document_id", mcp.Description("Restrict retrieval to one document")),
		mcp.WithString("source", mcp.Description("Restrict retrieval to one source file name")),
		mcp.WithBoolean("use_agentic_rag", mcp.Description("Decompose the question into sub-questions before retrieval")),
	), s.handleSearch)

	s.mcp.AddTool(mcp.NewTool("ingest_document",
		mcp.WithDescription("Ingest a document into the knowledge base: parse, chunk, embed and index it. Accepts either a filesystem path or a base64-encoded payload with a file name. Returns the final document record including its status."),
		mcp.WithString("path", mcp.Description("Filesystem path of the file to ingest")),
		mcp.WithString("name", mcp.Description("File name when passing content_base64")),
		mcp.WithString("content_base64", mcp.Description("Base64-encoded file content, used instead of path")),
		mcp.WithString("parser_preference", mcp.Description("Pin one parser: auto, fast, ocr, image_model (default: auto)")),
		mcp.WithString("chunking_strategy", mcp.Description("One of precise, balanced, comprehensive (default: balanced)")),
	), s.handleIngest)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List every document in the knowledge base with its status, chunk and image counts."),
	), s.handleList)

	s.mcp.AddTool(mcp.NewTool("get_document_status",
		mcp.WithDescription("Get the full record of one document: processing status, parser used, per-stage durations, chunk and image counts, and any error."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("The document to inspect")),
	), s.handleStatus)

	s.mcp.AddTool(mcp.NewTool("delete_document",
		mcp.WithDescription("Delete a document and all of its indexed chunks and images. Irreversible."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("The document to delete")),
	), s.handleDelete)

	s.mcp.AddTool(mcp.NewTool("manage_index",
		mcp.WithDescription("Index maintenance. Actions: storage_status (compare registry counts with the store), reingest_images (re-extract and replace a document's image records)."),
		mcp.WithString("action", mcp.Required(), mcp.Description("One of storage_status, reingest_images")),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("The document to operate on")),
	), s.handleManageIndex)

	s.mcp.AddTool(mcp.NewTool("get_system_stats",
		mcp.WithDescription("Corpus-wide statistics: document counts by status, stored record counts per index, and the active storage backend."),
	), s.handleStats)
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	question := stringArg(args, "question")
	if question == "" {
		return mcp.NewToolResultError("question is required"), nil
	}

	opts := retrieval.Options{
		K:             intArg(args, "k"),
		SearchMode:    stringArg(args, "search_mode"),
		UseAgenticRAG: boolArg(args, "use_agentic_rag"),
		DocumentID:    stringArg(args, "document_id"),
	}
	if source := stringArg(args, "source"); source != "" {
		opts.ActiveSources = []string{source}
	}

	answer, err := s.service.Query(ctx, question, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return jsonResult(answer)
}

func (s *Server) handleIngest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	var data []byte
	var name string
	switch {
	case stringArg(args, "path") != "":
		path := stringArg(args, "path")
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read %s: %v", path, err)), nil
		}
		name = filepath.Base(path)
	case stringArg(args, "content_base64") != "":
		name = stringArg(args, "name")
		if name == "" {
			return mcp.NewToolResultError("name is required with content_base64"), nil
		}
		var err error
		data, err = base64.StdEncoding.DecodeString(stringArg(args, "content_base64"))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid base64 content: %v", err)), nil
		}
	default:
		return mcp.NewToolResultError("either path or content_base64 is required"), nil
	}

	rec, err := s.service.UploadDocument(ctx, data, name, ingest.Options{
		ParserPreference: stringArg(args, "parser_preference"),
		ChunkingStrategy: stringArg(args, "chunking_strategy"),
		Source:           "mcp",
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ingest failed: %v", err)), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records := s.service.ListDocuments()
	return jsonResult(map[string]any{
		"documents": records,
		"total":     len(records),
	})
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(request.GetArguments(), "document_id")
	if id == "" {
		return mcp.NewToolResultError("document_id is required"), nil
	}
	rec, err := s.service.GetDocument(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(request.GetArguments(), "document_id")
	if id == "" {
		return mcp.NewToolResultError("document_id is required"), nil
	}
	if err := s.service.DeleteDocument(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", err)), nil
	}
	slog.Info("document deleted via MCP", "document_id", id)
	return jsonResult(map[string]string{"status": "deleted", "document_id": id})
}

func (s *Server) handleManageIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id := stringArg(args, "document_id")
	if id == "" {
		return mcp.NewToolResultError("document_id is required"), nil
	}

	switch action := stringArg(args, "action"); action {
	case "storage_status":
		status, err := s.service.GetStorageStatus(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("storage status failed: %v", err)), nil
		}
		return jsonResult(status)
	case "reingest_images":
		rec, err := s.service.ReingestImages(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("re-ingest failed: %v", err)), nil
		}
		return jsonResult(rec)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q (valid: storage_status, reingest_images)", action)), nil
	}
}

func (s *Server) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.service.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", err)), nil
	}
	return jsonResult(stats)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

func boolArg(args map[string]any, key string) bool {
	v, ok := args[key].(bool)
	return ok && v
}
