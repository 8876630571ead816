package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrydocs/quarry/pkg/blob"
	"github.com/quarrydocs/quarry/pkg/config"
	"github.com/quarrydocs/quarry/pkg/embedders"
	"github.com/quarrydocs/quarry/pkg/gateway"
	"github.com/quarrydocs/quarry/pkg/ingest"
	"github.com/quarrydocs/quarry/pkg/llms"
	"github.com/quarrydocs/quarry/pkg/mcpserver"
	"github.com/quarrydocs/quarry/pkg/registry"
	"github.com/quarrydocs/quarry/pkg/retrieval"
	"github.com/quarrydocs/quarry/pkg/store"
)

// runtime holds every long-lived component a serving process needs.
type runtime struct {
	cfg     *config.Config
	service *gateway.Service

	reg      *registry.Registry
	docs     store.Store
	embedder embedders.Provider
	gen      llms.Generator
}

// buildRuntime opens the registry, the store and both provider clients,
// ensures the indices exist and wires the workers behind a gateway
// service.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	registryDir := filepath.Join(cfg.Storage.DataDir, "registry")
	if err := os.MkdirAll(registryDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	reg, err := registry.Open(registryDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	blobs, err := blob.NewStore(filepath.Join(cfg.Storage.DataDir, "blobs"))
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	docs, degraded, err := store.Open(ctx, &cfg.Storage)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	if degraded {
		slog.Warn("configured backend unreachable, running on the local store",
			"backend", cfg.Storage.Backend)
	}

	embedder, err := embedders.New(&cfg.Embedder)
	if err != nil {
		reg.Close()
		docs.Close()
		return nil, fmt.Errorf("failed to build embedder: %w", err)
	}

	gen, err := llms.New(&cfg.Generator)
	if err != nil {
		reg.Close()
		docs.Close()
		embedder.Close()
		return nil, fmt.Errorf("failed to build generator: %w", err)
	}

	rt := &runtime{cfg: cfg, reg: reg, docs: docs, embedder: embedder, gen: gen}
	for _, index := range []string{cfg.Storage.TextIndex, cfg.Storage.ImagesIndex} {
		if err := docs.EnsureIndex(ctx, index, embedder.Dimension()); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to ensure index %s: %w", index, err)
		}
	}

	ingester := ingest.NewWorker(&cfg.Ingestion, &cfg.Storage, reg, blobs, docs, embedder)
	retriever, err := retrieval.NewWorker(&cfg.Retrieval, &cfg.Storage, reg, docs, embedder, gen)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build retrieval worker: %w", err)
	}

	rt.service = gateway.NewService(cfg, reg, blobs, docs, ingester, retriever, degraded)
	return rt, nil
}

// Close releases everything buildRuntime opened.
func (rt *runtime) Close() {
	if rt.gen != nil {
		rt.gen.Close()
	}
	if rt.embedder != nil {
		rt.embedder.Close()
	}
	if rt.docs != nil {
		rt.docs.Close()
	}
	if rt.reg != nil {
		rt.reg.Close()
	}
}

// ServeCmd starts the gateway HTTP server, optionally with the MCP
// streamable-HTTP transport on its own port.
type ServeCmd struct {
	Host    string `help:"Override the configured bind host."`
	Port    int    `help:"Override the configured port."`
	MCPPort int    `name:"mcp-port" help:"Also serve MCP over streamable HTTP at /mcp on this port (0 = off)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.NewServer(&cfg.Server, rt.service).Start(gctx)
	})
	if c.MCPPort > 0 {
		g.Go(func() error {
			return serveMCPHTTP(gctx, rt.service, c.MCPPort)
		})
	}
	return g.Wait()
}

// serveMCPHTTP mounts the MCP streamable-HTTP transport at /mcp with a
// plain health probe next to it.
func serveMCPHTTP(ctx context.Context, service *gateway.Service, port int) error {
	mcpSrv := mcpserver.New(service, buildVersion())

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpSrv.HTTPHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcp transport listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// MCPCmd serves the MCP tool surface on stdio for agent hosts that spawn
// their tool servers as subprocesses.
type MCPCmd struct{}

func (c *MCPCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Stdout belongs to the protocol; logs already go to stderr.
	return mcpserver.New(rt.service, buildVersion()).ServeStdio()
}
