// Command quarry runs the document QA platform.
//
// Usage:
//
//	quarry serve --config quarry.yaml
//	quarry mcp --config quarry.yaml
//	quarry ingest report.pdf --server http://localhost:8000
//	quarry query "what is the enclosure tolerance?"
//	quarry validate --config quarry.yaml
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/quarrydocs/quarry/pkg/config"
)

const (
	exitInitError     = 1
	exitInvalidConfig = 2
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the gateway HTTP server."`
	MCP      MCPCmd      `cmd:"" name:"mcp" help:"Serve the MCP tool surface on stdio."`
	Ingest   IngestCmd   `cmd:"" help:"Upload files to a running gateway."`
	Query    QueryCmd    `cmd:"" help:"Ask a question against a running gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text, json)." default:"text"`
}

// loadConfig resolves the effective configuration: the --config file when
// given, built-in defaults otherwise.
func (cli *CLI) loadConfig() (*config.Config, error) {
	if cli.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, &configError{err: err}
	}
	return cfg, nil
}

// configError marks a bad configuration file so main can exit with the
// dedicated status code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("quarry %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// ValidateCmd checks a configuration file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return &configError{err: fmt.Errorf("--config is required for validate")}
	}
	if _, err := cli.loadConfig(); err != nil {
		return err
	}
	fmt.Printf("%s: configuration is valid\n", cli.Config)
	return nil
}

func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q (valid: text, json)", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func main() {
	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("quarry"),
		kong.Description("Document QA platform: ingestion, hybrid retrieval and cited answers."),
		kong.UsageOnError(),
	)

	if err := setupLogging(cli.LogLevel, cli.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalidConfig)
	}

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			os.Exit(exitInvalidConfig)
		}
		os.Exit(exitInitError)
	}
}
