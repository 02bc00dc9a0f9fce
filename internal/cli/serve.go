package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the gated tool catalog over MCP stdio",
	Long: `Start the engine and serve the catalog as an MCP server on stdin/stdout.
Every tools/call runs through the pipeline as the configured gateway actor.
Logs go to the log file, or to stderr with --log-level.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.GetLogger().Close() }()

	if err := d.Start(); err != nil {
		_ = d.Close()
		return fmt.Errorf("failed to start: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := d.Serve(ctx, &mcp.StdioTransport{})
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	if err := d.Stop(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}
