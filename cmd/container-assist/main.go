// Container-assist turns a repository into a running deployment: it
// analyzes the code, samples and scores Dockerfile and manifest
// candidates, builds and scans the image, remediates scan failures, and
// deploys and verifies the workload.
//
// Usage:
//
//	# Run the full pipeline against a repository
//	container-assist run ./my-service --target-env staging --tui
//
//	# Serve the HTTP API
//	container-assist serve --http
//
//	# Serve MCP tools on stdio
//	container-assist serve --mcp
//
// Configuration is loaded from ~/.config/container-assist/config.yaml
// and overridden by environment variables (SERVER_HTTP_PORT,
// GENERATE_BASE_URL, ...). See internal/config for details.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gambtho/container-assist/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag value; empty uses the default path.
var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "container-assist",
	Short: "Containerization and deployment pipeline",
	Long: `container-assist drives a repository through analysis, Dockerfile
generation, image build, vulnerability scan, remediation, manifest
generation, deployment, and verification.

Generation stages sample several candidates, score them with
deterministic structural rules, and keep the winner.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Best-effort; loading falls back to defaults without it.
		_ = config.EnsureConfigDir()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/container-assist/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
