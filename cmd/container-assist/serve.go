package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/config"
	"github.com/gambtho/container-assist/internal/mcp"
	"github.com/gambtho/container-assist/internal/server"
)

var (
	serveHTTP bool
	serveMCP  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pipeline over HTTP or MCP",
	Long: `Serve exposes the pipeline to remote callers.

HTTP mode runs the REST API: sessions, runs, resources, health, and
Prometheus metrics. MCP mode speaks the Model Context Protocol on
stdio for agent integration.

Examples:
  # Serve the HTTP API on the configured port
  container-assist serve --http

  # Serve MCP tools on stdio
  container-assist serve --mcp`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveHTTP, "http", false, "serve the HTTP API (default)")
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "serve MCP tools on stdio")
}

func serve(ctx context.Context) error {
	if serveHTTP && serveMCP {
		return errors.New("--http and --mcp are mutually exclusive")
	}
	if !serveHTTP && !serveMCP {
		serveHTTP = true
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serveMCP {
		// stdout carries the MCP protocol; logs move to stderr.
		cfg.Logging.Output.Stdout = false
		cfg.Logging.Output.Stderr = true
	}

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	log, err := initLogger(cfg, tel)
	if err != nil {
		shutdownTelemetry(tel, nil)
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()
	logger := log.Underlying()
	defer shutdownTelemetry(tel, logger)

	logger.Info("starting container-assist",
		zap.String("version", version),
		zap.Bool("telemetry", tel.IsEnabled()))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	svcs, err := initServices(cfg, deps, cfg.Workflow.TargetEnvironment, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info("services initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.Bool("knowledge_base", deps.knowledge != nil),
		zap.String("target_env", cfg.Workflow.TargetEnvironment))

	if serveMCP {
		return serveStdio(ctx, cfg, deps, svcs, logger)
	}

	srv, err := server.NewServer(server.Options{
		Config: server.Config{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Defaults:        runDefaults(cfg),
		},
		Sessions: deps.sessions,
		Runner:   svcs.coordinator,
		Store:    deps.store,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

// serveStdio runs the MCP server until the context is cancelled or the
// client disconnects.
func serveStdio(ctx context.Context, cfg *config.Config, deps *dependencies, svcs *services, logger *zap.Logger) error {
	srv, err := mcp.NewServer(mcp.Options{
		Config: mcp.Config{
			Name:     "container-assist",
			Version:  version,
			Defaults: runDefaults(cfg),
		},
		Sessions:    deps.sessions,
		Runner:      svcs.coordinator,
		Analyzer:    deps.analyzer,
		Dockerfiles: svcs.dockerfiles,
		Store:       deps.store,
		Scrubber:    deps.scrubber,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	fmt.Fprintln(os.Stderr, "container-assist MCP server listening on stdio")
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	logger.Info("mcp server shutdown complete")
	return nil
}
