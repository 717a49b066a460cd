// Package mcp exposes the containerization pipeline as MCP tools over
// the stdio transport, using the official go-sdk.
package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/workflow"
)

// Runner executes a session's pipeline. *workflow.Coordinator satisfies
// it.
type Runner interface {
	Run(ctx context.Context, sessionID, token string) (*workflow.Result, error)
}

// Scrubber redacts secrets from tool output. *secrets.Scrubber
// satisfies it.
type Scrubber interface {
	Scrub(content string) string
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: container-assist).
	Name string

	// Version is the server version (default: dev).
	Version string

	// Defaults seeds per-run parameters for tool-started workflows.
	Defaults workflow.RunConfig
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "container-assist"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return c
}

// Options wires a Server's collaborators.
type Options struct {
	Config   Config
	Sessions *workflow.SessionManager
	Runner   Runner
	Analyzer workflow.Analyzer

	// Dockerfiles samples Dockerfile candidates for the standalone
	// generate_dockerfile tool.
	Dockerfiles workflow.Sampler

	Store    *resources.Store
	Scrubber Scrubber
	Logger   *zap.Logger
}

// Server bridges MCP tool calls to the workflow services.
type Server struct {
	mcp         *mcp.Server
	config      Config
	sessions    *workflow.SessionManager
	runner      Runner
	analyzer    workflow.Analyzer
	dockerfiles workflow.Sampler
	store       *resources.Store
	scrubber    Scrubber
	metrics     *Metrics
	logger      *zap.Logger
}

// NewServer creates the MCP server and registers all tools.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Sessions == nil:
		return nil, errors.New("session manager is required")
	case opts.Runner == nil:
		return nil, errors.New("workflow runner is required")
	case opts.Analyzer == nil:
		return nil, errors.New("analyzer is required")
	case opts.Dockerfiles == nil:
		return nil, errors.New("dockerfile sampler is required")
	case opts.Store == nil:
		return nil, errors.New("resource store is required")
	case opts.Scrubber == nil:
		return nil, errors.New("scrubber is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config.withDefaults()

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:         mcpServer,
		config:      cfg,
		sessions:    opts.Sessions,
		runner:      opts.Runner,
		analyzer:    opts.Analyzer,
		dockerfiles: opts.Dockerfiles,
		store:       opts.Store,
		scrubber:    opts.Scrubber,
		metrics:     NewMetrics(logger),
		logger:      logger,
	}
	s.registerTools()

	return s, nil
}

// Run serves tool calls on the stdio transport until the context is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport",
		zap.String("name", s.config.Name),
		zap.String("version", s.config.Version))

	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp server run failed: %w", err)
	}
	return nil
}
