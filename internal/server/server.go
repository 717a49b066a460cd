// Package server exposes the containerization pipeline over HTTP: an
// API to start and inspect workflows, artifact read-through from the
// resource store, health, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/analyze"
	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/workflow"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/server"

// Runner executes a session's pipeline. *workflow.Coordinator satisfies
// it; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, sessionID, token string) (*workflow.Result, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration

	// Defaults seeds per-run parameters; request fields override them.
	Defaults workflow.RunConfig
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Options wires a Server's collaborators.
type Options struct {
	Config   Config
	Sessions *workflow.SessionManager
	Runner   Runner
	Store    *resources.Store
	Logger   *zap.Logger
}

// Server is the HTTP front end. Workflow runs it starts are detached
// from the request: the response returns immediately and progress is
// polled via GET.
type Server struct {
	config   Config
	echo     *echo.Echo
	sessions *workflow.SessionManager
	runner   Runner
	store    *resources.Store
	logger   *zap.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Sessions == nil:
		return nil, errors.New("session manager is required")
	case opts.Runner == nil:
		return nil, errors.New("workflow runner is required")
	case opts.Store == nil:
		return nil, errors.New("resource store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	e.Use(NewHTTPMetrics(logger).Middleware())

	s := &Server{
		config:   opts.Config.withDefaults(),
		echo:     e,
		sessions: opts.Sessions,
		runner:   opts.Runner,
		store:    opts.Store,
		logger:   logger,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/workflows", s.handleStartWorkflow)
	v1.GET("/workflows", s.handleListWorkflows)
	v1.GET("/workflows/:id", s.handleGetWorkflow)
	v1.GET("/workflows/:id/artifacts", s.handleListArtifacts)
	v1.GET("/workflows/:id/artifacts/:name", s.handleReadArtifact)
	v1.GET("/status", s.handleStatus)
}

// requestLogger logs one line per request with the request id assigned
// by the RequestID middleware.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "container-assist",
	})
}

// StartWorkflowRequest is the body for POST /api/v1/workflows.
type StartWorkflowRequest struct {
	RepoPath              string            `json:"repo_path"`
	TargetEnvironment     string            `json:"target_environment,omitempty"`
	ProgressToken         string            `json:"progress_token,omitempty"`
	MaxCandidates         int               `json:"max_candidates,omitempty"`
	MaxVulnerabilityLevel string            `json:"max_vulnerability_level,omitempty"`
	AutoRemediate         bool              `json:"auto_remediate,omitempty"`
	DeploymentStrategy    string            `json:"deployment_strategy,omitempty"`
	Labels                map[string]string `json:"labels,omitempty"`
}

// StartWorkflowResponse is the body for POST /api/v1/workflows.
type StartWorkflowResponse struct {
	SessionID string                 `json:"session_id"`
	Status    workflow.SessionStatus `json:"status"`
}

func (s *Server) handleStartWorkflow(c echo.Context) error {
	var req StartWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RepoPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "repo_path is required")
	}
	if info, err := os.Stat(req.RepoPath); err != nil || !info.IsDir() {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("repo_path %s is not a directory", req.RepoPath))
	}

	cfg := s.config.Defaults
	if req.TargetEnvironment != "" {
		cfg.TargetEnvironment = req.TargetEnvironment
	}
	if req.MaxCandidates > 0 {
		cfg.MaxCandidates = req.MaxCandidates
	}
	if req.MaxVulnerabilityLevel != "" {
		cfg.MaxVulnerabilityLevel = req.MaxVulnerabilityLevel
	}
	if req.DeploymentStrategy != "" {
		cfg.DeploymentStrategy = req.DeploymentStrategy
	}
	if req.AutoRemediate {
		cfg.EnableAutoRemediation = true
	}

	sess, err := s.sessions.Create(c.Request().Context(), analyze.GitMetadata(req.RepoPath), cfg)
	if err != nil {
		if errors.Is(err, workflow.ErrSessionLimit) {
			return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(req.Labels) > 0 {
		sess, err = s.sessions.Update(sess.ID, func(live *workflow.Session) error {
			live.Labels = req.Labels
			return nil
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	// The run outlives the request; failures land in session state and
	// the log.
	token := req.ProgressToken
	go func() {
		if _, err := s.runner.Run(context.Background(), sess.ID, token); err != nil {
			s.logger.Warn("workflow run failed",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}()

	return c.JSON(http.StatusAccepted, StartWorkflowResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
	})
}

// WorkflowSummary is one row in GET /api/v1/workflows.
type WorkflowSummary struct {
	ID           string                 `json:"id"`
	RepoPath     string                 `json:"repo_path"`
	Status       workflow.SessionStatus `json:"status"`
	CurrentStage workflow.Stage         `json:"current_stage,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	sessions := s.sessions.List()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	out := make([]WorkflowSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, WorkflowSummary{
			ID:           sess.ID,
			RepoPath:     sess.Repository.Path,
			Status:       sess.Status,
			CurrentStage: sess.State.CurrentStage,
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sess)
}

// ArtifactRef is one row in GET /api/v1/workflows/:id/artifacts.
type ArtifactRef struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

func (s *Server) handleListArtifacts(c echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]ArtifactRef, 0, len(sess.State.Artifacts))
	for name, uri := range sess.State.Artifacts {
		out = append(out, ArtifactRef{Name: name, URI: uri})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleReadArtifact(c echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	name := c.Param("name")
	uri, ok := sess.State.Artifacts[name]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound,
			fmt.Sprintf("session has no artifact %s", name))
	}

	res, err := s.store.Read(c.Request().Context(), uri)
	if err != nil {
		if errors.Is(err, resources.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound,
				fmt.Sprintf("artifact %s expired or was invalidated", name))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.Blob(http.StatusOK, res.MimeType, res.Content)
}

// StatusResponse is the body for GET /api/v1/status.
type StatusResponse struct {
	Sessions  workflow.SessionStats `json:"sessions"`
	Resources resources.Stats       `json:"resources"`
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Sessions:  s.sessions.Stats(),
		Resources: s.store.Stats(),
	})
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully. Returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}
