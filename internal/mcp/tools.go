package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/analyze"
	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/sampling"
	"github.com/gambtho/container-assist/internal/workflow"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "containerize",
		Description: "Run the full containerization pipeline on a repository: analyze, generate a Dockerfile, build, scan, generate manifests, deploy, and verify",
	}, s.containerize)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "analyze_repo",
		Description: "Analyze a repository and report its language, framework, build system, entrypoint, ports, and dependencies",
	}, s.analyzeRepo)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "generate_dockerfile",
		Description: "Generate and score Dockerfile candidates for a repository and return the best one, without running the rest of the pipeline",
	}, s.generateDockerfile)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_status",
		Description: "Report the current state of a containerization workflow session",
	}, s.workflowStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "artifact_read",
		Description: "Read a workflow artifact (Dockerfile, analysis, scan report, manifests) from the resource cache",
	}, s.artifactRead)
}

func validateRepoPath(path string) error {
	if path == "" {
		return errors.New("repo_path is required")
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("repo_path %s is not a directory", path)
	}
	return nil
}

func stageNames(stages []workflow.Stage) []string {
	if len(stages) == 0 {
		return nil
	}
	out := make([]string, len(stages))
	for i, st := range stages {
		out[i] = string(st)
	}
	return out
}

func errorMessages(errs []workflow.WorkflowError) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i := range errs {
		out[i] = errs[i].Error()
	}
	return out
}

// ===== CONTAINERIZE =====

type containerizeInput struct {
	RepoPath              string `json:"repo_path" jsonschema:"required,Path to the repository to containerize"`
	TargetEnvironment     string `json:"target_environment,omitempty" jsonschema:"Deployment target environment (dev staging or prod)"`
	ProgressToken         string `json:"progress_token,omitempty" jsonschema:"Token correlating progress events published during the run"`
	MaxCandidates         int    `json:"max_candidates,omitempty" jsonschema:"Candidates sampled per generation stage"`
	MaxVulnerabilityLevel string `json:"max_vulnerability_level,omitempty" jsonschema:"Worst severity the scan gate tolerates (critical high medium or low)"`
	AutoRemediate         bool   `json:"auto_remediate,omitempty" jsonschema:"Attempt automatic remediation when the vulnerability scan fails"`
}

type containerizeOutput struct {
	SessionID       string            `json:"session_id" jsonschema:"Workflow session identifier"`
	Success         bool              `json:"success" jsonschema:"True when every stage completed or was skipped"`
	CompletedStages []string          `json:"completed_stages,omitempty" jsonschema:"Stages that finished successfully"`
	SkippedStages   []string          `json:"skipped_stages,omitempty" jsonschema:"Stages skipped by recovery policy"`
	FailedStages    []string          `json:"failed_stages,omitempty" jsonschema:"Stages that terminated the run"`
	Artifacts       map[string]string `json:"artifacts,omitempty" jsonschema:"Artifact name to resource URI"`
	Errors          []string          `json:"errors,omitempty" jsonschema:"Stage error history"`
	Duration        string            `json:"duration,omitempty" jsonschema:"Wall-clock run duration"`
}

func (s *Server) containerize(ctx context.Context, req *mcp.CallToolRequest, args containerizeInput) (*mcp.CallToolResult, containerizeOutput, error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, "containerize")
	var toolErr error
	defer func() {
		s.metrics.DecrementActive(ctx, "containerize")
		s.metrics.RecordInvocation(ctx, "containerize", time.Since(start), toolErr)
	}()

	if err := validateRepoPath(args.RepoPath); err != nil {
		toolErr = err
		return nil, containerizeOutput{}, err
	}

	cfg := s.config.Defaults
	if args.TargetEnvironment != "" {
		cfg.TargetEnvironment = args.TargetEnvironment
	}
	if args.MaxCandidates > 0 {
		cfg.MaxCandidates = args.MaxCandidates
	}
	if args.MaxVulnerabilityLevel != "" {
		cfg.MaxVulnerabilityLevel = args.MaxVulnerabilityLevel
	}
	if args.AutoRemediate {
		cfg.EnableAutoRemediation = true
	}

	sess, err := s.sessions.Create(ctx, analyze.GitMetadata(args.RepoPath), cfg)
	if err != nil {
		toolErr = fmt.Errorf("failed to create session: %w", err)
		return nil, containerizeOutput{}, toolErr
	}

	result, runErr := s.runner.Run(ctx, sess.ID, args.ProgressToken)
	if result == nil {
		toolErr = runErr
		return nil, containerizeOutput{}, runErr
	}

	// A run that failed partway is still a successful tool call; the
	// output carries the failure detail.
	out := containerizeOutput{
		SessionID:       result.SessionID,
		Success:         result.Success,
		CompletedStages: stageNames(result.CompletedStages),
		SkippedStages:   stageNames(result.SkippedStages),
		FailedStages:    stageNames(result.FailedStages),
		Artifacts:       result.Artifacts,
		Errors:          errorMessages(result.Errors),
		Duration:        result.Duration.Round(time.Millisecond).String(),
	}

	summary := fmt.Sprintf("Containerization succeeded: %d stages completed", len(result.CompletedStages))
	if !result.Success {
		summary = fmt.Sprintf("Containerization failed at %v after %d completed stages",
			result.FailedStages, len(result.CompletedStages))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summary},
		},
	}, out, nil
}

// ===== ANALYZE REPO =====

type analyzeRepoInput struct {
	RepoPath string `json:"repo_path" jsonschema:"required,Path to the repository to analyze"`
}

type analyzeRepoOutput struct {
	Language        string   `json:"language" jsonschema:"Primary language"`
	LanguageVersion string   `json:"language_version,omitempty" jsonschema:"Language version constraint from the build manifest"`
	Framework       string   `json:"framework,omitempty" jsonschema:"Detected web framework"`
	BuildSystem     string   `json:"build_system,omitempty" jsonschema:"Build system (go modules npm pip poetry maven gradle)"`
	Entrypoint      string   `json:"entrypoint,omitempty" jsonschema:"Application entrypoint relative to the repository root"`
	Ports           []int    `json:"ports,omitempty" jsonschema:"Ports the application listens on"`
	Dependencies    []string `json:"dependencies,omitempty" jsonschema:"Declared dependencies"`
	HasDockerfile   bool     `json:"has_dockerfile" jsonschema:"True when the repository already ships a Dockerfile"`
	Branch          string   `json:"branch,omitempty" jsonschema:"Checked-out git branch"`
	Commit          string   `json:"commit,omitempty" jsonschema:"HEAD commit hash"`
}

func (s *Server) analyzeRepo(ctx context.Context, req *mcp.CallToolRequest, args analyzeRepoInput) (*mcp.CallToolResult, analyzeRepoOutput, error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, "analyze_repo")
	var toolErr error
	defer func() {
		s.metrics.DecrementActive(ctx, "analyze_repo")
		s.metrics.RecordInvocation(ctx, "analyze_repo", time.Since(start), toolErr)
	}()

	if err := validateRepoPath(args.RepoPath); err != nil {
		toolErr = err
		return nil, analyzeRepoOutput{}, err
	}

	report, err := s.analyzer.Analyze(ctx, args.RepoPath)
	if err != nil {
		toolErr = fmt.Errorf("analysis failed: %w", err)
		return nil, analyzeRepoOutput{}, toolErr
	}
	repo := analyze.GitMetadata(args.RepoPath)

	out := analyzeRepoOutput{
		Language:        report.Language,
		LanguageVersion: report.LanguageVersion,
		Framework:       report.Framework,
		BuildSystem:     report.BuildSystem,
		Entrypoint:      report.Entrypoint,
		Ports:           report.Ports,
		Dependencies:    report.Dependencies,
		HasDockerfile:   report.HasDockerfile,
		Branch:          repo.Branch,
		Commit:          repo.Commit,
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Detected %s (%s)", report.Language, report.Framework)},
		},
	}, out, nil
}

// ===== GENERATE DOCKERFILE =====

type generateDockerfileInput struct {
	RepoPath          string `json:"repo_path" jsonschema:"required,Path to the repository"`
	TargetEnvironment string `json:"target_environment,omitempty" jsonschema:"Deployment target environment"`
	MaxCandidates     int    `json:"max_candidates,omitempty" jsonschema:"Candidates to sample before selecting (default 3)"`
}

type generateDockerfileOutput struct {
	Dockerfile  string             `json:"dockerfile" jsonschema:"Selected Dockerfile content"`
	Score       float64            `json:"score" jsonschema:"Weighted score of the winner (0-100)"`
	Rank        int                `json:"rank" jsonschema:"Rank among sampled candidates (1 = best)"`
	CandidateID string             `json:"candidate_id,omitempty" jsonschema:"Identifier of the winning candidate"`
	Breakdown   map[string]float64 `json:"breakdown,omitempty" jsonschema:"Raw per-criterion sub-scores"`
}

func (s *Server) generateDockerfile(ctx context.Context, req *mcp.CallToolRequest, args generateDockerfileInput) (*mcp.CallToolResult, generateDockerfileOutput, error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, "generate_dockerfile")
	var toolErr error
	defer func() {
		s.metrics.DecrementActive(ctx, "generate_dockerfile")
		s.metrics.RecordInvocation(ctx, "generate_dockerfile", time.Since(start), toolErr)
	}()

	if err := validateRepoPath(args.RepoPath); err != nil {
		toolErr = err
		return nil, generateDockerfileOutput{}, err
	}
	count := args.MaxCandidates
	if count <= 0 {
		count = 3
	}

	report, err := s.analyzer.Analyze(ctx, args.RepoPath)
	if err != nil {
		toolErr = fmt.Errorf("analysis failed: %w", err)
		return nil, generateDockerfileOutput{}, toolErr
	}

	gctx := sampling.GenerationContext{
		SessionID: "adhoc-" + uuid.NewString(),
		Stage:     string(workflow.StageDockerfile),
		RepoInfo:  report.RepoInfo(),
	}
	if args.TargetEnvironment != "" {
		gctx.Preferences = map[string]string{"target_environment": args.TargetEnvironment}
	}

	winner, err := s.dockerfiles.Sample(ctx, gctx, count, "")
	if err != nil {
		toolErr = fmt.Errorf("dockerfile sampling failed: %w", err)
		return nil, generateDockerfileOutput{}, toolErr
	}

	out := generateDockerfileOutput{
		Dockerfile:  s.scrubber.Scrub(winner.Content),
		Score:       winner.Score,
		Rank:        winner.Rank,
		CandidateID: winner.ID,
		Breakdown:   winner.Breakdown,
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Selected Dockerfile scored %.1f from %d candidates", winner.Score, count)},
		},
	}, out, nil
}

// ===== WORKFLOW STATUS =====

type workflowStatusInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Workflow session identifier"`
}

type workflowStatusOutput struct {
	SessionID       string            `json:"session_id" jsonschema:"Workflow session identifier"`
	RepoPath        string            `json:"repo_path" jsonschema:"Repository the session containerizes"`
	Status          string            `json:"status" jsonschema:"Session status (pending running completed or failed)"`
	CurrentStage    string            `json:"current_stage,omitempty" jsonschema:"Stage currently pending or running"`
	CompletedStages []string          `json:"completed_stages,omitempty" jsonschema:"Stages that finished successfully"`
	SkippedStages   []string          `json:"skipped_stages,omitempty" jsonschema:"Stages skipped by recovery policy"`
	FailedStages    []string          `json:"failed_stages,omitempty" jsonschema:"Stages whose last attempt failed"`
	RetryCounts     map[string]int    `json:"retry_counts,omitempty" jsonschema:"Retries consumed per in-flight stage"`
	Errors          []string          `json:"errors,omitempty" jsonschema:"Stage error history"`
	Artifacts       map[string]string `json:"artifacts,omitempty" jsonschema:"Artifact name to resource URI"`
}

func (s *Server) workflowStatus(ctx context.Context, req *mcp.CallToolRequest, args workflowStatusInput) (*mcp.CallToolResult, workflowStatusOutput, error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, "workflow_status")
	var toolErr error
	defer func() {
		s.metrics.DecrementActive(ctx, "workflow_status")
		s.metrics.RecordInvocation(ctx, "workflow_status", time.Since(start), toolErr)
	}()

	if args.SessionID == "" {
		toolErr = errors.New("session_id is required")
		return nil, workflowStatusOutput{}, toolErr
	}

	sess, err := s.sessions.Get(args.SessionID)
	if err != nil {
		toolErr = err
		return nil, workflowStatusOutput{}, err
	}

	var retries map[string]int
	if len(sess.State.RetryCounts) > 0 {
		retries = make(map[string]int, len(sess.State.RetryCounts))
		for stage, n := range sess.State.RetryCounts {
			retries[string(stage)] = n
		}
	}

	out := workflowStatusOutput{
		SessionID:       sess.ID,
		RepoPath:        sess.Repository.Path,
		Status:          string(sess.Status),
		CurrentStage:    string(sess.State.CurrentStage),
		CompletedStages: stageNames(sess.State.CompletedStages),
		SkippedStages:   stageNames(sess.State.SkippedStages),
		FailedStages:    stageNames(sess.State.FailedStages),
		RetryCounts:     retries,
		Errors:          errorMessages(sess.State.Errors),
		Artifacts:       sess.State.Artifacts,
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Session %s is %s", sess.ID, sess.Status)},
		},
	}, out, nil
}

// ===== ARTIFACT READ =====

type artifactReadInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Workflow session identifier"`
	Name      string `json:"name" jsonschema:"required,Artifact name such as Dockerfile or analysis.json"`
}

type artifactReadOutput struct {
	Name     string `json:"name" jsonschema:"Artifact name"`
	URI      string `json:"uri" jsonschema:"Resource URI the artifact is published under"`
	MimeType string `json:"mime_type" jsonschema:"Artifact MIME type"`
	Content  string `json:"content" jsonschema:"Artifact content with secrets redacted"`
}

func (s *Server) artifactRead(ctx context.Context, req *mcp.CallToolRequest, args artifactReadInput) (*mcp.CallToolResult, artifactReadOutput, error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, "artifact_read")
	var toolErr error
	defer func() {
		s.metrics.DecrementActive(ctx, "artifact_read")
		s.metrics.RecordInvocation(ctx, "artifact_read", time.Since(start), toolErr)
	}()

	if args.SessionID == "" {
		toolErr = errors.New("session_id is required")
		return nil, artifactReadOutput{}, toolErr
	}
	if args.Name == "" {
		toolErr = errors.New("name is required")
		return nil, artifactReadOutput{}, toolErr
	}

	sess, err := s.sessions.Get(args.SessionID)
	if err != nil {
		toolErr = err
		return nil, artifactReadOutput{}, err
	}
	uri, ok := sess.State.Artifacts[args.Name]
	if !ok {
		toolErr = fmt.Errorf("session has no artifact %s", args.Name)
		return nil, artifactReadOutput{}, toolErr
	}

	res, err := s.store.Read(ctx, uri)
	if err != nil {
		if errors.Is(err, resources.ErrNotFound) {
			toolErr = fmt.Errorf("artifact %s expired or was invalidated", args.Name)
		} else {
			toolErr = fmt.Errorf("failed to read artifact: %w", err)
		}
		return nil, artifactReadOutput{}, toolErr
	}

	out := artifactReadOutput{
		Name:     args.Name,
		URI:      uri,
		MimeType: res.MimeType,
		Content:  s.scrubber.Scrub(string(res.Content)),
	}

	s.logger.Debug("artifact read",
		zap.String("session_id", args.SessionID),
		zap.String("artifact", args.Name),
		zap.Int64("size", res.Size))

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Read %s (%d bytes)", args.Name, res.Size)},
		},
	}, out, nil
}
