package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/analyze"
	"github.com/gambtho/container-assist/internal/config"
	"github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/sampling"
	"github.com/gambtho/container-assist/internal/tui"
	"github.com/gambtho/container-assist/internal/workflow"
)

var (
	runTargetEnv     string
	runTUI           bool
	runProgressToken string
	runDryRun        bool
)

var runCmd = &cobra.Command{
	Use:   "run <repository>",
	Short: "Run the containerization pipeline against a repository",
	Long: `Run drives a repository through the full pipeline: analysis,
Dockerfile generation, image build, vulnerability scan, remediation,
manifest generation, deployment, and verification.

Examples:
  # Containerize and deploy with the configured defaults
  container-assist run ./my-service

  # Target production with a live dashboard
  container-assist run ./my-service --target-env prod --tui

  # Generate the Dockerfile and manifests without building or deploying
  container-assist run ./my-service --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), args[0])
	},
}

func init() {
	runCmd.Flags().StringVar(&runTargetEnv, "target-env", "", "target environment: dev, staging, or prod (default from config)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show a live dashboard while the pipeline runs")
	runCmd.Flags().StringVar(&runProgressToken, "progress-token", "", "token progress events are published under (default: session id)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "generate the Dockerfile and manifests, skip build, scan, and deploy")
}

func runPipeline(ctx context.Context, repoPath string) error {
	if runTUI && runDryRun {
		return errors.New("--tui cannot be combined with --dry-run")
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if runTargetEnv != "" {
		cfg.Workflow.TargetEnvironment = runTargetEnv
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// The dashboard owns the terminal, so TUI runs drop the stdout log
	// output and keep only the OTEL bridge when one is wired.
	logger := zap.NewNop()
	if runTUI {
		cfg.Logging.Output.Stdout = false
		cfg.Logging.Output.Stderr = false
	}
	if !runTUI || (cfg.Logging.Output.OTEL && tel.LoggerProvider() != nil) {
		log, err := initLogger(cfg, tel)
		if err != nil {
			shutdownTelemetry(tel, nil)
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer func() {
			_ = log.Sync()
		}()
		logger = log.Underlying()
	}
	defer shutdownTelemetry(tel, logger)

	var events *progress.ChannelSink
	var extraSinks []progress.Sink
	if runTUI {
		events = progress.NewChannelSink(64)
		extraSinks = append(extraSinks, events)
	}

	deps, err := initDependencies(ctx, cfg, logger, extraSinks...)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	svcs, err := initServices(cfg, deps, cfg.Workflow.TargetEnvironment, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	repo := analyze.GitMetadata(repoPath)
	sess, err := deps.sessions.Create(ctx, repo, runDefaults(cfg))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	token := runProgressToken
	if token == "" {
		token = sess.ID
	}

	logger.Info("pipeline starting",
		zap.String("session_id", sess.ID),
		zap.String("repo_path", repo.Path),
		zap.String("target_env", cfg.Workflow.TargetEnvironment),
		zap.Bool("dry_run", runDryRun))

	if runDryRun {
		return dryRun(ctx, cfg, deps, svcs, sess, token)
	}

	var result *workflow.Result
	if runTUI {
		result, err = tui.Run(ctx, tui.Config{
			SessionID: sess.ID,
			RepoPath:  repo.Path,
			Events:    events.Events(),
		}, func(ctx context.Context) (*workflow.Result, error) {
			return svcs.coordinator.Run(ctx, sess.ID, token)
		})
	} else {
		result, err = svcs.coordinator.Run(ctx, sess.ID, token)
	}

	if result != nil {
		printResult(result)
	}
	return err
}

// dryRun analyzes the repository and samples the Dockerfile and
// manifests, printing the winners instead of building a run on them.
func dryRun(ctx context.Context, cfg *config.Config, deps *dependencies, svcs *services, sess *workflow.Session, token string) error {
	report, err := deps.analyzer.Analyze(ctx, sess.Repository.Path)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	fmt.Printf("Detected %s", report.Language)
	if report.Framework != "" {
		fmt.Printf(" / %s", report.Framework)
	}
	if len(report.Ports) > 0 {
		fmt.Printf(" on ports %s", joinPorts(report.Ports))
	}
	fmt.Println()

	sample := func(s workflow.Sampler, gctx sampling.GenerationContext) (*sampling.ScoredCandidate[string], error) {
		sctx, cancel := context.WithTimeout(ctx, sess.Config.SamplingTimeout)
		defer cancel()
		return s.Sample(sctx, gctx, sess.Config.MaxCandidates, token)
	}

	dockerfile, err := sample(svcs.dockerfiles, sampling.GenerationContext{
		SessionID: sess.ID,
		Stage:     string(workflow.StageDockerfile),
		RepoInfo:  report.RepoInfo(),
		Preferences: map[string]string{
			"target_environment": sess.Config.TargetEnvironment,
		},
	})
	if err != nil {
		return fmt.Errorf("dockerfile sampling failed: %w", err)
	}

	// The manifests reference the image the skipped build would produce.
	imageRef := workflow.DefaultImageRef(sess.Repository.Path, sess.ID)
	if reg := strings.TrimSuffix(cfg.Engine.Registry, "/"); reg != "" {
		imageRef = reg + "/" + imageRef
	}

	manifests, err := sample(svcs.manifests, sampling.GenerationContext{
		SessionID: sess.ID,
		Stage:     string(workflow.StageManifests),
		RepoInfo:  report.RepoInfo(),
		Inputs:    map[string]string{"image_ref": imageRef},
		Preferences: map[string]string{
			"target_environment":  sess.Config.TargetEnvironment,
			"deployment_strategy": sess.Config.DeploymentStrategy,
		},
	})
	if err != nil {
		return fmt.Errorf("manifest sampling failed: %w", err)
	}

	fmt.Printf("\n# Dockerfile (score %.1f)\n\n%s\n", dockerfile.Score, strings.TrimRight(dockerfile.Content, "\n"))
	fmt.Printf("\n# Manifests for %s (score %.1f)\n\n%s\n", imageRef, manifests.Score, strings.TrimRight(manifests.Content, "\n"))
	return nil
}

// printResult writes a run summary to stdout.
func printResult(res *workflow.Result) {
	status := "succeeded"
	if !res.Success {
		status = "failed"
	}
	fmt.Printf("\nRun %s in %s (session %s)\n", status, res.Duration.Round(time.Millisecond), res.SessionID)

	if len(res.CompletedStages) > 0 {
		fmt.Printf("  completed: %s\n", joinStages(res.CompletedStages))
	}
	if len(res.SkippedStages) > 0 {
		fmt.Printf("  skipped:   %s\n", joinStages(res.SkippedStages))
	}
	if len(res.FailedStages) > 0 {
		fmt.Printf("  failed:    %s\n", joinStages(res.FailedStages))
	}

	if len(res.Artifacts) > 0 {
		names := make([]string, 0, len(res.Artifacts))
		for name := range res.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("  artifacts:")
		for _, name := range names {
			fmt.Printf("    %-20s %s\n", name, res.Artifacts[name])
		}
	}

	for _, werr := range res.Errors {
		fmt.Printf("  error: [%s] %s\n", werr.Stage, werr.Message)
		if werr.Suggestion != "" {
			fmt.Printf("    hint: %s\n", werr.Suggestion)
		}
	}
}

func joinStages(stages []workflow.Stage) string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return strings.Join(parts, ", ")
}
