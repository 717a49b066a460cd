package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/gates"
	"github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/resources"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/workflow"

// artifact is one piece of stage output destined for the resource store.
type artifact struct {
	content  []byte
	mimeType string
}

// stageOutput is what a stage body hands back on success. Artifacts are
// published only after the stage's gate passes, so a rejected or
// cancelled attempt leaves no trace in the store.
type stageOutput struct {
	artifacts map[string]artifact
	gateInput any
}

// runScope carries per-run collaborators into stage bodies.
type runScope struct {
	sess    *Session
	checker *gates.Checker
	token   string

	// tool is the fallback tool override for the current attempt.
	tool string
}

type stageBody func(ctx context.Context, scope *runScope) (*stageOutput, error)

// stageVerdict is the outcome of a stage after its recovery policy ran.
type stageVerdict struct {
	output  *stageOutput
	retries int
	skipped bool
	skipErr *WorkflowError
	failure *WorkflowError
}

// CoordinatorOptions wires a Coordinator's collaborators. All engines
// and samplers are required except Remediations, which is only needed
// when sessions enable auto-remediation.
type CoordinatorOptions struct {
	// Policy overrides recovery actions per stage. Stages not present
	// keep DefaultPolicy.
	Policy map[Stage]RecoveryAction

	// GateConfig sets quality gate thresholds. The zero value means
	// gates.DefaultConfig.
	GateConfig gates.Config

	// Registry prefixes derived image references when set, so builds
	// land under a pushable name (registry.example.com/app:tag).
	Registry string

	Sessions *SessionManager
	Store    *resources.Store

	Analyzer Analyzer
	Builder  ImageBuilder
	Scanner  ImageScanner
	Deployer Deployer

	Dockerfiles  Sampler
	Manifests    Sampler
	Remediations Sampler

	Sink   progress.Sink
	Logger *zap.Logger
}

// Coordinator drives sessions through the pipeline. Stages run strictly
// one at a time per run; concurrency across sessions is safe because
// all shared state lives behind the session manager and resource store.
type Coordinator struct {
	policy     map[Stage]RecoveryAction
	gateConfig gates.Config
	registry   string

	sessions *SessionManager
	store    *resources.Store

	analyzer Analyzer
	builder  ImageBuilder
	scanner  ImageScanner
	deployer Deployer

	dockerfiles  Sampler
	manifests    Sampler
	remediations Sampler

	bodies map[Stage]stageBody

	sink   progress.Sink
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	runsCounter          metric.Int64Counter
	stageFailuresCounter metric.Int64Counter
	retriesCounter       metric.Int64Counter
}

// NewCoordinator creates a pipeline coordinator.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	switch {
	case opts.Sessions == nil:
		return nil, errors.New("session manager is required")
	case opts.Store == nil:
		return nil, errors.New("resource store is required")
	case opts.Analyzer == nil:
		return nil, errors.New("analyzer is required")
	case opts.Builder == nil:
		return nil, errors.New("image builder is required")
	case opts.Scanner == nil:
		return nil, errors.New("image scanner is required")
	case opts.Deployer == nil:
		return nil, errors.New("deployer is required")
	case opts.Dockerfiles == nil:
		return nil, errors.New("dockerfile sampler is required")
	case opts.Manifests == nil:
		return nil, errors.New("manifest sampler is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gateConfig := opts.GateConfig
	if gateConfig == (gates.Config{}) {
		gateConfig = gates.DefaultConfig()
	}

	policy := DefaultPolicy()
	for stage, action := range opts.Policy {
		action.ApplyDefaults()
		policy[stage] = action
	}

	c := &Coordinator{
		policy:       policy,
		gateConfig:   gateConfig,
		registry:     strings.TrimSuffix(opts.Registry, "/"),
		sessions:     opts.Sessions,
		store:        opts.Store,
		analyzer:     opts.Analyzer,
		builder:      opts.Builder,
		scanner:      opts.Scanner,
		deployer:     opts.Deployer,
		dockerfiles:  opts.Dockerfiles,
		manifests:    opts.Manifests,
		remediations: opts.Remediations,
		sink:         opts.Sink,
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
		meter:        otel.Meter(instrumentationName),
	}
	c.bodies = map[Stage]stageBody{
		StageAnalysis:     c.bodyAnalysis,
		StageDockerfile:   c.bodyDockerfile,
		StageBuild:        c.bodyBuild,
		StageScan:         c.bodyScan,
		StageRemediation:  c.bodyRemediation,
		StageManifests:    c.bodyManifests,
		StageDeployment:   c.bodyDeployment,
		StageVerification: c.bodyVerification,
	}
	c.initMetrics()

	return c, nil
}

func (c *Coordinator) initMetrics() {
	var err error

	c.runsCounter, err = c.meter.Int64Counter(
		"containerassist.workflow.runs_total",
		metric.WithDescription("Total number of pipeline runs by result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		c.logger.Warn("failed to create runs counter", zap.Error(err))
	}

	c.stageFailuresCounter, err = c.meter.Int64Counter(
		"containerassist.workflow.stage_failures_total",
		metric.WithDescription("Total number of failed stage attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		c.logger.Warn("failed to create stage failure counter", zap.Error(err))
	}

	c.retriesCounter, err = c.meter.Int64Counter(
		"containerassist.workflow.stage_retries_total",
		metric.WithDescription("Total number of stage retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		c.logger.Warn("failed to create retry counter", zap.Error(err))
	}
}

// Run executes the session's pipeline from its current stage to the end
// and returns a Result describing what happened. The Result is non-nil
// whenever the session exists, even when the run fails partway; the
// error then explains the terminal failure.
//
// Re-running a failed session resumes from the failed stage.
func (c *Coordinator) Run(ctx context.Context, sessionID, token string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	sess, err := c.sessions.Get(sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := sess.State.Validate(); err != nil {
		return nil, fmt.Errorf("session %s state invalid: %w", sessionID, err)
	}

	started := time.Now()
	retries := make(map[Stage]int)

	remaining := remainingStages(&sess.State)
	if len(remaining) == 0 {
		return c.newResult(sess, started, retries, true), nil
	}

	steps := make([]progress.Step, len(remaining))
	for i, stage := range remaining {
		steps[i] = progress.Step{Name: string(stage), Weight: stageWeights[stage]}
	}
	tracker := progress.NewTracker(progress.TrackerConfig{
		Steps:     steps,
		Token:     token,
		SessionID: sess.ID,
		Stage:     "pipeline",
		Sink:      c.sink,
		Logger:    c.logger,
	})

	checker := gates.NewChecker(
		c.gateConfig.ForVulnerabilityLevel(sess.Config.MaxVulnerabilityLevel), c.logger)
	scope := &runScope{sess: sess, checker: checker, token: token}

	sess.Status = StatusRunning
	c.persist(sess)
	c.logger.Info("run started",
		zap.String("session_id", sess.ID),
		zap.String("repo_path", sess.Repository.Path),
		zap.String("from_stage", string(remaining[0])),
		zap.Int("stages", len(remaining)))

	var terminal *WorkflowError
	for _, stage := range remaining {
		if cerr := ctx.Err(); cerr != nil {
			// Cancelled before the stage started: record the cut but
			// leave the stage pending so a re-run resumes here.
			terminal = newWorkflowError(stage, fmt.Errorf("run cancelled: %w", cerr),
				true, "re-run the session to resume from this stage")
			sess.State.RecordError(terminal)
			break
		}

		tracker.NextStep(ctx)
		verdict := c.runStage(ctx, scope, stage)
		if verdict.retries > 0 {
			retries[stage] = verdict.retries
		}

		if verdict.failure != nil {
			sess.State.MarkFailed(stage)
			sess.State.RecordError(verdict.failure)
			terminal = verdict.failure
			break
		}

		if verdict.skipped {
			sess.State.MarkSkipped(stage)
			sess.State.RecordError(verdict.skipErr)
			sess.State.Advance()
			c.persist(sess)
			tracker.CompleteStep(ctx)
			c.logger.Warn("stage skipped",
				zap.String("session_id", sess.ID),
				zap.String("stage", string(stage)),
				zap.String("cause", verdict.skipErr.Message))
			continue
		}

		if err := c.publishArtifacts(ctx, sess, verdict.output); err != nil {
			werr := newWorkflowError(stage, err, true,
				"verify the resource store is healthy and re-run the session")
			sess.State.MarkFailed(stage)
			sess.State.RecordError(werr)
			terminal = werr
			break
		}

		sess.State.MarkCompleted(stage)
		sess.State.Advance()
		c.persist(sess)
		tracker.CompleteStep(ctx)
	}

	if terminal != nil {
		sess.Status = StatusFailed
		c.persist(sess)
		if c.runsCounter != nil {
			c.runsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
		}
		span.RecordError(terminal)
		span.SetStatus(codes.Error, terminal.Error())
		c.logger.Error("run failed",
			zap.String("session_id", sess.ID),
			zap.String("stage", string(terminal.Stage)),
			zap.Bool("recoverable", terminal.Recoverable),
			zap.Error(terminal))
		return c.newResult(sess, started, retries, false), terminal
	}

	sess.Status = StatusCompleted
	c.persist(sess)
	tracker.Complete(ctx, "pipeline complete")
	if c.runsCounter != nil {
		c.runsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "success")))
	}
	result := c.newResult(sess, started, retries, true)
	c.logger.Info("run completed",
		zap.String("session_id", sess.ID),
		zap.Int("completed_stages", len(result.CompletedStages)),
		zap.Int("skipped_stages", len(result.SkippedStages)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// runStage executes one stage under its recovery policy.
//
// Every strategy consumes MaxAttempts executions with linear backoff in
// between, except abort, which stops on the first failure. What happens
// after exhaustion is the strategy's terminal behavior: retry fails the
// run, skip records the failure and moves on, fallback gets one extra
// execution with the substitute tool, manual stops with the operator
// prompt.
func (c *Coordinator) runStage(ctx context.Context, scope *runScope, stage Stage) stageVerdict {
	action := c.policyFor(stage)

	var lastErr error
	for attempt := 1; attempt <= action.MaxAttempts; attempt++ {
		scope.tool = ""
		out, err := c.executeOnce(ctx, scope, stage)
		if err == nil {
			return stageVerdict{output: out, retries: attempt - 1}
		}
		lastErr = err

		if ctx.Err() != nil {
			return stageVerdict{failure: newWorkflowError(stage, err, true,
				"re-run the session to resume from this stage")}
		}

		c.logger.Warn("stage attempt failed",
			zap.String("session_id", scope.sess.ID),
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", action.MaxAttempts),
			zap.Error(err))
		if c.stageFailuresCounter != nil {
			c.stageFailuresCounter.Add(ctx, 1,
				metric.WithAttributes(attribute.String("stage", string(stage))))
		}

		if action.Strategy == StrategyAbort {
			return stageVerdict{failure: newWorkflowError(stage,
				fmt.Errorf("%w: %v", ErrRunAborted, err), false, "")}
		}

		if attempt < action.MaxAttempts {
			if berr := sleepBackoff(ctx, action, attempt); berr != nil {
				return stageVerdict{failure: newWorkflowError(stage, berr, true,
					"re-run the session to resume from this stage")}
			}
			scope.sess.State.RetryCounts[stage] = attempt
			if c.retriesCounter != nil {
				c.retriesCounter.Add(ctx, 1,
					metric.WithAttributes(attribute.String("stage", string(stage))))
			}
		}
	}

	switch action.Strategy {
	case StrategySkip:
		return stageVerdict{
			skipped: true,
			skipErr: newWorkflowError(stage, lastErr, true,
				"stage output left empty; later stages may degrade"),
		}
	case StrategyFallback:
		if action.FallbackTool != "" {
			c.logger.Info("attempts exhausted, trying fallback tool",
				zap.String("session_id", scope.sess.ID),
				zap.String("stage", string(stage)),
				zap.String("tool", action.FallbackTool))
			scope.tool = action.FallbackTool
			out, err := c.executeOnce(ctx, scope, stage)
			scope.tool = ""
			if err == nil {
				return stageVerdict{output: out, retries: action.MaxAttempts}
			}
			lastErr = err
		}
	case StrategyManual:
		return stageVerdict{failure: newWorkflowError(stage,
			fmt.Errorf("%w after %d attempt(s): %v", ErrManualIntervention, action.MaxAttempts, lastErr),
			false, action.Prompt)}
	}

	return stageVerdict{failure: newWorkflowError(stage,
		fmt.Errorf("stage failed after %d attempt(s): %w", action.MaxAttempts, lastErr),
		true, "")}
}

// executeOnce runs one stage attempt: body under the stage deadline,
// then the quality gate. A gate miss is an ordinary failure and feeds
// back into the recovery loop.
func (c *Coordinator) executeOnce(ctx context.Context, scope *runScope, stage Stage) (*stageOutput, error) {
	body, ok := c.bodies[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	timeout := stageTimeout(scope.sess.Config, stage)
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stageCtx, span := c.tracer.Start(stageCtx, "workflow.stage",
		trace.WithAttributes(
			attribute.String("session_id", scope.sess.ID),
			attribute.String("stage", string(stage))))
	defer span.End()

	out, err := body(stageCtx, scope)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrStageTimeout, timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := scope.checker.Check(string(stage), out.gateInput)
	if !res.Passed {
		gerr := fmt.Errorf("gate failed: %s", res.Reason)
		if len(res.Suggestions) > 0 {
			gerr = fmt.Errorf("gate failed: %s (try: %s)",
				res.Reason, strings.Join(res.Suggestions, "; "))
		}
		span.RecordError(gerr)
		span.SetStatus(codes.Error, gerr.Error())
		return nil, gerr
	}
	for name, value := range res.Metrics {
		if strings.HasSuffix(name, "_warning") {
			c.logger.Warn("gate warning",
				zap.String("session_id", scope.sess.ID),
				zap.String("stage", string(stage)),
				zap.String("warning", name),
				zap.Any("value", value))
		}
	}

	return out, nil
}

func (c *Coordinator) publishArtifacts(ctx context.Context, sess *Session, out *stageOutput) error {
	for name, art := range out.artifacts {
		uri := resources.BuildURI(resources.SchemeSession, sess.ID, name)
		ttl := sess.Config.ResourceTTL
		opts := &resources.PublishOptions{MimeType: art.mimeType, TTL: &ttl}
		if _, err := c.store.Publish(ctx, uri, art.content, opts); err != nil {
			return fmt.Errorf("failed to publish artifact %s: %w", name, err)
		}
		sess.State.Artifacts[name] = uri
	}
	return nil
}

// persist copies the run's working state back into the registry so API
// readers see live progress. Persistence failures are logged, not
// fatal: the run's own state is authoritative until it ends.
func (c *Coordinator) persist(sess *Session) {
	_, err := c.sessions.Update(sess.ID, func(live *Session) error {
		live.Status = sess.Status
		live.State = sess.State.clone()
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to persist session state",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
}

func (c *Coordinator) policyFor(stage Stage) RecoveryAction {
	action, ok := c.policy[stage]
	if !ok {
		action = RecoveryAction{Strategy: StrategyRetry, MaxAttempts: 1}
	}
	action.ApplyDefaults()
	return action
}

func (c *Coordinator) newResult(sess *Session, started time.Time, retries map[Stage]int, success bool) *Result {
	state := sess.State.clone()
	return &Result{
		SessionID:       sess.ID,
		Success:         success,
		CompletedStages: state.CompletedStages,
		SkippedStages:   state.SkippedStages,
		FailedStages:    state.FailedStages,
		Retries:         retries,
		Errors:          state.Errors,
		Artifacts:       state.Artifacts,
		StartedAt:       started.UTC(),
		Duration:        time.Since(started),
	}
}

// remainingStages lists pipeline stages still to run, starting from the
// session's current stage.
func remainingStages(state *State) []Stage {
	if state.CurrentStage == "" {
		return nil
	}
	first := stageIndex(state.CurrentStage)
	if first < 0 {
		return nil
	}
	out := make([]Stage, 0, len(AllStages())-first)
	for _, stage := range AllStages()[first:] {
		if stageIn(state.CompletedStages, stage) || stageIn(state.SkippedStages, stage) {
			continue
		}
		out = append(out, stage)
	}
	return out
}

func stageTimeout(cfg RunConfig, stage Stage) time.Duration {
	switch stage {
	case StageDockerfile, StageManifests:
		return cfg.SamplingTimeout
	case StageBuild, StageRemediation:
		return cfg.BuildTimeout
	default:
		return cfg.StageTimeout
	}
}
