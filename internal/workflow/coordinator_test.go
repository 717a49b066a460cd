package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/sampling"
)

const testDockerfile = `FROM golang:1.24-alpine AS builder
WORKDIR /src
COPY go.mod go.sum ./
RUN go mod download
COPY . .
RUN go build -o /out/app ./cmd/app

FROM alpine:3.20
COPY --from=builder /out/app /usr/local/bin/app
USER 65532:65532
ENTRYPOINT ["app"]
`

const remediatedDockerfile = `FROM golang:1.24-alpine AS builder
WORKDIR /src
COPY go.mod go.sum ./
RUN go mod download
COPY . .
RUN go build -o /out/app ./cmd/app

FROM alpine:3.21
RUN apk upgrade --no-cache
COPY --from=builder /out/app /usr/local/bin/app
USER 65532:65532
ENTRYPOINT ["app"]
`

const testManifests = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: demo-app
spec:
  replicas: 2
  template:
    spec:
      containers:
        - name: demo-app
          image: demo-app:pinned
`

func testReport() *AnalysisReport {
	return &AnalysisReport{
		Language:        "go",
		LanguageVersion: "1.24",
		Framework:       "echo",
		BuildSystem:     "go modules",
		Entrypoint:      "cmd/app/main.go",
		Ports:           []int{8080},
	}
}

type fakeAnalyzer struct {
	calls int
	fn    func(ctx context.Context) (*AnalysisReport, error)
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, _ string) (*AnalysisReport, error) {
	f.calls++
	if f.fn != nil {
		return f.fn(ctx)
	}
	return testReport(), nil
}

type fakeBuilder struct {
	calls []BuildOptions
	fn    func(ctx context.Context, opts BuildOptions) (*BuildResult, error)
}

func (f *fakeBuilder) Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	f.calls = append(f.calls, opts)
	if f.fn != nil {
		return f.fn(ctx, opts)
	}
	return &BuildResult{
		ImageID:   fmt.Sprintf("sha256:build%02d", len(f.calls)),
		ImageRef:  opts.ImageRef,
		SizeBytes: 42 << 20,
		Tool:      "docker",
	}, nil
}

type fakeScanner struct {
	calls []string
	fn    func(ctx context.Context) (*ScanResult, error)
}

func (f *fakeScanner) Scan(ctx context.Context, imageRef string) (*ScanResult, error) {
	f.calls = append(f.calls, imageRef)
	if f.fn != nil {
		return f.fn(ctx)
	}
	return &ScanResult{ImageRef: imageRef, Medium: 1, Low: 3}, nil
}

type fakeDeployer struct {
	deploys  int
	verifies int
	deployFn func(ctx context.Context, opts DeployOptions) (*DeployResult, error)
	verifyFn func(ctx context.Context, opts DeployOptions) (*VerifyResult, error)
}

func (f *fakeDeployer) Deploy(ctx context.Context, opts DeployOptions) (*DeployResult, error) {
	f.deploys++
	if f.deployFn != nil {
		return f.deployFn(ctx, opts)
	}
	return &DeployResult{
		Succeeded: true,
		Namespace: opts.Namespace,
		Resources: []string{"deployment/demo-app"},
		Endpoints: []string{"http://10.0.0.15:8080"},
		Health:    "healthy",
	}, nil
}

func (f *fakeDeployer) Verify(ctx context.Context, opts DeployOptions) (*VerifyResult, error) {
	f.verifies++
	if f.verifyFn != nil {
		return f.verifyFn(ctx, opts)
	}
	return &VerifyResult{Healthy: true, Checks: map[string]string{"pods": "ready"}}, nil
}

type fakeSampler struct {
	content string
	score   float64
	calls   []sampling.GenerationContext
	fn      func(gctx sampling.GenerationContext) (*sampling.ScoredCandidate[string], error)
}

func (f *fakeSampler) Sample(_ context.Context, gctx sampling.GenerationContext, _ int, _ string) (*sampling.ScoredCandidate[string], error) {
	f.calls = append(f.calls, gctx)
	if f.fn != nil {
		return f.fn(gctx)
	}
	return scoredContent(f.content, f.score), nil
}

func scoredContent(content string, score float64) *sampling.ScoredCandidate[string] {
	return &sampling.ScoredCandidate[string]{
		Candidate: sampling.Candidate[string]{
			ID:          "cand-test01",
			Content:     content,
			Metadata:    map[string]any{"estimated_size_mb": 80.0},
			GeneratedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		Score: score,
		Breakdown: map[string]float64{
			"security": score,
			"size":     score,
		},
		Rank: 1,
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *recordingSink) Publish(_ context.Context, ev progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Event(nil), s.events...)
}

type harness struct {
	coordinator *Coordinator
	sessions    *SessionManager
	store       *resources.Store

	analyzer     *fakeAnalyzer
	builder      *fakeBuilder
	scanner      *fakeScanner
	deployer     *fakeDeployer
	dockerfiles  *fakeSampler
	manifests    *fakeSampler
	remediations *fakeSampler
	sink         *recordingSink
}

// fastPolicy keeps the default strategies but shrinks backoffs so retry
// paths run in milliseconds.
func fastPolicy() map[Stage]RecoveryAction {
	policy := DefaultPolicy()
	for stage, action := range policy {
		action.Backoff = time.Millisecond
		policy[stage] = action
	}
	return policy
}

func newHarness(t *testing.T, mutate func(*CoordinatorOptions)) *harness {
	t.Helper()

	store, err := resources.NewStore(resources.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sessions := NewSessionManager(SessionManagerConfig{}, zap.NewNop())
	t.Cleanup(sessions.Close)

	h := &harness{
		sessions:     sessions,
		store:        store,
		analyzer:     &fakeAnalyzer{},
		builder:      &fakeBuilder{},
		scanner:      &fakeScanner{},
		deployer:     &fakeDeployer{},
		dockerfiles:  &fakeSampler{content: testDockerfile, score: 88},
		manifests:    &fakeSampler{content: testManifests, score: 84},
		remediations: &fakeSampler{content: remediatedDockerfile, score: 91},
		sink:         &recordingSink{},
	}

	opts := CoordinatorOptions{
		Policy:       fastPolicy(),
		Sessions:     sessions,
		Store:        store,
		Analyzer:     h.analyzer,
		Builder:      h.builder,
		Scanner:      h.scanner,
		Deployer:     h.deployer,
		Dockerfiles:  h.dockerfiles,
		Manifests:    h.manifests,
		Remediations: h.remediations,
		Sink:         h.sink,
		Logger:       zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	c, err := NewCoordinator(opts)
	require.NoError(t, err)
	h.coordinator = c
	return h
}

func (h *harness) newSession(t *testing.T, mutate func(*RunConfig)) *Session {
	t.Helper()
	cfg := RunConfig{}
	if mutate != nil {
		mutate(&cfg)
	}
	sess, err := h.sessions.Create(context.Background(), Repository{Path: "/tmp/demo-app"}, cfg)
	require.NoError(t, err)
	return sess
}

func TestNewCoordinator_Validation(t *testing.T) {
	_, err := NewCoordinator(CoordinatorOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session manager")
}

func TestCoordinator_RunHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession(t, nil)
	ctx := context.Background()

	result, err := h.coordinator.Run(ctx, sess.ID, "tok-1")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, sess.ID, result.SessionID)
	assert.Equal(t, AllStages(), result.CompletedStages)
	assert.Empty(t, result.SkippedStages)
	assert.Empty(t, result.FailedStages)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Retries)
	assert.Positive(t, result.Duration)

	// every stage's artifact landed in the store under the session scheme
	for _, name := range []string{
		ArtifactAnalysis, ArtifactDockerfile, ArtifactBuild, ArtifactScan,
		ArtifactManifests, ArtifactDeployment, ArtifactVerification,
	} {
		uri, ok := result.Artifacts[name]
		require.True(t, ok, name)
		assert.Equal(t, resources.BuildURI(resources.SchemeSession, sess.ID, name), uri)
		res, err := h.store.Read(ctx, uri)
		require.NoError(t, err, name)
		assert.NotEmpty(t, res.Content, name)
	}

	// generation contexts carried the analysis facts forward
	require.Len(t, h.dockerfiles.calls, 1)
	gctx := h.dockerfiles.calls[0]
	assert.Equal(t, sess.ID, gctx.SessionID)
	assert.Equal(t, "go", gctx.RepoInfo["language"])
	assert.Equal(t, "8080", gctx.RepoInfo["ports"])
	assert.Equal(t, "dev", gctx.Preferences["target_environment"])

	require.Len(t, h.manifests.calls, 1)
	assert.Equal(t, h.builder.calls[0].ImageRef, h.manifests.calls[0].Inputs["image_ref"])
	assert.Equal(t, "rolling", h.manifests.calls[0].Preferences["deployment_strategy"])

	// the scan saw the built image
	require.Len(t, h.scanner.calls, 1)
	assert.Equal(t, h.builder.calls[0].ImageRef, h.scanner.calls[0])

	// session finished
	final, err := h.sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.True(t, final.State.Done())
	assert.Empty(t, final.State.CurrentStage)
	assert.NoError(t, final.State.Validate())

	// progress went from zero to done
	events := h.sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, "tok-1", events[0].Token)
	assert.Equal(t, float64(0), events[0].Percent)
	assert.Equal(t, string(StageAnalysis), events[0].Step)
	assert.Equal(t, float64(100), events[len(events)-1].Percent)
}

func TestCoordinator_RunUnknownSession(t *testing.T) {
	h := newHarness(t, nil)

	result, err := h.coordinator.Run(context.Background(), "missing", "")
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Nil(t, result)
}

func TestCoordinator_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, func(o *CoordinatorOptions) {
		o.Policy[StageAnalysis] = RecoveryAction{Strategy: StrategyRetry, MaxAttempts: 2, Backoff: time.Millisecond}
	})
	failures := 1
	h.analyzer.fn = func(context.Context) (*AnalysisReport, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("transient parse failure")
		}
		return testReport(), nil
	}
	sess := h.newSession(t, nil)

	result, err := h.coordinator.Run(context.Background(), sess.ID, "")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, h.analyzer.calls)
	assert.Equal(t, 1, result.Retries[StageAnalysis])
	assert.Empty(t, result.FailedStages)
}

func TestCoordinator_RetryExhaustionFailsTheRun(t *testing.T) {
	h := newHarness(t, func(o *CoordinatorOptions) {
		o.Policy[StageAnalysis] = RecoveryAction{Strategy: StrategyRetry, MaxAttempts: 2, Backoff: time.Millisecond}
	})
	h.analyzer.fn = func(context.Context) (*AnalysisReport, error) {
		return nil, errors.New("persistent parse failure")
	}
	sess := h.newSession(t, nil)

	result, err := h.coordinator.Run(context.Background(), sess.ID, "")
	require.Error(t, err)
	require.NotNil(t, result)

	// exactly MaxAttempts executions, a third try never happens
	assert.Equal(t, 2, h.analyzer.calls)
	assert.False(t, result.Success)
	assert.Equal(t, []Stage{StageAnalysis}, result.FailedStages)
	assert.Empty(t, result.CompletedStages)
	assert.Empty(t, h.builder.calls)

	var werr *WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StageAnalysis, werr.Stage)
	assert.True(t, werr.Recoverable)
	assert.Contains(t, werr.Message, "after 2 attempt(s)")

	final, err := h.sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, StageAnalysis, final.State.CurrentStage)
	require.Len(t, final.State.Errors, 1)
}

func TestCoordinator_GateMissReentersRecovery(t *testing.T) {
	h := newHarness(t, func(o *CoordinatorOptions) {
		o.Policy[StageDockerfile] = RecoveryAction{Strategy: StrategyRetry, MaxAttempts: 2, Backoff: time.Millisecond}
	})
	// first winner scores below the gate minimum, the regenerated one passes
	scores := []float64{10, 90}
	h.dockerfiles.fn = func(sampling.GenerationContext) (*sampling.ScoredCandidate[string], error) {
		score := scores[0]
		if len(scores) > 1 {
			scores = scores[1:]
		}
		return scoredContent(testDockerfile, score), nil
	}
	sess := h.newSession(t, nil)

	result, err := h.coordinator.Run(context.Background(), sess.ID, "")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Len(t, h.dockerfiles.calls, 2)
	assert.Equal(t, 1, result.Retries[StageDockerfile])
}

func TestCoordinator_GateMissExhaustionMentionsReason(t *testing.T) {
	h := newHarness(t, func(o *CoordinatorOptions) {
		o.Policy[StageDockerfile] = RecoveryAction{Strategy: StrategyRetry, MaxAttempts: 2, Backoff: time.Millisecond}
	})
	h.dockerfiles.score = 12 // always below the minimum

	sess := h.newSession(t, nil)
	result, err := h.coordinator.Run(context.Background(), sess.ID, "")
	require.Error(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, err.Error(), "gate failed")
	assert.Contains(t, err.Error(), "below minimum")
	assert.Equal(t, []Stage{StageDockerfile}, result.FailedStages)
	assert.Equal(t, []Stage{StageAnalysis}, result.CompletedStages)
}

func TestCoordinator_SkipStrategyContinuesPipeline(t *testing.T) {
	h := newHarness(t, func(o *CoordinatorOptions) {
		o.Policy[StageVerification] = RecoveryAction{Strategy: StrategySkip, MaxAttempts: 1, Backoff: time.Millisecond}
	})
	h.deployer.verifyFn = func(context.Context, DeployOptions) (*VerifyResult, error) {
		return nil, errors.New("probe endpoint unreachable")
	}
	sess := h.newSession(t, nil)

	result, err := h.coordinator.Run(context.Background(), sess.ID, "")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []Stage{StageVerification}, result.SkippedStages)
	assert.NotContains(t, result.CompletedStages, StageVerification)
	assert.NotContains(t, result.Artifacts, ArtifactVerification)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, StageVerification, result.Errors[0].Stage)
	assert.True(t, result.Errors[0].Recoverable)

	final, err := h.sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.True(t, final.State.Done())
}

func TestCoordinator_BuildFallsBackToSecondaryTool(t *testing.T) {
	h := newHarness(t, nil)
	h.builder.fn = func(_ context.Context, opts BuildOptions) (*BuildResult, error) {
		if opts.Tool == "" {
			return nil, errors.New("docker daemon unreachable")
		}
		return &BuildResult{
			ImageID:   "sha256:fallback",
			ImageRef:  opts.ImageRef,
			SizeBytes: 50 << 20,
			Tool:      opts.Tool,
		}, nil
	}
	sess := h.newSession(t, nil)

	result, err := h.coordinator.Run(context.Background(), sess.ID, "")
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.Len(t, h.builder.calls, 3)
	assert.Empty(t, h.builder.calls[0].Tool)
	assert.Empty(t, h.builder.calls[1].Tool)
	assert.Equal(t, "buildah", h.builder.calls[2].Tool)
	assert.Equal(t, 2, result.Retries[StageBuild])

	// the published build artifact reflects the fallback build
	res, err := h.store.Read(context.Background(), result.Artifacts[ArtifactBuild])
	require.NoError(t, err)
	var build BuildResult
	require.NoError(t, json.Unmarshal(res.Content, &build))
	assert.Equal(t, "buildah", build.Tool)
}

func TestCoordinator_ManualStopsWithPrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.deployer.deployFn = func(context.Context, DeployOptions) (*DeployResult, error) {
		return nil, errors.New("rollout stuck")
	}
	sess := h.newSession(t, nil)

	result, err := h.coordinator.Run(context.Background(), sess.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManualIntervention)

	var werr *WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, StageDeployment, werr.Stage)
	assert.False(t, werr.Recoverable)
	assert.Contains(t, werr.Suggestion, "inspect cluster events")

	assert.Equal(t, 2, h.deployer.deploys)
	assert.False(t, result.Success)
	assert.Contains(t, result.CompletedStages, StageManifests)
	assert.NotContains(t, result.Artifacts, ArtifactDeployment)
}

func TestCoordinator_ScannerOutageAbortsAtRemediation(t *testing.T) {
	h := newHarness(t, nil)
	h.scanner.fn = func(context.Context) (*ScanResult, error) {
		return nil, errors.New("scanner unavailable")
	}
	sess := h.newSession(t, nil)

	result, err := h.coordinator.Run(context.Background(), sess.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunAborted)

	// scan skipped after its attempts, then remediation's pre-scan failed
	assert.Equal(t, []Stage{StageScan}, result.SkippedStages)
	assert.Equal(t, []Stage{StageRemediation}, result.FailedStages)
	assert.Len(t, h.scanner.calls, 3)

	var werr *WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.False(t, werr.Recoverable)
}

func TestCoordinator_VulnerabilitiesWithoutRemediationAbort(t *testing.T) {
	h := newHarness(t, nil)
	h.scanner.fn = func(context.Context) (*ScanResult, error) {
		return &ScanResult{Critical: 1, Low: 2}, nil
	}
	sess := h.newSession(t, nil)

	result, err := h.coordinator.Run(context.Background(), sess.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunAborted)
	assert.Contains(t, err.Error(), "auto-remediation is disabled")
	assert.False(t, result.Success)
	assert.Empty(t, h.remediations.calls)
}

func TestCoordinator_AutoRemediationClearsVulnerabilities(t *testing.T) {
	h := newHarness(t, nil)
	scans := 0
	h.scanner.fn = func(context.Context) (*ScanResult, error) {
		scans++
		if scans <= 3 {
			return &ScanResult{
				Critical: 1,
				Low:      2,
				Findings: []Finding{{
					ID: "CVE-2025-0001", Severity: "critical",
					Package: "openssl", Version: "3.0.1", FixedIn: "3.0.9",
				}},
			}, nil
		}
		return &ScanResult{Low: 1}, nil
	}
	sess := h.newSession(t, func(cfg *RunConfig) { cfg.EnableAutoRemediation = true })
	ctx := context.Background()

	result, err := h.coordinator.Run(ctx, sess.ID, "")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []Stage{StageScan}, result.SkippedStages)
	assert.Contains(t, result.CompletedStages, StageRemediation)

	// two scan attempts, one pre-scan, one post-remediation scan
	assert.Equal(t, 4, scans)

	// the remediation prompt carried the findings
	require.Len(t, h.remediations.calls, 1)
	assert.Contains(t, h.remediations.calls[0].Inputs["findings"], "CVE-2025-0001")
	assert.Contains(t, h.remediations.calls[0].Inputs["dockerfile"], "alpine:3.20")

	// artifacts were rewritten to the remediated image
	res, err := h.store.Read(ctx, result.Artifacts[ArtifactDockerfile])
	require.NoError(t, err)
	assert.Equal(t, remediatedDockerfile, string(res.Content))

	res, err = h.store.Read(ctx, result.Artifacts[ArtifactScan])
	require.NoError(t, err)
	var finalScan ScanResult
	require.NoError(t, json.Unmarshal(res.Content, &finalScan))
	assert.Zero(t, finalScan.Critical)
}

func TestCoordinator_VulnerabilityLevelTightensGate(t *testing.T) {
	// one medium finding passes the default thresholds but fails a
	// session capped at low severity
	t.Run("default level passes", func(t *testing.T) {
		h := newHarness(t, nil)
		h.scanner.fn = func(context.Context) (*ScanResult, error) {
			return &ScanResult{Medium: 1}, nil
		}
		sess := h.newSession(t, nil)

		result, err := h.coordinator.Run(context.Background(), sess.ID, "")
		require.NoError(t, err)
		assert.True(t, result.Success)
	})

	t.Run("low cap fails", func(t *testing.T) {
		h := newHarness(t, nil)
		h.scanner.fn = func(context.Context) (*ScanResult, error) {
			return &ScanResult{Medium: 1}, nil
		}
		sess := h.newSession(t, func(cfg *RunConfig) { cfg.MaxVulnerabilityLevel = "low" })

		result, err := h.coordinator.Run(context.Background(), sess.ID, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRunAborted)
		assert.False(t, result.Success)
	})
}

func TestCoordinator_StageTimeoutIsAFailure(t *testing.T) {
	h := newHarness(t, func(o *CoordinatorOptions) {
		o.Policy[StageAnalysis] = RecoveryAction{Strategy: StrategyRetry, MaxAttempts: 1, Backoff: time.Millisecond}
	})
	h.analyzer.fn = func(ctx context.Context) (*AnalysisReport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sess := h.newSession(t, func(cfg *RunConfig) { cfg.StageTimeout = 30 * time.Millisecond })

	result, err := h.coordinator.Run(context.Background(), sess.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageTimeout)
	assert.False(t, result.Success)
	assert.Equal(t, []Stage{StageAnalysis}, result.FailedStages)
}

func TestCoordinator_CancelledStagePersistsNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.builder.fn = func(buildCtx context.Context, _ BuildOptions) (*BuildResult, error) {
		cancel()
		<-buildCtx.Done()
		return nil, buildCtx.Err()
	}
	sess := h.newSession(t, nil)

	result, err := h.coordinator.Run(ctx, sess.ID, "")
	require.Error(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, []Stage{StageAnalysis, StageDockerfile}, result.CompletedStages)
	assert.Equal(t, []Stage{StageBuild}, result.FailedStages)

	// earlier artifacts survived, the cancelled stage left none
	assert.Contains(t, result.Artifacts, ArtifactDockerfile)
	assert.NotContains(t, result.Artifacts, ArtifactBuild)

	// no retry burned on cancellation
	assert.Len(t, h.builder.calls, 1)

	var werr *WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.True(t, werr.Recoverable)

	final, err := h.sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StageBuild, final.State.CurrentStage)
}

func TestCoordinator_ResumeAfterFailure(t *testing.T) {
	h := newHarness(t, func(o *CoordinatorOptions) {
		o.Policy[StageBuild] = RecoveryAction{Strategy: StrategyRetry, MaxAttempts: 1, Backoff: time.Millisecond}
	})
	h.builder.fn = func(context.Context, BuildOptions) (*BuildResult, error) {
		return nil, errors.New("docker daemon unreachable")
	}
	sess := h.newSession(t, nil)
	ctx := context.Background()

	result, err := h.coordinator.Run(ctx, sess.ID, "")
	require.Error(t, err)
	assert.Equal(t, []Stage{StageBuild}, result.FailedStages)

	// fix the builder and re-run the same session
	h.builder.fn = nil
	result, err = h.coordinator.Run(ctx, sess.ID, "")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, AllStages(), result.CompletedStages)
	assert.Empty(t, result.FailedStages)

	// earlier stages were not re-executed
	assert.Equal(t, 1, h.analyzer.calls)
	assert.Len(t, h.dockerfiles.calls, 1)

	final, err := h.sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.True(t, final.State.Done())
	assert.Empty(t, final.State.FailedStages)
	assert.NotEmpty(t, final.State.Errors) // failure history preserved
}

func TestCoordinator_RunAlreadyCompletedSession(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.newSession(t, nil)
	ctx := context.Background()

	_, err := h.coordinator.Run(ctx, sess.ID, "")
	require.NoError(t, err)
	analyzerCalls := h.analyzer.calls

	result, err := h.coordinator.Run(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, analyzerCalls, h.analyzer.calls)
}
