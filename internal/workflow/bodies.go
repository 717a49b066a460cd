package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/gates"
	"github.com/gambtho/container-assist/internal/sampling"
)

func (c *Coordinator) bodyAnalysis(ctx context.Context, scope *runScope) (*stageOutput, error) {
	report, err := c.analyzer.Analyze(ctx, scope.sess.Repository.Path)
	if err != nil {
		return nil, fmt.Errorf("repository analysis failed: %w", err)
	}

	content, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis report: %w", err)
	}

	return &stageOutput{
		artifacts: map[string]artifact{
			ArtifactAnalysis: {content: content, mimeType: "application/json"},
		},
		gateInput: gates.AnalysisInput{
			Language:   report.Language,
			Framework:  report.Framework,
			Entrypoint: report.Entrypoint,
			Ports:      report.Ports,
		},
	}, nil
}

func (c *Coordinator) bodyDockerfile(ctx context.Context, scope *runScope) (*stageOutput, error) {
	sess := scope.sess

	report, err := c.loadAnalysis(ctx, sess)
	if err != nil {
		return nil, err
	}

	gctx := sampling.GenerationContext{
		SessionID: sess.ID,
		Stage:     string(StageDockerfile),
		RepoInfo:  report.RepoInfo(),
		Preferences: map[string]string{
			"target_environment": sess.Config.TargetEnvironment,
		},
	}
	winner, err := c.dockerfiles.Sample(ctx, gctx, sess.Config.MaxCandidates, scope.token)
	if err != nil {
		return nil, fmt.Errorf("dockerfile sampling failed: %w", err)
	}

	meta, err := candidateMeta(winner)
	if err != nil {
		return nil, err
	}

	return &stageOutput{
		artifacts: map[string]artifact{
			ArtifactDockerfile:     {content: []byte(winner.Content), mimeType: "text/plain"},
			ArtifactDockerfileMeta: {content: meta, mimeType: "application/json"},
		},
		gateInput: gates.ArtifactInput{Content: winner.Content, Score: winner.Score},
	}, nil
}

func (c *Coordinator) bodyBuild(ctx context.Context, scope *runScope) (*stageOutput, error) {
	sess := scope.sess

	dockerfile, err := c.readArtifact(ctx, sess, ArtifactDockerfile)
	if err != nil {
		return nil, err
	}

	res, err := c.builder.Build(ctx, BuildOptions{
		ContextDir: sess.Repository.Path,
		Dockerfile: string(dockerfile),
		ImageRef:   c.imageRef(sess),
		Tool:       scope.tool,
	})
	if err != nil {
		return nil, fmt.Errorf("image build failed: %w", err)
	}

	content, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode build result: %w", err)
	}

	return &stageOutput{
		artifacts: map[string]artifact{
			ArtifactBuild: {content: content, mimeType: "application/json"},
		},
		gateInput: gates.BuildInput{
			ImageID:       res.ImageID,
			SizeBytes:     res.SizeBytes,
			BestSizeBytes: c.estimatedSizeBytes(ctx, sess),
		},
	}, nil
}

func (c *Coordinator) bodyScan(ctx context.Context, scope *runScope) (*stageOutput, error) {
	sess := scope.sess

	build, err := c.loadBuild(ctx, sess)
	if err != nil {
		return nil, err
	}

	res, err := c.scanner.Scan(ctx, build.ImageRef)
	if err != nil {
		return nil, fmt.Errorf("vulnerability scan failed: %w", err)
	}

	content, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode scan result: %w", err)
	}

	return &stageOutput{
		artifacts: map[string]artifact{
			ArtifactScan: {content: content, mimeType: "application/json"},
		},
		gateInput: scanInput(res),
	}, nil
}

// bodyRemediation closes the scan loop. A persisted scan artifact means
// the scan stage passed its gate, so there is nothing to do. Otherwise
// the image is re-scanned and, when auto-remediation is enabled, the
// Dockerfile is regenerated against the findings, rebuilt, and
// re-scanned until the thresholds pass or attempts run out.
func (c *Coordinator) bodyRemediation(ctx context.Context, scope *runScope) (*stageOutput, error) {
	sess := scope.sess

	if _, ok := sess.State.Artifacts[ArtifactScan]; ok {
		return &stageOutput{}, nil
	}

	build, err := c.loadBuild(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("cannot remediate without a built image: %w", err)
	}

	current, err := c.scanner.Scan(ctx, build.ImageRef)
	if err != nil {
		return nil, fmt.Errorf("remediation pre-scan failed: %w", err)
	}
	if res := scope.checker.Check(string(StageScan), scanInput(current)); res.Passed {
		content, merr := json.MarshalIndent(current, "", "  ")
		if merr != nil {
			return nil, fmt.Errorf("failed to encode scan result: %w", merr)
		}
		return &stageOutput{
			artifacts: map[string]artifact{
				ArtifactScan: {content: content, mimeType: "application/json"},
			},
		}, nil
	}

	if !sess.Config.EnableAutoRemediation || c.remediations == nil {
		return nil, fmt.Errorf(
			"image vulnerabilities exceed thresholds (critical=%d high=%d medium=%d) and auto-remediation is disabled",
			current.Critical, current.High, current.Medium)
	}

	dockerfile, err := c.readArtifact(ctx, sess, ArtifactDockerfile)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= sess.Config.MaxRemediationAttempts; attempt++ {
		gctx := sampling.GenerationContext{
			SessionID: sess.ID,
			Stage:     string(StageRemediation),
			Inputs: map[string]string{
				"dockerfile": string(dockerfile),
				"findings":   findingsSummary(current),
				"attempt":    strconv.Itoa(attempt),
			},
		}
		winner, err := c.remediations.Sample(ctx, gctx, sess.Config.MaxCandidates, scope.token)
		if err != nil {
			return nil, fmt.Errorf("remediation sampling failed: %w", err)
		}

		rebuilt, err := c.builder.Build(ctx, BuildOptions{
			ContextDir: sess.Repository.Path,
			Dockerfile: winner.Content,
			ImageRef:   build.ImageRef,
		})
		if err != nil {
			c.logger.Warn("remediated dockerfile failed to build",
				zap.String("session_id", sess.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		rescan, err := c.scanner.Scan(ctx, rebuilt.ImageRef)
		if err != nil {
			return nil, fmt.Errorf("post-remediation scan failed: %w", err)
		}
		if res := scope.checker.Check(string(StageScan), scanInput(rescan)); res.Passed {
			meta, merr := candidateMeta(winner)
			if merr != nil {
				return nil, merr
			}
			buildJSON, merr := json.MarshalIndent(rebuilt, "", "  ")
			if merr != nil {
				return nil, fmt.Errorf("failed to encode build result: %w", merr)
			}
			scanJSON, merr := json.MarshalIndent(rescan, "", "  ")
			if merr != nil {
				return nil, fmt.Errorf("failed to encode scan result: %w", merr)
			}
			c.logger.Info("remediation cleared vulnerability thresholds",
				zap.String("session_id", sess.ID),
				zap.Int("attempt", attempt))
			return &stageOutput{
				artifacts: map[string]artifact{
					ArtifactDockerfile:     {content: []byte(winner.Content), mimeType: "text/plain"},
					ArtifactDockerfileMeta: {content: meta, mimeType: "application/json"},
					ArtifactBuild:          {content: buildJSON, mimeType: "application/json"},
					ArtifactScan:           {content: scanJSON, mimeType: "application/json"},
				},
			}, nil
		}

		c.logger.Warn("remediation attempt did not clear thresholds",
			zap.String("session_id", sess.ID),
			zap.Int("attempt", attempt),
			zap.Int("critical", rescan.Critical),
			zap.Int("high", rescan.High))
		dockerfile = []byte(winner.Content)
		current = rescan
	}

	return nil, fmt.Errorf("vulnerabilities remain above thresholds after %d remediation attempt(s)",
		sess.Config.MaxRemediationAttempts)
}

func (c *Coordinator) bodyManifests(ctx context.Context, scope *runScope) (*stageOutput, error) {
	sess := scope.sess

	report, err := c.loadAnalysis(ctx, sess)
	if err != nil {
		return nil, err
	}
	build, err := c.loadBuild(ctx, sess)
	if err != nil {
		return nil, err
	}

	gctx := sampling.GenerationContext{
		SessionID: sess.ID,
		Stage:     string(StageManifests),
		RepoInfo:  report.RepoInfo(),
		Inputs:    map[string]string{"image_ref": build.ImageRef},
		Preferences: map[string]string{
			"target_environment":  sess.Config.TargetEnvironment,
			"deployment_strategy": sess.Config.DeploymentStrategy,
		},
	}
	winner, err := c.manifests.Sample(ctx, gctx, sess.Config.MaxCandidates, scope.token)
	if err != nil {
		return nil, fmt.Errorf("manifest sampling failed: %w", err)
	}

	return &stageOutput{
		artifacts: map[string]artifact{
			ArtifactManifests: {content: []byte(winner.Content), mimeType: "application/yaml"},
		},
		gateInput: gates.ArtifactInput{Content: winner.Content, Score: winner.Score},
	}, nil
}

func (c *Coordinator) bodyDeployment(ctx context.Context, scope *runScope) (*stageOutput, error) {
	sess := scope.sess

	manifests, err := c.readArtifact(ctx, sess, ArtifactManifests)
	if err != nil {
		return nil, err
	}

	res, err := c.deployer.Deploy(ctx, DeployOptions{
		Manifests: string(manifests),
		Namespace: sess.Config.TargetEnvironment,
		Strategy:  sess.Config.DeploymentStrategy,
	})
	if err != nil {
		return nil, fmt.Errorf("deployment failed: %w", err)
	}

	content, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode deployment result: %w", err)
	}

	return &stageOutput{
		artifacts: map[string]artifact{
			ArtifactDeployment: {content: content, mimeType: "application/json"},
		},
		gateInput: gates.DeploymentInput{
			Succeeded: res.Succeeded,
			Endpoints: res.Endpoints,
			Health:    res.Health,
		},
	}, nil
}

func (c *Coordinator) bodyVerification(ctx context.Context, scope *runScope) (*stageOutput, error) {
	sess := scope.sess

	manifests, err := c.readArtifact(ctx, sess, ArtifactManifests)
	if err != nil {
		return nil, err
	}

	res, err := c.deployer.Verify(ctx, DeployOptions{
		Manifests: string(manifests),
		Namespace: sess.Config.TargetEnvironment,
	})
	if err != nil {
		return nil, fmt.Errorf("verification failed: %w", err)
	}
	if !res.Healthy {
		return nil, fmt.Errorf("deployed workload is unhealthy: %s", checksSummary(res.Checks))
	}

	content, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode verification result: %w", err)
	}

	return &stageOutput{
		artifacts: map[string]artifact{
			ArtifactVerification: {content: content, mimeType: "application/json"},
		},
	}, nil
}

// readArtifact fetches a prior stage's output from the resource store.
func (c *Coordinator) readArtifact(ctx context.Context, sess *Session, name string) ([]byte, error) {
	uri, ok := sess.State.Artifacts[name]
	if !ok {
		return nil, fmt.Errorf("artifact %s not recorded for session %s", name, sess.ID)
	}
	res, err := c.store.Read(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return res.Content, nil
}

func (c *Coordinator) loadAnalysis(ctx context.Context, sess *Session) (*AnalysisReport, error) {
	content, err := c.readArtifact(ctx, sess, ArtifactAnalysis)
	if err != nil {
		return nil, err
	}
	var report AnalysisReport
	if err := json.Unmarshal(content, &report); err != nil {
		return nil, fmt.Errorf("failed to decode analysis report: %w", err)
	}
	return &report, nil
}

func (c *Coordinator) loadBuild(ctx context.Context, sess *Session) (*BuildResult, error) {
	content, err := c.readArtifact(ctx, sess, ArtifactBuild)
	if err != nil {
		return nil, err
	}
	var res BuildResult
	if err := json.Unmarshal(content, &res); err != nil {
		return nil, fmt.Errorf("failed to decode build result: %w", err)
	}
	return &res, nil
}

// estimatedSizeBytes returns the winning Dockerfile candidate's size
// estimate, or zero when none was recorded.
func (c *Coordinator) estimatedSizeBytes(ctx context.Context, sess *Session) int64 {
	content, err := c.readArtifact(ctx, sess, ArtifactDockerfileMeta)
	if err != nil {
		return 0
	}
	var meta struct {
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(content, &meta); err != nil {
		return 0
	}
	switch mb := meta.Metadata["estimated_size_mb"].(type) {
	case float64:
		return int64(mb * 1024 * 1024)
	default:
		return 0
	}
}

// candidateMeta serializes a winner's provenance without its content.
func candidateMeta(winner *sampling.ScoredCandidate[string]) ([]byte, error) {
	meta := map[string]any{
		"candidate_id": winner.ID,
		"score":        winner.Score,
		"breakdown":    winner.Breakdown,
		"rank":         winner.Rank,
		"generated_at": winner.GeneratedAt,
		"metadata":     winner.Metadata,
	}
	content, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode candidate metadata: %w", err)
	}
	return content, nil
}

func scanInput(res *ScanResult) gates.ScanInput {
	return gates.ScanInput{
		Critical: res.Critical,
		High:     res.High,
		Medium:   res.Medium,
		Low:      res.Low,
	}
}

// findingsSummary renders scan findings as prompt-friendly lines,
// worst severities first.
func findingsSummary(res *ScanResult) string {
	if len(res.Findings) == 0 {
		return fmt.Sprintf("critical=%d high=%d medium=%d low=%d (no finding details)",
			res.Critical, res.High, res.Medium, res.Low)
	}

	var b strings.Builder
	for _, severity := range []string{"critical", "high", "medium", "low"} {
		for _, f := range res.Findings {
			if !strings.EqualFold(f.Severity, severity) {
				continue
			}
			fmt.Fprintf(&b, "%s %s in %s %s", strings.ToUpper(f.Severity), f.ID, f.Package, f.Version)
			if f.FixedIn != "" {
				fmt.Fprintf(&b, " (fixed in %s)", f.FixedIn)
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func checksSummary(checks map[string]string) string {
	if len(checks) == 0 {
		return "no checks reported"
	}
	parts := make([]string, 0, len(checks))
	for name, outcome := range checks {
		parts = append(parts, fmt.Sprintf("%s=%s", name, outcome))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// imageRef is DefaultImageRef under the coordinator's registry prefix.
func (c *Coordinator) imageRef(sess *Session) string {
	ref := DefaultImageRef(sess.Repository.Path, sess.ID)
	if c.registry == "" {
		return ref
	}
	return c.registry + "/" + ref
}

// DefaultImageRef derives an image name from the repository directory
// and session id.
func DefaultImageRef(repoPath, sessionID string) string {
	name := strings.ToLower(filepath.Base(filepath.Clean(repoPath)))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	cleaned := strings.Trim(b.String(), "-._")
	if cleaned == "" {
		cleaned = "app"
	}

	tag := sessionID
	if len(tag) > 8 {
		tag = tag[:8]
	}
	return cleaned + ":" + tag
}
