// Package gates validates stage outputs against configured thresholds
// before the pipeline advances. Every check is a pure function of its
// input plus the checker's configuration: no state is mutated, and the
// same input always produces the same Result.
package gates

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Result is the outcome of one gate check. Reason is always set when the
// gate fails. Metrics carries measured values and warning flags for
// passing-with-caveats outcomes.
type Result struct {
	Passed      bool
	Reason      string
	Metrics     map[string]any
	Suggestions []string
}

// pass returns a passing result with optional metrics.
func pass(metrics map[string]any) Result {
	return Result{Passed: true, Metrics: metrics}
}

// fail returns a failing result.
func fail(reason string, metrics map[string]any, suggestions ...string) Result {
	return Result{Passed: false, Reason: reason, Metrics: metrics, Suggestions: suggestions}
}

// Config holds the gate thresholds.
type Config struct {
	// Vulnerability count ceilings per severity.
	MaxCritical int
	MaxHigh     int
	MaxMedium   int

	// Image size ratio against the best candidate: above RejectFactor
	// the build gate fails, above SanityFactor it passes with a warning.
	SizeRejectFactor float64
	SizeSanityFactor float64

	// Minimum sampling scores for generated artifacts.
	MinDockerfileScore float64
	MinManifestScore   float64
}

// DefaultConfig returns the default gate thresholds.
func DefaultConfig() Config {
	return Config{
		MaxCritical:        0,
		MaxHigh:            3,
		MaxMedium:          10,
		SizeRejectFactor:   1.5,
		SizeSanityFactor:   1.2,
		MinDockerfileScore: 60,
		MinManifestScore:   60,
	}
}

// severityRank orders vulnerability levels for threshold derivation.
var severityRank = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

// ForVulnerabilityLevel returns a copy of the config with severities
// above the given level zeroed out: a level of "high" tolerates no
// critical findings regardless of MaxCritical, "low" tolerates only low
// findings. Unknown levels leave the config unchanged.
func (c Config) ForVulnerabilityLevel(level string) Config {
	rank, ok := severityRank[level]
	if !ok {
		return c
	}
	if severityRank["critical"] > rank {
		c.MaxCritical = 0
	}
	if severityRank["high"] > rank {
		c.MaxHigh = 0
	}
	if severityRank["medium"] > rank {
		c.MaxMedium = 0
	}
	return c
}

// AnalysisInput is the repository analysis summary the analysis gate
// inspects.
type AnalysisInput struct {
	Language   string
	Framework  string
	Entrypoint string
	Ports      []int
}

// ScanInput is the vulnerability count summary from the scan stage.
type ScanInput struct {
	Critical int
	High     int
	Medium   int
	Low      int
}

// BuildInput is the build stage summary. BestSizeBytes is zero when no
// reference candidate size is known.
type BuildInput struct {
	ImageID       string
	SizeBytes     int64
	BestSizeBytes int64
}

// DeploymentInput is the deployment stage summary. Health is empty when
// the deploy engine reported no health status.
type DeploymentInput struct {
	Succeeded bool
	Endpoints []string
	Health    string
}

// ArtifactInput is the sampling outcome for a generated artifact stage.
type ArtifactInput struct {
	Content string
	Score   float64
}

// Checker runs the per-stage gates.
type Checker struct {
	config Config
	logger *zap.Logger
}

// NewChecker creates a gate checker.
func NewChecker(cfg Config, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{config: cfg, logger: logger}
}

// Check dispatches to the gate matching the stage name. Stages without a
// gate, and unrecognized stage names, pass explicitly. A payload of the
// wrong type for a known stage fails the gate rather than silently
// passing.
func (c *Checker) Check(stage string, data any) Result {
	switch stage {
	case "analysis":
		if in, ok := data.(AnalysisInput); ok {
			return c.Analysis(in)
		}
	case "dockerfile":
		if in, ok := data.(ArtifactInput); ok {
			return c.Dockerfile(in)
		}
	case "build":
		if in, ok := data.(BuildInput); ok {
			return c.Build(in)
		}
	case "scan":
		if in, ok := data.(ScanInput); ok {
			return c.Scan(in)
		}
	case "manifests":
		if in, ok := data.(ArtifactInput); ok {
			return c.Manifests(in)
		}
	case "deployment":
		if in, ok := data.(DeploymentInput); ok {
			return c.Deployment(in)
		}
	default:
		c.logger.Debug("no gate for stage, passing", zap.String("stage", stage))
		return pass(nil)
	}

	return fail(fmt.Sprintf("unexpected payload type %T for %s gate", data, stage), nil)
}

// Analysis fails when any required analysis field is missing, and warns
// when a web framework was detected without any ports.
func (c *Checker) Analysis(in AnalysisInput) Result {
	var missing []string
	if in.Language == "" {
		missing = append(missing, "language")
	}
	if in.Framework == "" {
		missing = append(missing, "framework")
	}
	if in.Entrypoint == "" {
		missing = append(missing, "entrypoint")
	}
	if len(missing) > 0 {
		return fail(
			fmt.Sprintf("analysis incomplete: missing %s", strings.Join(missing, ", ")),
			map[string]any{"missing_fields": missing},
			"re-run analysis on the repository root",
			"supply the missing fields explicitly in the run options",
		)
	}

	metrics := map[string]any{
		"language":  in.Language,
		"framework": in.Framework,
		"ports":     len(in.Ports),
	}
	if isWebFramework(in.Framework) && len(in.Ports) == 0 {
		metrics["missing_ports_warning"] = true
	}
	return pass(metrics)
}

// Scan fails when vulnerability counts exceed the per-severity ceilings.
func (c *Checker) Scan(in ScanInput) Result {
	metrics := map[string]any{
		"critical": in.Critical,
		"high":     in.High,
		"medium":   in.Medium,
		"low":      in.Low,
	}

	var over []string
	if in.Critical > c.config.MaxCritical {
		over = append(over, fmt.Sprintf("critical %d > %d", in.Critical, c.config.MaxCritical))
	}
	if in.High > c.config.MaxHigh {
		over = append(over, fmt.Sprintf("high %d > %d", in.High, c.config.MaxHigh))
	}
	if in.Medium > c.config.MaxMedium {
		over = append(over, fmt.Sprintf("medium %d > %d", in.Medium, c.config.MaxMedium))
	}
	if len(over) > 0 {
		return fail(
			fmt.Sprintf("vulnerability thresholds exceeded: %s", strings.Join(over, ", ")),
			metrics,
			"update the base image to a newer patch release",
			"patch or upgrade the flagged dependencies and rebuild",
		)
	}

	return pass(metrics)
}

// Build fails when no image was produced or the image is far larger than
// the best candidate; moderately oversized images pass with a warning.
func (c *Checker) Build(in BuildInput) Result {
	if in.ImageID == "" {
		return fail("build produced no image identifier", nil,
			"inspect the build log for the failing instruction",
		)
	}

	metrics := map[string]any{"size_bytes": in.SizeBytes}
	if in.BestSizeBytes <= 0 || in.SizeBytes <= 0 {
		return pass(metrics)
	}

	ratio := float64(in.SizeBytes) / float64(in.BestSizeBytes)
	metrics["size_ratio"] = ratio

	if ratio > c.config.SizeRejectFactor {
		return fail(
			fmt.Sprintf("image is %.2fx the best candidate size (reject above %.2fx)", ratio, c.config.SizeRejectFactor),
			metrics,
			"use a slimmer base image",
			"split the build into build and runtime stages",
			"remove build-time dependencies from the final stage",
		)
	}
	if ratio > c.config.SizeSanityFactor {
		metrics["size_warning"] = true
	}
	return pass(metrics)
}

// Deployment fails when the rollout did not succeed or reported an
// unhealthy status; missing endpoints only warn.
func (c *Checker) Deployment(in DeploymentInput) Result {
	if !in.Succeeded {
		return fail("deployment did not succeed", nil,
			"check rollout events for the failing replica set",
		)
	}
	if in.Health != "" && in.Health != "healthy" {
		return fail(
			fmt.Sprintf("deployment health is %q, expected healthy", in.Health),
			map[string]any{"health": in.Health},
			"inspect pod logs and readiness probe configuration",
		)
	}

	metrics := map[string]any{"endpoints": len(in.Endpoints)}
	if len(in.Endpoints) == 0 {
		metrics["no_endpoints_warning"] = true
	}
	return pass(metrics)
}

// Dockerfile enforces a minimum sampling score on the generated
// Dockerfile.
func (c *Checker) Dockerfile(in ArtifactInput) Result {
	return c.artifactGate("dockerfile", in, c.config.MinDockerfileScore)
}

// Manifests enforces a minimum sampling score on the generated
// manifests.
func (c *Checker) Manifests(in ArtifactInput) Result {
	return c.artifactGate("manifests", in, c.config.MinManifestScore)
}

func (c *Checker) artifactGate(stage string, in ArtifactInput, minScore float64) Result {
	if strings.TrimSpace(in.Content) == "" {
		return fail(fmt.Sprintf("%s stage produced empty content", stage), nil)
	}

	metrics := map[string]any{"score": in.Score}
	if in.Score < minScore {
		return fail(
			fmt.Sprintf("%s score %.1f below minimum %.1f", stage, in.Score, minScore),
			metrics,
			"raise the candidate count to sample more alternatives",
			"review the scoring breakdown for the weakest criterion",
		)
	}
	return pass(metrics)
}

// isWebFramework reports whether the detected framework typically serves
// network traffic and should therefore expose ports.
func isWebFramework(framework string) bool {
	webFrameworks := []string{
		"gin", "echo", "fiber", "chi", "net/http",
		"express", "fastify", "koa", "nestjs", "next.js",
		"flask", "django", "fastapi",
		"spring", "spring-boot", "quarkus", "micronaut",
		"rails", "sinatra", "laravel", "symfony",
	}
	lower := strings.ToLower(framework)
	for _, w := range webFrameworks {
		if lower == w {
			return true
		}
	}
	return false
}
