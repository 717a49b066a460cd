package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/sampling"
)

const (
	defaultBaseTemperature   = 0.2
	defaultTemperatureSpread = 0.6

	// hintLimit bounds how many known-fix hints a remediation prompt
	// carries.
	hintLimit = 3
)

// Scrubber redacts secret material from prompt text before it reaches
// the model.
type Scrubber interface {
	Scrub(s string) string
}

// HintSource supplies known-fix hints for vulnerability findings.
type HintSource interface {
	Hints(ctx context.Context, query string, limit int) ([]string, error)
}

// GeneratorOptions configures the stage generators.
type GeneratorOptions struct {
	// Completer produces the raw model output. Required.
	Completer Completer

	// Scrubber cleans prompts of secret material. Optional; prompts
	// pass through unchanged without one.
	Scrubber Scrubber

	// Hints enriches remediation prompts with known fixes. Optional.
	Hints HintSource

	Logger *zap.Logger

	// BaseTemperature seeds the spread (default 0.2).
	// TemperatureSpread is the range covered across a batch (default
	// 0.6); negative disables spreading.
	BaseTemperature   float64
	TemperatureSpread float64
}

// stageGenerator is the shared machinery behind the three stage
// generators: build one prompt, request count variants across a
// temperature spread, normalize and annotate what comes back.
type stageGenerator struct {
	name      string
	system    string
	completer Completer
	logger    *zap.Logger
	baseTemp  float64
	spread    float64

	buildPrompt func(ctx context.Context, gctx sampling.GenerationContext) (string, error)
	clean       func(raw string) (string, error)
	metadata    func(content string, temperature float64, variant int) map[string]any
}

// NewDockerfileGenerator creates the Dockerfile candidate generator.
func NewDockerfileGenerator(opts GeneratorOptions) (sampling.Generator[string], error) {
	g, err := newStageGenerator("dockerfile", dockerfileSystemPrompt, opts)
	if err != nil {
		return nil, err
	}
	g.buildPrompt = func(_ context.Context, gctx sampling.GenerationContext) (string, error) {
		return scrub(opts.Scrubber, buildDockerfilePrompt(gctx)), nil
	}
	g.clean = cleanDockerfile
	g.metadata = dockerfileMetadata
	return g, nil
}

// NewManifestGenerator creates the Kubernetes manifest candidate
// generator.
func NewManifestGenerator(opts GeneratorOptions) (sampling.Generator[string], error) {
	g, err := newStageGenerator("manifests", manifestSystemPrompt, opts)
	if err != nil {
		return nil, err
	}
	g.buildPrompt = func(_ context.Context, gctx sampling.GenerationContext) (string, error) {
		prompt, err := buildManifestPrompt(gctx)
		if err != nil {
			return "", err
		}
		return scrub(opts.Scrubber, prompt), nil
	}
	g.clean = cleanManifests
	g.metadata = manifestMetadata
	return g, nil
}

// NewRemediationGenerator creates the vulnerability remediation
// generator. With a HintSource, prompts carry known fixes matching the
// scan findings; hint lookup failures degrade to a plain prompt.
func NewRemediationGenerator(opts GeneratorOptions) (sampling.Generator[string], error) {
	g, err := newStageGenerator("remediation", remediationSystemPrompt, opts)
	if err != nil {
		return nil, err
	}
	g.buildPrompt = func(ctx context.Context, gctx sampling.GenerationContext) (string, error) {
		hints := lookupHints(ctx, opts.Hints, gctx, g.logger)
		prompt, err := buildRemediationPrompt(gctx, hints)
		if err != nil {
			return "", err
		}
		return scrub(opts.Scrubber, prompt), nil
	}
	g.clean = cleanDockerfile
	g.metadata = dockerfileMetadata
	return g, nil
}

func newStageGenerator(name, system string, opts GeneratorOptions) (*stageGenerator, error) {
	if opts.Completer == nil {
		return nil, errors.New("completer is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	baseTemp := opts.BaseTemperature
	if baseTemp <= 0 {
		baseTemp = defaultBaseTemperature
	}
	spread := opts.TemperatureSpread
	if spread == 0 {
		spread = defaultTemperatureSpread
	} else if spread < 0 {
		spread = 0
	}

	return &stageGenerator{
		name:      name,
		system:    system,
		completer: opts.Completer,
		logger:    logger,
		baseTemp:  baseTemp,
		spread:    spread,
	}, nil
}

// Name implements sampling.Generator.
func (g *stageGenerator) Name() string { return g.name }

// Generate implements sampling.Generator: one prompt, count completions
// across the temperature spread. A failed or malformed variant is
// dropped and logged; the batch fails only when every variant does.
func (g *stageGenerator) Generate(ctx context.Context, gctx sampling.GenerationContext, count int) ([]sampling.Candidate[string], error) {
	if count < 1 {
		count = 1
	}

	prompt, err := g.buildPrompt(ctx, gctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s prompt: %w", g.name, err)
	}

	candidates := make([]sampling.Candidate[string], 0, count)
	var lastErr error
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break
		}

		temperature := g.temperatureFor(i, count)
		raw, err := g.completer.Complete(ctx, CompletionRequest{
			System:      g.system,
			Prompt:      prompt,
			Temperature: temperature,
		})
		if err != nil {
			g.logger.Warn("candidate generation failed",
				zap.String("generator", g.name),
				zap.Int("variant", i),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		content, err := g.clean(raw)
		if err != nil {
			g.logger.Warn("discarding malformed candidate",
				zap.String("generator", g.name),
				zap.Int("variant", i),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		now := time.Now()
		candidates = append(candidates, sampling.Candidate[string]{
			ID:          sampling.NewCandidateID(gctx, fmt.Sprintf("%s-v%d", g.name, i), now),
			Content:     content,
			Metadata:    g.metadata(content, temperature, i),
			GeneratedAt: now,
		})
	}

	if len(candidates) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if lastErr != nil {
			return nil, fmt.Errorf("all %d %s variants failed: %w", count, g.name, lastErr)
		}
	}

	return candidates, nil
}

// temperatureFor spreads temperatures evenly across the batch, clamped
// to 1.0. A batch of one uses the base temperature.
func (g *stageGenerator) temperatureFor(i, count int) float64 {
	if count <= 1 || g.spread == 0 {
		return g.baseTemp
	}
	t := g.baseTemp + g.spread*float64(i)/float64(count-1)
	if t > 1 {
		t = 1
	}
	return t
}

// lookupHints queries the hint source with the findings summary. Hints
// are advisory: lookup failures log and return nothing.
func lookupHints(ctx context.Context, src HintSource, gctx sampling.GenerationContext, logger *zap.Logger) []string {
	if src == nil {
		return nil
	}
	query := gctx.Inputs["findings"]
	if query == "" {
		return nil
	}

	hints, err := src.Hints(ctx, query, hintLimit)
	if err != nil {
		logger.Warn("hint lookup failed", zap.Error(err))
		return nil
	}
	return hints
}

func scrub(s Scrubber, text string) string {
	if s == nil {
		return text
	}
	return s.Scrub(text)
}

// cleanDockerfile normalizes a model response into Dockerfile content.
func cleanDockerfile(raw string) (string, error) {
	content := stripCodeFence(raw)
	if content == "" {
		return "", errors.New("empty dockerfile")
	}
	if !hasInstruction(content, "FROM") {
		return "", errors.New("missing FROM instruction")
	}
	return content + "\n", nil
}

// cleanManifests normalizes a model response into manifest YAML. Full
// well-formedness is the scorer's job; this rejects only obvious
// non-manifests.
func cleanManifests(raw string) (string, error) {
	content := stripCodeFence(raw)
	if content == "" {
		return "", errors.New("empty manifests")
	}
	if !strings.Contains(content, "kind:") {
		return "", errors.New("no kubernetes kind found")
	}
	return content + "\n", nil
}

// stripCodeFence unwraps a fenced code block. Responses with a fence
// return the first block's body; anything else passes through trimmed.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}

	rest := s[start+3:]
	// the opening fence line may carry a language tag
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return ""
	}
	rest = rest[nl+1:]

	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// hasInstruction reports whether any line starts with the named
// Dockerfile instruction.
func hasInstruction(content, name string) bool {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.EqualFold(fields[0], name) {
			return true
		}
	}
	return false
}

// dockerfileMetadata derives the scorer hints for a Dockerfile
// candidate.
func dockerfileMetadata(content string, temperature float64, variant int) map[string]any {
	base := finalBaseImage(content)
	return map[string]any{
		"base_image":              base,
		"estimated_size_mb":       estimateImageSizeMB(base),
		"estimated_build_seconds": estimateBuildSeconds(content),
		"temperature":             temperature,
		"variant":                 variant,
	}
}

func manifestMetadata(_ string, temperature float64, variant int) map[string]any {
	return map[string]any{
		"temperature": temperature,
		"variant":     variant,
	}
}

// finalBaseImage returns the image of the last FROM instruction, which
// determines the runtime layer's footprint.
func finalBaseImage(content string) string {
	image := ""
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.EqualFold(fields[0], "FROM") {
			continue
		}
		for _, f := range fields[1:] {
			if strings.HasPrefix(f, "--") {
				continue
			}
			image = f
			break
		}
	}
	return image
}

// estimateImageSizeMB is a coarse size prior keyed on the runtime base
// image; the scorer blends it with structural signals.
func estimateImageSizeMB(base string) float64 {
	b := strings.ToLower(base)
	switch {
	case b == "":
		return 300
	case b == "scratch":
		return 15
	case strings.Contains(b, "distroless"):
		return 35
	case strings.Contains(b, "alpine"):
		return 80
	case strings.Contains(b, "slim"):
		return 150
	default:
		return 300
	}
}

// estimateBuildSeconds guesses build duration from instruction counts.
func estimateBuildSeconds(content string) float64 {
	runs, stages := 0, 0
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch {
		case strings.EqualFold(fields[0], "RUN"):
			runs++
		case strings.EqualFold(fields[0], "FROM"):
			stages++
		}
	}

	secs := 30.0 + 45*float64(runs)
	if stages > 1 {
		secs += 20 * float64(stages-1)
	}
	return secs
}
