package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gambtho/container-assist/internal/sampling"
)

// ErrMalformedDockerfile indicates candidate content that is not a usable
// Dockerfile. The sampling loop drops such candidates.
var ErrMalformedDockerfile = errors.New("malformed dockerfile")

// instruction is one Dockerfile directive with its argument string.
type instruction struct {
	cmd  string
	args string
}

// dockerfileFacts is the structural digest the criteria are computed from.
type dockerfileFacts struct {
	instructions []instruction
	baseImages   []string // FROM image per stage, in order
	comments     int
}

// DockerfileScorer scores Dockerfile candidates with deterministic
// structural rules. It implements sampling.Scorer[string].
type DockerfileScorer struct {
	weights sampling.Weights
}

// NewDockerfileScorer creates a scorer with the given weight preset.
func NewDockerfileScorer(weights sampling.Weights) *DockerfileScorer {
	return &DockerfileScorer{weights: weights}
}

// Score computes the weighted criteria breakdown for one candidate.
// Criteria:
//  1. security: non-root user, pinned base image, no remote ADD, no
//     baked-in credentials, no piped installs
//  2. size: multi-stage builds, slim final base, package-cache cleanup,
//     plus the estimated_size_mb metadata hint
//  3. build_speed: dependency-manifest layering before the full source
//     copy, RUN layer count, cache mounts, plus the
//     estimated_build_seconds metadata hint
//  4. maintainability: comments, labels, workdir, healthcheck, exec-form
//     entrypoint
func (s *DockerfileScorer) Score(_ context.Context, c sampling.Candidate[string]) (sampling.ScoredCandidate[string], error) {
	facts, err := analyzeDockerfile(c.Content)
	if err != nil {
		return sampling.ScoredCandidate[string]{}, err
	}

	breakdown := map[string]float64{
		CriterionSecurity:        dockerfileSecurity(facts),
		CriterionSize:            dockerfileSize(facts, c.Metadata),
		CriterionBuildSpeed:      dockerfileBuildSpeed(facts, c.Metadata),
		CriterionMaintainability: dockerfileMaintainability(facts),
	}

	return sampling.ScoredCandidate[string]{
		Candidate: c,
		Score:     sampling.WeightedScore(breakdown, s.weights),
		Breakdown: breakdown,
	}, nil
}

// analyzeDockerfile parses content into instructions. Line continuations
// are folded; comment lines are counted, not kept.
func analyzeDockerfile(content string) (dockerfileFacts, error) {
	if strings.TrimSpace(content) == "" {
		return dockerfileFacts{}, fmt.Errorf("%w: empty content", ErrMalformedDockerfile)
	}

	var facts dockerfileFacts
	var pending string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			facts.comments++
			continue
		}

		if strings.HasSuffix(line, "\\") {
			pending += strings.TrimSuffix(line, "\\") + " "
			continue
		}
		full := pending + line
		pending = ""

		cmd, args, _ := strings.Cut(full, " ")
		inst := instruction{
			cmd:  strings.ToUpper(cmd),
			args: strings.TrimSpace(args),
		}
		facts.instructions = append(facts.instructions, inst)

		if inst.cmd == "FROM" {
			image, _, _ := strings.Cut(inst.args, " ")
			facts.baseImages = append(facts.baseImages, image)
		}
	}

	if len(facts.baseImages) == 0 {
		return dockerfileFacts{}, fmt.Errorf("%w: no FROM instruction", ErrMalformedDockerfile)
	}

	return facts, nil
}

func dockerfileSecurity(f dockerfileFacts) float64 {
	score := 100.0

	if !hasNonRootUser(f) {
		score -= 40
	}
	if imageUntaggedOrLatest(finalBase(f)) {
		score -= 20
	}

	for _, inst := range f.instructions {
		lower := strings.ToLower(inst.args)
		switch inst.cmd {
		case "ADD":
			if strings.Contains(lower, "http://") || strings.Contains(lower, "https://") {
				score -= 10
			}
		case "ENV", "ARG":
			if looksLikeCredential(inst.args) {
				score -= 15
			}
		case "RUN":
			if (strings.Contains(lower, "curl") || strings.Contains(lower, "wget")) &&
				strings.Contains(lower, "| sh") {
				score -= 10
			}
		}
	}

	return clampScore(score)
}

func dockerfileSize(f dockerfileFacts, metadata map[string]any) float64 {
	score := 40.0

	if len(f.baseImages) >= 2 {
		score += 25
	}
	if slimImage(finalBase(f)) {
		score += 20
	}
	for _, inst := range f.instructions {
		if inst.cmd != "RUN" {
			continue
		}
		lower := strings.ToLower(inst.args)
		if strings.Contains(lower, "--no-cache") || strings.Contains(lower, "rm -rf /var/lib/apt/lists") {
			score += 10
			break
		}
	}
	score = clampScore(score)

	if mb, ok := metadataFloat(metadata, "estimated_size_mb"); ok {
		hint := clampScore(100 - mb/10)
		score = (score + hint) / 2
	}

	return score
}

func dockerfileBuildSpeed(f dockerfileFacts, metadata map[string]any) float64 {
	score := 50.0

	if dependencyLayerBeforeSource(f) {
		score += 25
	}

	runs := 0
	cacheMount := false
	for _, inst := range f.instructions {
		if inst.cmd != "RUN" {
			continue
		}
		runs++
		if strings.Contains(inst.args, "--mount=type=cache") {
			cacheMount = true
		}
	}
	if runs > 0 && runs <= 5 {
		score += 15
	} else if runs > 10 {
		score -= 15
	}
	if cacheMount {
		score += 10
	}
	score = clampScore(score)

	if secs, ok := metadataFloat(metadata, "estimated_build_seconds"); ok {
		hint := clampScore(100 - secs/6)
		score = (score + hint) / 2
	}

	return score
}

func dockerfileMaintainability(f dockerfileFacts) float64 {
	score := 40.0

	if f.comments > 0 {
		score += 10
	}
	if !imageUntaggedOrLatest(finalBase(f)) {
		score += 10
	}

	seen := map[string]bool{}
	for _, inst := range f.instructions {
		switch inst.cmd {
		case "LABEL", "WORKDIR", "HEALTHCHECK":
			seen[inst.cmd] = true
		case "ENTRYPOINT", "CMD":
			if strings.HasPrefix(inst.args, "[") {
				seen["EXEC_FORM"] = true
			}
		}
	}
	if seen["LABEL"] {
		score += 10
	}
	if seen["WORKDIR"] {
		score += 10
	}
	if seen["HEALTHCHECK"] {
		score += 15
	}
	if seen["EXEC_FORM"] {
		score += 5
	}

	return clampScore(score)
}

// looksLikeCredential reports whether an ENV or ARG bakes a secret value
// into the image rather than declaring a passthrough variable.
func looksLikeCredential(args string) bool {
	upper := strings.ToUpper(args)
	name, value, ok := strings.Cut(upper, "=")
	if !ok {
		name, value, ok = strings.Cut(upper, " ")
	}
	if !ok || strings.TrimSpace(value) == "" {
		return false
	}
	for _, marker := range []string{"PASSWORD", "SECRET", "TOKEN", "API_KEY", "APIKEY", "PRIVATE_KEY"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// hasNonRootUser reports whether the last USER instruction switches away
// from root.
func hasNonRootUser(f dockerfileFacts) bool {
	user := ""
	for _, inst := range f.instructions {
		if inst.cmd == "USER" {
			user = inst.args
		}
	}
	if user == "" {
		return false
	}
	name, _, _ := strings.Cut(user, ":")
	return name != "root" && name != "0"
}

// finalBase returns the base image of the last build stage.
func finalBase(f dockerfileFacts) string {
	if len(f.baseImages) == 0 {
		return ""
	}
	return f.baseImages[len(f.baseImages)-1]
}

// dependencyLayerBeforeSource reports whether a dependency manifest is
// copied in its own layer before the full source tree, the layout that
// keeps dependency layers cached across source edits.
func dependencyLayerBeforeSource(f dockerfileFacts) bool {
	manifests := []string{
		"go.mod", "go.sum", "package.json", "package-lock.json",
		"requirements.txt", "pyproject.toml", "pom.xml", "build.gradle",
		"Gemfile", "Cargo.toml",
	}

	sawManifestCopy := false
	for _, inst := range f.instructions {
		if inst.cmd != "COPY" {
			continue
		}
		if copiesFullSource(inst.args) {
			return sawManifestCopy
		}
		for _, m := range manifests {
			if strings.Contains(inst.args, m) {
				sawManifestCopy = true
				break
			}
		}
	}
	return false
}

// copiesFullSource reports whether a COPY copies the whole build context.
func copiesFullSource(args string) bool {
	fields := strings.Fields(args)
	for _, f := range fields[:max(len(fields)-1, 0)] {
		if f == "." || f == "./" {
			return true
		}
	}
	return false
}

// imageUntaggedOrLatest reports whether an image reference floats: no tag
// at all, or the latest tag. Registry ports do not count as tags.
func imageUntaggedOrLatest(ref string) bool {
	if ref == "" || ref == "scratch" {
		return false
	}
	// Stage references (FROM builder) never carry a tag; a reference
	// without '/' or '.' and without ':' could be either a stage name or
	// a library image. Treat bare single-word references with a tag
	// separator as taggable.
	last := ref
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		last = ref[i+1:]
	}
	_, tag, ok := strings.Cut(last, ":")
	if !ok {
		return true
	}
	return tag == "latest"
}

// slimImage reports whether the image reference is a minimal base.
func slimImage(ref string) bool {
	lower := strings.ToLower(ref)
	for _, marker := range []string{"alpine", "slim", "distroless", "scratch", "busybox"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// metadataFloat reads a numeric metadata hint.
func metadataFloat(metadata map[string]any, key string) (float64, bool) {
	switch v := metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// clampScore bounds a criterion score to [0,100].
func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
