package scoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gambtho/container-assist/internal/sampling"
)

// ErrMalformedManifest indicates candidate content that is not usable
// Kubernetes YAML. The sampling loop drops such candidates.
var ErrMalformedManifest = errors.New("malformed manifest")

// manifestFacts is the structural digest the criteria are computed from.
type manifestFacts struct {
	kinds       []string
	apiVersions []string
	replicas    int
	hasReplicas bool
	raw         string
}

// ManifestScorer scores Kubernetes manifest candidates with deterministic
// structural rules. It implements sampling.Scorer[string].
//
// The criteria names match the Dockerfile scorer so one environment
// preset tunes both: here "size" reads as resource footprint (requests,
// limits, modest replica counts) and "build_speed" as rollout readiness
// (probes, update strategy).
type ManifestScorer struct {
	weights sampling.Weights
}

// NewManifestScorer creates a scorer with the given weight preset.
func NewManifestScorer(weights sampling.Weights) *ManifestScorer {
	return &ManifestScorer{weights: weights}
}

// Score computes the weighted criteria breakdown for one candidate.
func (s *ManifestScorer) Score(_ context.Context, c sampling.Candidate[string]) (sampling.ScoredCandidate[string], error) {
	facts, err := analyzeManifest(c.Content)
	if err != nil {
		return sampling.ScoredCandidate[string]{}, err
	}

	breakdown := map[string]float64{
		CriterionSecurity:        manifestSecurity(facts),
		CriterionSize:            manifestFootprint(facts),
		CriterionBuildSpeed:      manifestRollout(facts),
		CriterionMaintainability: manifestMaintainability(facts),
	}

	return sampling.ScoredCandidate[string]{
		Candidate: c,
		Score:     sampling.WeightedScore(breakdown, s.weights),
		Breakdown: breakdown,
	}, nil
}

// analyzeManifest decodes every YAML document and extracts the fields the
// criteria need. Any document that fails to parse, or lacks apiVersion or
// kind, makes the whole candidate malformed.
func analyzeManifest(content string) (manifestFacts, error) {
	if strings.TrimSpace(content) == "" {
		return manifestFacts{}, fmt.Errorf("%w: empty content", ErrMalformedManifest)
	}

	facts := manifestFacts{raw: content}
	dec := yaml.NewDecoder(strings.NewReader(content))

	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return manifestFacts{}, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
		}
		if doc == nil {
			continue
		}

		kind, _ := doc["kind"].(string)
		apiVersion, _ := doc["apiVersion"].(string)
		if kind == "" || apiVersion == "" {
			return manifestFacts{}, fmt.Errorf("%w: document missing kind or apiVersion", ErrMalformedManifest)
		}
		facts.kinds = append(facts.kinds, kind)
		facts.apiVersions = append(facts.apiVersions, apiVersion)

		if spec, ok := doc["spec"].(map[string]any); ok {
			if replicas, ok := asInt(spec["replicas"]); ok {
				facts.replicas = replicas
				facts.hasReplicas = true
			}
		}
	}

	if len(facts.kinds) == 0 {
		return manifestFacts{}, fmt.Errorf("%w: no documents", ErrMalformedManifest)
	}

	return facts, nil
}

func manifestSecurity(f manifestFacts) float64 {
	score := 100.0

	if strings.Contains(f.raw, "privileged: true") {
		score -= 40
	}
	if !strings.Contains(f.raw, "runAsNonRoot: true") {
		score -= 20
	}
	if strings.Contains(f.raw, "hostNetwork: true") {
		score -= 15
	}
	if anyImageUntaggedOrLatest(f.raw) {
		score -= 15
	}
	if !strings.Contains(f.raw, "readOnlyRootFilesystem: true") {
		score -= 5
	}

	return clampScore(score)
}

func manifestFootprint(f manifestFacts) float64 {
	score := 30.0

	if strings.Contains(f.raw, "limits:") {
		score += 30
	}
	if strings.Contains(f.raw, "requests:") {
		score += 25
	}
	if f.hasReplicas && f.replicas >= 1 && f.replicas <= 5 {
		score += 15
	}

	return clampScore(score)
}

func manifestRollout(f manifestFacts) float64 {
	score := 45.0

	if strings.Contains(f.raw, "readinessProbe:") {
		score += 25
	}
	if strings.Contains(f.raw, "livenessProbe:") {
		score += 15
	}
	if strings.Contains(f.raw, "rollingUpdate") || strings.Contains(f.raw, "strategy:") {
		score += 15
	}

	return clampScore(score)
}

func manifestMaintainability(f manifestFacts) float64 {
	score := 40.0

	if strings.Contains(f.raw, "app.kubernetes.io/") {
		score += 15
	} else if strings.Contains(f.raw, "labels:") {
		score += 10
	}
	if len(f.kinds) >= 2 {
		// A workload plus its Service (or similar) in one artifact.
		score += 10
	}
	if strings.Contains(f.raw, "namespace:") {
		score += 5
	}

	deprecated := false
	for _, v := range f.apiVersions {
		if strings.Contains(v, "v1beta") || strings.HasPrefix(v, "extensions/") {
			deprecated = true
			break
		}
	}
	if deprecated {
		score -= 25
	} else {
		score += 10
	}

	return clampScore(score)
}

// anyImageUntaggedOrLatest scans image: lines for floating references.
func anyImageUntaggedOrLatest(raw string) bool {
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "image:") {
			continue
		}
		ref := strings.TrimSpace(strings.TrimPrefix(trimmed, "image:"))
		ref = strings.Trim(ref, `"'`)
		if ref == "" {
			continue
		}
		if imageUntaggedOrLatest(ref) {
			return true
		}
	}
	return false
}

// asInt normalizes YAML numeric decodings.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
