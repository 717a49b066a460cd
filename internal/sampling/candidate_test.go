package sampling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationContext_Fingerprint(t *testing.T) {
	gctx := GenerationContext{
		SessionID: "sess-1",
		Stage:     "dockerfile",
		RepoInfo: map[string]string{
			"language":  "go",
			"framework": "echo",
		},
		Inputs: map[string]string{
			"base_image": "golang:1.24-alpine",
		},
	}

	fp := gctx.Fingerprint()
	require.NotEmpty(t, fp)
	assert.Len(t, fp, 64) // hex-encoded SHA-256

	// Same inputs always hash the same.
	assert.Equal(t, fp, gctx.Fingerprint())
}

func TestGenerationContext_FingerprintIgnoresMapOrder(t *testing.T) {
	a := GenerationContext{
		SessionID: "sess-1",
		Stage:     "dockerfile",
		RepoInfo:  map[string]string{"language": "go", "framework": "echo", "port": "8080"},
	}
	b := GenerationContext{
		SessionID: "sess-1",
		Stage:     "dockerfile",
		RepoInfo:  map[string]string{"port": "8080", "framework": "echo", "language": "go"},
	}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestGenerationContext_FingerprintDistinguishesContent(t *testing.T) {
	base := GenerationContext{SessionID: "sess-1", Stage: "dockerfile"}

	differentStage := base
	differentStage.Stage = "manifests"
	assert.NotEqual(t, base.Fingerprint(), differentStage.Fingerprint())

	differentSession := base
	differentSession.SessionID = "sess-2"
	assert.NotEqual(t, base.Fingerprint(), differentSession.Fingerprint())

	withInputs := base
	withInputs.Inputs = map[string]string{"base_image": "alpine"}
	assert.NotEqual(t, base.Fingerprint(), withInputs.Fingerprint())
}

func TestNewCandidateID(t *testing.T) {
	gctx := GenerationContext{SessionID: "sess-1", Stage: "dockerfile"}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id := NewCandidateID(gctx, "conservative", at)
	assert.Len(t, id, 12)

	// Deterministic for the same inputs.
	assert.Equal(t, id, NewCandidateID(gctx, "conservative", at))

	// Strategy and timestamp both discriminate.
	assert.NotEqual(t, id, NewCandidateID(gctx, "aggressive", at))
	assert.NotEqual(t, id, NewCandidateID(gctx, "conservative", at.Add(time.Nanosecond)))
}

func TestWeightedScore(t *testing.T) {
	tests := []struct {
		name      string
		breakdown map[string]float64
		weights   Weights
		want      float64
	}{
		{
			name:      "single criterion",
			breakdown: map[string]float64{"security": 80},
			weights:   Weights{"security": 1},
			want:      80,
		},
		{
			name:      "weighted average",
			breakdown: map[string]float64{"security": 100, "size": 50},
			weights:   Weights{"security": 3, "size": 1},
			want:      87.5,
		},
		{
			name:      "missing criterion counts as zero",
			breakdown: map[string]float64{"security": 100},
			weights:   Weights{"security": 1, "size": 1},
			want:      50,
		},
		{
			name:      "extra breakdown entries ignored",
			breakdown: map[string]float64{"security": 100, "unweighted": 100},
			weights:   Weights{"security": 1},
			want:      100,
		},
		{
			name:      "values clamped to scoring range",
			breakdown: map[string]float64{"security": 150, "size": -20},
			weights:   Weights{"security": 1, "size": 1},
			want:      50,
		},
		{
			name:      "non-positive weights skipped",
			breakdown: map[string]float64{"security": 100, "size": 40},
			weights:   Weights{"security": 1, "size": -2},
			want:      100,
		},
		{
			name:      "no usable weights",
			breakdown: map[string]float64{"security": 100},
			weights:   Weights{},
			want:      0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightedScore(tt.breakdown, tt.weights)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
