package sampling

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// GenerationContext carries everything a generator needs to produce
// candidates for one stage: session identity, repository facts, outputs
// of prior stages, and user preferences.
//
// The context participates in sample cache keys through Fingerprint, so
// all fields must be value-comparable data, not handles.
type GenerationContext struct {
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`

	// RepoInfo holds repository analysis facts (language, framework,
	// ports) keyed by field name.
	RepoInfo map[string]string `json:"repo_info,omitempty"`

	// Inputs holds prior-stage outputs keyed by artifact name.
	Inputs map[string]string `json:"inputs,omitempty"`

	// Preferences holds user-supplied generation preferences.
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Fingerprint returns a stable digest of the context. Equal contexts
// produce equal fingerprints regardless of map iteration order.
func (g GenerationContext) Fingerprint() string {
	var b strings.Builder
	b.WriteString(g.SessionID)
	b.WriteByte('|')
	b.WriteString(g.Stage)
	writeSortedMap(&b, g.RepoInfo)
	writeSortedMap(&b, g.Inputs)
	writeSortedMap(&b, g.Preferences)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeSortedMap(b *strings.Builder, m map[string]string) {
	b.WriteByte('|')
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte(';')
	}
}

// Candidate is one generated artifact. Immutable once created.
type Candidate[T any] struct {
	// ID is derived from the generation context, strategy, and
	// timestamp. It is traceable, not globally unique across runs.
	ID string `json:"id"`

	Content T `json:"content"`

	// Metadata carries generator hints the scorer may use, such as
	// estimated size or build time.
	Metadata map[string]any `json:"metadata,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// ScoredCandidate is a candidate with its final score, the raw
// per-criterion breakdown, and the rank assigned after sorting (1 = best).
type ScoredCandidate[T any] struct {
	Candidate[T]

	// Score is the weighted final score in [0,100].
	Score float64 `json:"score"`

	// Breakdown holds raw unweighted sub-scores per criterion.
	Breakdown map[string]float64 `json:"breakdown,omitempty"`

	// Rank is assigned by the selector; ranks in a scored set are a
	// contiguous 1..N with no duplicates even when scores tie.
	Rank int `json:"rank"`
}

// NewCandidateID derives a candidate id from its generation inputs.
func NewCandidateID(gctx GenerationContext, strategy string, at time.Time) string {
	seed := fmt.Sprintf("%s|%s|%d", gctx.Fingerprint(), strategy, at.UnixNano())
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:12]
}

// Weights maps criterion names to their relative weight in a final score.
type Weights map[string]float64

// WeightedScore folds a criterion breakdown into a single [0,100] score:
// sum(criterion*weight)/sum(weight). Breakdown criteria without a weight
// are ignored; weighted criteria missing from the breakdown score zero.
// An empty weight set scores zero.
func WeightedScore(breakdown map[string]float64, weights Weights) float64 {
	var weighted, total float64
	for name, w := range weights {
		if w <= 0 {
			continue
		}
		total += w

		c := breakdown[name]
		if c < 0 {
			c = 0
		} else if c > 100 {
			c = 100
		}
		weighted += c * w
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}
