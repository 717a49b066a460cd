package scoring

import (
	"context"

	"github.com/gambtho/container-assist/internal/sampling"
)

// Live binds a scorer constructor to the registry's current preset for
// env. Every Score call reads the weights fresh, so a preset reload
// reaches samplers that were wired before it.
func Live(p *Presets, env string, build func(sampling.Weights) sampling.Scorer[string]) sampling.Scorer[string] {
	return &liveScorer{presets: p, env: env, build: build}
}

type liveScorer struct {
	presets *Presets
	env     string
	build   func(sampling.Weights) sampling.Scorer[string]
}

func (l *liveScorer) Score(ctx context.Context, c sampling.Candidate[string]) (sampling.ScoredCandidate[string], error) {
	return l.build(l.presets.For(l.env)).Score(ctx, c)
}
