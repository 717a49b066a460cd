package sampling

import (
	"context"
	"errors"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrNoCandidates is returned when selection runs on an empty set.
// Selecting from nothing is an error, never an empty result.
var ErrNoCandidates = errors.New("no candidates to select from")

// Generator produces candidate artifacts for a stage.
//
// Retries and backoff for the underlying content source are the
// generator's own concern; the orchestrator treats Generate as a single
// opaque call.
type Generator[T any] interface {
	// Generate returns up to count candidates. Returning zero
	// candidates without an error still fails the sample.
	Generate(ctx context.Context, gctx GenerationContext, count int) ([]Candidate[T], error)

	// Name identifies the generator; it participates in sample cache
	// keys.
	Name() string
}

// Scorer grades one candidate. Implementations are deterministic
// functions of the candidate content and metadata with no external calls.
type Scorer[T any] interface {
	Score(ctx context.Context, candidate Candidate[T]) (ScoredCandidate[T], error)
}

// Selector ranks a scored set and picks winners.
type Selector[T any] interface {
	// Select returns the single best candidate.
	Select(scored []ScoredCandidate[T]) (ScoredCandidate[T], error)

	// SelectTop returns the best n candidates in rank order. When n
	// exceeds the set size, the whole ranked set is returned.
	SelectTop(scored []ScoredCandidate[T], n int) ([]ScoredCandidate[T], error)
}

// TieBreakSelector ranks candidates by score descending and resolves
// near-ties at the top in favor of the most recently generated candidate.
//
// Ordering is fully deterministic: score descending, then generation time
// descending, then id. Ranks are assigned 1..N after sorting, so a scored
// set never contains duplicate ranks even when scores tie. When the top
// two scores differ by less than the configured margin and the runner-up
// is newer, the two swap; the event is logged and counted so audits can
// see every margin-based decision.
type TieBreakSelector[T any] struct {
	margin float64
	logger *zap.Logger

	tieBreakCounter metric.Int64Counter
}

// NewSelector creates a TieBreakSelector with the given score margin.
// A negative margin disables near-tie handling (exact ties still favor
// the newer candidate through the sort order).
func NewSelector[T any](margin float64, logger *zap.Logger) *TieBreakSelector[T] {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &TieBreakSelector[T]{
		margin: margin,
		logger: logger,
	}

	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter(
		"containerassist.sampling.tie_breaks_total",
		metric.WithDescription("Total number of margin-based tie-breaks during selection"),
		metric.WithUnit("{selection}"),
	)
	if err != nil {
		logger.Warn("failed to create tie-break counter", zap.Error(err))
	} else {
		s.tieBreakCounter = counter
	}

	return s
}

// Select implements Selector.
func (s *TieBreakSelector[T]) Select(scored []ScoredCandidate[T]) (ScoredCandidate[T], error) {
	ranked, err := s.rank(scored)
	if err != nil {
		var zero ScoredCandidate[T]
		return zero, err
	}
	return ranked[0], nil
}

// SelectTop implements Selector.
func (s *TieBreakSelector[T]) SelectTop(scored []ScoredCandidate[T], n int) ([]ScoredCandidate[T], error) {
	ranked, err := s.rank(scored)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, errors.New("top count must be positive")
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n], nil
}

// rank sorts a copy of the scored set, applies the near-tie rule at the
// top, and assigns contiguous ranks.
func (s *TieBreakSelector[T]) rank(scored []ScoredCandidate[T]) ([]ScoredCandidate[T], error) {
	if len(scored) == 0 {
		return nil, ErrNoCandidates
	}

	ranked := make([]ScoredCandidate[T], len(scored))
	copy(ranked, scored)

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].GeneratedAt.Equal(ranked[j].GeneratedAt) {
			return ranked[i].GeneratedAt.After(ranked[j].GeneratedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})

	// Near-tie at the top: the newer candidate wins when scores are
	// within the margin. Exact ties are already ordered newest-first.
	if len(ranked) >= 2 && s.margin > 0 {
		diff := ranked[0].Score - ranked[1].Score
		if diff > 0 && diff < s.margin && ranked[1].GeneratedAt.After(ranked[0].GeneratedAt) {
			s.logger.Info("tie-break: newer candidate promoted",
				zap.String("promoted_id", ranked[1].ID),
				zap.String("demoted_id", ranked[0].ID),
				zap.Float64("score_diff", diff),
				zap.Float64("margin", s.margin),
			)
			if s.tieBreakCounter != nil {
				s.tieBreakCounter.Add(context.Background(), 1)
			}
			ranked[0], ranked[1] = ranked[1], ranked[0]
		}
	}

	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	return ranked, nil
}
