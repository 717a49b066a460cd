package sampling

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/resources"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/sampling"

var (
	// ErrNoOutput is returned when the generator produced nothing.
	ErrNoOutput = errors.New("generator returned no candidates")

	// ErrAllCandidatesDropped is returned when every candidate failed
	// scoring.
	ErrAllCandidatesDropped = errors.New("all candidates failed scoring")
)

// Config configures a sampling orchestrator.
type Config struct {
	// MaxCandidates bounds requested candidate counts (default: 5).
	MaxCandidates int

	// CacheTTL is the winner's lifetime in the resource store. Zero
	// uses the store default.
	CacheTTL time.Duration

	// TieBreakMargin configures the default selector when none is
	// supplied (default: 1.0).
	TieBreakMargin float64

	// Sink receives progress events for samples run with a token.
	Sink progress.Sink
}

// DefaultConfig returns sensible orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MaxCandidates:  5,
		TieBreakMargin: 1.0,
	}
}

// Orchestrator composes a generator, scorer, and selector into the
// sample operation: generate N candidates, score them, pick a winner,
// cache it, and report progress as it goes.
type Orchestrator[T any] struct {
	config    Config
	generator Generator[T]
	scorer    Scorer[T]
	selector  Selector[T]
	store     *resources.Store
	logger    *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	samplesCounter   metric.Int64Counter
	cacheHitCounter  metric.Int64Counter
	generatedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
}

// NewOrchestrator creates a sampling orchestrator.
//
// The store is optional; without one, winners are not cached. A nil
// selector gets the default TieBreakSelector with the configured margin.
func NewOrchestrator[T any](cfg Config, gen Generator[T], scorer Scorer[T], selector Selector[T], store *resources.Store, logger *zap.Logger) (*Orchestrator[T], error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if scorer == nil {
		return nil, errors.New("scorer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	if selector == nil {
		margin := cfg.TieBreakMargin
		if margin == 0 {
			margin = 1.0
		}
		selector = NewSelector[T](margin, logger)
	}

	o := &Orchestrator[T]{
		config:    cfg,
		generator: gen,
		scorer:    scorer,
		selector:  selector,
		store:     store,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}

	o.initMetrics()

	return o, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (o *Orchestrator[T]) initMetrics() {
	var err error

	o.samplesCounter, err = o.meter.Int64Counter(
		"containerassist.sampling.samples_total",
		metric.WithDescription("Total number of sample operations"),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		o.logger.Warn("failed to create samples counter", zap.Error(err))
	}

	o.cacheHitCounter, err = o.meter.Int64Counter(
		"containerassist.sampling.cache_hits_total",
		metric.WithDescription("Total number of sample cache hits"),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		o.logger.Warn("failed to create cache hit counter", zap.Error(err))
	}

	o.generatedCounter, err = o.meter.Int64Counter(
		"containerassist.sampling.candidates_generated_total",
		metric.WithDescription("Total number of candidates generated"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		o.logger.Warn("failed to create generated counter", zap.Error(err))
	}

	o.droppedCounter, err = o.meter.Int64Counter(
		"containerassist.sampling.candidates_dropped_total",
		metric.WithDescription("Total number of candidates dropped during scoring"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		o.logger.Warn("failed to create dropped counter", zap.Error(err))
	}
}

// Sample produces one winning artifact for the given context.
//
// The requested count is clamped to [1, MaxCandidates]. A cached winner
// for the same (context, count, generator) returns immediately with 100%
// progress and no generation. Otherwise candidates are generated, scored
// (individual scoring failures drop that candidate), a winner is selected
// and published under the sampling scheme with the configured TTL.
//
// The token tags progress reports; without one, progress stays in local
// logs.
func (o *Orchestrator[T]) Sample(ctx context.Context, gctx GenerationContext, count int, token string) (*ScoredCandidate[T], error) {
	ctx, span := o.tracer.Start(ctx, "sampling.sample")
	defer span.End()

	count = o.clampCount(count)
	span.SetAttributes(
		attribute.String("sampling.stage", gctx.Stage),
		attribute.String("sampling.generator", o.generator.Name()),
		attribute.Int("sampling.count", count),
	)

	tracker := o.newTracker(gctx, token)
	uri := o.cacheURI(gctx, count)

	if winner, ok := o.readCached(ctx, uri); ok {
		span.SetAttributes(attribute.Bool("sampling.cache_hit", true))
		if o.cacheHitCounter != nil {
			o.cacheHitCounter.Add(ctx, 1)
		}
		if o.samplesCounter != nil {
			o.samplesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "cache_hit")))
		}
		tracker.Complete(ctx, "cached winner reused")
		return winner, nil
	}

	scored, err := o.generateAndScore(ctx, span, gctx, count, tracker)
	if err != nil {
		if o.samplesCounter != nil {
			o.samplesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
		}
		return nil, err
	}

	winner, err := o.selector.Select(scored)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to select winner: %w", err)
	}

	if err := o.publishWinner(ctx, uri, winner); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tracker.CompleteStep(ctx) // select done: 100%

	if o.samplesCounter != nil {
		o.samplesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "generated")))
	}
	o.logger.Debug("sample complete",
		zap.String("stage", gctx.Stage),
		zap.String("winner_id", winner.ID),
		zap.Float64("score", winner.Score),
	)

	return &winner, nil
}

// SampleMultiple returns the top N candidates for stages that compare
// several outputs externally.
//
// It over-generates min(MaxCandidates, topN*2) candidates to give the
// selector real choice, and never caches a single winner.
func (o *Orchestrator[T]) SampleMultiple(ctx context.Context, gctx GenerationContext, topN int, token string) ([]ScoredCandidate[T], error) {
	ctx, span := o.tracer.Start(ctx, "sampling.sample_multiple")
	defer span.End()

	if topN < 1 {
		return nil, fmt.Errorf("top count must be positive, got %d", topN)
	}

	count := topN * 2
	if count > o.config.MaxCandidates {
		count = o.config.MaxCandidates
	}
	if count < 1 {
		count = 1
	}

	span.SetAttributes(
		attribute.String("sampling.stage", gctx.Stage),
		attribute.String("sampling.generator", o.generator.Name()),
		attribute.Int("sampling.count", count),
		attribute.Int("sampling.top_n", topN),
	)

	tracker := o.newTracker(gctx, token)

	scored, err := o.generateAndScore(ctx, span, gctx, count, tracker)
	if err != nil {
		if o.samplesCounter != nil {
			o.samplesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
		}
		return nil, err
	}

	top, err := o.selector.SelectTop(scored, topN)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to select top candidates: %w", err)
	}

	tracker.CompleteStep(ctx) // select done: 100%

	if o.samplesCounter != nil {
		o.samplesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "generated")))
	}

	return top, nil
}

// generateAndScore runs the generation and scoring phases, reporting the
// 0/50/90 milestones through the tracker.
func (o *Orchestrator[T]) generateAndScore(ctx context.Context, span trace.Span, gctx GenerationContext, count int, tracker *progress.Tracker) ([]ScoredCandidate[T], error) {
	tracker.NextStep(ctx) // 0%: generating

	candidates, err := o.generator.Generate(ctx, gctx, count)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to generate candidates: %w", err)
	}
	if len(candidates) == 0 {
		span.SetStatus(codes.Error, ErrNoOutput.Error())
		return nil, ErrNoOutput
	}

	if o.generatedCounter != nil {
		o.generatedCounter.Add(ctx, int64(len(candidates)))
	}
	tracker.CompleteStep(ctx) // generation done: 50%

	scored := make([]ScoredCandidate[T], 0, len(candidates))
	for _, c := range candidates {
		sc, err := o.scorer.Score(ctx, c)
		if err != nil {
			// A malformed candidate is dropped; the rest keep going.
			o.logger.Warn("candidate dropped during scoring",
				zap.String("candidate_id", c.ID),
				zap.Error(err),
			)
			if o.droppedCounter != nil {
				o.droppedCounter.Add(ctx, 1)
			}
			continue
		}
		scored = append(scored, sc)
	}

	if len(scored) == 0 {
		span.SetStatus(codes.Error, ErrAllCandidatesDropped.Error())
		return nil, fmt.Errorf("%w: %d candidates", ErrAllCandidatesDropped, len(candidates))
	}

	tracker.CompleteStep(ctx) // scoring done: 90%

	return scored, nil
}

// newTracker builds the milestone tracker for one sample. Weights 5/4/1
// place the reports at 0, 50, 90, and 100 percent.
func (o *Orchestrator[T]) newTracker(gctx GenerationContext, token string) *progress.Tracker {
	return progress.NewTracker(progress.TrackerConfig{
		Steps: []progress.Step{
			{Name: "generate", Weight: 5},
			{Name: "score", Weight: 4},
			{Name: "select", Weight: 1},
		},
		Token:     token,
		SessionID: gctx.SessionID,
		Stage:     gctx.Stage,
		Sink:      o.config.Sink,
		Logger:    o.logger,
	})
}

func (o *Orchestrator[T]) clampCount(count int) int {
	if count < 1 {
		return 1
	}
	if count > o.config.MaxCandidates {
		return o.config.MaxCandidates
	}
	return count
}

// cacheURI derives the winner's resource URI from the sample identity.
func (o *Orchestrator[T]) cacheURI(gctx GenerationContext, count int) string {
	seed := fmt.Sprintf("%s|%d|%s", gctx.Fingerprint(), count, o.generator.Name())
	sum := sha256.Sum256([]byte(seed))
	key := hex.EncodeToString(sum[:])[:32]
	return resources.BuildURI(resources.SchemeSampling, o.generator.Name(), key)
}

// readCached returns a previously published winner, if any. Corrupt
// cache entries are treated as misses.
func (o *Orchestrator[T]) readCached(ctx context.Context, uri string) (*ScoredCandidate[T], bool) {
	if o.store == nil {
		return nil, false
	}

	res, err := o.store.Read(ctx, uri)
	if err != nil {
		return nil, false
	}

	var winner ScoredCandidate[T]
	if err := json.Unmarshal(res.Content, &winner); err != nil {
		o.logger.Warn("discarding corrupt cached winner",
			zap.String("uri", uri),
			zap.Error(err),
		)
		return nil, false
	}

	return &winner, true
}

// publishWinner stores the winner under the sampling scheme. Cache
// errors surface to the caller: a winner that cannot be published is a
// failed sample, because downstream stages read artifacts by URI.
func (o *Orchestrator[T]) publishWinner(ctx context.Context, uri string, winner ScoredCandidate[T]) error {
	if o.store == nil {
		return nil
	}

	data, err := json.Marshal(winner)
	if err != nil {
		return fmt.Errorf("failed to marshal winner: %w", err)
	}

	opts := &resources.PublishOptions{MimeType: "application/json"}
	if o.config.CacheTTL > 0 {
		ttl := o.config.CacheTTL
		opts.TTL = &ttl
	}

	if _, err := o.store.Publish(ctx, uri, data, opts); err != nil {
		return fmt.Errorf("failed to cache winner: %w", err)
	}

	return nil
}
