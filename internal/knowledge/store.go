// Package knowledge is the remediation knowledge base: an embedded
// chromem-go vector store of fixes for common container vulnerability
// findings. Scan failures and the remediation generator query it for
// hints that are folded into suggestions and prompts.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/knowledge"

const defaultHintLimit = 3

// Config holds knowledge base configuration.
type Config struct {
	// Path is the persistence directory. Empty keeps the store in
	// memory.
	Path string

	// Collection is the hint collection name (default: remediation).
	Collection string

	// Embedder selects the embedding provider: openai or fastembed.
	Embedder string

	// Model is the embedding model. Defaults per provider.
	Model string

	// BaseURL is the OpenAI-compatible endpoint (openai provider).
	BaseURL string

	// APIKey authenticates the openai provider. Local servers accept
	// any value.
	APIKey string

	// CacheDir caches fastembed model files.
	CacheDir string
}

// DefaultConfig returns a local-first knowledge base configuration.
func DefaultConfig() Config {
	return Config{
		Collection: "remediation",
		Embedder:   "fastembed",
	}
}

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = "remediation"
	}
	if c.Embedder == "" {
		c.Embedder = "fastembed"
	}
	return c
}

// Hint is one remediation knowledge entry.
type Hint struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// Store is the embedded remediation knowledge base. It implements
// generate.HintSource.
type Store struct {
	config Config
	db     *chromem.DB
	embed  embedder
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	searchesCounter metric.Int64Counter
}

// NewStore opens the knowledge base with the configured embedding
// provider. An empty path keeps everything in memory.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	emb, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return newStore(cfg, emb, logger)
}

// newStore wires an explicit embedder; tests inject deterministic ones.
func newStore(cfg Config, emb embedder, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create knowledge dir %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open knowledge store: %w", err)
		}
	}

	s := &Store{
		config: cfg,
		db:     db,
		embed:  emb,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	s.initMetrics()

	s.logger.Info("knowledge store opened",
		zap.String("collection", cfg.Collection),
		zap.String("embedder", cfg.Embedder),
		zap.Bool("persistent", cfg.Path != ""),
	)

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Store) initMetrics() {
	var err error

	s.searchesCounter, err = s.meter.Int64Counter(
		"containerassist.knowledge.searches_total",
		metric.WithDescription("Total number of hint searches"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		s.logger.Warn("failed to create searches counter", zap.Error(err))
	}
}

// Add embeds and stores hints. Document embeddings are computed in
// batch up front; the collection's embedding function only serves
// queries.
func (s *Store) Add(ctx context.Context, hints []Hint) error {
	ctx, span := s.tracer.Start(ctx, "knowledge.add")
	defer span.End()
	span.SetAttributes(attribute.Int("hint_count", len(hints)))

	if len(hints) == 0 {
		return errors.New("no hints to add")
	}

	texts := make([]string, len(hints))
	for i, h := range hints {
		if h.ID == "" {
			return fmt.Errorf("hint at index %d has no id", i)
		}
		if strings.TrimSpace(h.Text) == "" {
			return fmt.Errorf("hint %s has no text", h.ID)
		}
		texts[i] = h.Text
	}

	embeddings, err := s.embed.documents(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to embed hints: %w", err)
	}
	if len(embeddings) != len(hints) {
		return fmt.Errorf("embedder returned %d vectors for %d hints", len(embeddings), len(hints))
	}

	collection, err := s.db.GetOrCreateCollection(s.config.Collection, nil, s.embed.query)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to open collection %s: %w", s.config.Collection, err)
	}

	docs := make([]chromem.Document, len(hints))
	for i, h := range hints {
		docs[i] = chromem.Document{
			ID:        h.ID,
			Content:   h.Text,
			Metadata:  h.Metadata,
			Embedding: embeddings[i],
		}
	}
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to add hints: %w", err)
	}

	s.logger.Debug("hints added", zap.Int("count", len(hints)))
	return nil
}

// Seed loads the built-in hint set. Reopened persistent stores that
// already hold it are left alone.
func (s *Store) Seed(ctx context.Context) error {
	collection := s.db.GetCollection(s.config.Collection, s.embed.query)
	if collection != nil && collection.Count() >= len(builtinHints) {
		return nil
	}
	return s.Add(ctx, builtinHints)
}

// Hints returns the most relevant hint texts for a query. An empty or
// unseeded store yields no hints and no error.
func (s *Store) Hints(ctx context.Context, query string, limit int) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "knowledge.hints")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	if limit <= 0 {
		limit = defaultHintLimit
	}

	collection := s.db.GetCollection(s.config.Collection, s.embed.query)
	if collection == nil {
		return nil, nil
	}
	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	results, err := collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query remediation hints: %w", err)
	}

	hints := make([]string, 0, len(results))
	for _, r := range results {
		hints = append(hints, r.Content)
	}

	span.SetAttributes(attribute.Int("results", len(hints)))
	if s.searchesCounter != nil {
		s.searchesCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("results", len(hints))))
	}
	s.logger.Debug("hint search", zap.Int("limit", limit), zap.Int("results", len(hints)))

	return hints, nil
}

// Close releases embedding provider resources.
func (s *Store) Close() error {
	if s.embed.close != nil {
		return s.embed.close()
	}
	return nil
}
