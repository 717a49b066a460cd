package resources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/resources"

var (
	// ErrNotFound is returned when a resource doesn't exist or has expired.
	ErrNotFound = errors.New("resource not found")

	// ErrContentTooLarge is returned when published content exceeds the
	// configured maximum size.
	ErrContentTooLarge = errors.New("content exceeds maximum size")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("resource store is closed")
)

// Resource is a cached artifact addressed by URI.
//
// Content is shared with the store's internal entry: callers must treat it
// as read-only.
type Resource struct {
	URI       string    `json:"uri"`
	Scheme    Scheme    `json:"scheme"`
	Content   []byte    `json:"content,omitempty"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the eviction deadline. Zero means the resource never
	// expires.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (r *Resource) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// PublishOptions controls how a resource is published.
type PublishOptions struct {
	// MimeType of the content (default: text/plain).
	MimeType string

	// TTL overrides the store default. Nil uses the default; a zero or
	// negative value means the resource never expires.
	TTL *time.Duration
}

// Config configures the resource store.
type Config struct {
	// DefaultTTL applies when a publish doesn't specify one (default: 30m).
	DefaultTTL time.Duration

	// MaxContentSize is the largest accepted content in bytes (default: 8MiB).
	MaxContentSize int64

	// CleanupInterval is the background sweep period for
	// StartCleanupRoutine (default: 5m).
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible store defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      30 * time.Minute,
		MaxContentSize:  8 * 1024 * 1024,
		CleanupInterval: 5 * time.Minute,
	}
}

// Stats is a point-in-time snapshot of store contents.
type Stats struct {
	Entries   int   `json:"entries"`
	TotalSize int64 `json:"total_size"`
}

// Store is a thread-safe in-memory resource cache with per-entry TTL.
//
// Expired entries are evicted lazily by whichever operation encounters
// them, so a read after expiry behaves exactly as if the resource was
// never published. The optional cleanup routine only reclaims memory
// earlier; correctness never depends on it.
type Store struct {
	config Config
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	publishCounter  metric.Int64Counter
	hitCounter      metric.Int64Counter
	missCounter     metric.Int64Counter
	evictionCounter metric.Int64Counter

	mu      sync.RWMutex
	entries map[string]*Resource
	closed  bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStore creates a resource store.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.MaxContentSize <= 0 {
		return nil, fmt.Errorf("max content size must be positive, got %d", cfg.MaxContentSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		entries: make(map[string]*Resource),
		stopCh:  make(chan struct{}),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Store) initMetrics() {
	var err error

	s.publishCounter, err = s.meter.Int64Counter(
		"containerassist.resources.publishes_total",
		metric.WithDescription("Total number of resources published"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		s.logger.Warn("failed to create publish counter", zap.Error(err))
	}

	s.hitCounter, err = s.meter.Int64Counter(
		"containerassist.resources.hits_total",
		metric.WithDescription("Total number of resource cache hits"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		s.logger.Warn("failed to create hit counter", zap.Error(err))
	}

	s.missCounter, err = s.meter.Int64Counter(
		"containerassist.resources.misses_total",
		metric.WithDescription("Total number of resource cache misses"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		s.logger.Warn("failed to create miss counter", zap.Error(err))
	}

	s.evictionCounter, err = s.meter.Int64Counter(
		"containerassist.resources.evictions_total",
		metric.WithDescription("Total number of expired resources evicted"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		s.logger.Warn("failed to create eviction counter", zap.Error(err))
	}
}

// Publish stores content under the given URI and returns the URI.
//
// The scheme must be one of the allowed set and the content must not
// exceed the configured maximum size. Publishing to an existing URI
// replaces the previous entry. The content slice is copied.
func (s *Store) Publish(ctx context.Context, uri string, content []byte, opts *PublishOptions) (string, error) {
	ctx, span := s.tracer.Start(ctx, "resources.publish")
	defer span.End()

	scheme, _, err := ParseURI(uri)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if int64(len(content)) > s.config.MaxContentSize {
		err := fmt.Errorf("%w: %d bytes (max %d)", ErrContentTooLarge, len(content), s.config.MaxContentSize)
		span.RecordError(err)
		return "", err
	}

	mimeType := "text/plain"
	if opts != nil && opts.MimeType != "" {
		mimeType = opts.MimeType
	}

	ttl := s.config.DefaultTTL
	if opts != nil && opts.TTL != nil {
		ttl = *opts.TTL
	}

	now := time.Now()
	res := &Resource{
		URI:       uri,
		Scheme:    scheme,
		Content:   append([]byte(nil), content...),
		MimeType:  mimeType,
		Size:      int64(len(content)),
		CreatedAt: now,
	}
	if ttl > 0 {
		res.ExpiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrStoreClosed
	}
	s.entries[uri] = res
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("resource.uri", uri),
		attribute.String("resource.scheme", string(scheme)),
		attribute.Int64("resource.size", res.Size),
	)
	if s.publishCounter != nil {
		s.publishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("scheme", string(scheme))))
	}

	s.logger.Debug("resource published",
		zap.String("uri", uri),
		zap.Int64("size", res.Size),
		zap.Duration("ttl", ttl),
	)

	return uri, nil
}

// Read returns the resource stored under uri.
//
// An expired entry is evicted and reported as not found: callers cannot
// distinguish expiry from absence.
func (s *Store) Read(ctx context.Context, uri string) (*Resource, error) {
	ctx, span := s.tracer.Start(ctx, "resources.read")
	defer span.End()
	span.SetAttributes(attribute.String("resource.uri", uri))

	res, err := s.lookup(ctx, uri)
	if err != nil {
		if s.missCounter != nil {
			s.missCounter.Add(ctx, 1)
		}
		return nil, err
	}

	if s.hitCounter != nil {
		s.hitCounter.Add(ctx, 1)
	}

	out := *res
	return &out, nil
}

// GetMetadata returns the resource under uri without its content.
func (s *Store) GetMetadata(ctx context.Context, uri string) (*Resource, error) {
	ctx, span := s.tracer.Start(ctx, "resources.get_metadata")
	defer span.End()
	span.SetAttributes(attribute.String("resource.uri", uri))

	res, err := s.lookup(ctx, uri)
	if err != nil {
		return nil, err
	}

	out := *res
	out.Content = nil
	return &out, nil
}

// lookup fetches a live entry, lazily evicting it when expired.
func (s *Store) lookup(ctx context.Context, uri string) (*Resource, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	res, ok := s.entries[uri]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}

	if res.expired(time.Now()) {
		s.mu.Lock()
		// Re-check under the write lock: the entry may have been
		// replaced by a fresh publish since the read.
		if cur, ok := s.entries[uri]; ok && cur.expired(time.Now()) {
			delete(s.entries, uri)
			if s.evictionCounter != nil {
				s.evictionCounter.Add(ctx, 1)
			}
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}

	return res, nil
}

// List returns the URIs of live resources matching pattern, sorted.
//
// Pattern semantics are those of Match: '*' crosses path separators and
// "*" alone matches everything. Expired entries encountered during the
// scan are evicted and never listed.
func (s *Store) List(ctx context.Context, pattern string) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "resources.list")
	defer span.End()
	span.SetAttributes(attribute.String("resource.pattern", pattern))

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var uris []string
	for uri, res := range s.entries {
		if res.expired(now) {
			delete(s.entries, uri)
			if s.evictionCounter != nil {
				s.evictionCounter.Add(ctx, 1)
			}
			continue
		}
		if Match(pattern, uri) {
			uris = append(uris, uri)
		}
	}

	sort.Strings(uris)
	span.SetAttributes(attribute.Int("resource.matches", len(uris)))
	return uris, nil
}

// Invalidate removes all live resources matching pattern and returns how
// many were removed. Expired entries encountered during the scan are
// evicted but not counted.
func (s *Store) Invalidate(ctx context.Context, pattern string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "resources.invalidate")
	defer span.End()
	span.SetAttributes(attribute.String("resource.pattern", pattern))

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	removed := 0
	for uri, res := range s.entries {
		if res.expired(now) {
			delete(s.entries, uri)
			if s.evictionCounter != nil {
				s.evictionCounter.Add(ctx, 1)
			}
			continue
		}
		if Match(pattern, uri) {
			delete(s.entries, uri)
			removed++
		}
	}

	span.SetAttributes(attribute.Int("resource.removed", removed))
	s.logger.Debug("resources invalidated",
		zap.String("pattern", pattern),
		zap.Int("removed", removed),
	)

	return removed, nil
}

// Cleanup evicts every expired entry and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context) int {
	ctx, span := s.tracer.Start(ctx, "resources.cleanup")
	defer span.End()

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	removed := 0
	for uri, res := range s.entries {
		if res.expired(now) {
			delete(s.entries, uri)
			removed++
		}
	}

	if removed > 0 && s.evictionCounter != nil {
		s.evictionCounter.Add(ctx, int64(removed))
	}

	span.SetAttributes(attribute.Int("resource.removed", removed))
	return removed
}

// StartCleanupRoutine launches a background sweep at the configured
// interval. It stops when ctx is cancelled or the store is closed. A
// non-positive interval disables the routine.
func (s *Store) StartCleanupRoutine(ctx context.Context) {
	if s.config.CleanupInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if n := s.Cleanup(ctx); n > 0 {
					s.logger.Debug("cleanup sweep evicted resources", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stats returns a snapshot of live entry count and total content size.
// Expired-but-unswept entries are not counted.
func (s *Store) Stats() Stats {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, res := range s.entries {
		if res.expired(now) {
			continue
		}
		st.Entries++
		st.TotalSize += res.Size
	}
	return st
}

// Close stops the cleanup routine and rejects further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.entries = make(map[string]*Resource)
	return nil
}
