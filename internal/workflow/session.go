package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// SessionStatus is the coarse lifecycle state of a session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// Repository identifies the source repository a session containerizes.
type Repository struct {
	Path   string `json:"path"`
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
	Remote string `json:"remote,omitempty"`
}

// RunConfig holds the per-session run parameters. Zero values fall back
// to DefaultRunConfig at session creation.
type RunConfig struct {
	MaxCandidates          int           `json:"max_candidates"`
	SamplingTimeout        time.Duration `json:"sampling_timeout"`
	BuildTimeout           time.Duration `json:"build_timeout"`
	StageTimeout           time.Duration `json:"stage_timeout"`
	MaxVulnerabilityLevel  string        `json:"max_vulnerability_level"`
	EnableAutoRemediation  bool          `json:"enable_auto_remediation"`
	MaxRemediationAttempts int           `json:"max_remediation_attempts"`
	TargetEnvironment      string        `json:"target_environment"`
	DeploymentStrategy     string        `json:"deployment_strategy"`
	ResourceTTL            time.Duration `json:"resource_ttl"`
}

// DefaultRunConfig returns the run parameters used when the caller does
// not supply any.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxCandidates:          5,
		SamplingTimeout:        2 * time.Minute,
		BuildTimeout:           10 * time.Minute,
		StageTimeout:           2 * time.Minute,
		MaxVulnerabilityLevel:  "high",
		EnableAutoRemediation:  false,
		MaxRemediationAttempts: 2,
		TargetEnvironment:      "dev",
		DeploymentStrategy:     "rolling",
		ResourceTTL:            30 * time.Minute,
	}
}

func (c *RunConfig) applyDefaults() {
	def := DefaultRunConfig()
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = def.MaxCandidates
	}
	if c.SamplingTimeout <= 0 {
		c.SamplingTimeout = def.SamplingTimeout
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = def.BuildTimeout
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = def.StageTimeout
	}
	if c.MaxVulnerabilityLevel == "" {
		c.MaxVulnerabilityLevel = def.MaxVulnerabilityLevel
	}
	if c.MaxRemediationAttempts <= 0 {
		c.MaxRemediationAttempts = def.MaxRemediationAttempts
	}
	if c.TargetEnvironment == "" {
		c.TargetEnvironment = def.TargetEnvironment
	}
	if c.DeploymentStrategy == "" {
		c.DeploymentStrategy = def.DeploymentStrategy
	}
	if c.ResourceTTL <= 0 {
		c.ResourceTTL = def.ResourceTTL
	}
}

// State is the mutable progress record of a session. The Coordinator is
// its only writer; everything else reads snapshots.
//
// CompletedStages, SkippedStages, and FailedStages are mutually
// disjoint. CurrentStage is the first stage not yet completed or
// skipped, or empty once the pipeline has finished.
type State struct {
	CurrentStage    Stage             `json:"current_stage,omitempty"`
	CompletedStages []Stage           `json:"completed_stages,omitempty"`
	SkippedStages   []Stage           `json:"skipped_stages,omitempty"`
	FailedStages    []Stage           `json:"failed_stages,omitempty"`
	RetryCounts     map[Stage]int     `json:"retry_counts,omitempty"`
	Errors          []WorkflowError   `json:"errors,omitempty"`
	Artifacts       map[string]string `json:"artifacts,omitempty"`
}

// NewState returns the starting state for a fresh session.
func NewState() State {
	return State{
		CurrentStage: StageAnalysis,
		RetryCounts:  make(map[Stage]int),
		Artifacts:    make(map[string]string),
	}
}

// MarkCompleted records a stage as done and clears its retry counter.
// A stage that failed on an earlier run and completed on this one leaves
// the failed list; the error history keeps the record.
func (s *State) MarkCompleted(stage Stage) {
	if !stageIn(s.CompletedStages, stage) {
		s.CompletedStages = append(s.CompletedStages, stage)
	}
	s.FailedStages = stageOut(s.FailedStages, stage)
	delete(s.RetryCounts, stage)
}

// MarkSkipped records a stage whose failure was skipped over.
func (s *State) MarkSkipped(stage Stage) {
	if !stageIn(s.SkippedStages, stage) {
		s.SkippedStages = append(s.SkippedStages, stage)
	}
	s.FailedStages = stageOut(s.FailedStages, stage)
	delete(s.RetryCounts, stage)
}

// MarkFailed records a run-terminating stage failure.
func (s *State) MarkFailed(stage Stage) {
	if !stageIn(s.FailedStages, stage) {
		s.FailedStages = append(s.FailedStages, stage)
	}
}

// RecordError appends to the error history.
func (s *State) RecordError(werr *WorkflowError) {
	if werr == nil {
		return
	}
	s.Errors = append(s.Errors, *werr)
}

// Advance moves CurrentStage to the first stage not yet completed or
// skipped, or clears it when every stage is done.
func (s *State) Advance() {
	for _, st := range AllStages() {
		if !stageIn(s.CompletedStages, st) && !stageIn(s.SkippedStages, st) {
			s.CurrentStage = st
			return
		}
	}
	s.CurrentStage = ""
}

// Done reports whether every stage has completed or been skipped.
func (s *State) Done() bool {
	for _, st := range AllStages() {
		if !stageIn(s.CompletedStages, st) && !stageIn(s.SkippedStages, st) {
			return false
		}
	}
	return true
}

// Validate checks the state invariants: the three stage lists are
// disjoint and CurrentStage is either empty or a pending valid stage.
func (s *State) Validate() error {
	seen := make(map[Stage]string)
	record := func(list []Stage, name string) error {
		for _, st := range list {
			if prev, ok := seen[st]; ok {
				return fmt.Errorf("stage %s in both %s and %s lists", st, prev, name)
			}
			seen[st] = name
		}
		return nil
	}
	if err := record(s.CompletedStages, "completed"); err != nil {
		return err
	}
	if err := record(s.SkippedStages, "skipped"); err != nil {
		return err
	}
	if err := record(s.FailedStages, "failed"); err != nil {
		return err
	}

	if s.CurrentStage == "" {
		return nil
	}
	if !s.CurrentStage.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, s.CurrentStage)
	}
	if list, ok := seen[s.CurrentStage]; ok && list != "failed" {
		return fmt.Errorf("current stage %s already %s", s.CurrentStage, list)
	}
	return nil
}

func (s *State) clone() State {
	out := *s
	out.CompletedStages = append([]Stage(nil), s.CompletedStages...)
	out.SkippedStages = append([]Stage(nil), s.SkippedStages...)
	out.FailedStages = append([]Stage(nil), s.FailedStages...)
	out.Errors = append([]WorkflowError(nil), s.Errors...)
	if s.RetryCounts != nil {
		out.RetryCounts = make(map[Stage]int, len(s.RetryCounts))
		for k, v := range s.RetryCounts {
			out.RetryCounts[k] = v
		}
	}
	if s.Artifacts != nil {
		out.Artifacts = make(map[string]string, len(s.Artifacts))
		for k, v := range s.Artifacts {
			out.Artifacts[k] = v
		}
	}
	return out
}

func stageIn(list []Stage, s Stage) bool {
	for _, st := range list {
		if st == s {
			return true
		}
	}
	return false
}

func stageOut(list []Stage, s Stage) []Stage {
	out := list[:0]
	for _, st := range list {
		if st != s {
			out = append(out, st)
		}
	}
	return out
}

// Session is one containerization run against one repository.
type Session struct {
	ID         string            `json:"id"`
	Repository Repository        `json:"repository"`
	Config     RunConfig         `json:"config"`
	Status     SessionStatus     `json:"status"`
	State      State             `json:"state"`
	Labels     map[string]string `json:"labels,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// Clone returns a deep copy safe to hand outside the manager's lock.
func (s *Session) Clone() *Session {
	out := *s
	out.State = s.State.clone()
	if s.Labels != nil {
		out.Labels = make(map[string]string, len(s.Labels))
		for k, v := range s.Labels {
			out.Labels[k] = v
		}
	}
	return &out
}

func (s *Session) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// SessionManagerConfig configures the in-memory session registry.
type SessionManagerConfig struct {
	// TTL is how long an idle session survives (default: 1h). Updates
	// push the expiry forward.
	TTL time.Duration

	// CleanupInterval is the background sweep period for
	// StartCleanupRoutine (default: 5m).
	CleanupInterval time.Duration

	// MaxSessions caps live sessions (default: 100).
	MaxSessions int
}

// DefaultSessionManagerConfig returns sensible registry defaults.
func DefaultSessionManagerConfig() SessionManagerConfig {
	return SessionManagerConfig{
		TTL:             time.Hour,
		CleanupInterval: 5 * time.Minute,
		MaxSessions:     100,
	}
}

// SessionStats is a point-in-time snapshot of the registry.
type SessionStats struct {
	ActiveSessions int `json:"active_sessions"`
	TotalSessions  int `json:"total_sessions"`
	MaxSessions    int `json:"max_sessions"`
}

// SessionManager is a thread-safe in-memory session registry with TTL
// expiry. Expired sessions are evicted lazily by whichever operation
// encounters them; the optional cleanup routine only reclaims memory
// earlier.
type SessionManager struct {
	config SessionManagerConfig
	logger *zap.Logger

	meter          metric.Meter
	createdCounter metric.Int64Counter
	expiredCounter metric.Int64Counter

	mu       sync.RWMutex
	sessions map[string]*Session
	total    int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSessionManager creates a session registry.
func NewSessionManager(cfg SessionManagerConfig, logger *zap.Logger) *SessionManager {
	def := DefaultSessionManagerConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &SessionManager{
		config:   cfg,
		logger:   logger,
		meter:    otel.Meter(instrumentationName),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	m.initMetrics()
	return m
}

func (m *SessionManager) initMetrics() {
	var err error

	m.createdCounter, err = m.meter.Int64Counter(
		"containerassist.workflow.sessions_created_total",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create sessions counter", zap.Error(err))
	}

	m.expiredCounter, err = m.meter.Int64Counter(
		"containerassist.workflow.sessions_expired_total",
		metric.WithDescription("Total number of sessions evicted by TTL"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create expiry counter", zap.Error(err))
	}
}

// Create registers a new session for the repository and returns a copy.
func (m *SessionManager) Create(ctx context.Context, repo Repository, cfg RunConfig) (*Session, error) {
	if repo.Path == "" {
		return nil, fmt.Errorf("repository path is required")
	}
	cfg.applyDefaults()

	now := time.Now().UTC()
	sess := &Session{
		ID:         uuid.NewString(),
		Repository: repo,
		Config:     cfg,
		Status:     StatusPending,
		State:      NewState(),
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(m.config.TTL),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictExpiredLocked(now)
	if len(m.sessions) >= m.config.MaxSessions {
		return nil, fmt.Errorf("%w: %d live sessions", ErrSessionLimit, len(m.sessions))
	}
	m.sessions[sess.ID] = sess
	m.total++

	if m.createdCounter != nil {
		m.createdCounter.Add(ctx, 1)
	}
	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("repo_path", repo.Path))

	return sess.Clone(), nil
}

// Get returns a copy of the session, or ErrSessionNotFound.
func (m *SessionManager) Get(id string) (*Session, error) {
	now := time.Now().UTC()

	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.expired(now) {
		m.mu.Lock()
		m.evictExpiredLocked(now)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Clone(), nil
}

// Update applies fn to the live session under the registry lock and
// refreshes its UpdatedAt and expiry. When fn returns an error the
// session is left unchanged.
func (m *SessionManager) Update(id string, fn func(*Session) error) (*Session, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok || sess.expired(now) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	scratch := sess.Clone()
	if err := fn(scratch); err != nil {
		return nil, err
	}
	scratch.ID = sess.ID
	scratch.CreatedAt = sess.CreatedAt
	scratch.UpdatedAt = now
	scratch.ExpiresAt = now.Add(m.config.TTL)
	m.sessions[id] = scratch

	return scratch.Clone(), nil
}

// List returns copies of all live sessions.
func (m *SessionManager) List() []*Session {
	now := time.Now().UTC()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.expired(now) {
			continue
		}
		out = append(out, sess.Clone())
	}
	return out
}

// Delete removes a session. Deleting an unknown id is not an error.
func (m *SessionManager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Stats returns a snapshot of registry occupancy.
func (m *SessionManager) Stats() SessionStats {
	now := time.Now().UTC()

	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, sess := range m.sessions {
		if !sess.expired(now) {
			active++
		}
	}
	return SessionStats{
		ActiveSessions: active,
		TotalSessions:  m.total,
		MaxSessions:    m.config.MaxSessions,
	}
}

// StartCleanupRoutine evicts expired sessions on a timer until the
// context is done or the manager is closed.
func (m *SessionManager) StartCleanupRoutine(ctx context.Context) {
	if m.config.CleanupInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(m.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.mu.Lock()
				n := m.evictExpiredLocked(time.Now().UTC())
				m.mu.Unlock()
				if n > 0 {
					m.logger.Debug("session sweep evicted sessions", zap.Int("count", n))
				}
			}
		}
	}()
}

// Close stops the cleanup routine and drops all sessions.
func (m *SessionManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}

func (m *SessionManager) evictExpiredLocked(now time.Time) int {
	n := 0
	for id, sess := range m.sessions {
		if sess.expired(now) {
			delete(m.sessions, id)
			n++
			if m.expiredCounter != nil {
				m.expiredCounter.Add(context.Background(), 1)
			}
		}
	}
	return n
}
