package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Step is one unit of tracked work. Weight is relative to the other steps
// in the same tracker; zero or negative weights count as 1.
type Step struct {
	Name   string
	Weight int
}

// Event is a single progress report.
type Event struct {
	Token     string    `json:"token,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Step      string    `json:"step,omitempty"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackerConfig configures a tracker.
type TrackerConfig struct {
	// Steps is the ordered work breakdown. Required.
	Steps []Step

	// Token is the caller's opaque progress token. When empty, reports
	// are logged locally and never forwarded to the sink.
	Token string

	// SessionID and Stage tag every emitted event.
	SessionID string
	Stage     string

	// Sink receives events for forwarding. Optional.
	Sink Sink

	// Logger for local progress lines. Optional.
	Logger *zap.Logger
}

// Tracker accumulates weighted step completion and emits progress events.
//
// All methods are safe for concurrent use and are no-ops on a nil tracker,
// so components can report unconditionally whether or not the caller asked
// for progress.
type Tracker struct {
	mu        sync.Mutex
	steps     []Step
	cursor    int
	completed int
	total     int
	done      bool

	token     string
	sessionID string
	stage     string
	sink      Sink
	logger    *zap.Logger
}

// NewTracker creates a tracker over the configured steps.
func NewTracker(cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	steps := make([]Step, len(cfg.Steps))
	total := 0
	for i, s := range cfg.Steps {
		if s.Weight <= 0 {
			s.Weight = 1
		}
		steps[i] = s
		total += s.Weight
	}

	return &Tracker{
		steps:     steps,
		total:     total,
		token:     cfg.Token,
		sessionID: cfg.SessionID,
		stage:     cfg.Stage,
		sink:      cfg.Sink,
		logger:    logger,
	}
}

// NextStep reports the progress accumulated so far, tagged with the step
// about to start. It does not advance the cursor or move weight.
func (t *Tracker) NextStep(ctx context.Context) {
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.pastEnd() {
		t.mu.Unlock()
		return
	}
	ev := t.eventLocked(t.steps[t.cursor].Name, float64(t.completed), "starting "+t.steps[t.cursor].Name)
	t.mu.Unlock()

	t.emit(ctx, ev)
}

// CompleteStep adds the current step's weight to the completed total,
// advances the cursor, and reports the new progress.
func (t *Tracker) CompleteStep(ctx context.Context) {
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.pastEnd() {
		t.mu.Unlock()
		return
	}
	step := t.steps[t.cursor]
	t.completed += step.Weight
	t.cursor++
	ev := t.eventLocked(step.Name, float64(t.completed), "completed "+step.Name)
	t.mu.Unlock()

	t.emit(ctx, ev)
}

// UpdateStepProgress reports fine-grained progress inside the current
// step: completed weight plus fraction of the step's own weight. The
// fraction is clamped to [0,1]. The cursor does not move.
func (t *Tracker) UpdateStepProgress(ctx context.Context, fraction float64, message string) {
	if t == nil {
		return
	}

	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}

	t.mu.Lock()
	if t.pastEnd() {
		t.mu.Unlock()
		return
	}
	step := t.steps[t.cursor]
	weight := float64(t.completed) + float64(step.Weight)*fraction
	ev := t.eventLocked(step.Name, weight, message)
	t.mu.Unlock()

	t.emit(ctx, ev)
}

// Complete force-reports 100% and ends the tracker; later step calls are
// no-ops.
func (t *Tracker) Complete(ctx context.Context, message string) {
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.completed = t.total
	t.cursor = len(t.steps)
	ev := Event{
		Token:     t.token,
		SessionID: t.sessionID,
		Stage:     t.stage,
		Percent:   100,
		Message:   message,
		Timestamp: time.Now(),
	}
	t.mu.Unlock()

	t.emit(ctx, ev)
}

// Progress returns the completed and total weight.
func (t *Tracker) Progress() (completed, total int) {
	if t == nil {
		return 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.total
}

// pastEnd reports whether the cursor moved beyond the last step.
// Caller must hold the lock.
func (t *Tracker) pastEnd() bool {
	return t.done || t.cursor >= len(t.steps)
}

// eventLocked builds an event from a completed-weight value.
// Caller must hold the lock.
func (t *Tracker) eventLocked(stepName string, completedWeight float64, message string) Event {
	percent := 0.0
	if t.total > 0 {
		percent = completedWeight * 100 / float64(t.total)
	}
	return Event{
		Token:     t.token,
		SessionID: t.sessionID,
		Stage:     t.stage,
		Step:      stepName,
		Percent:   percent,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// emit logs the event and, when a token is present, forwards it to the
// sink. Sink failures are logged and swallowed: progress reporting never
// fails the work it describes.
func (t *Tracker) emit(ctx context.Context, ev Event) {
	t.logger.Debug("progress",
		zap.String("session_id", ev.SessionID),
		zap.String("stage", ev.Stage),
		zap.String("step", ev.Step),
		zap.Float64("percent", ev.Percent),
		zap.String("message", ev.Message),
	)

	if t.token == "" || t.sink == nil {
		return
	}

	if err := t.sink.Publish(ctx, ev); err != nil {
		t.logger.Warn("failed to publish progress event",
			zap.String("token", ev.Token),
			zap.Error(err),
		)
	}
}
