package progress

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures every published event.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSink) last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func newWeightedTracker(sink Sink) *Tracker {
	return NewTracker(TrackerConfig{
		Steps: []Step{
			{Name: "build", Weight: 1},
			{Name: "scan", Weight: 2},
			{Name: "deploy", Weight: 1},
		},
		Token: "tok-1",
		Sink:  sink,
	})
}

func TestTracker_WeightedCompletion(t *testing.T) {
	sink := &recordingSink{}
	tracker := newWeightedTracker(sink)
	ctx := context.Background()

	tracker.CompleteStep(ctx) // build: 1/4
	tracker.CompleteStep(ctx) // scan: 3/4

	completed, total := tracker.Progress()
	assert.Equal(t, 3, completed)
	assert.Equal(t, 4, total)

	// Weights 1,2,1: two completed steps report 75%.
	assert.Equal(t, 75.0, sink.last().Percent)

	tracker.CompleteStep(ctx) // deploy: 4/4
	assert.Equal(t, 100.0, sink.last().Percent)
}

func TestTracker_NextStepReportsWithoutAdvancing(t *testing.T) {
	sink := &recordingSink{}
	tracker := newWeightedTracker(sink)
	ctx := context.Background()

	tracker.NextStep(ctx)
	ev := sink.last()
	assert.Equal(t, 0.0, ev.Percent)
	assert.Equal(t, "build", ev.Step)

	// Cursor unchanged: weight moves only on CompleteStep.
	completed, _ := tracker.Progress()
	assert.Equal(t, 0, completed)

	tracker.CompleteStep(ctx)
	tracker.NextStep(ctx)
	ev = sink.last()
	assert.Equal(t, 25.0, ev.Percent)
	assert.Equal(t, "scan", ev.Step)
}

func TestTracker_UpdateStepProgress(t *testing.T) {
	sink := &recordingSink{}
	tracker := newWeightedTracker(sink)
	ctx := context.Background()

	tracker.CompleteStep(ctx) // build done: 1/4

	tracker.UpdateStepProgress(ctx, 0.5, "scanning layers")
	// 1 + 2*0.5 = 2 of 4.
	assert.Equal(t, 50.0, sink.last().Percent)
	assert.Equal(t, "scanning layers", sink.last().Message)

	// Fraction is clamped.
	tracker.UpdateStepProgress(ctx, 2.0, "")
	assert.Equal(t, 75.0, sink.last().Percent)
	tracker.UpdateStepProgress(ctx, -1, "")
	assert.Equal(t, 25.0, sink.last().Percent)

	// Reporting inside a step never moves the cursor.
	completed, _ := tracker.Progress()
	assert.Equal(t, 1, completed)
}

func TestTracker_PastEndIsNoOp(t *testing.T) {
	sink := &recordingSink{}
	tracker := newWeightedTracker(sink)
	ctx := context.Background()

	tracker.CompleteStep(ctx)
	tracker.CompleteStep(ctx)
	tracker.CompleteStep(ctx)

	before := len(sink.all())

	// Past the last step: nothing reported, nothing moved.
	tracker.CompleteStep(ctx)
	tracker.NextStep(ctx)
	tracker.UpdateStepProgress(ctx, 0.5, "late")

	assert.Len(t, sink.all(), before)
	completed, total := tracker.Progress()
	assert.Equal(t, 4, completed)
	assert.Equal(t, 4, total)
}

func TestTracker_CompleteForcesFull(t *testing.T) {
	sink := &recordingSink{}
	tracker := newWeightedTracker(sink)
	ctx := context.Background()

	tracker.CompleteStep(ctx) // 25%
	tracker.Complete(ctx, "cache hit")

	ev := sink.last()
	assert.Equal(t, 100.0, ev.Percent)
	assert.Equal(t, "cache hit", ev.Message)

	completed, total := tracker.Progress()
	assert.Equal(t, total, completed)

	// Complete ends the tracker.
	before := len(sink.all())
	tracker.Complete(ctx, "again")
	tracker.CompleteStep(ctx)
	assert.Len(t, sink.all(), before)
}

func TestTracker_WithoutTokenStaysLocal(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(TrackerConfig{
		Steps: []Step{{Name: "only"}},
		Sink:  sink,
	})

	ctx := context.Background()
	tracker.NextStep(ctx)
	tracker.CompleteStep(ctx)
	tracker.Complete(ctx, "done")

	// No token: nothing is forwarded.
	assert.Empty(t, sink.all())
}

func TestTracker_DefaultWeights(t *testing.T) {
	tracker := NewTracker(TrackerConfig{
		Steps: []Step{{Name: "a"}, {Name: "b", Weight: 0}, {Name: "c", Weight: -3}},
	})

	_, total := tracker.Progress()
	assert.Equal(t, 3, total)
}

func TestTracker_EventTags(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(TrackerConfig{
		Steps:     []Step{{Name: "generate"}},
		Token:     "tok-9",
		SessionID: "sess-4",
		Stage:     "dockerfile",
		Sink:      sink,
	})

	tracker.NextStep(context.Background())

	require.Len(t, sink.all(), 1)
	ev := sink.last()
	assert.Equal(t, "tok-9", ev.Token)
	assert.Equal(t, "sess-4", ev.SessionID)
	assert.Equal(t, "dockerfile", ev.Stage)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestTracker_NilSafe(t *testing.T) {
	var tracker *Tracker
	ctx := context.Background()

	tracker.NextStep(ctx)
	tracker.CompleteStep(ctx)
	tracker.UpdateStepProgress(ctx, 0.5, "")
	tracker.Complete(ctx, "")

	completed, total := tracker.Progress()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, total)
}

func TestTracker_ConcurrentReports(t *testing.T) {
	sink := &recordingSink{}
	steps := make([]Step, 100)
	for i := range steps {
		steps[i] = Step{Name: "step", Weight: 1}
	}
	tracker := NewTracker(TrackerConfig{Steps: steps, Token: "tok", Sink: sink})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tracker.CompleteStep(context.Background())
			}
		}()
	}
	wg.Wait()

	completed, total := tracker.Progress()
	assert.Equal(t, 100, completed)
	assert.Equal(t, 100, total)
	assert.Len(t, sink.all(), 100)
}
