package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategy_Valid(t *testing.T) {
	for _, s := range []Strategy{StrategyRetry, StrategySkip, StrategyFallback, StrategyManual, StrategyAbort} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, Strategy("panic").Valid())
	assert.False(t, Strategy("").Valid())
}

func TestRecoveryAction_ApplyDefaults(t *testing.T) {
	var action RecoveryAction
	action.ApplyDefaults()
	assert.Equal(t, StrategyRetry, action.Strategy)
	assert.Equal(t, 1, action.MaxAttempts)
	assert.Equal(t, time.Second, action.Backoff)

	action = RecoveryAction{Strategy: StrategyManual, MaxAttempts: 4, Backoff: time.Minute}
	action.ApplyDefaults()
	assert.Equal(t, StrategyManual, action.Strategy)
	assert.Equal(t, 4, action.MaxAttempts)
	assert.Equal(t, time.Minute, action.Backoff)
}

func TestDefaultPolicy_CoversEveryStage(t *testing.T) {
	policy := DefaultPolicy()
	for _, stage := range AllStages() {
		action, ok := policy[stage]
		require.True(t, ok, string(stage))
		assert.True(t, action.Strategy.Valid(), string(stage))
		assert.Positive(t, action.MaxAttempts, string(stage))
	}

	// the build fallback and deployment prompt are part of the contract
	assert.Equal(t, StrategyFallback, policy[StageBuild].Strategy)
	assert.NotEmpty(t, policy[StageBuild].FallbackTool)
	assert.Equal(t, StrategyManual, policy[StageDeployment].Strategy)
	assert.NotEmpty(t, policy[StageDeployment].Prompt)
}

func TestSleepBackoff_Linear(t *testing.T) {
	action := RecoveryAction{Backoff: 10 * time.Millisecond}

	start := time.Now()
	require.NoError(t, sleepBackoff(context.Background(), action, 2))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSleepBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepBackoff(ctx, RecoveryAction{Backoff: time.Hour}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepBackoff_ZeroWait(t *testing.T) {
	assert.NoError(t, sleepBackoff(context.Background(), RecoveryAction{}, 0))
}
