package workflow

import (
	"context"
	"fmt"
	"time"
)

// Strategy names a recovery behavior applied when a stage fails.
type Strategy string

const (
	// StrategyRetry re-runs the stage until its attempts are exhausted.
	StrategyRetry Strategy = "retry"

	// StrategySkip records the failure, leaves the stage's output empty,
	// and continues with the next stage.
	StrategySkip Strategy = "skip"

	// StrategyFallback retries like StrategyRetry, then runs the stage
	// once more with the configured fallback tool before giving up.
	StrategyFallback Strategy = "fallback"

	// StrategyManual stops the run and surfaces the configured prompt to
	// the operator.
	StrategyManual Strategy = "manual"

	// StrategyAbort stops the run on the first failure.
	StrategyAbort Strategy = "abort"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRetry, StrategySkip, StrategyFallback, StrategyManual, StrategyAbort:
		return true
	}
	return false
}

// RecoveryAction configures failure handling for one stage.
//
// MaxAttempts counts total executions of the stage body, not extra
// retries: MaxAttempts of 2 means the body runs at most twice. Backoff
// grows linearly with the attempt number, so attempt n waits n*Backoff
// before running.
type RecoveryAction struct {
	Strategy    Strategy      `json:"strategy"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`

	// FallbackTool substitutes the stage's primary tool after retries
	// are exhausted. Only read for StrategyFallback.
	FallbackTool string `json:"fallback_tool,omitempty"`

	// Prompt is surfaced to the operator for StrategyManual.
	Prompt string `json:"prompt,omitempty"`
}

// ApplyDefaults fills zero values with safe ones.
func (a *RecoveryAction) ApplyDefaults() {
	if !a.Strategy.Valid() {
		a.Strategy = StrategyRetry
	}
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = 1
	}
	if a.Backoff <= 0 {
		a.Backoff = time.Second
	}
}

// DefaultPolicy returns the per-stage recovery policy used when the
// caller does not override it.
//
// The scan stage defaults to skip so a failed vulnerability gate flows
// into the remediation stage instead of killing the run; remediation
// itself then decides whether the run can proceed. Deployment failures
// stop for an operator because a half-applied rollout is not safe to
// hammer automatically.
func DefaultPolicy() map[Stage]RecoveryAction {
	return map[Stage]RecoveryAction{
		StageAnalysis:   {Strategy: StrategyRetry, MaxAttempts: 2, Backoff: time.Second},
		StageDockerfile: {Strategy: StrategyRetry, MaxAttempts: 3, Backoff: 2 * time.Second},
		StageBuild: {
			Strategy:     StrategyFallback,
			MaxAttempts:  2,
			Backoff:      5 * time.Second,
			FallbackTool: "buildah",
		},
		StageScan:        {Strategy: StrategySkip, MaxAttempts: 2, Backoff: 3 * time.Second},
		StageRemediation: {Strategy: StrategyAbort, MaxAttempts: 1},
		StageManifests:   {Strategy: StrategyRetry, MaxAttempts: 3, Backoff: 2 * time.Second},
		StageDeployment: {
			Strategy:    StrategyManual,
			MaxAttempts: 2,
			Backoff:     10 * time.Second,
			Prompt:      "deployment failed twice; inspect cluster events and re-run the session once the cause is fixed",
		},
		StageVerification: {Strategy: StrategyRetry, MaxAttempts: 3, Backoff: 5 * time.Second},
	}
}

// sleepBackoff waits the linear backoff for the attempt that just
// failed, honoring context cancellation.
func sleepBackoff(ctx context.Context, action RecoveryAction, attempt int) error {
	wait := action.Backoff * time.Duration(attempt)
	if wait <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-time.After(wait):
		return nil
	}
}
