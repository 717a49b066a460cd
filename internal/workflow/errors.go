package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session id has no live session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionLimit is returned when creating a session would exceed
	// the configured maximum.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrManualIntervention terminates a run whose recovery strategy is
	// manual. The wrapping WorkflowError carries the operator prompt.
	ErrManualIntervention = errors.New("manual intervention required")

	// ErrRunAborted terminates a run whose recovery strategy is abort.
	ErrRunAborted = errors.New("run aborted")

	// ErrStageTimeout marks a stage body that exceeded its deadline.
	ErrStageTimeout = errors.New("stage timed out")

	// ErrUnknownStage is returned when a session resumes from a stage
	// name the pipeline does not know.
	ErrUnknownStage = errors.New("unknown stage")
)

// WorkflowError records one stage failure. Errors accumulate in session
// state as an append-only history; entries are never mutated after they
// are recorded.
//
// Recoverable tells the caller whether re-running the session can make
// progress: true for transient failures (tool errors, timeouts, gate
// misses that a regenerated artifact may pass), false for terminal ones
// (abort, manual intervention, exhausted recovery).
type WorkflowError struct {
	Stage       Stage     `json:"stage"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Suggestion  string    `json:"suggestion,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	err error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.err
}

func newWorkflowError(stage Stage, err error, recoverable bool, suggestion string) *WorkflowError {
	return &WorkflowError{
		Stage:       stage,
		Message:     err.Error(),
		Recoverable: recoverable,
		Suggestion:  suggestion,
		Timestamp:   time.Now().UTC(),
		err:         err,
	}
}
