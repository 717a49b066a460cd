package workflow

import "time"

// Result summarizes one run. A run that started always produces a
// Result, successful or not, so callers can see partial progress.
type Result struct {
	SessionID       string  `json:"session_id"`
	Success         bool    `json:"success"`
	CompletedStages []Stage `json:"completed_stages,omitempty"`
	SkippedStages   []Stage `json:"skipped_stages,omitempty"`
	FailedStages    []Stage `json:"failed_stages,omitempty"`

	// Retries counts recovery retries consumed per stage during this
	// run. Stages that succeeded first try are absent.
	Retries map[Stage]int `json:"retries,omitempty"`

	Errors    []WorkflowError   `json:"errors,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
