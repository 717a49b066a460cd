// Package progress provides weighted step accounting and progress-event
// fan-out for workflow runs.
//
// A Tracker is built from an ordered list of named steps, each with a
// relative weight. Reports are emitted as Events through a Sink; events
// carry the caller's opaque progress token. Without a token, reports stay
// local log lines and are never forwarded.
//
// Example usage:
//
//	tracker := progress.NewTracker(progress.TrackerConfig{
//	    Steps: []progress.Step{{Name: "generate", Weight: 5}, {Name: "score", Weight: 4}, {Name: "select", Weight: 1}},
//	    Token: token,
//	    Sink:  sink,
//	})
//	tracker.NextStep(ctx)       // 0%, "generate"
//	tracker.CompleteStep(ctx)   // 50%
package progress
