// Package workflow coordinates the containerization pipeline: an ordered
// sequence of stages from repository analysis through deployment
// verification, executed one at a time against a session.
//
// The Coordinator owns all state transitions. Stage bodies produce
// artifacts and a gate payload; artifacts are published to the resource
// store only after the stage and its quality gate succeed, so a failed or
// cancelled stage never leaves partial output behind. Failures route
// through a per-stage recovery policy (retry, skip, fallback, manual,
// abort) before the run is declared failed, and a run always produces a
// Result describing whatever progress was made.
package workflow
