// Package sampling implements the candidate generate/score/select engine
// behind generative pipeline stages.
//
// A Generator produces N candidate artifacts from a GenerationContext, a
// Scorer grades each candidate on weighted criteria, and a Selector ranks
// the scored set and resolves near-ties deterministically. The
// Orchestrator composes the three, caches winners in the resource store,
// and reports progress milestones while a sample is running.
package sampling
