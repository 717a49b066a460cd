// Package scoring provides deterministic candidate scorers for generated
// artifacts and the weight presets that tune them per target environment.
//
// Scorers inspect candidate content structurally (directives present or
// absent, base images, probes, resource limits) plus size and time hints
// from candidate metadata. They make no external calls and always produce
// the same score for the same input.
//
// Weight presets map criterion names to relative weights. Built-in presets
// exist for dev, staging, and prod; custom presets can be loaded from a
// TOML file and live-reloaded while serving.
package scoring
