// Package generate produces AI candidate artifacts for the sampling
// loop: Dockerfiles, Kubernetes manifests, and vulnerability
// remediations.
//
// A rate-limited OpenAI-compatible client (langchaingo) serves all
// generators. Each generator spreads temperatures across a batch so
// variants explore different parts of the model's output distribution,
// and normalizes responses into bare file content before they reach the
// scorers. Prompt templates are built in; repo-derived prompt material
// passes through an optional secret scrubber first.
package generate
