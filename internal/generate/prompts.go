package generate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gambtho/container-assist/internal/sampling"
)

// dockerfileSystemPrompt steers the model toward bare file output.
const dockerfileSystemPrompt = `You are an expert in production container builds.

Respond with the complete file content only. No explanations, no markdown fences, no surrounding prose.`

// manifestSystemPrompt steers the model toward bare YAML output.
const manifestSystemPrompt = `You are an expert in Kubernetes deployment configuration.

Respond with the complete YAML content only. No explanations, no markdown fences, no surrounding prose.`

// remediationSystemPrompt frames the vulnerability-fixing task.
const remediationSystemPrompt = `You are an expert in container image security hardening.

Respond with the complete file content only. No explanations, no markdown fences, no surrounding prose.`

// repoFactOrder fixes the order analysis facts appear in prompts so
// equal contexts produce byte-equal prompts (and stable cache keys).
var repoFactOrder = []string{
	"language",
	"language_version",
	"framework",
	"build_system",
	"entrypoint",
	"ports",
}

// buildDockerfilePrompt renders the Dockerfile generation prompt from
// repository analysis facts and user preferences.
func buildDockerfilePrompt(gctx sampling.GenerationContext) string {
	var b strings.Builder

	b.WriteString("Write a production-ready Dockerfile for the repository described below.\n\n")
	writeRepoFacts(&b, gctx.RepoInfo)

	if env := gctx.Preferences["target_environment"]; env != "" {
		b.WriteString(fmt.Sprintf("Target environment: %s\n\n", env))
	}

	b.WriteString("Requirements:\n")
	b.WriteString("- Multi-stage build with a minimal runtime image.\n")
	b.WriteString("- Run as a non-root user.\n")
	b.WriteString("- Pin base image versions; never use the latest tag.\n")
	b.WriteString("- Copy dependency manifests before source so dependency layers cache.\n")
	if ports := gctx.RepoInfo["ports"]; ports != "" {
		b.WriteString(fmt.Sprintf("- EXPOSE the service ports (%s).\n", ports))
	}
	b.WriteString("- Keep the final image free of build tooling and package caches.\n")

	return b.String()
}

// buildManifestPrompt renders the Kubernetes manifest generation prompt.
// The built image reference is required; everything else degrades
// gracefully.
func buildManifestPrompt(gctx sampling.GenerationContext) (string, error) {
	imageRef := gctx.Inputs["image_ref"]
	if imageRef == "" {
		return "", errors.New("image reference missing from generation inputs")
	}

	var b strings.Builder

	b.WriteString("Write Kubernetes manifests for the application described below. ")
	b.WriteString("Produce a Deployment and a Service in one YAML stream separated by ---.\n\n")

	b.WriteString(fmt.Sprintf("Image: %s\n", imageRef))
	if ports := gctx.RepoInfo["ports"]; ports != "" {
		b.WriteString(fmt.Sprintf("Container ports: %s\n", ports))
	}
	if env := gctx.Preferences["target_environment"]; env != "" {
		b.WriteString(fmt.Sprintf("Namespace: %s\n", env))
	}
	if strategy := gctx.Preferences["deployment_strategy"]; strategy != "" {
		b.WriteString(fmt.Sprintf("Rollout strategy: %s\n", strategy))
	}

	b.WriteString("\nRequirements:\n")
	b.WriteString("- Set resource requests and limits.\n")
	b.WriteString("- Add liveness and readiness probes.\n")
	b.WriteString("- Run with a non-root securityContext and a read-only root filesystem.\n")
	b.WriteString("- Label resources with app.kubernetes.io/name.\n")
	b.WriteString("- Use the image reference exactly as given.\n")

	return b.String(), nil
}

// buildRemediationPrompt renders the vulnerability remediation prompt:
// the failing Dockerfile, the scan findings, and any known-fix hints.
func buildRemediationPrompt(gctx sampling.GenerationContext, hints []string) (string, error) {
	dockerfile := gctx.Inputs["dockerfile"]
	if dockerfile == "" {
		return "", errors.New("dockerfile missing from generation inputs")
	}
	findings := gctx.Inputs["findings"]
	if findings == "" {
		return "", errors.New("findings missing from generation inputs")
	}

	var b strings.Builder

	b.WriteString("The image built from the Dockerfile below failed its vulnerability scan. ")
	b.WriteString("Rewrite the Dockerfile to remediate the findings while preserving the build behavior.\n\n")

	b.WriteString("Findings:\n")
	b.WriteString(findings)
	b.WriteString("\n\n")

	if attempt := gctx.Inputs["attempt"]; attempt != "" {
		b.WriteString(fmt.Sprintf("Remediation attempt: %s\n\n", attempt))
	}

	if len(hints) > 0 {
		b.WriteString("Known fixes that may apply:\n")
		for _, hint := range hints {
			b.WriteString(fmt.Sprintf("- %s\n", hint))
		}
		b.WriteString("\n")
	}

	b.WriteString("Current Dockerfile:\n")
	b.WriteString(dockerfile)
	b.WriteString("\n\n")

	b.WriteString("Prefer upgrading base images and vulnerable packages over removing functionality. ")
	b.WriteString("Respond with the complete revised Dockerfile.\n")

	return b.String(), nil
}

// writeRepoFacts lists analysis facts in a fixed order, then any extras
// alphabetically.
func writeRepoFacts(b *strings.Builder, info map[string]string) {
	if len(info) == 0 {
		b.WriteString("Repository: no analysis facts available.\n\n")
		return
	}

	b.WriteString("Repository:\n")
	known := make(map[string]bool, len(repoFactOrder))
	for _, key := range repoFactOrder {
		known[key] = true
		if v := info[key]; v != "" {
			b.WriteString(fmt.Sprintf("- %s: %s\n", strings.ReplaceAll(key, "_", " "), v))
		}
	}

	extras := make([]string, 0)
	for key := range info {
		if !known[key] {
			extras = append(extras, key)
		}
	}
	sort.Strings(extras)
	for _, key := range extras {
		if v := info[key]; v != "" {
			b.WriteString(fmt.Sprintf("- %s: %s\n", strings.ReplaceAll(key, "_", " "), v))
		}
	}
	b.WriteString("\n")
}
