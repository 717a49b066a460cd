package engine

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/engine"

// Config holds shared engine configuration: tool binaries and output
// limits.
type Config struct {
	// DockerBinary is the default image build tool (default: docker).
	// A fallback tool requested per build is invoked by its own name.
	DockerBinary string

	// TrivyBinary is the vulnerability scanner (default: trivy).
	TrivyBinary string

	// KubectlBinary is the deployment tool (default: kubectl).
	KubectlBinary string

	// Kubeconfig is passed as --kubeconfig when set.
	Kubeconfig string

	// Namespace is the target namespace when the deploy options carry
	// none (default: default).
	Namespace string

	// RolloutTimeout bounds each kubectl rollout status wait
	// (default: 2m).
	RolloutTimeout time.Duration

	// MaxFindings caps the vulnerability detail list carried in scan
	// results; severity counts are never capped (default: 50).
	MaxFindings int

	// MaxLogBytes caps tool output carried in results and errors
	// (default: 16 KiB).
	MaxLogBytes int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		DockerBinary:   "docker",
		TrivyBinary:    "trivy",
		KubectlBinary:  "kubectl",
		Namespace:      "default",
		RolloutTimeout: 2 * time.Minute,
		MaxFindings:    50,
		MaxLogBytes:    16 * 1024,
	}
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.DockerBinary == "" {
		c.DockerBinary = "docker"
	}
	if c.TrivyBinary == "" {
		c.TrivyBinary = "trivy"
	}
	if c.KubectlBinary == "" {
		c.KubectlBinary = "kubectl"
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.RolloutTimeout <= 0 {
		c.RolloutTimeout = 2 * time.Minute
	}
	if c.MaxFindings <= 0 {
		c.MaxFindings = 50
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = 16 * 1024
	}
	return c
}

// runner executes one external tool invocation and returns its combined
// output. Tests substitute a recorder.
type runner interface {
	Run(ctx context.Context, stdin, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// truncate caps tool output carried into logs, results, and errors.
func truncate(output []byte, limit int) string {
	if limit > 0 && len(output) > limit {
		output = output[:limit]
	}
	return string(output)
}
