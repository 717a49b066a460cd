package workflow

import (
	"context"
	"strconv"
	"strings"

	"github.com/gambtho/container-assist/internal/sampling"
)

// Artifact names used as keys in State.Artifacts and as resource URI
// leaf segments.
const (
	ArtifactAnalysis       = "analysis.json"
	ArtifactDockerfile     = "Dockerfile"
	ArtifactDockerfileMeta = "dockerfile.meta.json"
	ArtifactBuild          = "build.json"
	ArtifactScan           = "scan.json"
	ArtifactManifests      = "manifests.yaml"
	ArtifactDeployment     = "deployment.json"
	ArtifactVerification   = "verification.json"
)

// AnalysisReport is the structured outcome of repository analysis.
type AnalysisReport struct {
	Language        string   `json:"language"`
	LanguageVersion string   `json:"language_version,omitempty"`
	Framework       string   `json:"framework,omitempty"`
	BuildSystem     string   `json:"build_system,omitempty"`
	Entrypoint      string   `json:"entrypoint,omitempty"`
	Ports           []int    `json:"ports,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`

	// HasDockerfile reports whether the repository already ships one.
	HasDockerfile bool `json:"has_dockerfile,omitempty"`
}

// RepoInfo flattens the report into the string map generation contexts
// carry. Empty fields are omitted.
func (r *AnalysisReport) RepoInfo() map[string]string {
	info := make(map[string]string)
	set := func(key, value string) {
		if value != "" {
			info[key] = value
		}
	}
	set("language", r.Language)
	set("language_version", r.LanguageVersion)
	set("framework", r.Framework)
	set("build_system", r.BuildSystem)
	set("entrypoint", r.Entrypoint)
	if len(r.Ports) > 0 {
		ports := make([]string, len(r.Ports))
		for i, p := range r.Ports {
			ports[i] = strconv.Itoa(p)
		}
		info["ports"] = strings.Join(ports, ",")
	}
	return info
}

// BuildOptions parametrize one image build.
type BuildOptions struct {
	ContextDir string `json:"context_dir"`
	Dockerfile string `json:"dockerfile"` // content, not a path
	ImageRef   string `json:"image_ref"`

	// Tool overrides the engine's primary build tool. Empty uses the
	// default; recovery sets it for fallback attempts.
	Tool string `json:"tool,omitempty"`
}

// BuildResult is the structured outcome of an image build.
type BuildResult struct {
	ImageID   string `json:"image_id"`
	ImageRef  string `json:"image_ref"`
	SizeBytes int64  `json:"size_bytes"`
	Tool      string `json:"tool,omitempty"`
	Log       string `json:"log,omitempty"`
}

// Finding is one vulnerability reported by the scanner.
type Finding struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Package  string `json:"package,omitempty"`
	Version  string `json:"version,omitempty"`
	FixedIn  string `json:"fixed_in,omitempty"`
	Title    string `json:"title,omitempty"`
}

// ScanResult is the structured outcome of a vulnerability scan.
type ScanResult struct {
	ImageRef string    `json:"image_ref"`
	Critical int       `json:"critical"`
	High     int       `json:"high"`
	Medium   int       `json:"medium"`
	Low      int       `json:"low"`
	Findings []Finding `json:"findings,omitempty"`
}

// DeployOptions parametrize one manifest rollout.
type DeployOptions struct {
	Manifests string `json:"manifests"` // YAML content
	Namespace string `json:"namespace,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
}

// DeployResult is the structured outcome of a deployment.
type DeployResult struct {
	Succeeded bool     `json:"succeeded"`
	Namespace string   `json:"namespace,omitempty"`
	Resources []string `json:"resources,omitempty"` // kind/name applied
	Endpoints []string `json:"endpoints,omitempty"`
	Health    string   `json:"health,omitempty"`
	Log       string   `json:"log,omitempty"`
}

// VerifyResult is the structured outcome of post-deployment checks.
type VerifyResult struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks,omitempty"` // check name -> outcome
}

// Analyzer inspects a repository and reports what it found.
type Analyzer interface {
	Analyze(ctx context.Context, repoPath string) (*AnalysisReport, error)
}

// ImageBuilder builds container images.
type ImageBuilder interface {
	Build(ctx context.Context, opts BuildOptions) (*BuildResult, error)
}

// ImageScanner scans built images for vulnerabilities.
type ImageScanner interface {
	Scan(ctx context.Context, imageRef string) (*ScanResult, error)
}

// Deployer applies manifests and verifies the resulting workload.
type Deployer interface {
	Deploy(ctx context.Context, opts DeployOptions) (*DeployResult, error)
	Verify(ctx context.Context, opts DeployOptions) (*VerifyResult, error)
}

// Sampler produces one selected artifact from a generation context. The
// sampling orchestrator satisfies this for string content.
type Sampler interface {
	Sample(ctx context.Context, gctx sampling.GenerationContext, count int, token string) (*sampling.ScoredCandidate[string], error)
}
