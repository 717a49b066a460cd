// Package config provides configuration loading for container-assist.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Each section maps onto the config struct a service package
// exposes; cmd/container-assist does the wiring.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/gambtho/container-assist/internal/logging"
)

// Config holds the complete container-assist configuration.
type Config struct {
	Server        ServerConfig
	Observability ObservabilityConfig
	Logging       logging.Config
	Workflow      WorkflowConfig
	Resources     ResourcesConfig
	Progress      ProgressConfig
	Generate      GenerateConfig
	Scoring       ScoringConfig
	Gates         GatesConfig
	Knowledge     KnowledgeConfig
	Engine        EngineConfig
	Sessions      SessionsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"` // grpc or http
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
}

// WorkflowConfig holds the per-run parameters a session is created with.
// Values here are process-wide defaults; API and CLI callers may override
// them per run.
type WorkflowConfig struct {
	MaxCandidates          int           `koanf:"max_candidates"`
	SamplingTimeout        time.Duration `koanf:"sampling_timeout"`
	BuildTimeout           time.Duration `koanf:"build_timeout"`
	StageTimeout           time.Duration `koanf:"stage_timeout"` // non-sampling, non-build stages
	MaxVulnerabilityLevel  string        `koanf:"max_vulnerability_level"` // low, medium, high, critical
	EnableAutoRemediation  bool          `koanf:"enable_auto_remediation"`
	MaxRemediationAttempts int           `koanf:"max_remediation_attempts"`
	TargetEnvironment      string        `koanf:"target_environment"`  // dev, staging, prod
	DeploymentStrategy     string        `koanf:"deployment_strategy"` // rolling, blue-green, canary
	ResourceTTL            time.Duration `koanf:"resource_ttl"`
}

// ResourcesConfig holds resource cache configuration.
type ResourcesConfig struct {
	DefaultTTL      time.Duration `koanf:"default_ttl"`
	MaxContentSize  int64         `koanf:"max_content_size"` // bytes
	CleanupInterval time.Duration `koanf:"cleanup_interval"` // 0 disables the background sweep
}

// ProgressConfig holds progress event fan-out configuration.
type ProgressConfig struct {
	NATSURL       string `koanf:"nats_url"` // empty disables the NATS sink
	SubjectPrefix string `koanf:"subject_prefix"`
}

// GenerateConfig holds LLM generation configuration.
type GenerateConfig struct {
	BaseURL           string  `koanf:"base_url"`
	Model             string  `koanf:"model"`
	APIKey            Secret  `koanf:"api_key"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
	Temperature       float64 `koanf:"temperature"`
	MaxTokens         int     `koanf:"max_tokens"`
}

// ScoringConfig holds candidate scoring configuration.
type ScoringConfig struct {
	TieBreakMargin float64 `koanf:"tie_break_margin"`
	PresetsPath    string  `koanf:"presets_path"` // optional TOML weight-preset overrides
	WatchPresets   bool    `koanf:"watch_presets"`
}

// GatesConfig holds quality gate thresholds.
type GatesConfig struct {
	MinDockerfileScore float64 `koanf:"min_dockerfile_score"`
	MinManifestScore   float64 `koanf:"min_manifest_score"`
	MaxCritical        int     `koanf:"max_critical"`
	MaxHigh            int     `koanf:"max_high"`
	MaxMedium          int     `koanf:"max_medium"`
	SizeRejectFactor   float64 `koanf:"size_reject_factor"`
	SizeSanityFactor   float64 `koanf:"size_sanity_factor"`
}

// KnowledgeConfig holds remediation knowledge base configuration.
type KnowledgeConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path"` // empty means in-memory
	Collection string `koanf:"collection"`
	Embedder   string `koanf:"embedder"` // openai, fastembed, none
}

// EngineConfig holds external tool configuration for build, scan, and deploy.
type EngineConfig struct {
	DockerBinary  string `koanf:"docker_binary"`
	TrivyBinary   string `koanf:"trivy_binary"`
	KubectlBinary string `koanf:"kubectl_binary"`
	Kubeconfig    string `koanf:"kubeconfig"`
	Namespace     string `koanf:"namespace"`
	Registry      string `koanf:"registry"`
}

// SessionsConfig holds workflow session lifecycle configuration.
type SessionsConfig struct {
	TTL             time.Duration `koanf:"ttl"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	MaxSessions     int           `koanf:"max_sessions"`
}

// Enum values accepted by Validate.
var (
	vulnerabilityLevels  = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
	targetEnvironments   = map[string]bool{"dev": true, "staging": true, "prod": true}
	deploymentStrategies = map[string]bool{"rolling": true, "blue-green": true, "canary": true}
	embedderProviders    = map[string]bool{"openai": true, "fastembed": true, "none": true}
)

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Service name is empty (when telemetry is enabled)
//   - A workflow enum field holds an unrecognized value
//   - A threshold or limit is out of range
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if p := c.Observability.OTLPProtocol; p != "" && p != "grpc" && p != "http" {
		return fmt.Errorf("invalid otlp protocol: %q (must be grpc or http)", p)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if c.Workflow.MaxCandidates < 3 || c.Workflow.MaxCandidates > 10 {
		return fmt.Errorf("max candidates out of range: %d (must be 3-10)", c.Workflow.MaxCandidates)
	}
	if c.Workflow.SamplingTimeout <= 0 {
		return errors.New("sampling timeout must be positive")
	}
	if c.Workflow.BuildTimeout <= 0 {
		return errors.New("build timeout must be positive")
	}
	if !vulnerabilityLevels[c.Workflow.MaxVulnerabilityLevel] {
		return fmt.Errorf("invalid max vulnerability level: %q", c.Workflow.MaxVulnerabilityLevel)
	}
	if !targetEnvironments[c.Workflow.TargetEnvironment] {
		return fmt.Errorf("invalid target environment: %q", c.Workflow.TargetEnvironment)
	}
	if !deploymentStrategies[c.Workflow.DeploymentStrategy] {
		return fmt.Errorf("invalid deployment strategy: %q", c.Workflow.DeploymentStrategy)
	}
	if c.Workflow.MaxRemediationAttempts < 0 {
		return errors.New("max remediation attempts cannot be negative")
	}

	if c.Resources.MaxContentSize <= 0 {
		return errors.New("resource max content size must be positive")
	}

	if c.Scoring.TieBreakMargin < 0 {
		return errors.New("tie-break margin cannot be negative")
	}

	if c.Gates.SizeRejectFactor < 1.0 {
		return fmt.Errorf("size reject factor must be >= 1.0, got %v", c.Gates.SizeRejectFactor)
	}
	if c.Gates.SizeSanityFactor < 1.0 {
		return fmt.Errorf("size sanity factor must be >= 1.0, got %v", c.Gates.SizeSanityFactor)
	}
	if c.Gates.SizeSanityFactor > c.Gates.SizeRejectFactor {
		return errors.New("size sanity factor cannot exceed size reject factor")
	}

	if c.Knowledge.Enabled && !embedderProviders[c.Knowledge.Embedder] {
		return fmt.Errorf("invalid knowledge embedder: %q", c.Knowledge.Embedder)
	}

	if c.Sessions.MaxSessions < 1 {
		return errors.New("max sessions must be positive")
	}

	return nil
}
