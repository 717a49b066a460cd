package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/gambtho/container-assist/internal/logging"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_HTTP_PORT, WORKFLOW_MAX_CANDIDATES, etc.)
//  2. YAML config file (~/.config/container-assist/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, uses
// the default path ~/.config/container-assist/config.yaml.
//
// # Security Considerations
//
// File Permissions: the configuration file must have 0600 or 0400
// permissions. Files with weaker permissions (e.g. 0644 world-readable) are
// rejected because the file may carry an LLM API key.
//
// Path Validation: only configuration files in allowed directories load:
//   - ~/.config/container-assist/ (user's config directory)
//   - /etc/container-assist/ (system-wide config directory)
//
// Absolute paths outside these directories are rejected to prevent path
// traversal. Files larger than 1MB are rejected.
//
// # Environment Variable Mapping
//
// Environment variables use underscore separator and are uppercased. The
// transformer maps them to YAML field names on the section.field_name
// pattern:
//
//	SERVER_HTTP_PORT -> server.http_port
//	WORKFLOW_MAX_CANDIDATES -> workflow.max_candidates
//	GENERATE_BASE_URL -> generate.base_url
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "container-assist", "config.yaml")
	}

	// Validate config path (even if file doesn't exist)
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate via the file descriptor to avoid a
		// TOCTOU race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Override with environment variables. Split on the first underscore
	// only: the section name never contains one, the field name may.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the container-assist config directory if it doesn't
// exist. Called during startup so new users have the directory ready. Created
// with 0700 permissions (owner read/write/execute only).
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "container-assist")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Symlink evaluation fails for paths that don't exist yet;
		// validate the absolute path instead.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "container-assist"),
		"/etc/container-assist",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/container-assist/ or /etc/container-assist/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size. Takes
// FileInfo from an already-opened file descriptor to avoid a TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model; skip the check there.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Observability defaults
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "container-assist"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}

	// Logging defaults. Format doubles as the is-set sentinel; Level's
	// zero value is a valid level (info).
	if cfg.Logging.Format == "" {
		cfg.Logging = *logging.NewDefaultConfig()
	}

	// Workflow defaults
	if cfg.Workflow.MaxCandidates == 0 {
		cfg.Workflow.MaxCandidates = 5
	}
	if cfg.Workflow.SamplingTimeout == 0 {
		cfg.Workflow.SamplingTimeout = 2 * time.Minute
	}
	if cfg.Workflow.BuildTimeout == 0 {
		cfg.Workflow.BuildTimeout = 10 * time.Minute
	}
	if cfg.Workflow.StageTimeout == 0 {
		cfg.Workflow.StageTimeout = 2 * time.Minute
	}
	if cfg.Workflow.MaxVulnerabilityLevel == "" {
		cfg.Workflow.MaxVulnerabilityLevel = "high"
	}
	if cfg.Workflow.MaxRemediationAttempts == 0 {
		cfg.Workflow.MaxRemediationAttempts = 3
	}
	if cfg.Workflow.TargetEnvironment == "" {
		cfg.Workflow.TargetEnvironment = "dev"
	}
	if cfg.Workflow.DeploymentStrategy == "" {
		cfg.Workflow.DeploymentStrategy = "rolling"
	}
	if cfg.Workflow.ResourceTTL == 0 {
		cfg.Workflow.ResourceTTL = 30 * time.Minute
	}

	// Resource cache defaults
	if cfg.Resources.DefaultTTL == 0 {
		cfg.Resources.DefaultTTL = 30 * time.Minute
	}
	if cfg.Resources.MaxContentSize == 0 {
		cfg.Resources.MaxContentSize = 8 * 1024 * 1024
	}
	if cfg.Resources.CleanupInterval == 0 {
		cfg.Resources.CleanupInterval = 5 * time.Minute
	}

	// Progress defaults
	if cfg.Progress.SubjectPrefix == "" {
		cfg.Progress.SubjectPrefix = "containerassist.progress"
	}

	// Generate defaults
	if cfg.Generate.Model == "" {
		cfg.Generate.Model = "gpt-4o-mini"
	}
	if cfg.Generate.RequestsPerSecond == 0 {
		cfg.Generate.RequestsPerSecond = 2
	}
	if cfg.Generate.Burst == 0 {
		cfg.Generate.Burst = 4
	}
	if cfg.Generate.Temperature == 0 {
		cfg.Generate.Temperature = 0.2
	}
	if cfg.Generate.MaxTokens == 0 {
		cfg.Generate.MaxTokens = 4096
	}

	// Scoring defaults
	if cfg.Scoring.TieBreakMargin == 0 {
		cfg.Scoring.TieBreakMargin = 1.0
	}

	// Gate defaults
	if cfg.Gates.MinDockerfileScore == 0 {
		cfg.Gates.MinDockerfileScore = 60
	}
	if cfg.Gates.MinManifestScore == 0 {
		cfg.Gates.MinManifestScore = 60
	}
	if cfg.Gates.MaxHigh == 0 {
		cfg.Gates.MaxHigh = 3
	}
	if cfg.Gates.MaxMedium == 0 {
		cfg.Gates.MaxMedium = 10
	}
	if cfg.Gates.SizeRejectFactor == 0 {
		cfg.Gates.SizeRejectFactor = 1.5
	}
	if cfg.Gates.SizeSanityFactor == 0 {
		cfg.Gates.SizeSanityFactor = 1.2
	}

	// Knowledge defaults
	if cfg.Knowledge.Collection == "" {
		cfg.Knowledge.Collection = "remediation"
	}
	if cfg.Knowledge.Embedder == "" {
		cfg.Knowledge.Embedder = "none"
	}

	// Engine defaults
	if cfg.Engine.DockerBinary == "" {
		cfg.Engine.DockerBinary = "docker"
	}
	if cfg.Engine.TrivyBinary == "" {
		cfg.Engine.TrivyBinary = "trivy"
	}
	if cfg.Engine.KubectlBinary == "" {
		cfg.Engine.KubectlBinary = "kubectl"
	}
	if cfg.Engine.Namespace == "" {
		cfg.Engine.Namespace = "default"
	}

	// Session defaults
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = 24 * time.Hour
	}
	if cfg.Sessions.CleanupInterval == 0 {
		cfg.Sessions.CleanupInterval = 10 * time.Minute
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = 100
	}
}
