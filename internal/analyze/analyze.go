package analyze

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/analyze"

// Config holds analyzer configuration.
type Config struct {
	// MaxDependencies bounds the dependency list carried in reports
	// (default: 25).
	MaxDependencies int
}

// DefaultConfig returns sensible analyzer defaults.
func DefaultConfig() Config {
	return Config{MaxDependencies: 25}
}

// Service detects repository facts for the analysis stage. It
// implements workflow.Analyzer.
type Service struct {
	config Config
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	analyzedCounter metric.Int64Counter
}

// NewService creates a repository analyzer.
func NewService(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDependencies <= 0 {
		cfg.MaxDependencies = 25
	}

	s := &Service{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Service) initMetrics() {
	var err error

	s.analyzedCounter, err = s.meter.Int64Counter(
		"containerassist.analyze.repositories_total",
		metric.WithDescription("Total number of repository analyses"),
		metric.WithUnit("{repository}"),
	)
	if err != nil {
		s.logger.Warn("failed to create analyzed counter", zap.Error(err))
	}
}

// Analyze inspects the repository at repoPath.
//
// The first matching build manifest decides the ecosystem; a repository
// with none fails outright, since later stages cannot containerize what
// they cannot classify.
func (s *Service) Analyze(ctx context.Context, repoPath string) (*workflow.AnalysisReport, error) {
	ctx, span := s.tracer.Start(ctx, "analyze.repository")
	defer span.End()

	info, err := os.Stat(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository path %s is not a directory", repoPath)
	}

	report, ok := s.detect(repoPath)
	if !ok {
		err := fmt.Errorf("no supported build manifest found in %s (looked for go.mod, package.json, pyproject.toml, requirements.txt, pom.xml, build.gradle)", repoPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.analyzedCounter != nil {
			s.analyzedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "unsupported")))
		}
		return nil, err
	}

	report.HasDockerfile = fileExists(filepath.Join(repoPath, "Dockerfile"))
	s.resolvePorts(repoPath, report)

	span.SetAttributes(
		attribute.String("analyze.language", report.Language),
		attribute.String("analyze.framework", report.Framework),
	)
	if s.analyzedCounter != nil {
		s.analyzedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "success")))
	}
	s.logger.Info("repository analyzed",
		zap.String("path", repoPath),
		zap.String("language", report.Language),
		zap.String("framework", report.Framework),
		zap.String("entrypoint", report.Entrypoint),
		zap.Ints("ports", report.Ports),
	)

	return report, nil
}

// detect tries the ecosystem detectors in order of manifest
// specificity.
func (s *Service) detect(dir string) (*workflow.AnalysisReport, bool) {
	detectors := []func(string) (*workflow.AnalysisReport, bool){
		s.detectGo,
		s.detectNode,
		s.detectPython,
		s.detectJava,
	}
	for _, detect := range detectors {
		if report, ok := detect(dir); ok {
			return report, true
		}
	}
	return nil, false
}

// resolvePorts fills the report's ports: EXPOSE directives win, then a
// scan of the entrypoint, then the framework's conventional port.
func (s *Service) resolvePorts(dir string, report *workflow.AnalysisReport) {
	if report.HasDockerfile {
		if ports := exposedPorts(dir); len(ports) > 0 {
			report.Ports = ports
			return
		}
	}
	if report.Entrypoint != "" {
		if ports := scanPorts(filepath.Join(dir, report.Entrypoint)); len(ports) > 0 {
			report.Ports = ports
			return
		}
	}
	if port, ok := defaultFrameworkPort(report.Framework); ok {
		report.Ports = []int{port}
	}
}

// capDependencies bounds and returns the dependency list.
func (s *Service) capDependencies(deps []string) []string {
	if len(deps) > s.config.MaxDependencies {
		return deps[:s.config.MaxDependencies]
	}
	return deps
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// firstExisting returns the first candidate path that exists under dir,
// or empty.
func firstExisting(dir string, candidates ...string) string {
	for _, c := range candidates {
		if fileExists(filepath.Join(dir, c)) {
			return c
		}
	}
	return ""
}
