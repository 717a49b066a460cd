package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// trivyReport mirrors the slice of trivy's JSON output the scanner
// reads.
type trivyReport struct {
	Results []struct {
		Vulnerabilities []trivyVulnerability `json:"Vulnerabilities"`
	} `json:"Results"`
}

type trivyVulnerability struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	FixedVersion     string `json:"FixedVersion"`
	Severity         string `json:"Severity"`
	Title            string `json:"Title"`
}

// findingRank orders severities so capping keeps the worst findings.
var findingRank = map[string]int{
	"critical": 3,
	"high":     2,
	"medium":   1,
	"low":      0,
}

// Scanner scans images for vulnerabilities by shelling out to trivy. It
// implements workflow.ImageScanner.
type Scanner struct {
	config Config
	run    runner
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	scansCounter metric.Int64Counter
}

// NewScanner creates a vulnerability scan engine.
func NewScanner(cfg Config, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scanner{
		config: cfg.withDefaults(),
		run:    execRunner{},
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Scanner) initMetrics() {
	var err error

	s.scansCounter, err = s.meter.Int64Counter(
		"containerassist.engine.scans_total",
		metric.WithDescription("Total number of image scans"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		s.logger.Warn("failed to create scans counter", zap.Error(err))
	}
}

// Scan runs trivy against the image and aggregates severity counts. The
// JSON report is written to a scratch file so stray tool output cannot
// corrupt parsing.
func (s *Scanner) Scan(ctx context.Context, imageRef string) (*workflow.ScanResult, error) {
	ctx, span := s.tracer.Start(ctx, "engine.scan")
	defer span.End()

	if imageRef == "" {
		err := errors.New("image reference is required")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("scan.image_ref", imageRef))

	scratch, err := os.MkdirTemp("", "container-assist-scan-")
	if err != nil {
		return nil, s.failScan(ctx, span, fmt.Errorf("failed to create scan scratch dir: %w", err))
	}
	defer func() { _ = os.RemoveAll(scratch) }()
	reportPath := filepath.Join(scratch, "report.json")

	output, err := s.run.Run(ctx, "", s.config.TrivyBinary,
		"image", "--format", "json", "--quiet", "--output", reportPath, imageRef)
	if err != nil {
		return nil, s.failScan(ctx, span,
			fmt.Errorf("trivy scan failed: %w (output: %s)", err, truncate(output, s.config.MaxLogBytes)))
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return nil, s.failScan(ctx, span, fmt.Errorf("failed to read scan report: %w", err))
	}

	var report trivyReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, s.failScan(ctx, span, fmt.Errorf("failed to parse scan report: %w", err))
	}

	result := s.summarize(imageRef, report)

	span.SetAttributes(
		attribute.Int("scan.critical", result.Critical),
		attribute.Int("scan.high", result.High),
	)
	if s.scansCounter != nil {
		s.scansCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "success")))
	}
	s.logger.Info("image scanned",
		zap.String("image_ref", imageRef),
		zap.Int("critical", result.Critical),
		zap.Int("high", result.High),
		zap.Int("medium", result.Medium),
		zap.Int("low", result.Low),
	)

	return result, nil
}

// summarize counts findings per severity and keeps the worst ones up to
// the configured cap. Severities trivy reports as UNKNOWN are dropped.
func (s *Scanner) summarize(imageRef string, report trivyReport) *workflow.ScanResult {
	result := &workflow.ScanResult{ImageRef: imageRef}

	var findings []workflow.Finding
	for _, res := range report.Results {
		for _, vuln := range res.Vulnerabilities {
			severity := strings.ToLower(vuln.Severity)
			switch severity {
			case "critical":
				result.Critical++
			case "high":
				result.High++
			case "medium":
				result.Medium++
			case "low":
				result.Low++
			default:
				continue
			}
			findings = append(findings, workflow.Finding{
				ID:       vuln.VulnerabilityID,
				Severity: severity,
				Package:  vuln.PkgName,
				Version:  vuln.InstalledVersion,
				FixedIn:  vuln.FixedVersion,
				Title:    vuln.Title,
			})
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findingRank[findings[i].Severity] > findingRank[findings[j].Severity]
	})
	if len(findings) > s.config.MaxFindings {
		findings = findings[:s.config.MaxFindings]
	}
	result.Findings = findings

	return result
}

func (s *Scanner) failScan(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if s.scansCounter != nil {
		s.scansCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
	}
	return err
}
