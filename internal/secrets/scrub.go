// Package secrets removes credential material from text before it
// leaves the process. The scrubber runs the gitleaks default ruleset
// and replaces each match with a [REDACTED:rule:preview] marker that
// keeps the surrounding context intact for prompts and artifacts.
package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
	"github.com/zricethezav/gitleaks/v8/report"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/secrets"

// previewLen is how many leading characters of a secret survive in the
// redaction marker.
const previewLen = 4

// Scrubber redacts secrets from prompt and artifact content. It
// implements generate.Scrubber.
type Scrubber struct {
	detector *detect.Detector
	logger   *zap.Logger
	meter    metric.Meter

	redactionsCounter metric.Int64Counter
}

// NewScrubber creates a scrubber backed by the gitleaks default
// ruleset.
func NewScrubber(logger *zap.Logger) (*Scrubber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load secret detection rules: %w", err)
	}

	s := &Scrubber{
		detector: detector,
		logger:   logger,
		meter:    otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Scrubber) initMetrics() {
	var err error

	s.redactionsCounter, err = s.meter.Int64Counter(
		"containerassist.secrets.redactions_total",
		metric.WithDescription("Total number of redacted secrets"),
		metric.WithUnit("{secret}"),
	)
	if err != nil {
		s.logger.Warn("failed to create redactions counter", zap.Error(err))
	}
}

// Scrub replaces every detected secret with a redaction marker. Clean
// content is returned unchanged.
func (s *Scrubber) Scrub(content string) string {
	if content == "" {
		return content
	}

	findings := s.detector.DetectString(content)
	if len(findings) == 0 {
		return content
	}

	rules := make(map[string]int, len(findings))
	for _, f := range findings {
		rules[f.RuleID]++
	}
	if s.redactionsCounter != nil {
		for rule, n := range rules {
			s.redactionsCounter.Add(context.Background(), int64(n),
				metric.WithAttributes(attribute.String("rule", rule)))
		}
	}
	s.logger.Info("redacted secrets from content",
		zap.Int("count", len(findings)),
		zap.Any("rules", rules),
	)

	return redactFindings(content, findings)
}

// redactFindings replaces matches back-to-front so earlier replacements
// do not shift the positions of later ones. Findings with positions
// outside the content are skipped.
func redactFindings(content string, findings []report.Finding) string {
	sorted := make([]report.Finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StartLine != sorted[j].StartLine {
			return sorted[i].StartLine > sorted[j].StartLine
		}
		return sorted[i].StartColumn > sorted[j].StartColumn
	})

	lines := strings.Split(content, "\n")
	for _, f := range sorted {
		if f.StartLine < 1 || f.StartLine > len(lines) {
			continue
		}
		line := lines[f.StartLine-1]
		if f.StartColumn < 0 || f.EndColumn > len(line) || f.StartColumn > f.EndColumn {
			continue
		}
		marker := fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview(f.Secret))
		lines[f.StartLine-1] = line[:f.StartColumn] + marker + line[f.EndColumn:]
	}
	return strings.Join(lines, "\n")
}

// preview returns the leading characters kept in a redaction marker.
func preview(secret string) string {
	if len(secret) <= previewLen {
		return secret
	}
	return secret[:previewLen]
}
