package engine

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const scanTestReport = `{
  "Results": [
    {
      "Vulnerabilities": [
        {"VulnerabilityID": "CVE-2025-1111", "PkgName": "libssl3", "InstalledVersion": "3.1.1", "FixedVersion": "3.1.2", "Severity": "MEDIUM", "Title": "padding oracle"},
        {"VulnerabilityID": "CVE-2025-0001", "PkgName": "openssl", "InstalledVersion": "3.1.1", "FixedVersion": "3.1.4", "Severity": "CRITICAL", "Title": "remote code execution"},
        {"VulnerabilityID": "CVE-2025-2222", "PkgName": "zlib", "InstalledVersion": "1.2.13", "Severity": "HIGH", "Title": "heap overflow"},
        {"VulnerabilityID": "CVE-2025-3333", "PkgName": "busybox", "InstalledVersion": "1.36", "Severity": "UNKNOWN", "Title": "unrated"}
      ]
    },
    {
      "Vulnerabilities": [
        {"VulnerabilityID": "CVE-2025-4444", "PkgName": "musl", "InstalledVersion": "1.2.4", "Severity": "LOW", "Title": "info leak"}
      ]
    }
  ]
}`

func newTestScanner(t *testing.T, cfg Config, fake *fakeRunner) *Scanner {
	t.Helper()
	s := NewScanner(cfg, zaptest.NewLogger(t))
	s.run = fake
	return s
}

func reportWriter(t *testing.T, report string) *fakeRunner {
	t.Helper()
	return &fakeRunner{fn: func(c call) ([]byte, error) {
		require.NoError(t, os.WriteFile(argAfter(c.args, "--output"), []byte(report), 0o600))
		return nil, nil
	}}
}

func TestScanner_Scan(t *testing.T) {
	fake := reportWriter(t, scanTestReport)
	result, err := newTestScanner(t, DefaultConfig(), fake).Scan(context.Background(), "demo-app:latest")
	require.NoError(t, err)

	assert.Equal(t, "demo-app:latest", result.ImageRef)
	assert.Equal(t, 1, result.Critical)
	assert.Equal(t, 1, result.High)
	assert.Equal(t, 1, result.Medium)
	assert.Equal(t, 1, result.Low)

	// UNKNOWN severities are dropped entirely.
	require.Len(t, result.Findings, 4)
	// Worst first.
	assert.Equal(t, "CVE-2025-0001", result.Findings[0].ID)
	assert.Equal(t, "critical", result.Findings[0].Severity)
	assert.Equal(t, "openssl", result.Findings[0].Package)
	assert.Equal(t, "3.1.4", result.Findings[0].FixedIn)
	assert.Equal(t, "low", result.Findings[3].Severity)

	scanCall := fake.calls[0]
	assert.Equal(t, "trivy", scanCall.name)
	assert.Equal(t, "image", scanCall.args[0])
	assert.Equal(t, "json", argAfter(scanCall.args, "--format"))
	assert.Equal(t, "demo-app:latest", scanCall.args[len(scanCall.args)-1])
}

func TestScanner_CapsFindingsKeepingWorst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFindings = 2

	result, err := newTestScanner(t, cfg, reportWriter(t, scanTestReport)).Scan(context.Background(), "demo-app:latest")
	require.NoError(t, err)

	require.Len(t, result.Findings, 2)
	assert.Equal(t, "critical", result.Findings[0].Severity)
	assert.Equal(t, "high", result.Findings[1].Severity)
	// Counts are never capped.
	assert.Equal(t, 1, result.Medium)
	assert.Equal(t, 1, result.Low)
}

func TestScanner_CleanImage(t *testing.T) {
	result, err := newTestScanner(t, DefaultConfig(), reportWriter(t, `{"Results": []}`)).
		Scan(context.Background(), "demo-app:latest")
	require.NoError(t, err)

	assert.Zero(t, result.Critical)
	assert.Empty(t, result.Findings)
}

func TestScanner_ScanFailure(t *testing.T) {
	fake := &fakeRunner{fn: func(c call) ([]byte, error) {
		return []byte("image not found"), errors.New("exit status 1")
	}}

	_, err := newTestScanner(t, DefaultConfig(), fake).Scan(context.Background(), "demo-app:latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trivy scan failed")
	assert.Contains(t, err.Error(), "image not found")
}

func TestScanner_MalformedReport(t *testing.T) {
	_, err := newTestScanner(t, DefaultConfig(), reportWriter(t, "not json")).
		Scan(context.Background(), "demo-app:latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse scan report")
}

func TestScanner_RequiresImageRef(t *testing.T) {
	fake := &fakeRunner{}
	_, err := newTestScanner(t, DefaultConfig(), fake).Scan(context.Background(), "")
	require.Error(t, err)
	assert.Empty(t, fake.calls)
}
