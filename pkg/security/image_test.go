package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	out []byte
	err error
}

func (s scriptedRunner) Run(ctx context.Context, tool string, args []string, stdin []byte) ([]byte, error) {
	return s.out, s.err
}

func mustPolicy(t *testing.T) *GatePolicy {
	t.Helper()
	p, err := NewGatePolicy()
	require.NoError(t, err)
	return p
}

// testable property 7 (spec.md §9): missing image tool yields skipped=false,
// passed=false — image scanning fails closed.
func TestImageScanner_MissingTool_FailsClosed(t *testing.T) {
	s := NewImageScanner("", "CRITICAL,HIGH", PriorityCritical, scriptedRunner{}, mustPolicy(t))

	result := s.Scan(context.Background(), "demo-api:1.2.3")
	assert.False(t, result.Passed)
	assert.False(t, result.Skipped)
}

func TestImageScanner_ToolNotFound_FailsClosed(t *testing.T) {
	s := NewImageScanner("trivy", "CRITICAL,HIGH", PriorityCritical, scriptedRunner{err: ErrToolNotFound}, mustPolicy(t))

	result := s.Scan(context.Background(), "demo-api:1.2.3")
	assert.False(t, result.Passed)
	assert.False(t, result.Skipped)
	assert.Contains(t, result.Reason, "scanner invocation failed")
}

func TestImageScanner_InvalidImageReference_FailsClosed(t *testing.T) {
	s := NewImageScanner("trivy", "CRITICAL,HIGH", PriorityCritical, scriptedRunner{}, mustPolicy(t))

	result := s.Scan(context.Background(), "not a valid ref!!")
	assert.False(t, result.Passed)
	assert.False(t, result.Skipped)
}

func TestImageScanner_CleanScan_Passes(t *testing.T) {
	out := []byte(`{"Results": [{"Vulnerabilities": []}]}`)
	s := NewImageScanner("trivy", "CRITICAL,HIGH", PriorityCritical, scriptedRunner{out: out}, mustPolicy(t))

	result := s.Scan(context.Background(), "demo-api:1.2.3")
	assert.True(t, result.Passed)
	assert.Empty(t, result.Findings)
}

// S2 scenario (spec.md §8): CRITICAL finding blocks.
func TestImageScanner_CriticalFinding_Blocks(t *testing.T) {
	out := []byte(`{"Results": [{"Vulnerabilities": [{"Severity": "CRITICAL", "VulnerabilityID": "CVE-2021-1234", "PkgName": "openssl"}]}]}`)
	s := NewImageScanner("trivy", "CRITICAL,HIGH", PriorityCritical, scriptedRunner{out: out}, mustPolicy(t))

	result := s.Scan(context.Background(), "nginx:1.10")
	assert.False(t, result.Passed)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "CVE-2021-1234", result.Findings[0].Identifier)
}

func TestImageScanner_LowSeverityFinding_DoesNotBlock(t *testing.T) {
	out := []byte(`{"Results": [{"Vulnerabilities": [{"Severity": "LOW", "VulnerabilityID": "CVE-2020-0001", "PkgName": "curl"}]}]}`)
	s := NewImageScanner("trivy", "CRITICAL,HIGH", PriorityCritical, scriptedRunner{out: out}, mustPolicy(t))

	result := s.Scan(context.Background(), "demo-api:1.2.3")
	assert.True(t, result.Passed)
	assert.Len(t, result.Findings, 1)
}

func TestImageScanner_MalformedOutput_FailsClosed(t *testing.T) {
	s := NewImageScanner("trivy", "CRITICAL,HIGH", PriorityCritical, scriptedRunner{out: []byte("not json")}, mustPolicy(t))

	result := s.Scan(context.Background(), "demo-api:1.2.3")
	assert.False(t, result.Passed)
	assert.False(t, result.Skipped)
}
