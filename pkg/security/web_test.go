package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWebScanner_NoTargetURL_Skips(t *testing.T) {
	s := NewWebScanner("zap", PriorityCritical, scriptedRunner{}, mustPolicy(t))

	result := s.Scan(context.Background(), "")
	assert.True(t, result.Passed)
	assert.True(t, result.Skipped)
}

func TestWebScanner_NoToolConfigured_Skips(t *testing.T) {
	s := NewWebScanner("", PriorityCritical, scriptedRunner{}, mustPolicy(t))

	result := s.Scan(context.Background(), "http://demo-api.aegis-shadow-abc.svc:8080")
	assert.True(t, result.Passed)
	assert.True(t, result.Skipped)
}

func TestWebScanner_ScanUnavailable_Skips(t *testing.T) {
	s := NewWebScanner("zap", PriorityCritical, scriptedRunner{err: ErrToolNotFound}, mustPolicy(t))

	result := s.Scan(context.Background(), "http://demo-api.aegis-shadow-abc.svc:8080")
	assert.True(t, result.Passed)
	assert.True(t, result.Skipped)
}

func TestWebScanner_HighRiskAlert_Blocks(t *testing.T) {
	out := []byte(`{"alerts": [{"name": "SQL Injection", "risk": "High", "confidence": "High", "description": "...", "solution": "...", "urls": ["http://demo-api/login"]}]}`)
	s := NewWebScanner("zap", PriorityError, scriptedRunner{out: out}, mustPolicy(t))

	result := s.Scan(context.Background(), "http://demo-api.aegis-shadow-abc.svc:8080")
	assert.False(t, result.Passed)
	assert.Len(t, result.Findings, 1)
}

func TestWebScanner_NoAlerts_Passes(t *testing.T) {
	out := []byte(`{"alerts": []}`)
	s := NewWebScanner("zap", PriorityCritical, scriptedRunner{out: out}, mustPolicy(t))

	result := s.Scan(context.Background(), "http://demo-api.aegis-shadow-abc.svc:8080")
	assert.True(t, result.Passed)
	assert.Empty(t, result.Findings)
}
