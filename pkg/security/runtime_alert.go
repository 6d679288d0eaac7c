package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aegis-sre/aegis/pkg/k8s"
	"github.com/aegis-sre/aegis/pkg/types"
)

// RuntimeAlertScanner is order-2 of spec.md §4.5: always runs, scoped to the
// shadow namespace. Fail-open when its log source
// is unreachable — a missing runtime-alert feed must never block a
// verification on its own.
type RuntimeAlertScanner struct {
	SourceNamespace string
	Selector        string
	Threshold       LogPriority
	k8s             k8s.Client
	policy          *GatePolicy
}

// NewRuntimeAlertScanner builds a RuntimeAlertScanner. A nil k8s client
// always fail-opens (used for tests exercising only the chain wiring).
func NewRuntimeAlertScanner(sourceNamespace, selector string, threshold LogPriority, client k8s.Client, policy *GatePolicy) *RuntimeAlertScanner {
	return &RuntimeAlertScanner{SourceNamespace: sourceNamespace, Selector: selector, Threshold: threshold, k8s: client, policy: policy}
}

// alertLine is the parsed shape of one structured runtime-alert log line.
type alertLine struct {
	Severity   string `json:"severity"`
	Rule       string `json:"rule"`
	Identifier string `json:"id"`
	Output     string `json:"output"`
}

// Scan reads the last 500 log lines of each source pod and classifies each
// line as zero or more findings. since is not applied: lines logged before
// it are read and classified too (spec.md §6 "Runtime-alert
// scanner: cluster log tail ... filtered by label selector; lines parsed as
// JSON or free-text").
func (s *RuntimeAlertScanner) Scan(ctx context.Context, shadowNamespace string, since time.Time) ScanResult {
	if s.k8s == nil {
		return skipped("runtime-alert", "runtime-alert source unavailable")
	}

	pods, err := s.k8s.ListPodsWithLabel(ctx, s.SourceNamespace, s.Selector)
	if err != nil || len(pods) == 0 {
		return skipped("runtime-alert", "runtime-alert source namespace unreachable")
	}

	var allLines []string
	for _, p := range pods {
		lines, err := k8s.TailLogs(ctx, s.k8s, s.SourceNamespace, p.Name, 500, 30*time.Second)
		if err != nil {
			continue
		}
		allLines = append(allLines, lines...)
	}

	findings := parseAlertLines(allLines, shadowNamespace)

	blocked := len(findings) > 0 && s.policy.Blocks(ctx, toPriorities(findings), identifiersOf(findings), s.Threshold, nil)

	return ScanResult{
		Tool:     "runtime-alert",
		Passed:   !blocked,
		Findings: findings,
		Summary:  fmt.Sprintf("%d runtime alerts observed for %s", len(findings), shadowNamespace),
	}
}

func toPriorities(findings []types.SecurityFinding) []LogPriority {
	out := make([]LogPriority, len(findings))
	for i, f := range findings {
		out[i] = severityToPriority(f.Severity)
	}
	return out
}

func identifiersOf(findings []types.SecurityFinding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Identifier
	}
	return out
}

// severityToPriority maps the security-finding severity scale onto the
// scanner-chain's syslog priority scale so both gate and findings speak a
// consistent ordering despite having independent vocabularies (spec.md §3
// vs §4.5).
func severityToPriority(s types.Severity) LogPriority {
	switch s {
	case types.SeverityCritical:
		return PriorityCritical
	case types.SeverityHigh:
		return PriorityError
	case types.SeverityMedium:
		return PriorityWarning
	case types.SeverityLow:
		return PriorityNotice
	default:
		return PriorityInfo
	}
}

// parseAlertLines classifies runtime-alert log lines scoped to a shadow
// namespace: JSON lines parse as structured alerts, everything else is
// treated as free text scanned for the namespace substring (spec.md §6).
func parseAlertLines(lines []string, shadowNamespace string) []types.SecurityFinding {
	var out []types.SecurityFinding
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var parsed alertLine
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Rule != "" {
			if !strings.Contains(parsed.Output, shadowNamespace) && !strings.Contains(trimmed, shadowNamespace) {
				continue
			}
			out = append(out, types.SecurityFinding{
				ScannerID:  "runtime-alert",
				Severity:   types.ParseSeverity(parsed.Severity),
				Title:      parsed.Rule,
				Identifier: parsed.Identifier,
				Location:   shadowNamespace,
				Raw:        trimmed,
			})
			continue
		}

		if strings.Contains(trimmed, shadowNamespace) && looksLikeAlert(trimmed) {
			out = append(out, types.SecurityFinding{
				ScannerID: "runtime-alert",
				Severity:  types.SeverityMedium,
				Title:     "unstructured runtime alert",
				Location:  shadowNamespace,
				Raw:       trimmed,
			})
		}
	}
	return out
}

func looksLikeAlert(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range []string{"alert", "violation", "denied", "blocked", "anomaly"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
