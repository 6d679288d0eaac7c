package security

import (
	"encoding/json"

	"github.com/aegis-sre/aegis/pkg/types"
)

// ScanResult is the normalized shape every scanner in the chain returns
// (spec.md §4.5): "at minimum {tool, passed, skipped, reason?, findings[],
// summary}". Raw carries the scanner's untouched payload for audit/replay,
// the one genuinely open field in an otherwise closed struct (spec.md §9).
type ScanResult struct {
	Tool     string                  `json:"tool"`
	Passed   bool                    `json:"passed"`
	Skipped  bool                    `json:"skipped"`
	Reason   string                  `json:"reason,omitempty"`
	Findings []types.SecurityFinding `json:"findings"`
	Summary  string                  `json:"summary"`
	Raw      string                  `json:"raw,omitempty"`
}

// skipped builds the canned fail-open result a scanner returns when its
// backing tool is absent and its policy is fail-open (spec.md §4.5 table).
func skipped(tool, reason string) ScanResult {
	return ScanResult{Tool: tool, Passed: true, Skipped: true, Reason: reason, Summary: "skipped: " + reason}
}

// failClosed builds the canned result a scanner returns when its backing
// tool is absent and its policy is fail-closed.
func failClosed(tool, reason string) ScanResult {
	return ScanResult{Tool: tool, Passed: false, Skipped: false, Reason: reason, Summary: "failed: " + reason}
}

// marshalRaw renders v as compact JSON for ScanResult.Raw, never failing the
// scanner over a marshal error.
func marshalRaw(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
