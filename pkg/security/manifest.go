package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aegis-sre/aegis/pkg/types"
)

// ManifestScanner is order-4 of spec.md §4.5: a pre-deploy scan over
// fix_proposal.manifests, fail-open on a missing tool; a critical finding
// blocks only when BlockOnCritical is set.
type ManifestScanner struct {
	Tool            string
	BlockOnCritical bool
	runner          CommandRunner
}

// NewManifestScanner builds a ManifestScanner.
func NewManifestScanner(tool string, blockOnCritical bool, runner CommandRunner) *ManifestScanner {
	return &ManifestScanner{Tool: tool, BlockOnCritical: blockOnCritical, runner: runner}
}

// manifestReport mirrors the scanner's `scoring.critical[]` output shape
// (spec.md §6).
type manifestReport struct {
	Scoring struct {
		Critical []manifestFinding `json:"critical"`
		High     []manifestFinding `json:"high"`
	} `json:"scoring"`
}

type manifestFinding struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Resource string `json:"resource"`
}

// Scan feeds manifests (name -> YAML text) to the scanner on stdin in a
// stable order so results are deterministic across runs with the same input.
func (s *ManifestScanner) Scan(ctx context.Context, manifests map[string]string) ScanResult {
	if len(manifests) == 0 {
		return skipped("manifest", "no manifests to scan")
	}
	if s.Tool == "" {
		return skipped("manifest", "manifest scanner tool not configured")
	}

	stdin := concatManifests(manifests)
	raw, err := s.runner.Run(ctx, s.Tool, []string{"--format", "json"}, stdin)
	if err != nil {
		return skipped("manifest", fmt.Sprintf("manifest scanner unavailable: %v", err))
	}

	var report manifestReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return skipped("manifest", fmt.Sprintf("malformed manifest scan output: %v", err))
	}

	result := ScanResult{Tool: "manifest", Raw: string(raw)}
	for _, f := range report.Scoring.Critical {
		result.Findings = append(result.Findings, types.SecurityFinding{
			ScannerID: "manifest", Severity: types.SeverityCritical,
			Title: f.Title, Identifier: f.ID, Location: f.Resource,
		})
	}
	for _, f := range report.Scoring.High {
		result.Findings = append(result.Findings, types.SecurityFinding{
			ScannerID: "manifest", Severity: types.SeverityHigh,
			Title: f.Title, Identifier: f.ID, Location: f.Resource,
		})
	}

	result.Passed = !(s.BlockOnCritical && len(report.Scoring.Critical) > 0)
	result.Summary = fmt.Sprintf("%d critical, %d high manifest findings", len(report.Scoring.Critical), len(report.Scoring.High))
	return result
}

func concatManifests(manifests map[string]string) []byte {
	names := make([]string, 0, len(manifests))
	for name := range manifests {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []byte
	for _, name := range names {
		out = append(out, []byte("---\n# "+name+"\n")...)
		out = append(out, []byte(manifests[name])...)
		out = append(out, '\n')
	}
	return out
}
