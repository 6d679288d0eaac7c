package security

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/itchyny/gojq"

	"github.com/aegis-sre/aegis/pkg/types"
)

// imageVulnJQ extracts every vulnerability severity/id out of the image
// scanner's `Results[].Vulnerabilities[]` shape (spec.md §6), independent of
// which concrete scanner produced it, so a second image scanner never needs
// a bespoke Go struct.
const imageVulnJQ = `.Results[]? | .Vulnerabilities[]? | {severity: .Severity, id: .VulnerabilityID, pkg: .PkgName}`

// ImageScanner is the order-1 scanner of spec.md §4.5: triggered only when
// the candidate changes introduce a new image reference, fail-closed both on
// findings and on a missing tool.
type ImageScanner struct {
	Tool      string
	Severity  string // CSV passed to --severity
	Threshold LogPriority
	BlockList []string
	runner    CommandRunner
	policy    *GatePolicy
}

// NewImageScanner builds an ImageScanner. Tool empty still works: Scan
// reports an absent tool per the fail-closed policy.
func NewImageScanner(tool, severityCSV string, threshold LogPriority, runner CommandRunner, policy *GatePolicy) *ImageScanner {
	return &ImageScanner{Tool: tool, Severity: severityCSV, Threshold: threshold, runner: runner, policy: policy}
}

// Scan runs the image scanner against imageRef. A malformed image reference
// is itself treated as a fail-closed finding: the shadow's candidate change
// must be inspectable before it can ever reach production.
func (s *ImageScanner) Scan(ctx context.Context, imageRef string) ScanResult {
	if s.Tool == "" {
		return failClosed("image", "image scanner tool not configured")
	}

	normalized, err := name.ParseReference(imageRef)
	if err != nil {
		return failClosed("image", fmt.Sprintf("invalid image reference %q: %v", imageRef, err))
	}

	args := []string{"image", "--format", "json", "--severity", s.Severity, normalized.String()}
	raw, err := s.runner.Run(ctx, s.Tool, args, nil)
	if err != nil {
		return failClosed("image", fmt.Sprintf("scanner invocation failed: %v", err))
	}

	findings, parseErr := extractImageFindings(raw)
	if parseErr != nil {
		return failClosed("image", fmt.Sprintf("malformed scanner output: %v", parseErr))
	}

	priorities := make([]LogPriority, len(findings))
	identifiers := make([]string, len(findings))
	for i, f := range findings {
		priorities[i] = ParseLogPriority(f.Severity)
		identifiers[i] = f.Identifier
	}

	blocked := len(findings) > 0 && s.policy.Blocks(ctx, priorities, identifiers, s.Threshold, s.BlockList)

	result := ScanResult{
		Tool:    "image",
		Passed:  !blocked,
		Summary: fmt.Sprintf("%d vulnerabilities found in %s", len(findings), normalized.String()),
		Raw:     string(raw),
	}
	for _, f := range findings {
		result.Findings = append(result.Findings, types.SecurityFinding{
			ScannerID:  "image",
			Severity:   types.ParseSeverity(f.Severity),
			Title:      f.Package,
			Identifier: f.Identifier,
			Location:   normalized.String(),
		})
	}
	return result
}

type rawVuln struct {
	Severity   string `json:"severity"`
	Identifier string `json:"id"`
	Package    string `json:"pkg"`
}

func extractImageFindings(raw []byte) ([]rawVuln, error) {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	query, err := gojq.Parse(imageVulnJQ)
	if err != nil {
		return nil, err
	}

	var out []rawVuln
	iter := query.Run(parsed)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		var vuln rawVuln
		if err := json.Unmarshal(b, &vuln); err == nil {
			out = append(out, vuln)
		}
	}
	return out, nil
}
