package security

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegis-sre/aegis/pkg/metrics"
	"github.com/aegis-sre/aegis/pkg/types"
)

// URLResolver resolves a shadow environment's exposed service URL, when one
// exists, for the dynamic web scanner's trigger condition (spec.md §4.5).
type URLResolver func(ctx context.Context, env types.ShadowEnvironment) string

// Chain orders and runs the four-scanner gate chain of spec.md §4.5 and
// aggregates their results into one SecurityReport. It implements
// shadow.SecurityGateChain.
type Chain struct {
	Image    *ImageScanner
	Runtime  *RuntimeAlertScanner
	Web      *WebScanner
	Manifest *ManifestScanner

	ResolveURL URLResolver
	Metrics    *metrics.Registry
	Logger     *logrus.Logger
}

// NewChain builds a Chain; any scanner field left nil is treated as disabled
// and its step is skipped entirely before the chain even runs it (distinct
// from a configured-but-tool-missing skip, which the scanner itself reports).
func NewChain(image *ImageScanner, runtimeAlert *RuntimeAlertScanner, web *WebScanner, manifest *ManifestScanner, resolveURL URLResolver, m *metrics.Registry, logger *logrus.Logger) *Chain {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Chain{Image: image, Runtime: runtimeAlert, Web: web, Manifest: manifest, ResolveURL: resolveURL, Metrics: m, Logger: logger}
}

// Run executes the chain in the fixed order image → runtime-alert → web →
// manifest and returns the aggregate SecurityReport (spec.md §4.5).
func (c *Chain) Run(ctx context.Context, env types.ShadowEnvironment, fix types.FixProposal, changes map[string]string) types.SecurityReport {
	report := types.SecurityReport{
		Passed:          true,
		ScannerPayloads: map[string]string{},
		SeverityCounts:  map[types.Severity]int{},
		Timestamp:       time.Now(),
	}

	var results []ScanResult
	anyRan := false

	if img, ok := changes["image"]; ok && c.Image != nil {
		anyRan = true
		results = append(results, c.Image.Scan(ctx, img))
	}

	if c.Runtime != nil {
		anyRan = true
		results = append(results, c.Runtime.Scan(ctx, env.Namespace, env.CreatedAt))
	}

	if c.Web != nil {
		target := ""
		if c.ResolveURL != nil {
			target = c.ResolveURL(ctx, env)
		}
		if target != "" {
			anyRan = true
		}
		results = append(results, c.Web.Scan(ctx, target))
	}

	if c.Manifest != nil && len(fix.Manifests) > 0 {
		anyRan = true
		results = append(results, c.Manifest.Scan(ctx, fix.Manifests))
	}

	allSkipped := anyRan
	for _, r := range results {
		report.Findings = append(report.Findings, r.Findings...)
		report.ScannerPayloads[r.Tool] = r.Raw
		if !r.Passed {
			report.Passed = false
		}
		if !r.Skipped {
			allSkipped = false
		}
		for _, f := range r.Findings {
			report.SeverityCounts[f.Severity]++
		}
		c.recordBlocks(r)
	}
	report.Skipped = anyRan && allSkipped

	return report
}

// recordBlocks increments security_blocks_total once per blocking scanner
// result, labeled by the worst severity it found (spec.md §4.7, S2).
func (c *Chain) recordBlocks(r ScanResult) {
	if r.Passed || c.Metrics == nil {
		return
	}

	worst := types.SeverityInfo
	for _, f := range r.Findings {
		if f.Severity > worst {
			worst = f.Severity
		}
	}
	c.Metrics.SecurityBlocksTotal.WithLabelValues(r.Tool, severityLabel(worst)).Inc()
	c.Logger.WithFields(logrus.Fields{"scanner": r.Tool, "severity": severityLabel(worst)}).Warn("security gate blocked verification")
}

func severityLabel(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "CRITICAL"
	case types.SeverityHigh:
		return "HIGH"
	case types.SeverityMedium:
		return "MEDIUM"
	case types.SeverityLow:
		return "LOW"
	default:
		return "INFO"
	}
}
