// Package classifier normalizes the free-form severity strings a signal
// source attaches to an incident (Prometheus "critical", PagerDuty "Sev1",
// a homegrown "P2", ...) into aegis's own severity/priority vocabulary,
// using an operator-supplied Rego policy so the mapping can change without a
// binary rebuild.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/sirupsen/logrus"

	"github.com/aegis-sre/aegis/pkg/types"
)

// Result is the outcome of classifying one raw severity string.
type Result struct {
	// Severity is one of "critical", "high", "warning", "info", or
	// "unknown".
	Severity string
	// Source records whether Severity came from evaluating the loaded Rego
	// policy or from the unmapped-value fallback, for audit logging.
	Source string
}

const (
	sourceRegoPolicy = "rego-policy"
	sourceFallback   = "fallback"

	moduleName = "aegis_severity.rego"
	queryPath  = "data.aegis.signalprocessing.severity.result"
)

// defaultPolicy ships with every classifier so severity classification works
// out of the box; LoadRegoPolicy lets an operator replace it.
const defaultPolicy = `package aegis.signalprocessing.severity

import rego.v1

default result := "unknown"

scheme := {
	"critical": "critical",
	"high": "high",
	"warning": "warning",
	"info": "info",
	"sev1": "critical",
	"sev2": "high",
	"sev3": "warning",
	"sev4": "info",
	"p0": "critical",
	"p1": "high",
	"p2": "warning",
	"p3": "info",
	"p4": "info",
}

result := scheme[lower(input.severity)]
`

// SeverityClassifier evaluates a loaded Rego policy against a raw severity
// string. It is safe for concurrent use; LoadRegoPolicy may be called while
// ClassifySeverity is in flight on other goroutines.
type SeverityClassifier struct {
	mu     sync.RWMutex
	query  rego.PreparedEvalQuery
	policy string
	logger *logrus.Logger
}

// NewSeverityClassifier builds a classifier preloaded with aegis's default
// severity scheme, so callers get working classification before ever calling
// LoadRegoPolicy.
func NewSeverityClassifier(logger *logrus.Logger) (*SeverityClassifier, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &SeverityClassifier{logger: logger}
	if err := c.LoadRegoPolicy(context.Background(), defaultPolicy); err != nil {
		return nil, fmt.Errorf("default severity policy failed to load: %w", err)
	}
	return c, nil
}

// LoadRegoPolicy compiles and swaps in a new severity policy. A policy that
// fails to parse or compile is rejected and the previously loaded policy (the
// default, or whatever was last loaded successfully) remains in effect.
func (c *SeverityClassifier) LoadRegoPolicy(ctx context.Context, policy string) error {
	if _, err := ast.ParseModule(moduleName, policy); err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}

	query, err := rego.New(
		rego.Query(queryPath),
		rego.Module(moduleName, policy),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.query = query
	c.policy = policy
	return nil
}

// CurrentPolicy returns the Rego source currently in effect, for display in
// the operator's config-show command.
func (c *SeverityClassifier) CurrentPolicy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// ClassifySeverity normalizes rawSeverity through the loaded policy. A raw
// value the policy has no mapping for classifies as "unknown" with Source
// "fallback" rather than erroring, since an unrecognized severity must never
// block an incident from entering the queue.
func (c *SeverityClassifier) ClassifySeverity(ctx context.Context, rawSeverity string) (Result, error) {
	c.mu.RLock()
	query := c.query
	c.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(map[string]any{
		"severity": strings.TrimSpace(rawSeverity),
	}))
	if err != nil {
		c.logger.WithError(err).WithField("raw_severity", rawSeverity).
			Warn("severity policy evaluation failed, falling back to unknown")
		return Result{Severity: "unknown", Source: sourceFallback}, nil
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Result{Severity: "unknown", Source: sourceFallback}, nil
	}

	value, ok := rs[0].Expressions[0].Value.(string)
	if !ok || value == "" || strings.EqualFold(value, "unknown") {
		return Result{Severity: "unknown", Source: sourceFallback}, nil
	}
	return Result{Severity: strings.ToLower(value), Source: sourceRegoPolicy}, nil
}

// ClassifyPriority maps a normalized severity to a queue priority. It never
// errors: an unrecognized severity lands at P3 rather than being dropped.
func (c *SeverityClassifier) ClassifyPriority(severity string) types.Priority {
	switch strings.ToLower(severity) {
	case "critical":
		return types.P0
	case "high":
		return types.P1
	case "warning":
		return types.P2
	case "info":
		return types.P4
	default:
		return types.P3
	}
}
