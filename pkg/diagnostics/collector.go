// Package diagnostics builds the normalized FaultContext attached to an
// incident by invoking the external diagnostic tool and augmenting its
// output with a log tail, recent events, and the live manifest (spec.md
// §4.2).
package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/aegis-sre/aegis/pkg/k8s"
	"github.com/aegis-sre/aegis/pkg/types"
)

// errDiagnosticTimeout and errDiagnosticUnavailable are the two collector
// error markers a FaultContext may carry in Errors (spec.md §4.2, S3).
const (
	errDiagnosticTimeout     = "diagnostic-timeout"
	errDiagnosticUnavailable = "diagnostic-unavailable"
)

// Collector builds a FaultContext for a resource.
type Collector interface {
	Collect(ctx context.Context, ref types.ResourceRef) (types.FaultContext, error)
}

// ToolInvoker runs the external diagnostic tool and returns its raw JSON
// stdout, matching the CLI contract of spec.md §6. A nil ToolInvoker value
// is never passed to collector — NewCollector substitutes the real
// exec-based invoker or a mock one per the Config.
type ToolInvoker func(ctx context.Context, kind, namespace, name string) ([]byte, error)

// Config controls the collector's behavior.
type Config struct {
	// ToolPath is the diagnostic tool executable name. Empty triggers mock
	// mode: a canned FaultContext.raw is returned for known scenarios
	// without running any subprocess (spec.md §4.2).
	ToolPath string
	Backend  string
	Timeout  time.Duration
	LogLines int
}

type collector struct {
	cfg     Config
	k8s     k8s.Client
	metrics metricsclient.Interface
	invoke  ToolInvoker
	logger  *logrus.Logger
}

// NewCollector builds a Collector. When cfg.ToolPath is empty, collect runs
// entirely in mock mode and k8sClient may be nil.
func NewCollector(cfg Config, k8sClient k8s.Client, logger *logrus.Logger) Collector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = 200
	}

	invoke := execInvoker(cfg.ToolPath, cfg.Backend)
	if cfg.ToolPath == "" {
		invoke = mockInvoker
	}

	return &collector{cfg: cfg, k8s: k8sClient, invoke: invoke, logger: logger}
}

// NewCollectorWithMetrics is NewCollector plus a metrics-API client; when
// present, Collect samples the incident pod's live CPU/memory usage into the
// fault context so the RCA stage sees resource pressure, not just events.
func NewCollectorWithMetrics(cfg Config, k8sClient k8s.Client, mc metricsclient.Interface, logger *logrus.Logger) Collector {
	c := NewCollector(cfg, k8sClient, logger).(*collector)
	c.metrics = mc
	return c
}

func execInvoker(toolPath, backend string) ToolInvoker {
	return func(ctx context.Context, kind, namespace, name string) ([]byte, error) {
		args := []string{"analyze", "--filter=" + kind, "--namespace=" + namespace, "--output=json"}
		if backend != "" {
			args = append(args, "--backend="+backend)
		}
		cmd := exec.CommandContext(ctx, toolPath, args...)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			return nil, err
		}
		return stdout.Bytes(), nil
	}
}

// Collect builds a FaultContext for ref, never returning an error: a
// diagnostic timeout or absent tool is recorded in FaultContext.Errors so
// downstream agents can still reason with partial data (spec.md §4.2).
func (c *collector) Collect(ctx context.Context, ref types.ResourceRef) (types.FaultContext, error) {
	fc := types.FaultContext{Resource: ref, BuiltAt: now()}

	collectCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := c.invoke(collectCtx, ref.Kind, ref.Namespace, ref.Name)
	switch {
	case collectCtx.Err() != nil:
		fc.Errors = append(fc.Errors, errDiagnosticTimeout)
		c.logger.WithField("resource", ref).Warn("diagnostic collection timed out")
	case err != nil:
		fc.Errors = append(fc.Errors, errDiagnosticUnavailable)
		c.logger.WithError(err).WithField("resource", ref).Warn("diagnostic tool unavailable")
	default:
		findings, parseErr := parseFindings(raw)
		if parseErr != nil {
			fc.Errors = append(fc.Errors, errDiagnosticUnavailable)
			c.logger.WithError(parseErr).Warn("diagnostic tool returned malformed output")
		} else {
			fc.Findings = findings
		}
	}

	if c.k8s != nil {
		if lines, logErr := k8s.TailLogs(ctx, c.k8s, ref.Namespace, ref.Name, c.cfg.LogLines, c.cfg.Timeout); logErr == nil {
			fc.LogTail = lines
		}
		if events, evErr := c.k8s.ListEvents(ctx, ref.Namespace, 50); evErr == nil {
			for _, ev := range events {
				fc.Events = append(fc.Events, ev.Message)
			}
		}
		fc.Manifest = c.fetchManifest(ctx, ref)
	}

	if c.metrics != nil && ref.Kind == "Pod" {
		fc.Events = append(fc.Events, c.sampleUsage(ctx, ref)...)
	}

	return fc, nil
}

// fetchManifest renders the live resource as YAML for the fault context
// (spec.md §3, "the resource manifest itself"). Best-effort: a fetch or
// marshal error leaves Manifest empty rather than failing collection.
func (c *collector) fetchManifest(ctx context.Context, ref types.ResourceRef) string {
	var obj any
	var err error
	switch ref.Kind {
	case "Pod":
		obj, err = c.k8s.GetPod(ctx, ref.Namespace, ref.Name)
	case "Deployment":
		obj, err = c.k8s.GetDeployment(ctx, ref.Namespace, ref.Name)
	default:
		return ""
	}
	if err != nil {
		return ""
	}
	out, err := sigsyaml.Marshal(obj)
	if err != nil {
		return ""
	}
	return string(out)
}

// sampleUsage reads the pod's current per-container resource usage from the
// metrics API, one line per container.
func (c *collector) sampleUsage(ctx context.Context, ref types.ResourceRef) []string {
	pm, err := c.metrics.MetricsV1beta1().PodMetricses(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		c.logger.WithError(err).WithField("resource", ref).Debug("pod usage sampling unavailable")
		return nil
	}
	lines := make([]string, 0, len(pm.Containers))
	for _, cm := range pm.Containers {
		lines = append(lines, fmt.Sprintf("usage %s: cpu=%s memory=%s",
			cm.Name, cm.Usage.Cpu().String(), cm.Usage.Memory().String()))
	}
	return lines
}

// rawFinding mirrors the diagnostic tool's `--output=json` schema before
// it is translated onto types.DiagnosticFinding.
type rawFinding struct {
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	Namespace string   `json:"namespace"`
	Errors    []string `json:"errors"`
	Parent    string   `json:"parent"`
}

func parseFindings(raw []byte) ([]types.DiagnosticFinding, error) {
	var parsed struct {
		Findings []rawFinding `json:"findings"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	out := make([]types.DiagnosticFinding, 0, len(parsed.Findings))
	for _, f := range parsed.Findings {
		out = append(out, types.DiagnosticFinding{
			Kind: f.Kind, Name: f.Name, Namespace: f.Namespace,
			Errors: f.Errors, Parent: f.Parent,
		})
	}
	return out, nil
}

// now is a seam so tests can freeze BuiltAt without invoking time.Now
// directly in the package body.
var now = time.Now
