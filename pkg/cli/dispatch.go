// Package cli implements the command-dispatch contract of spec.md §6. It
// deliberately stops at "parse a resolved command into a typed result":
// flag parsing, help text, and terminal rendering are the out-of-scope
// front-end (spec.md §1) that some other binary or test harness supplies.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/aegis-sre/aegis/internal/config"
	aegiserr "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/pkg/queue"
	"github.com/aegis-sre/aegis/pkg/shadow"
	"github.com/aegis-sre/aegis/pkg/types"
)

// ExitCode mirrors spec.md §6's CLI contract: 0 on success, 1 on malformed
// input, 2 on pipeline error.
type ExitCode int

const (
	ExitOK       ExitCode = 0
	ExitInput    ExitCode = 1
	ExitPipeline ExitCode = 2
)

// Result is what every Dispatcher method returns: a typed payload plus the
// exit code a front-end should propagate.
type Result struct {
	ExitCode ExitCode
	Output   any
	Err      error
}

// AnalyzeRunner is satisfied by operator.Processor's single-incident path;
// defined here to avoid pkg/cli importing pkg/operator, which would create
// an import cycle (operator depends on nothing in cli, but a future
// httpapi-style adapter might want cli without operator's full daemon).
type AnalyzeRunner interface {
	AnalyzeOne(ctx context.Context, ref types.ResourceRef, autoFix bool) (types.PipelineState, error)
}

// Dispatcher resolves the CLI surface of spec.md §6 into typed results.
type Dispatcher struct {
	analyzer  AnalyzeRunner
	queue     *queue.Queue
	shadowMgr *shadow.Manager
	cfg       *config.Config
}

// NewDispatcher builds a Dispatcher. Any dependency may be nil; the
// corresponding commands then return ExitPipeline with a descriptive error
// rather than panicking.
func NewDispatcher(analyzer AnalyzeRunner, q *queue.Queue, shadowMgr *shadow.Manager, cfg *config.Config) *Dispatcher {
	return &Dispatcher{analyzer: analyzer, queue: q, shadowMgr: shadowMgr, cfg: cfg}
}

// ParseResourceRef parses a "kind/name" token as used by `analyze <kind>/<name>`
// (spec.md §6). Malformed input (no slash, empty kind or name) is an input
// error, not a pipeline error.
func ParseResourceRef(token, namespace string) (types.ResourceRef, error) {
	parts := strings.SplitN(token, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return types.ResourceRef{}, aegiserr.NewValidationError(
			fmt.Sprintf("malformed resource reference %q, expected kind/name", token))
	}
	return types.ResourceRef{Kind: parts[0], Name: parts[1], Namespace: namespace}, nil
}

// Analyze runs the pipeline for a single resource (spec.md §6 `analyze`).
func (d *Dispatcher) Analyze(ctx context.Context, kindSlashName, namespace string, autoFix bool) Result {
	ref, err := ParseResourceRef(kindSlashName, namespace)
	if err != nil {
		return Result{ExitCode: exitCodeFor(err), Err: err}
	}
	if d.analyzer == nil {
		return Result{ExitCode: ExitPipeline, Err: fmt.Errorf("no analyzer configured")}
	}

	state, err := d.analyzer.AnalyzeOne(ctx, ref, autoFix)
	if err != nil {
		return Result{ExitCode: ExitPipeline, Output: state, Err: err}
	}
	if state.Error != "" {
		return Result{ExitCode: ExitPipeline, Output: state, Err: fmt.Errorf("%s", state.Error)}
	}
	return Result{ExitCode: ExitOK, Output: state}
}

// IncidentList returns the queue's per-priority snapshot (spec.md §6
// `incident list`, read-only).
func (d *Dispatcher) IncidentList() Result {
	if d.queue == nil {
		return Result{ExitCode: ExitPipeline, Err: fmt.Errorf("no queue configured")}
	}
	return Result{ExitCode: ExitOK, Output: d.queue.Snapshot()}
}

// ShadowCreate directly invokes the shadow manager (spec.md §6
// `shadow create`, direct manager access bypassing the incident pipeline).
func (d *Dispatcher) ShadowCreate(ctx context.Context, sourceNS, sourceName, sourceKind string) Result {
	if d.shadowMgr == nil {
		return Result{ExitCode: ExitPipeline, Err: fmt.Errorf("no shadow manager configured")}
	}
	env, err := d.shadowMgr.Create(ctx, sourceNS, sourceName, sourceKind)
	if err != nil {
		// A non-empty ID means the failed create still holds a concurrency
		// slot and possibly a namespace; Cleanup releases both.
		if env.ID != "" {
			d.shadowMgr.Cleanup(ctx, &env, nil)
		}
		return Result{ExitCode: ExitPipeline, Output: env, Err: err}
	}
	return Result{ExitCode: ExitOK, Output: env}
}

// ShadowDelete tears a shadow environment down directly (spec.md §6
// `shadow delete`).
func (d *Dispatcher) ShadowDelete(ctx context.Context, env types.ShadowEnvironment) Result {
	if d.shadowMgr == nil {
		return Result{ExitCode: ExitPipeline, Err: fmt.Errorf("no shadow manager configured")}
	}
	d.shadowMgr.Cleanup(ctx, &env, nil)
	return Result{ExitCode: ExitOK, Output: env}
}

// maskedFields are config.Config struct paths containing credential-shaped
// values; ConfigShow redacts them unless showSecrets is set (spec.md §6
// `config show`, "secret values masked unless an explicit flag is passed").
var maskedFields = []string{"LLM.APIKey", "Slack.Token", "Database.DSN", "Queue.RedisAddr"}

// ConfigShow returns the resolved configuration, masking secret-shaped
// fields unless showSecrets is true.
func (d *Dispatcher) ConfigShow(showSecrets bool) Result {
	if d.cfg == nil {
		return Result{ExitCode: ExitPipeline, Err: fmt.Errorf("no configuration loaded")}
	}
	cfg := *d.cfg
	if !showSecrets {
		cfg.LLM.APIKey = maskSecret(cfg.LLM.APIKey)
		cfg.Slack.Token = maskSecret(cfg.Slack.Token)
		cfg.Database.DSN = maskSecret(cfg.Database.DSN)
		cfg.Queue.RedisAddr = maskSecret(cfg.Queue.RedisAddr)
	}
	return Result{ExitCode: ExitOK, Output: cfg}
}

// exitCodeFor maps an error's taxonomy kind onto the CLI contract of
// spec.md §6: caller-input problems exit 1, everything else exits 2.
func exitCodeFor(err error) ExitCode {
	if aegiserr.IsType(err, aegiserr.ErrorTypeValidation) {
		return ExitInput
	}
	return ExitPipeline
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
