// Package pipeline implements the three-stage agent workflow that turns a
// FaultContext into a vetted FixProposal and, when warranted, a
// VerificationPlan (spec.md §4.3): a static RCA → Fix → Verify DAG sharing
// one PipelineState per incident. Two incidents never share a PipelineState.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegis-sre/aegis/pkg/ai/llm"
	"github.com/aegis-sre/aegis/pkg/orchestration/dependency"
	"github.com/aegis-sre/aegis/pkg/types"
)

// lowConfidenceThreshold is the RCA stage's routing cutoff (spec.md §4.3):
// below it the pipeline terminates rather than guessing downstream.
const lowConfidenceThreshold = 0.7

// productionSeverities are the RCA severities that force a Verify stage
// regardless of namespace (spec.md §4.3, Fix stage routing).
var productionSeverities = map[string]bool{"critical": true, "high": true}

// Runner drives one incident's FaultContext through RCA → Fix → Verify,
// invoking the LM client at each stage and recording every decision onto the
// shared PipelineState's append-only message trace.
type Runner struct {
	llm      llm.Client
	evidence *dependency.InMemoryVectorFallback
	logger   *logrus.Logger
}

// NewRunner builds a Runner. evidence may be nil; a fresh in-memory vector
// fallback is created so past-incident similarity lookups always work.
func NewRunner(client llm.Client, evidence *dependency.InMemoryVectorFallback, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if evidence == nil {
		evidence = dependency.NewInMemoryVectorFallback(logger)
	}
	return &Runner{llm: client, evidence: evidence, logger: logger}
}

// IsProductionNamespace narrows the set of namespaces the Fix stage treats
// as production, injected by the caller (the operator owns the canonical
// list from configuration).
type IsProductionNamespace func(namespace string) bool

// Run executes the static DAG for one incident and returns the final
// PipelineState. It never panics or returns an error: every failure mode is
// represented in the returned state's Error field, per spec.md §4.3's edge
// cases (malformed JSON / timeout fall through to a deterministic result).
func (r *Runner) Run(ctx context.Context, resource types.ResourceRef, fc types.FaultContext, isProduction IsProductionNamespace) types.PipelineState {
	state := types.PipelineState{
		Resource:     resource,
		FaultContext: &fc,
		CurrentStage: types.StageRCA,
	}

	rca, state := r.runRCA(ctx, fc, state)
	if state.Error != "" {
		return state
	}

	if rca.Confidence < lowConfidenceThreshold {
		state.Error = "low-confidence RCA"
		state.CurrentStage = types.StageTerminal
		state = state.AppendMessage(types.StageRCA, "terminating: RCA confidence below threshold")
		return state
	}

	fix, state := r.runFix(ctx, fc, rca, state)
	if state.Error != "" {
		return state
	}

	if !needsVerification(rca, fix, resource, isProduction) {
		state.CurrentStage = types.StageTerminal
		state = state.AppendMessage(types.StageFix, "approval-ready proposal, no verification required")
		return state
	}

	_, state = r.runVerify(ctx, fix, state)

	// Production namespaces and risky proposals always require a human
	// (spec.md §4.3 Verify stage), whatever the LM decided.
	if state.VerificationPlan != nil {
		if (isProduction != nil && isProduction(resource.Namespace)) || len(fix.Risks) > 0 {
			state.VerificationPlan.ApprovalRequired = true
		}
	}

	state.CurrentStage = types.StageTerminal
	return state
}

// needsVerification implements the Fix stage's routing rule (spec.md §4.3):
// production namespace, critical/high severity, or any declared risk routes
// to Verify; otherwise the proposal terminates approval-ready.
func needsVerification(rca types.RCAResult, fix types.FixProposal, resource types.ResourceRef, isProduction IsProductionNamespace) bool {
	if productionSeverities[rca.Severity] {
		return true
	}
	if isProduction != nil && isProduction(resource.Namespace) {
		return true
	}
	return len(fix.Risks) > 0
}

func (r *Runner) runRCA(ctx context.Context, fc types.FaultContext, state types.PipelineState) (types.RCAResult, types.PipelineState) {
	start := time.Now()
	rca, err := r.llm.AnalyzeRootCause(ctx, fc)
	r.logDuration("rca", start)

	if err != nil {
		r.logger.WithError(err).Warn("RCA stage failed, falling through to deterministic minimal result")
		rca = minimalRCA(fc)
		state.Error = "rca stage failed: " + err.Error()
	}

	rca = applyRCAGuardrail(rca, fc)
	rca = enrichWithEvidence(r.evidence, fc, rca)
	state.RCAResult = &rca
	state = state.AppendMessage(types.StageRCA, "root-cause analysis complete: "+rca.RootCause)
	return rca, state
}

func (r *Runner) runFix(ctx context.Context, fc types.FaultContext, rca types.RCAResult, state types.PipelineState) (types.FixProposal, types.PipelineState) {
	start := time.Now()
	fix, err := r.llm.ProposeFix(ctx, fc, rca)
	r.logDuration("fix", start)

	if err != nil {
		r.logger.WithError(err).Warn("Fix stage failed, falling through to deterministic minimal result")
		fix = minimalFix()
		state.Error = "fix stage failed: " + err.Error()
	}

	if !fix.IsActionable() {
		fix.Kind = types.FixManual
	}

	fix = applyFixGuardrail(fix, fc)
	state.FixProposal = &fix
	state.CurrentStage = types.StageFix
	state = state.AppendMessage(types.StageFix, "fix proposal: "+string(fix.Kind)+" - "+fix.Description)
	return fix, state
}

func (r *Runner) runVerify(ctx context.Context, fix types.FixProposal, state types.PipelineState) (types.VerificationPlan, types.PipelineState) {
	start := time.Now()
	plan, err := r.llm.PlanVerification(ctx, fix)
	r.logDuration("verify", start)

	if err != nil {
		r.logger.WithError(err).Warn("Verify stage failed, falling through to deterministic minimal result")
		plan = minimalVerificationPlan(fix)
		state.Error = "verify stage failed: " + err.Error()
	}

	plan = applyVerifyGuardrail(plan, fix)
	state.VerificationPlan = &plan
	state.CurrentStage = types.StageVerify
	state = state.AppendMessage(types.StageVerify, "verification plan: "+plan.VerificationType)
	return plan, state
}

func (r *Runner) logDuration(stage string, start time.Time) {
	r.logger.WithField("stage", stage).WithField("duration_ms", time.Since(start).Milliseconds()).Debug("pipeline stage complete")
}
