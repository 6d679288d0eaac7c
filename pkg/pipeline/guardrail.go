package pipeline

import (
	"fmt"

	"github.com/aegis-sre/aegis/pkg/types"
)

// applyRCAGuardrail is the RCA stage's verbosity guardrail (spec.md §4.3):
// when analysis_steps, evidence_summary, or decision_rationale come back
// empty from the LM, they are synthesized best-effort from the fault
// context rather than left blank.
func applyRCAGuardrail(rca types.RCAResult, fc types.FaultContext) types.RCAResult {
	if len(rca.AnalysisSteps) == 0 {
		rca.AnalysisSteps = synthesizeAnalysisSteps(fc)
	}
	if len(rca.EvidenceSummary) == 0 {
		rca.EvidenceSummary = synthesizeEvidenceSummary(fc)
	}
	if rca.DecisionRationale == "" {
		rca.DecisionRationale = fmt.Sprintf(
			"classified as %s severity with %.0f%% confidence based on %d diagnostic finding(s)",
			defaultString(rca.Severity, "unknown"), rca.Confidence*100, len(fc.Findings))
	}
	return rca
}

// applyFixGuardrail mirrors applyRCAGuardrail for the Fix stage's output.
func applyFixGuardrail(fix types.FixProposal, fc types.FaultContext) types.FixProposal {
	if len(fix.AnalysisSteps) == 0 {
		fix.AnalysisSteps = synthesizeAnalysisSteps(fc)
	}
	if fix.DecisionRationale == "" {
		fix.DecisionRationale = fmt.Sprintf("proposed %s remediation based on the root-cause analysis", fix.Kind)
	}
	return fix
}

// applyVerifyGuardrail mirrors applyRCAGuardrail for the Verify stage's
// output and guarantees DurationSeconds is always positive.
func applyVerifyGuardrail(plan types.VerificationPlan, fix types.FixProposal) types.VerificationPlan {
	if len(plan.AnalysisSteps) == 0 {
		plan.AnalysisSteps = []string{
			fmt.Sprintf("verify %s proposal in an isolated shadow environment", fix.Kind),
			"run the security gate chain before scoring health",
		}
	}
	if plan.DecisionRationale == "" {
		plan.DecisionRationale = "verification required before the fix may reach production"
	}
	if plan.DurationSeconds <= 0 {
		plan.DurationSeconds = 120
	}
	return plan
}

func synthesizeAnalysisSteps(fc types.FaultContext) []string {
	steps := []string{fmt.Sprintf("examined %d diagnostic finding(s) for %s/%s", len(fc.Findings), fc.Resource.Kind, fc.Resource.Name)}
	for _, f := range fc.Findings {
		for _, e := range f.Errors {
			steps = append(steps, "observed: "+e)
		}
	}
	if len(fc.LogTail) > 0 {
		steps = append(steps, fmt.Sprintf("reviewed %d lines of recent logs", len(fc.LogTail)))
	}
	return steps
}

func synthesizeEvidenceSummary(fc types.FaultContext) []string {
	summary := make([]string, 0, len(fc.Findings)+1)
	for _, f := range fc.Findings {
		if len(f.Errors) == 0 {
			continue
		}
		summary = append(summary, fmt.Sprintf("%s/%s: %v", f.Kind, f.Name, f.Errors))
	}
	if len(summary) == 0 {
		summary = append(summary, "no structured findings available; relying on raw context")
	}
	return summary
}

// minimalRCA is the deterministic fallback the RCA stage returns when the
// LM call fails after its retries (spec.md §4.3 edge cases).
func minimalRCA(fc types.FaultContext) types.RCAResult {
	return types.RCAResult{
		RootCause:  "unable to determine root cause: analysis backend unavailable",
		Severity:   "unknown",
		Confidence: 0,
	}
}

// minimalFix is the deterministic no-op fallback FixProposal (spec.md
// §4.3): kind=manual, no commands or manifests.
func minimalFix() types.FixProposal {
	return types.FixProposal{
		Kind:        types.FixManual,
		Description: "automatic fix proposal unavailable; manual investigation required",
	}
}

func minimalVerificationPlan(fix types.FixProposal) types.VerificationPlan {
	return types.VerificationPlan{
		VerificationType: "manual",
		DurationSeconds:  60,
		ApprovalRequired: true,
	}
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
