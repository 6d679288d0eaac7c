package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sre/aegis/pkg/types"
)

type fakeLLM struct {
	rca     types.RCAResult
	rcaErr  error
	fix     types.FixProposal
	fixErr  error
	plan    types.VerificationPlan
	planErr error
}

func (f *fakeLLM) AnalyzeRootCause(ctx context.Context, fc types.FaultContext) (types.RCAResult, error) {
	return f.rca, f.rcaErr
}
func (f *fakeLLM) ProposeFix(ctx context.Context, fc types.FaultContext, rca types.RCAResult) (types.FixProposal, error) {
	return f.fix, f.fixErr
}
func (f *fakeLLM) PlanVerification(ctx context.Context, fix types.FixProposal) (types.VerificationPlan, error) {
	return f.plan, f.planErr
}

func productionOnly(ns string) bool { return ns == "production" }

func TestRun_LowConfidence_Terminates(t *testing.T) {
	llm := &fakeLLM{rca: types.RCAResult{RootCause: "oom", Severity: "medium", Confidence: 0.4}}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "staging"}, types.FaultContext{}, productionOnly)

	assert.Equal(t, "low-confidence RCA", state.Error)
	assert.Nil(t, state.FixProposal)
}

func TestRun_HighConfidence_NonProduction_NoRisks_TerminatesApprovalReady(t *testing.T) {
	llm := &fakeLLM{
		rca: types.RCAResult{RootCause: "oom", Severity: "low", Confidence: 0.9},
		fix: types.FixProposal{Kind: types.FixRestart, Description: "restart pod", Commands: []string{"kubectl delete pod x"}},
	}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "staging"}, types.FaultContext{}, productionOnly)

	require.Empty(t, state.Error)
	assert.Nil(t, state.VerificationPlan)
	assert.Equal(t, types.StageTerminal, state.CurrentStage)
}

func TestRun_Production_RoutesToVerify(t *testing.T) {
	llm := &fakeLLM{
		rca: types.RCAResult{RootCause: "oom", Severity: "low", Confidence: 0.9},
		fix: types.FixProposal{Kind: types.FixPatch, Description: "raise memory limit", Manifests: map[string]string{"deploy": "..."}},
		plan: types.VerificationPlan{VerificationType: "shadow", DurationSeconds: 300, ApprovalRequired: true,
			SecurityChecks: []string{"image-scan"}},
	}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "production"}, types.FaultContext{}, productionOnly)

	require.Empty(t, state.Error)
	require.NotNil(t, state.VerificationPlan)
	assert.True(t, state.VerificationPlan.ApprovalRequired)
}

func TestRun_Production_ForcesApprovalEvenWhenLLMSaysOtherwise(t *testing.T) {
	llm := &fakeLLM{
		rca: types.RCAResult{RootCause: "oom", Severity: "low", Confidence: 0.9},
		fix: types.FixProposal{Kind: types.FixPatch, Description: "raise memory limit", Manifests: map[string]string{"deploy": "..."}},
		plan: types.VerificationPlan{VerificationType: "shadow", DurationSeconds: 300,
			ApprovalRequired: false},
	}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "production"}, types.FaultContext{}, productionOnly)

	require.NotNil(t, state.VerificationPlan)
	assert.True(t, state.VerificationPlan.ApprovalRequired,
		"production namespace must require approval regardless of the LM's plan")
}

func TestRun_RiskyFix_ForcesApproval(t *testing.T) {
	llm := &fakeLLM{
		rca: types.RCAResult{RootCause: "oom", Severity: "low", Confidence: 0.9},
		fix: types.FixProposal{Kind: types.FixPatch, Description: "raise memory limit",
			Manifests: map[string]string{"deploy": "..."}, Risks: []string{"node memory pressure"}},
		plan: types.VerificationPlan{VerificationType: "shadow", DurationSeconds: 300,
			ApprovalRequired: false},
	}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "staging"}, types.FaultContext{}, productionOnly)

	require.NotNil(t, state.VerificationPlan)
	assert.True(t, state.VerificationPlan.ApprovalRequired)
}

func TestRun_CriticalSeverity_RoutesToVerify_EvenOutsideProduction(t *testing.T) {
	llm := &fakeLLM{
		rca:  types.RCAResult{RootCause: "oom", Severity: "critical", Confidence: 0.95},
		fix:  types.FixProposal{Kind: types.FixPatch, Manifests: map[string]string{"deploy": "..."}},
		plan: types.VerificationPlan{VerificationType: "shadow", DurationSeconds: 120},
	}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "staging"}, types.FaultContext{}, productionOnly)
	require.NotNil(t, state.VerificationPlan)
}

func TestRun_RisksPresent_RoutesToVerify(t *testing.T) {
	llm := &fakeLLM{
		rca:  types.RCAResult{RootCause: "oom", Severity: "low", Confidence: 0.9},
		fix:  types.FixProposal{Kind: types.FixPatch, Manifests: map[string]string{"d": "x"}, Risks: []string{"may cause brief downtime"}},
		plan: types.VerificationPlan{VerificationType: "shadow", DurationSeconds: 60},
	}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "staging"}, types.FaultContext{}, productionOnly)
	require.NotNil(t, state.VerificationPlan)
}

func TestRun_FixWithNoActionability_DowngradesToManual(t *testing.T) {
	llm := &fakeLLM{
		rca: types.RCAResult{RootCause: "oom", Severity: "critical", Confidence: 0.9},
		fix: types.FixProposal{Kind: types.FixPatch}, // no commands or manifests
		plan: types.VerificationPlan{VerificationType: "shadow", DurationSeconds: 60},
	}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "staging"}, types.FaultContext{}, productionOnly)
	require.NotNil(t, state.FixProposal)
	assert.Equal(t, types.FixManual, state.FixProposal.Kind)
}

func TestRun_RCAFailure_FallsThroughToMinimalResult(t *testing.T) {
	llm := &fakeLLM{rcaErr: errors.New("backend down")}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "staging"}, types.FaultContext{}, productionOnly)
	require.NotNil(t, state.RCAResult)
	assert.Contains(t, state.Error, "rca stage failed")
}

func TestRun_VerbosityGuardrail_NeverEmpty(t *testing.T) {
	llm := &fakeLLM{
		rca: types.RCAResult{RootCause: "oom", Severity: "critical", Confidence: 0.9},
		fix: types.FixProposal{Kind: types.FixPatch, Manifests: map[string]string{"d": "x"}},
		plan: types.VerificationPlan{VerificationType: "shadow", DurationSeconds: 60},
	}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "staging"}, types.FaultContext{
		Findings: []types.DiagnosticFinding{{Kind: "Pod", Name: "x", Errors: []string{"OOMKilled"}}},
	}, productionOnly)

	require.NotEmpty(t, state.RCAResult.AnalysisSteps)
	require.NotEmpty(t, state.RCAResult.DecisionRationale)
	require.NotEmpty(t, state.FixProposal.AnalysisSteps)
}

func TestRun_MessagesAreAppendOnly(t *testing.T) {
	llm := &fakeLLM{
		rca: types.RCAResult{RootCause: "oom", Severity: "low", Confidence: 0.9},
		fix: types.FixProposal{Kind: types.FixRestart, Commands: []string{"x"}},
	}
	r := NewRunner(llm, nil, nil)

	state := r.Run(context.Background(), types.ResourceRef{Namespace: "staging"}, types.FaultContext{}, productionOnly)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, types.StageRCA, state.Messages[0].Stage)
	assert.Equal(t, types.StageFix, state.Messages[1].Stage)
}
