package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testable property 8 (spec.md §8): serialize-then-deserialize of any
// FixProposal yields a structurally equal object.
func TestFixProposal_JSONRoundTrip(t *testing.T) {
	cases := []FixProposal{
		{},
		{Kind: FixManual, Description: "manual investigation required"},
		{
			Kind:        FixPatch,
			Description: "raise memory limit to stop OOM kills",
			Commands:    []string{"kubectl -n production patch deployment demo-api ..."},
			Manifests: map[string]string{
				"demo-api.yaml": "apiVersion: apps/v1\nkind: Deployment\n",
			},
			RollbackCommands:  []string{"kubectl -n production rollout undo deployment demo-api"},
			EstimatedDowntime: "none",
			Risks:             []string{"memory pressure on the node"},
			Prerequisites:     []string{"node has 2Gi headroom"},
			Confidence:        0.92,
			AnalysisSteps:     []string{"observed OOMKilled", "checked limits"},
			DecisionRationale: "limit is below observed working set",
		},
	}

	for _, original := range cases {
		data, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded FixProposal
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, original, decoded)
	}
}

// testable property 6 (spec.md §8): the shadow status order is total and
// forward-only, with Failed and Destroyed absorbing.
func TestShadowStatus_TransitionsNeverRegress(t *testing.T) {
	forward := []ShadowStatus{ShadowPending, ShadowCreating, ShadowReady, ShadowTesting}

	for i, from := range forward {
		for j, to := range forward {
			got := from.CanTransitionTo(to)
			assert.Equal(t, j > i, got, "%s -> %s", from, to)
		}
		assert.True(t, from.CanTransitionTo(ShadowFailed), "%s -> failed", from)
		assert.True(t, from.CanTransitionTo(ShadowDestroyed), "%s -> destroyed", from)
	}

	all := append(forward, ShadowFailed, ShadowCleaning, ShadowDestroyed)
	for _, to := range all {
		assert.False(t, ShadowFailed.CanTransitionTo(to), "failed must absorb, got failed -> %s", to)
		assert.False(t, ShadowDestroyed.CanTransitionTo(to), "destroyed must absorb, got destroyed -> %s", to)
	}
}

func TestIncidentState_TerminalAndNonTerminalArePartitioned(t *testing.T) {
	nonTerminal := []IncidentState{StateClaimed, StateAnalyzing, StateAwaitingApprove, StateApplying}
	for _, s := range nonTerminal {
		assert.True(t, s.IsNonTerminal(), "%s", s)
		assert.False(t, s.IsTerminal(), "%s", s)
	}
	terminal := []IncidentState{StateResolved, StateRejected, StateFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s", s)
		assert.False(t, s.IsNonTerminal(), "%s", s)
	}
}

func TestPipelineState_AppendMessage_DoesNotMutateEarlierEntries(t *testing.T) {
	s1 := PipelineState{}
	s2 := s1.AppendMessage(StageRCA, "first")
	s3 := s2.AppendMessage(StageFix, "second")

	require.Len(t, s2.Messages, 1)
	require.Len(t, s3.Messages, 2)
	assert.Equal(t, "first", s3.Messages[0].Text)
	assert.Empty(t, s1.Messages)
}

func TestRequiresImageScan_OnlyPatchWithImage(t *testing.T) {
	img, ok := RequiresImageScan(FixPatch, map[string]string{"image": "demo-api:1.2.3"})
	assert.True(t, ok)
	assert.Equal(t, "demo-api:1.2.3", img)

	_, ok = RequiresImageScan(FixPatch, map[string]string{"replicas": "3"})
	assert.False(t, ok)

	_, ok = RequiresImageScan(FixScale, map[string]string{"image": "demo-api:1.2.3"})
	assert.False(t, ok)
}

func TestParseSeverity_UnknownDefaultsToInfo(t *testing.T) {
	assert.Equal(t, SeverityCritical, ParseSeverity("CRITICAL"))
	assert.Equal(t, SeverityMedium, ParseSeverity("moderate"))
	assert.Equal(t, SeverityInfo, ParseSeverity("bogus"))
	assert.Equal(t, SeverityInfo, ParseSeverity(""))
}
