package types

// RCAResult is the root-cause stage's output (spec.md §3).
type RCAResult struct {
	RootCause            string   `json:"root_cause"`
	ContributingFactors  []string `json:"contributing_factors"`
	Severity             string   `json:"severity"`
	Confidence           float64  `json:"confidence"`
	Reasoning            string   `json:"reasoning"`
	AffectedComponents   []string `json:"affected_components"`
	AnalysisSteps        []string `json:"analysis_steps"`
	EvidenceSummary      []string `json:"evidence_summary"`
	DecisionRationale    string   `json:"decision_rationale"`
}

// FixKind enumerates the closed set of remediation shapes a FixProposal may take.
type FixKind string

const (
	FixConfigChange FixKind = "config-change"
	FixRestart      FixKind = "restart"
	FixScale        FixKind = "scale"
	FixRollback     FixKind = "rollback"
	FixPatch        FixKind = "patch"
	FixManual       FixKind = "manual"
)

// FixProposal is the fix stage's output (spec.md §3).
type FixProposal struct {
	Kind               FixKind           `json:"kind"`
	Description        string            `json:"description"`
	Commands           []string          `json:"commands"`
	Manifests          map[string]string `json:"manifests"`
	RollbackCommands   []string          `json:"rollback_commands"`
	EstimatedDowntime  string            `json:"estimated_downtime"`
	Risks              []string          `json:"risks"`
	Prerequisites      []string          `json:"prerequisites"`
	Confidence         float64           `json:"confidence"`
	AnalysisSteps      []string          `json:"analysis_steps"`
	DecisionRationale  string            `json:"decision_rationale"`
}

// IsActionable reports whether the proposal carries at least one command or
// manifest; the Fix stage downgrades to FixManual when it does not.
func (f FixProposal) IsActionable() bool {
	return len(f.Commands) > 0 || len(f.Manifests) > 0
}

// RequiresImageScan reports whether applying changes (the same map passed to
// shadow.Manager.ApplyChanges) introduces a new image reference, which per
// spec.md §3 must trigger the image scanner before the proposal may reach
// "applying".
func RequiresImageScan(kind FixKind, changes map[string]string) (string, bool) {
	if kind != FixPatch {
		return "", false
	}
	img, ok := changes["image"]
	return img, ok
}

// VerificationPlan is the verify stage's output (spec.md §3).
type VerificationPlan struct {
	VerificationType  string         `json:"verification_type"`
	TestScenarios      []string       `json:"test_scenarios"`
	SuccessCriteria    []string       `json:"success_criteria"`
	DurationSeconds    int            `json:"duration_seconds"`
	LoadTestConfig     map[string]any `json:"load_test_config,omitempty"`
	SecurityChecks     []string       `json:"security_checks"`
	RollbackOnFailure  bool           `json:"rollback_on_failure"`
	ApprovalRequired   bool           `json:"approval_required"`
	AnalysisSteps      []string       `json:"analysis_steps"`
	DecisionRationale  string         `json:"decision_rationale"`
}

// PipelineStage names the static three-node DAG a PipelineState moves through.
type PipelineStage string

const (
	StageRCA       PipelineStage = "rca"
	StageFix       PipelineStage = "fix"
	StageVerify    PipelineStage = "verify"
	StageTerminal  PipelineStage = "terminal"
)

// Message is one append-only entry of a PipelineState's chronological trace.
type Message struct {
	Stage PipelineStage `json:"stage"`
	Text  string        `json:"text"`
}

// PipelineState carries everything the agent pipeline accumulates for one
// incident (spec.md §3). Two pipelines must never share a PipelineState.
type PipelineState struct {
	Resource         ResourceRef        `json:"resource"`
	FaultContext     *FaultContext      `json:"fault_context,omitempty"`
	RCAResult        *RCAResult         `json:"rca_result,omitempty"`
	FixProposal      *FixProposal       `json:"fix_proposal,omitempty"`
	VerificationPlan *VerificationPlan  `json:"verification_plan,omitempty"`
	CurrentStage     PipelineStage      `json:"current_stage"`
	Error            string             `json:"error,omitempty"`
	ShadowEnvID      string             `json:"shadow_env_id,omitempty"`
	ShadowPassed     *bool              `json:"shadow_passed,omitempty"`
	ShadowLogs       []string           `json:"shadow_logs,omitempty"`
	SecurityReport   *SecurityReport    `json:"security_report,omitempty"`
	Messages         []Message          `json:"messages"`
}

// AppendMessage returns a new PipelineState with text appended to Messages;
// earlier entries are never rewritten (spec.md §3 invariant).
func (s PipelineState) AppendMessage(stage PipelineStage, text string) PipelineState {
	out := s
	out.Messages = append(append([]Message{}, s.Messages...), Message{Stage: stage, Text: text})
	return out
}
