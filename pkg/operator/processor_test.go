package operator

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/aegis-sre/aegis/pkg/ai/llm"
	"github.com/aegis-sre/aegis/pkg/k8s"
	"github.com/aegis-sre/aegis/pkg/pipeline"
	"github.com/aegis-sre/aegis/pkg/queue"
	"github.com/aegis-sre/aegis/pkg/shadow"
	"github.com/aegis-sre/aegis/pkg/types"
)

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// scriptedLLM is a canned llm.Client, mirroring the scriptedRunner fakes in
// pkg/security's tests.
type scriptedLLM struct {
	rca     types.RCAResult
	rcaErr  error
	fix     types.FixProposal
	fixErr  error
	plan    types.VerificationPlan
	planErr error
}

func (s scriptedLLM) AnalyzeRootCause(ctx context.Context, fc types.FaultContext) (types.RCAResult, error) {
	return s.rca, s.rcaErr
}

func (s scriptedLLM) ProposeFix(ctx context.Context, fc types.FaultContext, rca types.RCAResult) (types.FixProposal, error) {
	return s.fix, s.fixErr
}

func (s scriptedLLM) PlanVerification(ctx context.Context, fix types.FixProposal) (types.VerificationPlan, error) {
	return s.plan, s.planErr
}

var _ llm.Client = scriptedLLM{}

type scriptedCollector struct {
	fc  types.FaultContext
	err error
}

func (s scriptedCollector) Collect(ctx context.Context, ref types.ResourceRef) (types.FaultContext, error) {
	return s.fc, s.err
}

type scriptedApprover struct {
	decision Decision
}

func (s scriptedApprover) RequestApproval(ctx context.Context, incident types.Incident, fix types.FixProposal) Decision {
	return s.decision
}

// sourceDeployment builds a minimal one-replica Deployment for shadow-manager
// backed verification tests.
func sourceDeployment(ns, name string) *appsv1.Deployment {
	replicas := int32(1)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "app", Image: "demo-api:1.2.2"}},
				},
			},
		},
	}
}

// newTestProcessor builds a Processor with a fresh queue, a scripted LM
// client, the given cluster fake, and the given approver. collector/runner
// are exercised only by tests that call process/AnalyzeOne rather than
// resolveOutcome directly.
func newTestProcessor(t *testing.T, k8sClient k8s.Client, llmClient llm.Client, approver Approver, finalize Finalizer) *Processor {
	t.Helper()
	logger := discardLogger()

	q := queue.New(0, nil, logger)
	collector := scriptedCollector{fc: types.FaultContext{}}
	runner := pipeline.NewRunner(llmClient, nil, logger)
	shadowMgr := shadow.NewManager(shadow.Config{MaxConcurrent: 2, ReadyTimeout: time.Second}, k8sClient, nil, nil, logger)
	approvalGate := NewApprovalGate(approver, map[string]bool{"production": true}, logger)

	return NewProcessor(
		Config{Workers: 1, VerificationWindow: time.Millisecond},
		q, collector, runner, shadowMgr, approvalGate, nil, nil, k8sClient, nil, nil, finalize, logger,
	)
}

func TestProcessor_ResolveOutcome_PipelineErrorFails(t *testing.T) {
	p := newTestProcessor(t, nil, scriptedLLM{}, scriptedApprover{decision: DecisionApproved}, nil)

	incident := types.Incident{ID: "i1", Resource: types.ResourceRef{Namespace: "default", Kind: "Deployment", Name: "x"}}
	state := types.PipelineState{Error: "rca stage failed: boom"}

	got := p.resolveOutcome(context.Background(), incident, state)
	assert.Equal(t, types.StateFailed, got.State)
}

func TestProcessor_ResolveOutcome_NoFixProposalFails(t *testing.T) {
	p := newTestProcessor(t, nil, scriptedLLM{}, scriptedApprover{decision: DecisionApproved}, nil)

	incident := types.Incident{ID: "i1", Resource: types.ResourceRef{Namespace: "default", Kind: "Deployment", Name: "x"}}
	state := types.PipelineState{}

	got := p.resolveOutcome(context.Background(), incident, state)
	assert.Equal(t, types.StateFailed, got.State)
}

func TestProcessor_ResolveOutcome_ShadowVerificationFailureRejects(t *testing.T) {
	p := newTestProcessor(t, nil, scriptedLLM{}, scriptedApprover{decision: DecisionApproved}, nil)

	incident := types.Incident{
		ID:       "i1",
		Resource: types.ResourceRef{Namespace: "default", Kind: "StatefulSet", Name: "x"},
	}
	fix := types.FixProposal{Kind: types.FixPatch, Commands: []string{"kubectl patch"}}
	plan := types.VerificationPlan{VerificationType: "smoke"}
	state := types.PipelineState{FixProposal: &fix, VerificationPlan: &plan}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	got := p.resolveOutcome(ctx, incident, state)
	assert.Equal(t, types.StateRejected, got.State)
}

func TestProcessor_ResolveOutcome_ShadowVerificationPassesThenApprovalDenies(t *testing.T) {
	clientset := fake.NewSimpleClientset(sourceDeployment("production", "demo-api"))
	client := k8s.NewFromClientset(clientset, nil)

	p := newTestProcessor(t, client, scriptedLLM{}, scriptedApprover{decision: DecisionRejected}, nil)

	incident := types.Incident{
		ID:       "i1",
		Resource: types.ResourceRef{Namespace: "production", Kind: "Deployment", Name: "demo-api"},
	}
	fix := types.FixProposal{Kind: types.FixPatch, Commands: []string{"kubectl patch"}, Risks: []string{"brief downtime"}}
	plan := types.VerificationPlan{VerificationType: "smoke"}
	state := types.PipelineState{FixProposal: &fix, VerificationPlan: &plan}

	got := p.resolveOutcome(context.Background(), incident, state)
	assert.Equal(t, types.StateRejected, got.State)
}

func TestProcessor_ResolveOutcome_HappyPathResolves(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "demo-api-1", Namespace: "staging"}})
	client := k8s.NewFromClientset(clientset, nil)

	p := newTestProcessor(t, client, scriptedLLM{}, scriptedApprover{decision: DecisionApproved}, nil)

	incident := types.Incident{
		ID:       "i1",
		Resource: types.ResourceRef{Namespace: "staging", Kind: "Pod", Name: "demo-api-1"},
	}
	fix := types.FixProposal{Kind: types.FixRestart, Commands: []string{"kubectl delete pod"}}
	state := types.PipelineState{FixProposal: &fix}

	got := p.resolveOutcome(context.Background(), incident, state)
	assert.Equal(t, types.StateResolved, got.State)

	_, err := client.GetPod(context.Background(), "staging", "demo-api-1")
	assert.Error(t, err, "restart fix should have deleted the pod")
}

func TestProcessor_ResolveOutcome_ApplyFailureMarksFailed(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	client := k8s.NewFromClientset(clientset, nil)

	p := newTestProcessor(t, client, scriptedLLM{}, scriptedApprover{decision: DecisionApproved}, nil)

	// Scaling a Deployment that does not exist fails; deleting a missing pod
	// would not, since DeletePod treats not-found as already done.
	incident := types.Incident{
		ID:       "i1",
		Resource: types.ResourceRef{Namespace: "staging", Kind: "Deployment", Name: "missing-deploy"},
	}
	fix := types.FixProposal{Kind: types.FixScale, Commands: []string{"kubectl scale deployment/missing-deploy --replicas=3"}}
	state := types.PipelineState{FixProposal: &fix}

	got := p.resolveOutcome(context.Background(), incident, state)
	assert.Equal(t, types.StateFailed, got.State)
}

func TestProcessor_ResolveOutcome_NoApproverFailsClosed(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "demo-api-1", Namespace: "production"}})
	client := k8s.NewFromClientset(clientset, nil)

	p := newTestProcessor(t, client, scriptedLLM{}, nil, nil)

	incident := types.Incident{
		ID:       "i1",
		Resource: types.ResourceRef{Namespace: "production", Kind: "Pod", Name: "demo-api-1"},
	}
	fix := types.FixProposal{Kind: types.FixRestart, Commands: []string{"kubectl delete pod"}}
	state := types.PipelineState{FixProposal: &fix}

	got := p.resolveOutcome(context.Background(), incident, state)
	assert.Equal(t, types.StateRejected, got.State, "production namespace with no approver configured must fail closed")
}

func TestProcessor_RunPipeline_DrivesLLMAndCollector(t *testing.T) {
	llmClient := scriptedLLM{
		rca:  types.RCAResult{RootCause: "oom", Severity: "low", Confidence: 0.9},
		fix:  types.FixProposal{Kind: types.FixManual, Description: "bump memory limit"},
		plan: types.VerificationPlan{VerificationType: "smoke"},
	}
	p := newTestProcessor(t, nil, llmClient, scriptedApprover{decision: DecisionApproved}, nil)

	incident := types.Incident{ID: "i1", Resource: types.ResourceRef{Namespace: "staging", Kind: "Pod", Name: "x"}}
	state := p.runPipeline(context.Background(), incident)

	require.NotNil(t, state.RCAResult)
	assert.Equal(t, "oom", state.RCAResult.RootCause)
	require.NotNil(t, state.FixProposal)
	assert.Equal(t, types.FixManual, state.FixProposal.Kind)
	assert.Empty(t, state.Error)
}

func TestProcessor_AnalyzeOne_WithoutAutoFixStopsBeforeApply(t *testing.T) {
	llmClient := scriptedLLM{
		rca:  types.RCAResult{RootCause: "oom", Severity: "low", Confidence: 0.9},
		fix:  types.FixProposal{Kind: types.FixManual, Description: "bump memory limit"},
		plan: types.VerificationPlan{VerificationType: "smoke"},
	}
	p := newTestProcessor(t, nil, llmClient, scriptedApprover{decision: DecisionApproved}, nil)

	state, err := p.AnalyzeOne(context.Background(), types.ResourceRef{Namespace: "staging", Kind: "Pod", Name: "x"}, false)
	require.NoError(t, err)
	assert.Empty(t, state.Error)
}

func TestProcessor_AnalyzeOne_WithAutoFixAppliesAndResolves(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "demo-api-1", Namespace: "staging"}})
	client := k8s.NewFromClientset(clientset, nil)

	llmClient := scriptedLLM{
		rca:  types.RCAResult{RootCause: "crash loop", Severity: "low", Confidence: 0.95},
		fix:  types.FixProposal{Kind: types.FixRestart, Commands: []string{"kubectl delete pod"}, Description: "restart the pod"},
		plan: types.VerificationPlan{VerificationType: "smoke"},
	}
	p := newTestProcessor(t, client, llmClient, scriptedApprover{decision: DecisionApproved}, nil)

	_, err := p.AnalyzeOne(context.Background(), types.ResourceRef{Namespace: "staging", Kind: "Pod", Name: "demo-api-1"}, true)
	require.NoError(t, err)

	_, getErr := client.GetPod(context.Background(), "staging", "demo-api-1")
	assert.Error(t, getErr, "auto-applied restart should have deleted the pod")
}

func TestProcessor_Process_InvokesFinalizeWithTerminalState(t *testing.T) {
	llmClient := scriptedLLM{
		rca:  types.RCAResult{RootCause: "oom", Severity: "low", Confidence: 0.9},
		fix:  types.FixProposal{Kind: types.FixManual, Description: "bump memory limit"},
		plan: types.VerificationPlan{VerificationType: "smoke"},
	}

	var finalizedIncident types.Incident
	var finalizedState types.PipelineState
	finalize := func(ctx context.Context, incident types.Incident, state types.PipelineState) {
		finalizedIncident = incident
		finalizedState = state
	}

	p := newTestProcessor(t, nil, llmClient, scriptedApprover{decision: DecisionApproved}, finalize)

	incident := types.Incident{ID: "i1", Resource: types.ResourceRef{Namespace: "staging", Kind: "Pod", Name: "x"}}
	p.process(context.Background(), incident)

	assert.Equal(t, "i1", finalizedIncident.ID)
	assert.NotEmpty(t, finalizedState.Messages)
}

func TestProcessor_Process_CriticalSeverityLocksProduction(t *testing.T) {
	llmClient := scriptedLLM{
		rca:  types.RCAResult{RootCause: "oom", Severity: "critical", Confidence: 0.95},
		fix:  types.FixProposal{Kind: types.FixManual, Description: "needs human review"},
		plan: types.VerificationPlan{VerificationType: "smoke"},
	}
	p := newTestProcessor(t, nil, llmClient, scriptedApprover{decision: DecisionApproved}, nil)

	assert.False(t, p.queue.IsProductionLocked())

	incident := types.Incident{ID: "i1", Resource: types.ResourceRef{Namespace: "staging", Kind: "Pod", Name: "x"}}
	p.process(context.Background(), incident)

	assert.True(t, p.queue.IsProductionLocked(), "a critical-severity pipeline result should lock production")
}

// steppingHealth returns each rate in order, holding the last one once the
// sequence is exhausted: the first sample is the pre-apply baseline, the
// rest are what the rollback watcher observes after the apply.
type steppingHealth struct {
	mu    sync.Mutex
	rates []float64
	idx   int
}

func (s *steppingHealth) SampleErrorRate(ctx context.Context, ref types.ResourceRef) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rates[s.idx]
	if s.idx < len(s.rates)-1 {
		s.idx++
	}
	return r, nil
}

func (s *steppingHealth) SampleRestartCount(ctx context.Context, ref types.ResourceRef) (int, error) {
	return 0, nil
}

// S6 end-to-end through the processor's own wiring: the pre-apply snapshot
// and error-rate baseline captured at approval time must reach the rollback
// watcher, and a post-apply spike to 1.5x baseline must re-apply the
// captured spec.
func TestProcessor_ResolveOutcome_RollbackUsesCapturedSnapshotAndBaseline(t *testing.T) {
	clientset := fake.NewSimpleClientset(sourceDeployment("production", "demo-api"))
	client := k8s.NewFromClientset(clientset, nil)
	logger := discardLogger()

	reapplier := &recordingReapplier{}
	health := &steppingHealth{rates: []float64{1.0, 1.5}}
	rw := NewRollbackWatcher(RollbackConfig{
		Enabled:            true,
		Window:             2 * time.Second,
		PollInterval:       10 * time.Millisecond,
		ErrorRateThreshold: 1.2,
		RestartThreshold:   5,
	}, health, reapplier, nil, logger)

	q := queue.New(0, nil, logger)
	runner := pipeline.NewRunner(scriptedLLM{}, nil, logger)
	shadowMgr := shadow.NewManager(shadow.Config{MaxConcurrent: 2, ReadyTimeout: time.Second}, client, nil, nil, logger)
	approvalGate := NewApprovalGate(scriptedApprover{decision: DecisionApproved}, map[string]bool{"production": true}, logger)

	p := NewProcessor(
		Config{Workers: 1, VerificationWindow: time.Millisecond},
		q, scriptedCollector{}, runner, shadowMgr, approvalGate, rw, nil, client, nil, nil, nil, logger,
	)

	incident := types.Incident{
		ID:       "i-rollback",
		Resource: types.ResourceRef{Namespace: "production", Kind: "Deployment", Name: "demo-api"},
	}
	fix := types.FixProposal{Kind: types.FixRestart, Description: "restart the workload"}
	state := types.PipelineState{FixProposal: &fix}

	got := p.resolveOutcome(context.Background(), incident, state)
	require.Equal(t, types.StateResolved, got.State)

	require.Eventually(t, func() bool { return len(reapplier.Applied()) == 1 },
		2*time.Second, 10*time.Millisecond, "post-apply spike must trigger a rollback")
	applied := reapplier.Applied()[0]
	assert.Equal(t, "Deployment", applied.Kind)
	assert.Contains(t, string(applied.Data), `"spec"`, "rollback must carry the captured pre-apply spec")
}

func TestProcessor_CaptureSnapshot_SerializesLiveDeploymentSpec(t *testing.T) {
	clientset := fake.NewSimpleClientset(sourceDeployment("production", "demo-api"))
	client := k8s.NewFromClientset(clientset, nil)
	p := newTestProcessor(t, client, scriptedLLM{}, scriptedApprover{decision: DecisionApproved}, nil)

	ref := types.ResourceRef{Namespace: "production", Kind: "Deployment", Name: "demo-api"}
	snapshot := p.captureSnapshot(context.Background(), ref)

	assert.Equal(t, "Deployment", snapshot.Kind)
	assert.Contains(t, string(snapshot.Data), "demo-api:1.2.2")

	podRef := types.ResourceRef{Namespace: "production", Kind: "Pod", Name: "demo-api-7fbd"}
	assert.Empty(t, p.captureSnapshot(context.Background(), podRef).Data)
}
