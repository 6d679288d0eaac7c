package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	k8stypes "k8s.io/apimachinery/pkg/types"

	"github.com/aegis-sre/aegis/pkg/diagnostics"
	"github.com/aegis-sre/aegis/pkg/k8s"
	"github.com/aegis-sre/aegis/pkg/metrics"
	"github.com/aegis-sre/aegis/pkg/pipeline"
	"github.com/aegis-sre/aegis/pkg/queue"
	"github.com/aegis-sre/aegis/pkg/shadow"
	"github.com/aegis-sre/aegis/pkg/types"
)

// dequeueTimeout bounds each idle poll of the queue (spec.md §4.6's
// "incident ← queue.dequeue(30 s)").
const dequeueTimeout = 30 * time.Second

// productionLockBackoff is how long the processor sleeps after requeuing a
// production incident that the lock is holding back (spec.md §4.6).
const productionLockBackoff = 10 * time.Second

// shadowRetryBackoffs implements spec.md §4.4's exponential retry schedule
// for run_verification: up to three attempts, re-creating the shadow
// environment from scratch each time.
var shadowRetryBackoffs = []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}

// Finalizer is invoked once per incident with its terminal state, letting
// the caller (cmd/aegis) wire in whatever side effects it wants (CR status
// update, notification) beyond what Processor itself does.
type Finalizer func(ctx context.Context, incident types.Incident, state types.PipelineState)

// ShadowChangesFromFix derives the typed changes map shadow.Manager.ApplyChanges
// expects from a FixProposal, since the LM only ever returns prose/commands/
// manifests, not the closed six-key map spec.md §4.4 requires.
type ShadowChangesFromFix func(fix types.FixProposal) map[string]string

// Processor is the single-instance-per-process daemon of spec.md §4.6: it
// dequeues incidents respecting the production lock, runs the agent
// pipeline, drives shadow verification with retries, gates production
// applies behind approval, and hands off to the rollback watcher.
type Processor struct {
	queue          *queue.Queue
	collector      diagnostics.Collector
	runner         *pipeline.Runner
	shadowMgr      *shadow.Manager
	approval       *ApprovalGate
	rollback       *RollbackWatcher
	audit          *AuditClient
	k8s            k8s.Client
	metrics        *metrics.Registry
	logger         *logrus.Logger
	workers        int
	isProduction   pipeline.IsProductionNamespace
	changesFromFix ShadowChangesFromFix
	finalize       Finalizer
	verifyDuration time.Duration
}

// Config controls Processor's behavior.
type Config struct {
	Workers            int
	VerificationWindow time.Duration
}

// NewProcessor builds a Processor. finalize may be nil.
func NewProcessor(
	cfg Config,
	q *queue.Queue,
	collector diagnostics.Collector,
	runner *pipeline.Runner,
	shadowMgr *shadow.Manager,
	approval *ApprovalGate,
	rollback *RollbackWatcher,
	audit *AuditClient,
	k8sClient k8s.Client,
	m *metrics.Registry,
	isProduction pipeline.IsProductionNamespace,
	finalize Finalizer,
	logger *logrus.Logger,
) *Processor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.VerificationWindow <= 0 {
		cfg.VerificationWindow = 10 * time.Minute
	}
	if isProduction == nil {
		isProduction = func(string) bool { return false }
	}
	if finalize == nil {
		finalize = func(context.Context, types.Incident, types.PipelineState) {}
	}
	if audit == nil {
		audit = NewAuditClient(nil, logger)
	}
	if approval == nil {
		approval = NewApprovalGate(nil, nil, logger)
	}
	return &Processor{
		queue:          q,
		collector:      collector,
		runner:         runner,
		shadowMgr:      shadowMgr,
		approval:       approval,
		rollback:       rollback,
		audit:          audit,
		k8s:            k8sClient,
		metrics:        m,
		logger:         logger,
		workers:        cfg.Workers,
		isProduction:   isProduction,
		changesFromFix: DefaultShadowChanges,
		finalize:       finalize,
		verifyDuration: cfg.VerificationWindow,
	}
}

// Run drives cfg.Workers concurrent processing loops until ctx is cancelled
// (spec.md §4.6: "distinct incidents may be processed concurrently up to a
// configured worker count").
func (p *Processor) Run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.loop(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		incident, ok := p.queue.Dequeue(dequeueTimeout)
		if !ok {
			continue
		}

		if p.queue.IsProductionLocked() && p.isProduction(incident.Resource.Namespace) {
			p.queue.Requeue(incident)
			select {
			case <-time.After(productionLockBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		p.process(ctx, incident)
	}
}

// AnalyzeOne runs the full pipeline for a single resource outside the
// queue, for the `analyze` CLI command (spec.md §6): RCA → Fix → Verify,
// then Shadow → approval → Apply only when autoFix is set. autoFix=false
// returns the pipeline state before shadow verification, the approval gate
// and the apply step.
func (p *Processor) AnalyzeOne(ctx context.Context, ref types.ResourceRef, autoFix bool) (types.PipelineState, error) {
	incident := types.Incident{
		ID:          ref.Namespace + "/" + ref.Kind + "/" + ref.Name,
		Resource:    ref,
		State:       types.StateAnalyzing,
		Occurrences: 1,
	}

	state := p.runPipeline(ctx, incident)
	p.audit.RecordPipeline(ctx, incident, state)

	if !autoFix || state.Error != "" {
		return state, nil
	}

	incident = p.resolveOutcome(ctx, incident, state)
	if incident.State == types.StateFailed {
		return state, fmt.Errorf("pipeline resolved incident as failed")
	}
	return state, nil
}

// process implements the body of spec.md §4.6's processor loop: analyze,
// lock production on critical severity, shadow-verify with retries, gate
// behind approval, apply, and finalize.
func (p *Processor) process(ctx context.Context, incident types.Incident) {
	incident.State = types.StateAnalyzing
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := p.runPipeline(cancelCtx, incident)

	if state.RCAResult != nil && state.RCAResult.Severity == "critical" {
		p.queue.LockProduction()
	}

	p.audit.RecordPipeline(ctx, incident, state)

	incident = p.resolveOutcome(ctx, incident, state)
	p.finalize(ctx, incident, state)
}

func (p *Processor) runPipeline(ctx context.Context, incident types.Incident) types.PipelineState {
	start := time.Now()
	fc, err := p.collector.Collect(ctx, incident.Resource)
	if err != nil {
		p.logger.WithError(err).WithField("incident_id", incident.ID).Warn("diagnostic collection failed")
	}
	if p.metrics != nil {
		p.metrics.IncidentAnalysisDuration.WithLabelValues("collect").Observe(time.Since(start).Seconds())
	}

	return p.runner.Run(ctx, incident.Resource, fc, p.isProduction)
}

// resolveOutcome carries a terminated pipeline state through shadow
// verification (when a FixProposal exists), the approval gate, and the
// apply/rollback step, returning the incident in its terminal state.
func (p *Processor) resolveOutcome(ctx context.Context, incident types.Incident, state types.PipelineState) types.Incident {
	if state.Error != "" || state.FixProposal == nil {
		incident.State = types.StateFailed
		return incident
	}
	fix := *state.FixProposal

	if state.VerificationPlan != nil {
		passed, env := p.verifyWithRetries(ctx, incident, fix, *state.VerificationPlan)
		state.ShadowPassed = &passed
		if env != nil {
			state.ShadowEnvID = env.ID
			state.ShadowLogs = env.Logs
			if sr, ok := env.TestResults["security_report"].(types.SecurityReport); ok {
				state.SecurityReport = &sr
			}
		}
		if !passed {
			incident.State = types.StateRejected
			return incident
		}
	}

	incident.State = types.StateAwaitingApprove
	decision := p.approval.Decide(ctx, incident, fix, state.VerificationPlan)
	if decision != DecisionApproved {
		incident.State = types.StateRejected
		return incident
	}

	incident.State = types.StateApplying

	// Snapshot and baseline are captured now, at approval time, before the
	// fix lands: a rollback must restore the exact pre-apply revision and
	// compare error rates against what the workload looked like before the
	// change (spec.md §4.6).
	var snapshot Snapshot
	var baseline float64
	if p.rollback != nil {
		snapshot = p.captureSnapshot(ctx, incident.Resource)
		baseline = p.rollback.BaselineErrorRate(ctx, incident.Resource)
	}

	if err := p.apply(ctx, incident, fix); err != nil {
		p.logger.WithError(err).WithField("incident_id", incident.ID).Error("fix apply failed")
		incident.State = types.StateFailed
		if p.metrics != nil {
			p.metrics.FixesAppliedTotal.WithLabelValues(string(fix.Kind), incident.Resource.Namespace, "false").Inc()
		}
		return incident
	}
	if p.metrics != nil {
		p.metrics.FixesAppliedTotal.WithLabelValues(string(fix.Kind), incident.Resource.Namespace, "true").Inc()
	}

	if p.rollback != nil {
		go p.rollback.Watch(context.Background(), incident.Resource, baseline, snapshot)
	}

	incident.State = types.StateResolved
	return incident
}

// captureSnapshot records the live resource's pre-apply revision for the
// rollback watcher. Only Deployments carry a reapplicable spec today; other
// kinds return a dataless snapshot the reapplier treats as a no-op.
func (p *Processor) captureSnapshot(ctx context.Context, ref types.ResourceRef) Snapshot {
	snapshot := Snapshot{Resource: ref, Kind: ref.Kind}
	if p.k8s == nil || ref.Kind != "Deployment" {
		return snapshot
	}

	dep, err := p.k8s.GetDeployment(ctx, ref.Namespace, ref.Name)
	if err != nil {
		p.logger.WithError(err).WithField("resource", ref).Warn("pre-apply snapshot capture failed, rollback will be restart-only")
		return snapshot
	}

	// Only the spec is captured: patching back metadata (resourceVersion,
	// managedFields) would conflict with whatever the apiserver has assigned
	// since.
	data, err := json.Marshal(map[string]any{"spec": dep.Spec})
	if err != nil {
		p.logger.WithError(err).WithField("resource", ref).Warn("pre-apply snapshot serialization failed")
		return snapshot
	}
	snapshot.Data = data
	return snapshot
}

// verifyWithRetries drives shadow.Manager through up to three attempts with
// the exponential back-off of spec.md §4.4, re-creating the environment from
// scratch each attempt.
func (p *Processor) verifyWithRetries(ctx context.Context, incident types.Incident, fix types.FixProposal, plan types.VerificationPlan) (bool, *types.ShadowEnvironment) {
	if p.shadowMgr == nil {
		return true, nil
	}
	changes := p.changesFromFix(fix)

	var lastEnv types.ShadowEnvironment
	for attempt := 0; attempt < len(shadowRetryBackoffs)+1; attempt++ {
		env, err := p.shadowMgr.Create(ctx, incident.Resource.Namespace, incident.Resource.Name, incident.Resource.Kind)
		if err != nil {
			// A non-empty ID means Create got far enough to hold a
			// concurrency slot (and possibly a namespace); Cleanup is the
			// only release point for both.
			if env.ID != "" {
				p.shadowMgr.Cleanup(ctx, &env, p.leakGauge())
			}
			p.recordShadowRetry("create-error", attempt)
			if !p.sleepBackoff(ctx, attempt) {
				return false, &env
			}
			continue
		}

		if p.metrics != nil {
			p.metrics.ShadowEnvironmentsActive.WithLabelValues("namespace").Inc()
		}

		env, passed := p.shadowMgr.RunVerification(ctx, env, fix, plan, changes, p.verifyDuration)
		lastEnv = env
		p.shadowMgr.Cleanup(ctx, &env, p.leakGauge())
		if p.metrics != nil {
			p.metrics.ShadowEnvironmentsActive.WithLabelValues("namespace").Dec()
		}

		if p.metrics != nil {
			result := "failed"
			if passed {
				result = "passed"
			}
			p.metrics.ShadowVerificationsTotal.WithLabelValues(result, incident.Resource.Kind).Inc()
		}

		if passed {
			return true, &env
		}

		p.recordShadowRetry("verification-failed", attempt)
		if !p.sleepBackoff(ctx, attempt) {
			break
		}
	}
	return false, &lastEnv
}

func (p *Processor) recordShadowRetry(outcome string, attempt int) {
	if p.metrics == nil {
		return
	}
	p.metrics.ShadowRetriesTotal.WithLabelValues(outcome, strconv.Itoa(attempt)).Inc()
}

func (p *Processor) leakGauge() func() {
	return func() {
		if p.metrics != nil {
			p.metrics.ShadowNamespacesLeakedTotal.Inc()
		}
	}
}

// sleepBackoff waits the next attempt's back-off, returning false if ctx was
// cancelled or attempt exhausted the retry schedule (no further attempt
// should be made).
func (p *Processor) sleepBackoff(ctx context.Context, attempt int) bool {
	if attempt >= len(shadowRetryBackoffs) {
		return false
	}
	select {
	case <-time.After(shadowRetryBackoffs[attempt]):
		return true
	case <-ctx.Done():
		return false
	}
}

// apply acts on the live resource by fix kind: restart deletes the pod,
// scale scales the Deployment to the replica count found in the fix, and
// patch applies a strategic-merge patch when the derived changes carry a
// "patch" entry (DefaultShadowChanges does not produce one). fix.Commands
// are never executed. Manual and other kinds are no-ops: a manual fix needs
// a human to act outside aegis, and once approved it still resolves the
// incident as "resolved".
func (p *Processor) apply(ctx context.Context, incident types.Incident, fix types.FixProposal) error {
	if p.k8s == nil {
		return nil
	}
	switch fix.Kind {
	case types.FixRestart:
		return p.k8s.DeletePod(ctx, incident.Resource.Namespace, incident.Resource.Name)
	case types.FixScale:
		// scale amount is carried in the changes map derived from fix, not
		// parsed from prose; DefaultShadowChanges already extracts it.
		changes := p.changesFromFix(fix)
		if replicas, ok := changes["replicas"]; ok {
			n, err := strconv.Atoi(replicas)
			if err != nil {
				return err
			}
			return p.k8s.ScaleDeployment(ctx, incident.Resource.Namespace, incident.Resource.Name, int32(n))
		}
		return nil
	case types.FixPatch:
		changes := p.changesFromFix(fix)
		if patch, ok := changes["patch"]; ok {
			_, err := p.k8s.PatchDeployment(ctx, incident.Resource.Namespace, incident.Resource.Name, k8stypes.StrategicMergePatchType, []byte(patch))
			return err
		}
		return nil
	default:
		return nil
	}
}
