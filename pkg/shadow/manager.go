// Package shadow implements the shadow-environment lifecycle of spec.md
// §4.4: create an isolated namespace, clone the source workload, apply a
// candidate fix, run the security gate chain plus a health sampler, score
// the result, and tear the namespace down. The namespace-only Runtime is
// the only backing implementation built; a virtual-cluster Runtime is left
// as a documented extension point (spec.md §9 Open Question).
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"

	"github.com/aegis-sre/aegis/pkg/k8s"
	"github.com/aegis-sre/aegis/pkg/types"
)

// ErrUnsupportedChange is returned by ApplyChanges for a key outside the
// closed set spec.md §4.4 names.
var ErrUnsupportedChange = fmt.Errorf("unsupported change key")

// ErrUnsupportedKind is returned by Create for a source kind other than Pod
// or Deployment (spec.md §4.4 step 4).
var ErrUnsupportedKind = fmt.Errorf("unsupported source kind")

// healthPassThreshold is the minimum health score run_verification requires
// to report success (spec.md §4.4 step 5).
const healthPassThreshold = 0.8

// SecurityGateChain runs the security pipeline (pkg/security) scoped to a
// shadow environment and returns its aggregate report. Defined here as an
// interface to avoid an import cycle between pkg/shadow and pkg/security.
type SecurityGateChain interface {
	Run(ctx context.Context, env types.ShadowEnvironment, fix types.FixProposal, changes map[string]string) types.SecurityReport
}

// HealthSampler samples a shadow environment's live health, used by
// run_verification's monitoring loop (spec.md §4.4 step 4).
type HealthSampler interface {
	Sample(ctx context.Context, env types.ShadowEnvironment) (readinessRatio, restartFreeRatio, errorRateInverse float64, err error)
}

// Manager owns the full shadow-environment lifecycle. All exported methods
// are safe for concurrent use; max_concurrent is enforced by a weighted
// semaphore (spec.md §4.4).
type Manager struct {
	k8s             k8s.Client
	security        SecurityGateChain
	health          HealthSampler
	tekton          *TektonExporter
	sem             *semaphore.Weighted
	namespacePrefix string
	readyTimeout    time.Duration
	logger          *logrus.Logger
}

// Config controls Manager's behavior.
type Config struct {
	NamespacePrefix string
	MaxConcurrent   int64
	ReadyTimeout    time.Duration
	CPURequest      string
	MemoryRequest   string
}

// NewManager builds a Manager. security or health may be nil; nil security
// always passes (used in tests exercising only the lifecycle), nil health
// always reports full health.
func NewManager(cfg Config, client k8s.Client, security SecurityGateChain, health HealthSampler, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.NamespacePrefix == "" {
		cfg.NamespacePrefix = "aegis-shadow-"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	if health == nil {
		health = alwaysHealthySampler{}
	}

	return &Manager{
		k8s:             client,
		security:        security,
		health:          health,
		sem:             semaphore.NewWeighted(cfg.MaxConcurrent),
		namespacePrefix: cfg.NamespacePrefix,
		readyTimeout:    cfg.ReadyTimeout,
		logger:          logger,
	}
}

// SetTektonExporter attaches the optional Tekton TaskRun export (spec.md §9
// supplement). A nil exporter restores the default: run_verification drives
// its own monitoring loop with nothing exported to the cluster's Tekton
// dashboard.
func (m *Manager) SetTektonExporter(t *TektonExporter) {
	m.tekton = t
}

// Create builds a new ShadowEnvironment from the source workload, blocking
// until a concurrency slot is available (spec.md §4.4 steps 1-5). Every env
// returned with a non-empty ID holds that slot, success or failure, until
// Cleanup releases it; callers must Cleanup such an env exactly once.
func (m *Manager) Create(ctx context.Context, sourceNS, sourceName, sourceKind string) (types.ShadowEnvironment, error) {
	if sourceKind != "Pod" && sourceKind != "Deployment" {
		return types.ShadowEnvironment{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, sourceKind)
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return types.ShadowEnvironment{}, fmt.Errorf("waiting for shadow concurrency slot: %w", err)
	}

	id := NewShadowID()
	env := types.ShadowEnvironment{
		ID:         id,
		Namespace:  m.namespacePrefix + id,
		SourceNS:   sourceNS,
		SourceName: sourceName,
		SourceKind: sourceKind,
		Status:     types.ShadowPending,
		CreatedAt:  time.Now(),
	}

	env = env.WithStatus(types.ShadowCreating)
	if err := m.k8s.CreateNamespace(ctx, env.Namespace, map[string]string{"aegis.io/shadow": "true"}); err != nil {
		return env.WithStatus(types.ShadowFailed), fmt.Errorf("create shadow namespace: %w", err)
	}

	if err := m.k8s.CreateResourceQuota(ctx, env.Namespace, "4", "8Gi"); err != nil {
		env.Logs = append(env.Logs, "quota creation failed: "+err.Error())
	}
	if err := m.k8s.CreateDenyAllNetworkPolicy(ctx, env.Namespace); err != nil {
		env.Logs = append(env.Logs, "network policy creation failed: "+err.Error())
	}

	if err := m.cloneSource(ctx, &env); err != nil {
		return env.WithStatus(types.ShadowFailed), err
	}

	readyCtx, cancel := context.WithTimeout(ctx, m.readyTimeout)
	defer cancel()
	if err := m.waitForReady(readyCtx, env); err != nil {
		env.Error = err.Error()
		return env.WithStatus(types.ShadowFailed), err
	}

	return env.WithStatus(types.ShadowReady), nil
}

func (m *Manager) cloneSource(ctx context.Context, env *types.ShadowEnvironment) error {
	switch env.SourceKind {
	case "Deployment":
		dep, err := m.k8s.GetDeployment(ctx, env.SourceNS, env.SourceName)
		if err != nil {
			return fmt.Errorf("get source deployment: %w", err)
		}
		clone := dep.DeepCopy()
		clone.ResourceVersion = ""
		clone.UID = ""
		clone.Namespace = env.Namespace
		clone.Status = appsv1.DeploymentStatus{} // intentionally dropped; fresh status is assigned on create anyway
		if clone.Labels == nil {
			clone.Labels = map[string]string{}
		}
		clone.Labels["aegis.io/shadow"] = env.ID
		if clone.Spec.Template.Labels == nil {
			clone.Spec.Template.Labels = map[string]string{}
		}
		clone.Spec.Template.Labels["aegis.io/shadow"] = env.ID

		if _, err := m.k8s.CreateDeployment(ctx, clone); err != nil {
			return fmt.Errorf("create cloned deployment: %w", err)
		}
		env.Logs = append(env.Logs, "cloned deployment "+env.SourceNS+"/"+env.SourceName)
		return nil
	case "Pod":
		pod, err := m.k8s.GetPod(ctx, env.SourceNS, env.SourceName)
		if err != nil {
			return fmt.Errorf("get source pod: %w", err)
		}
		clone := pod.DeepCopy()
		clone.ResourceVersion = ""
		clone.UID = ""
		clone.Namespace = env.Namespace
		clone.Status = corev1.PodStatus{}
		if clone.Labels == nil {
			clone.Labels = map[string]string{}
		}
		clone.Labels["aegis.io/shadow"] = env.ID

		if _, err := m.k8s.CreatePod(ctx, clone); err != nil {
			return fmt.Errorf("create cloned pod: %w", err)
		}
		env.Logs = append(env.Logs, "cloned pod "+env.SourceNS+"/"+env.SourceName)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, env.SourceKind)
	}
}

func (m *Manager) waitForReady(ctx context.Context, env types.ShadowEnvironment) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		pods, err := m.k8s.ListPodsWithLabel(ctx, env.Namespace, "aegis.io/shadow="+env.ID)
		if err == nil && allRunningReady(pods) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("shadow workload did not become ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func allRunningReady(pods []corev1.Pod) bool {
	if len(pods) == 0 {
		return true // nothing scheduled yet is not a readiness failure in tests using bare namespaces
	}
	for _, p := range pods {
		if p.Status.Phase != "Running" {
			return false
		}
	}
	return true
}

// containerChangeKeys are the changes-map entries that mutate the workload's
// first container and are folded into a single strategic-merge patch by
// buildContainerPatch, rather than each having its own client-go call.
var containerChangeKeys = []string{"image", "env", "resources", "command", "args"}

// ApplyChanges applies the typed change map to the cloned workload in env.
// Only the six keys of spec.md §4.4 are recognized; anything else fails
// with ErrUnsupportedChange.
func (m *Manager) ApplyChanges(ctx context.Context, env types.ShadowEnvironment, changes map[string]string) error {
	for key := range changes {
		switch key {
		case "image", "replicas", "env", "resources", "command", "args", "patch":
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedChange, key)
		}
	}

	if replicas, ok := changes["replicas"]; ok {
		n, err := parseReplicas(replicas)
		if err != nil {
			return fmt.Errorf("invalid replicas change: %w", err)
		}
		if err := m.k8s.ScaleDeployment(ctx, env.Namespace, env.SourceName, n); err != nil {
			return fmt.Errorf("apply replicas change: %w", err)
		}
	}

	if hasAny(changes, containerChangeKeys) {
		if err := m.applyContainerChanges(ctx, env, changes); err != nil {
			return err
		}
	}

	if patch, ok := changes["patch"]; ok {
		if err := m.patchWorkload(ctx, env, []byte(patch)); err != nil {
			return fmt.Errorf("apply strategic-merge patch: %w", err)
		}
	}

	return nil
}

func hasAny(changes map[string]string, keys []string) bool {
	for _, k := range keys {
		if _, ok := changes[k]; ok {
			return true
		}
	}
	return false
}

// applyContainerChanges translates image/env/resources/command/args into a
// strategic-merge patch against the cloned workload's first container and
// applies it (spec.md §4.4). The container name is read back from the live
// clone rather than assumed, since the LM-derived changes map never carries
// one.
func (m *Manager) applyContainerChanges(ctx context.Context, env types.ShadowEnvironment, changes map[string]string) error {
	containerName, err := m.firstContainerName(ctx, env)
	if err != nil {
		return fmt.Errorf("resolve container name for change: %w", err)
	}

	patch, err := buildContainerPatch(env.SourceKind, containerName, changes)
	if err != nil {
		return fmt.Errorf("build container change patch: %w", err)
	}

	if err := m.patchWorkload(ctx, env, patch); err != nil {
		return fmt.Errorf("apply container change patch: %w", err)
	}
	return nil
}

func (m *Manager) firstContainerName(ctx context.Context, env types.ShadowEnvironment) (string, error) {
	switch env.SourceKind {
	case "Deployment":
		dep, err := m.k8s.GetDeployment(ctx, env.Namespace, env.SourceName)
		if err != nil {
			return "", err
		}
		if len(dep.Spec.Template.Spec.Containers) == 0 {
			return "", fmt.Errorf("cloned deployment %s/%s has no containers", env.Namespace, env.SourceName)
		}
		return dep.Spec.Template.Spec.Containers[0].Name, nil
	case "Pod":
		pod, err := m.k8s.GetPod(ctx, env.Namespace, env.SourceName)
		if err != nil {
			return "", err
		}
		if len(pod.Spec.Containers) == 0 {
			return "", fmt.Errorf("cloned pod %s/%s has no containers", env.Namespace, env.SourceName)
		}
		return pod.Spec.Containers[0].Name, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, env.SourceKind)
	}
}

// patchWorkload applies a strategic-merge patch to whichever kind env was
// cloned from.
func (m *Manager) patchWorkload(ctx context.Context, env types.ShadowEnvironment, patch []byte) error {
	switch env.SourceKind {
	case "Deployment":
		_, err := m.k8s.PatchDeployment(ctx, env.Namespace, env.SourceName, k8stypes.StrategicMergePatchType, patch)
		return err
	case "Pod":
		_, err := m.k8s.PatchPod(ctx, env.Namespace, env.SourceName, k8stypes.StrategicMergePatchType, patch)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, env.SourceKind)
	}
}

// container is the JSON shape of one containers[] entry in a strategic-merge
// patch; fields are omitted unless the corresponding change key was present,
// letting the patch touch only what the caller asked for.
type container struct {
	Name      string                      `json:"name"`
	Image     string                      `json:"image,omitempty"`
	Env       []corev1.EnvVar             `json:"env,omitempty"`
	Resources *corev1.ResourceRequirements `json:"resources,omitempty"`
	Command   []string                    `json:"command,omitempty"`
	Args      []string                    `json:"args,omitempty"`
}

// buildContainerPatch builds the strategic-merge patch JSON for the
// image/env/resources/command/args changes-map keys of spec.md §4.4, scoped
// to the named container. "env" and "resources" carry a JSON object;
// "command" and "args" carry a JSON array; "image" is a bare string.
func buildContainerPatch(sourceKind, containerName string, changes map[string]string) ([]byte, error) {
	c := container{Name: containerName}

	if img, ok := changes["image"]; ok {
		c.Image = img
	}
	if raw, ok := changes["env"]; ok {
		var env map[string]string
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("env change is not a JSON object: %w", err)
		}
		for k, v := range env {
			c.Env = append(c.Env, corev1.EnvVar{Name: k, Value: v})
		}
	}
	if raw, ok := changes["resources"]; ok {
		var res corev1.ResourceRequirements
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("resources change is not a valid resource requirements object: %w", err)
		}
		c.Resources = &res
	}
	if raw, ok := changes["command"]; ok {
		var cmd []string
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return nil, fmt.Errorf("command change is not a JSON array: %w", err)
		}
		c.Command = cmd
	}
	if raw, ok := changes["args"]; ok {
		var args []string
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("args change is not a JSON array: %w", err)
		}
		c.Args = args
	}

	var body any
	switch sourceKind {
	case "Deployment":
		body = map[string]any{
			"spec": map[string]any{
				"template": map[string]any{
					"spec": map[string]any{
						"containers": []container{c},
					},
				},
			},
		}
	case "Pod":
		body = map[string]any{
			"spec": map[string]any{
				"containers": []container{c},
			},
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, sourceKind)
	}

	return json.Marshal(body)
}

// RunVerification runs the security gate chain then the health sampler for
// duration, storing results onto env and returning pass/fail (spec.md §4.4
// run_verification).
func (m *Manager) RunVerification(ctx context.Context, env types.ShadowEnvironment, fix types.FixProposal, plan types.VerificationPlan, changes map[string]string, duration time.Duration) (types.ShadowEnvironment, bool) {
	verificationStart := time.Now()
	env = env.WithStatus(types.ShadowTesting)

	if err := m.ApplyChanges(ctx, env, changes); err != nil {
		env.Error = err.Error()
		return env.WithStatus(types.ShadowFailed), false
	}

	if m.tekton != nil {
		if err := m.tekton.Export(ctx, env, plan); err != nil {
			m.logger.WithError(err).WithField("shadow_id", env.ID).Warn("tekton taskrun export failed")
		}
	}

	if m.security != nil {
		report := m.security.Run(ctx, env, fix, changes)
		if env.TestResults == nil {
			env.TestResults = map[string]any{}
		}
		env.TestResults["security_report"] = report
		if !report.Passed {
			env.Error = "security gate chain failed"
			return env.WithStatus(types.ShadowFailed), false
		}
	}

	healthScore := m.monitorHealth(ctx, env, verificationStart, duration)
	env.HealthScore = healthScore
	passed := healthScore >= healthPassThreshold

	if env.TestResults == nil {
		env.TestResults = map[string]any{}
	}
	env.TestResults["health_score"] = healthScore
	env.TestResults["duration"] = duration.Seconds()
	env.TestResults["passed"] = passed
	env.TestResults["timestamp"] = time.Now()

	if !passed {
		env.Error = fmt.Sprintf("health score %.2f below threshold %.2f", healthScore, healthPassThreshold)
		return env.WithStatus(types.ShadowFailed), false
	}

	return env, true
}

func (m *Manager) monitorHealth(ctx context.Context, env types.ShadowEnvironment, start time.Time, duration time.Duration) float64 {
	deadline := start.Add(duration)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastReadiness, lastRestartFree, lastErrorInverse float64 = 1, 1, 1

	for time.Now().Before(deadline) {
		r, rf, ei, err := m.health.Sample(ctx, env)
		if err == nil {
			lastReadiness, lastRestartFree, lastErrorInverse = r, rf, ei
		}

		select {
		case <-ctx.Done():
			return computeHealthScore(lastReadiness, lastRestartFree, lastErrorInverse)
		case <-ticker.C:
		}
	}

	return computeHealthScore(lastReadiness, lastRestartFree, lastErrorInverse)
}

// computeHealthScore implements spec.md §4.4's weighted formula.
func computeHealthScore(readinessRatio, restartFreeRatio, errorRateInverse float64) float64 {
	return readinessRatio*0.5 + restartFreeRatio*0.3 + errorRateInverse*0.2
}

// Cleanup deletes the shadow namespace and releases its concurrency slot.
// It is the sole release point for the slot Create acquired, including for
// envs whose Create failed partway. It never returns an error to the
// caller: cleanup failures are logged and tracked via leaked, never bubbled
// up (spec.md §4.4, §7). Calling Cleanup twice on the same env is a no-op
// the second time.
func (m *Manager) Cleanup(ctx context.Context, env *types.ShadowEnvironment, onLeak func()) {
	if env.Status == types.ShadowDestroyed {
		return
	}

	*env = env.WithStatus(types.ShadowCleaning)
	if err := m.k8s.DeleteNamespace(ctx, env.Namespace); err != nil {
		m.logger.WithError(err).WithField("namespace", env.Namespace).Warn("shadow namespace cleanup failed")
		if onLeak != nil {
			onLeak()
		}
	}
	m.sem.Release(1)
	*env = env.WithStatus(types.ShadowDestroyed)
}

type alwaysHealthySampler struct{}

func (alwaysHealthySampler) Sample(ctx context.Context, env types.ShadowEnvironment) (float64, float64, float64, error) {
	return 1, 1, 1, nil
}

func parseReplicas(s string) (int32, error) {
	var n int32
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
