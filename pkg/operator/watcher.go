// Package operator implements the processor daemon that drives cluster
// events into the incident queue, runs the agent pipeline, gates production
// applies behind approval, and watches for post-apply regressions (spec.md
// §4.6).
package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/aegis-sre/aegis/pkg/metrics"
	"github.com/aegis-sre/aegis/pkg/queue"
	"github.com/aegis-sre/aegis/pkg/signalprocessing/classifier"
	"github.com/aegis-sre/aegis/pkg/types"
)

// deploymentCriticalRatio and deploymentHighRatio are the unavailable-
// replica thresholds of spec.md §4.6: above 75% is P0, 50-75% is P1.
const (
	deploymentCriticalRatio = 0.75
	deploymentHighRatio     = 0.50
)

// Watcher translates Pod phase transitions and Deployment unavailability into
// incidents on the queue, using controller-runtime's caching watch client
// (spec.md §4.6, §9 "global singletons exposed as process-wide handles").
type Watcher struct {
	cli        client.WithWatch
	queue      *queue.Queue
	classifier *classifier.SeverityClassifier
	metrics    *metrics.Registry
	logger     *logrus.Logger
}

// NewWatcher builds a Watcher.
func NewWatcher(cli client.WithWatch, q *queue.Queue, sc *classifier.SeverityClassifier, m *metrics.Registry, logger *logrus.Logger) *Watcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Watcher{cli: cli, queue: q, classifier: sc, metrics: m, logger: logger}
}

// Run watches Pods and Deployments concurrently until ctx is cancelled or
// either watch errors.
func (w *Watcher) Run(ctx context.Context) error {
	podErr := make(chan error, 1)
	depErr := make(chan error, 1)

	go func() { podErr <- w.watchPods(ctx) }()
	go func() { depErr <- w.watchDeployments(ctx) }()

	select {
	case err := <-podErr:
		return err
	case err := <-depErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) watchPods(ctx context.Context) error {
	wi, err := w.cli.Watch(ctx, &corev1.PodList{})
	if err != nil {
		return fmt.Errorf("watch pods: %w", err)
	}
	defer wi.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-wi.ResultChan():
			if !ok {
				return nil
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			w.handlePod(ctx, pod)
		}
	}
}

func (w *Watcher) watchDeployments(ctx context.Context) error {
	wi, err := w.cli.Watch(ctx, &appsv1.DeploymentList{})
	if err != nil {
		return fmt.Errorf("watch deployments: %w", err)
	}
	defer wi.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-wi.ResultChan():
			if !ok {
				return nil
			}
			dep, ok := event.Object.(*appsv1.Deployment)
			if !ok {
				continue
			}
			w.handleDeployment(ctx, dep)
		}
	}
}

func (w *Watcher) handlePod(ctx context.Context, pod *corev1.Pod) {
	rawSeverity, trigger, matched := classifyPod(pod)
	if !matched {
		return
	}
	ref := types.ResourceRef{Kind: "Pod", Name: pod.Name, Namespace: pod.Namespace}
	w.emit(ctx, ref, rawSeverity, trigger, map[string]any{"phase": string(pod.Status.Phase)})
}

// classifyPod implements spec.md §4.6's pod-phase rules: Failed/Unknown is
// critical (P0), CrashLoopBackOff and OOM kills are high (P1), OOMKilled
// carrying its own trigger signal.
func classifyPod(pod *corev1.Pod) (rawSeverity string, trigger types.TriggerSignal, matched bool) {
	switch pod.Status.Phase {
	case corev1.PodFailed, corev1.PodUnknown:
		return "critical", types.TriggerPhaseTransition, true
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason == "CrashLoopBackOff" {
			return "high", types.TriggerPhaseTransition, true
		}
		if cs.LastTerminationState.Terminated != nil && cs.LastTerminationState.Terminated.Reason == "OOMKilled" {
			return "high", types.TriggerOOMKill, true
		}
	}
	return "", "", false
}

func (w *Watcher) handleDeployment(ctx context.Context, dep *appsv1.Deployment) {
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	if desired == 0 {
		return
	}

	unavailable := desired - dep.Status.AvailableReplicas
	if unavailable <= 0 {
		return
	}
	ratio := float64(unavailable) / float64(desired)

	var rawSeverity string
	switch {
	case ratio > deploymentCriticalRatio:
		rawSeverity = "critical"
	case ratio >= deploymentHighRatio:
		rawSeverity = "high"
	default:
		return
	}

	ref := types.ResourceRef{Kind: "Deployment", Name: dep.Name, Namespace: dep.Namespace}
	w.emit(ctx, ref, rawSeverity, types.TriggerReplicaShortfall, map[string]any{
		"desired_replicas":     desired,
		"available_replicas":   dep.Status.AvailableReplicas,
		"unavailable_ratio":    ratio,
	})
}

func (w *Watcher) emit(ctx context.Context, ref types.ResourceRef, rawSeverity string, trigger types.TriggerSignal, raw map[string]any) {
	result, err := w.classifier.ClassifySeverity(ctx, rawSeverity)
	if err != nil {
		w.logger.WithError(err).Warn("severity classification failed, dropping event")
		return
	}
	priority := w.classifier.ClassifyPriority(result.Severity)

	incident := types.Incident{
		ID:         uuid.NewString(),
		Priority:   priority,
		Severity:   result.Severity,
		Resource:   ref,
		DetectedAt: time.Now(),
		Trigger:    trigger,
		RawContext: raw,
	}

	if _, err := w.queue.Enqueue(incident); err != nil {
		w.logger.WithError(err).WithField("resource", ref).Warn("failed to enqueue incident")
		return
	}

	if w.metrics != nil {
		w.metrics.IncidentsDetectedTotal.WithLabelValues(result.Severity, ref.Kind, ref.Namespace).Inc()
	}
	w.logger.WithFields(logrus.Fields{
		"resource": ref, "severity": result.Severity, "priority": priority.String(), "trigger": trigger,
	}).Info("incident detected")
}
