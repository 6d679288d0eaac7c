// Package metrics defines aegis's fixed Prometheus metric set (spec.md
// §4.7): incident detection, queue depth, fix/shadow/security/rollback
// counters, and analysis-duration histograms.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric aegis emits behind one constructor so
// callers never reach for the default global registry directly (spec.md §9,
// "no mutable module-level state after startup").
type Registry struct {
	IncidentsDetectedTotal      *prometheus.CounterVec
	IncidentQueueDepth          *prometheus.GaugeVec
	FixesAppliedTotal           *prometheus.CounterVec
	ShadowVerificationsTotal    *prometheus.CounterVec
	ShadowEnvironmentsActive    *prometheus.GaugeVec
	ShadowRetriesTotal          *prometheus.CounterVec
	SecurityBlocksTotal         *prometheus.CounterVec
	RollbacksTotal              *prometheus.CounterVec
	IncidentAnalysisDuration    *prometheus.HistogramVec
	ShadowNamespacesLeakedTotal prometheus.Counter
}

// NewRegistry builds and registers every metric against reg. Passing a fresh
// *prometheus.Registry in tests avoids collisions with the process-wide
// default registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		IncidentsDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidents_detected_total",
			Help: "Incidents detected by a watcher, by severity/kind/namespace.",
		}, []string{"severity", "kind", "namespace"}),

		IncidentQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "incident_queue_depth",
			Help: "Current incident queue depth per priority.",
		}, []string{"priority"}),

		FixesAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fixes_applied_total",
			Help: "Fixes applied, by kind/namespace/success.",
		}, []string{"kind", "namespace", "success"}),

		ShadowVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shadow_verifications_total",
			Help: "Shadow verifications run, by result/kind.",
		}, []string{"result", "kind"}),

		ShadowEnvironmentsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shadow_environments_active",
			Help: "Currently active shadow environments, by runtime.",
		}, []string{"runtime"}),

		ShadowRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shadow_retries_total",
			Help: "Shadow verification retry attempts, by outcome/attempt.",
		}, []string{"outcome", "attempt"}),

		SecurityBlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_blocks_total",
			Help: "Security gate blocks, by scanner/severity.",
		}, []string{"scanner", "severity"}),

		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollbacks_total",
			Help: "Rollbacks performed, by resource_kind/namespace/reason.",
		}, []string{"resource_kind", "namespace", "reason"}),

		IncidentAnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "incident_analysis_duration_seconds",
			Help:    "Time spent in each agent-pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		ShadowNamespacesLeakedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shadow_namespaces_leaked_total",
			Help: "Shadow namespaces whose cleanup failed and were not confirmed deleted.",
		}),
	}

	reg.MustRegister(
		m.IncidentsDetectedTotal,
		m.IncidentQueueDepth,
		m.FixesAppliedTotal,
		m.ShadowVerificationsTotal,
		m.ShadowEnvironmentsActive,
		m.ShadowRetriesTotal,
		m.SecurityBlocksTotal,
		m.RollbacksTotal,
		m.IncidentAnalysisDuration,
		m.ShadowNamespacesLeakedTotal,
	)

	return m
}
