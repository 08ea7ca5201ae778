package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Domain counters/gauges enumerated across spec.md §3/§4/§8, registered
// with the controller-runtime metrics registry the same way as the
// teacher's per-CRD metrics (promauto.NewCounterVec at package scope,
// collected via RegisterMetrics at startup).
var (
	UpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "updates_applied_total",
		Help:      "Direct mutations applied to a workload's image or chart version.",
	}, []string{"kind", "namespace", "name"})

	UpdatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "updates_rejected_total",
		Help:      "Candidate tags/versions rejected by the policy engine.",
	}, []string{"kind", "namespace", "name"})

	UpdatesSkippedInterval = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "updates_skipped_interval_total",
		Help:      "Direct-apply mutations skipped because minUpdateInterval has not elapsed.",
	}, []string{"kind", "namespace", "name"})

	UpdateRequestsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "update_requests_created_total",
		Help:      "UpdateRequest resources created.",
	}, []string{"kind", "namespace", "name"})

	Watched = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricPrefix,
		Name:      "watched",
		Help:      "Workloads currently carrying a parsed policy, by kind.",
	}, []string{"kind"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "events_dropped_total",
		Help:      "Events dropped from the bounded fan-out bus due to overflow.",
	}, []string{"event_type"})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "notifications_sent_total",
		Help:      "Notifications successfully dispatched by a sink.",
	}, []string{"kind"})

	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "notifications_failed_total",
		Help:      "Notification dispatch attempts that failed after retry.",
	}, []string{"kind"})

	RollbacksTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "rollbacks_triggered_total",
		Help:      "Rollbacks started, automatic (after health-check failures) or manual.",
	}, []string{"namespace", "name"})

	RollbacksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "rollbacks_completed_total",
		Help:      "Rollback patches applied successfully.",
	}, []string{"namespace", "name"})

	RollbacksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "rollbacks_failed_total",
		Help:      "Rollback patch attempts that failed.",
	}, []string{"namespace", "name"})

	RegistryCallsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "registry_calls_failed_total",
		Help:      "Registry client calls that returned a classified failure, by kind.",
	}, []string{"error_kind"})

	PollCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricPrefix,
		Name:      "poll_cycle_duration_seconds",
		Help:      "Wall-clock duration of one poller cycle.",
		Buckets:   BucketsLatency,
	}, []string{})

	ApplyActionsAbandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricPrefix,
		Name:      "apply_actions_abandoned_total",
		Help:      "Apply/approval actions abandoned after exhausting CAS retry attempts.",
	}, []string{"kind", "namespace", "name"})
)
