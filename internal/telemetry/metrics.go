package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WorkflowsStarted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowtra_workflows_started_total", Help: "Workflow instances created"}, []string{"kind"})
	StepTransitions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowtra_step_transitions_total", Help: "Steps entered by workflow instances"}, []string{"kind", "step"})
	WorkflowsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowtra_workflows_completed_total", Help: "Workflow instances completed"}, []string{"kind"})
	WorkflowsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowtra_workflows_failed_total", Help: "Workflow instances failed"}, []string{"kind", "reason"})
	ReconcileRaces     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowtra_reconcile_races_total", Help: "Conditional updates lost to a concurrent writer"}, []string{"path"})
	WebhookDuplicates  = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowtra_webhook_duplicates_total", Help: "Webhook deliveries dropped as duplicates"})
	WebhookUnknownTask = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowtra_webhook_unknown_task_total", Help: "Webhook deliveries for tasks that match no instance"})
	CreditsRefunded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowtra_credits_refunded_total", Help: "Credits returned to users on failure"})
	CreditsCharged     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowtra_credits_charged_total", Help: "Credits charged"}, []string{"mode"})
	SweepDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "flowtra_sweep_duration_seconds", Help: "Reconciliation sweep latency", Buckets: prometheus.DefBuckets})
	SweepBatch         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "flowtra_sweep_batch_size", Help: "Instances selected by the last sweep"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WorkflowsStarted,
			StepTransitions,
			WorkflowsCompleted,
			WorkflowsFailed,
			ReconcileRaces,
			WebhookDuplicates,
			WebhookUnknownTask,
			CreditsRefunded,
			CreditsCharged,
			SweepDuration,
			SweepBatch,
		)
	})
	return promhttp.Handler()
}
