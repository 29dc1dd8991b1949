// Package metrics registers the Prometheus instruments for the automation
// core. All vectors are registered once via promauto at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TriggersTotal counts trigger endpoint requests by tenant and outcome
	// (completed, failed, rejected).
	TriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_triggers_total",
			Help: "Trigger events received, by tenant and outcome",
		},
		[]string{"tenant", "outcome"},
	)

	// TriggerDuration observes end-to-end trigger handling time.
	TriggerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_trigger_duration_seconds",
			Help:    "Trigger endpoint handling duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	// JobsTotal counts job lifecycle transitions (completed, retried, failed).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Job terminal and retry transitions, by queue, type and transition",
		},
		[]string{"queue", "type", "transition"},
	)

	// JobDuration observes processor execution time per job type.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Job processor execution duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"queue", "type"},
	)

	// JobsInFlight tracks currently executing jobs per queue.
	JobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_jobs_in_flight",
			Help: "Jobs currently executing",
		},
		[]string{"queue"},
	)

	// CallbacksTotal counts outbound callback attempts by terminal result
	// (delivered, retried, failed).
	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callback_deliveries_total",
			Help: "Outbound callback delivery attempts, by tenant and result",
		},
		[]string{"tenant", "result"},
	)

	// RuleExecutions counts automation rule firings.
	RuleExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_rule_executions_total",
			Help: "Automation rules executed, by tenant and trigger",
		},
		[]string{"tenant", "trigger"},
	)

	// ProviderCalls counts provider invocations by provider and result.
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Provider client invocations, by provider and result",
		},
		[]string{"provider", "result"},
	)

	// RateLimited counts requests rejected by the per-tenant limiter.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_rejected_total",
			Help: "Requests rejected by the per-tenant rate limiter",
		},
		[]string{"tenant"},
	)
)
