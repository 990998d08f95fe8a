// Package metrics holds the prometheus collectors of the service. A nil
// *Metrics is valid and records nothing, so components can be built without
// one in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// Webhook intake
	WebhookRequestsTotal     *prometheus.CounterVec
	WebhookVerificationFails *prometheus.CounterVec
	WebhookOutcomesTotal     *prometheus.CounterVec
	WebhookProcessDuration   *prometheus.HistogramVec
	WorkerQueueDepth         prometheus.Gauge

	// Subscriptions
	SubscriptionCommandsTotal  *prometheus.CounterVec
	SubscriptionConflictsTotal prometheus.Counter

	// Quota
	QuotaChecksTotal *prometheus.CounterVec

	// Reconciliation
	ReconcileRunsTotal    *prometheus.CounterVec
	ReconcileResultsTotal *prometheus.CounterVec
	ReconcileDuration     prometheus.Histogram

	// Retention
	RetentionPrunedTotal prometheus.Counter
}

// New creates every collector and registers it on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		WebhookRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaledger_webhook_requests_total",
				Help: "Webhook deliveries by provider and intake result",
			},
			[]string{"provider", "result"},
		),
		WebhookVerificationFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaledger_webhook_verification_failures_total",
				Help: "Rejected webhook deliveries by provider and reason",
			},
			[]string{"provider", "reason"},
		),
		WebhookOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaledger_webhook_outcomes_total",
				Help: "Processed webhook events by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		WebhookProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotaledger_webhook_process_duration_seconds",
				Help:    "Time spent applying a claimed webhook event",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		WorkerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotaledger_worker_queue_depth",
			Help: "Jobs waiting in the webhook worker queue",
		}),
		SubscriptionCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaledger_subscription_commands_total",
				Help: "Subscription commands by name and result",
			},
			[]string{"command", "result"},
		),
		SubscriptionConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotaledger_subscription_version_conflicts_total",
			Help: "Optimistic concurrency conflicts on subscription writes",
		}),
		QuotaChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaledger_quota_checks_total",
				Help: "Quota decisions by feature and result",
			},
			[]string{"feature", "result"},
		),
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaledger_reconcile_runs_total",
				Help: "Reconciliation runs by trigger and status",
			},
			[]string{"trigger", "status"},
		),
		ReconcileResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaledger_reconcile_subscriptions_total",
				Help: "Reconciled subscriptions by provider and result",
			},
			[]string{"provider", "result"},
		),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quotaledger_reconcile_duration_seconds",
			Help:    "Duration of a full reconciliation pass",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		RetentionPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotaledger_retention_pruned_events_total",
			Help: "Webhook event records removed by retention",
		}),
	}

	registry.MustRegister(
		m.WebhookRequestsTotal,
		m.WebhookVerificationFails,
		m.WebhookOutcomesTotal,
		m.WebhookProcessDuration,
		m.WorkerQueueDepth,
		m.SubscriptionCommandsTotal,
		m.SubscriptionConflictsTotal,
		m.QuotaChecksTotal,
		m.ReconcileRunsTotal,
		m.ReconcileResultsTotal,
		m.ReconcileDuration,
		m.RetentionPrunedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) WebhookRequest(provider, result string) {
	if m == nil {
		return
	}
	m.WebhookRequestsTotal.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) VerificationFailure(provider, reason string) {
	if m == nil {
		return
	}
	m.WebhookVerificationFails.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) WebhookOutcome(provider, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.WebhookOutcomesTotal.WithLabelValues(provider, outcome).Inc()
	m.WebhookProcessDuration.WithLabelValues(provider).Observe(took.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.WorkerQueueDepth.Set(float64(n))
}

func (m *Metrics) SubscriptionCommand(command, result string) {
	if m == nil {
		return
	}
	m.SubscriptionCommandsTotal.WithLabelValues(command, result).Inc()
}

func (m *Metrics) SubscriptionConflict() {
	if m == nil {
		return
	}
	m.SubscriptionConflictsTotal.Inc()
}

func (m *Metrics) QuotaCheck(feature string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.QuotaChecksTotal.WithLabelValues(feature, result).Inc()
}

func (m *Metrics) ReconcileRun(trigger, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileRunsTotal.WithLabelValues(trigger, status).Inc()
	m.ReconcileDuration.Observe(took.Seconds())
}

func (m *Metrics) ReconcileResult(provider, result string) {
	if m == nil {
		return
	}
	m.ReconcileResultsTotal.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) RetentionPruned(n int64) {
	if m == nil {
		return
	}
	m.RetentionPrunedTotal.Add(float64(n))
}
