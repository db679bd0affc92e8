// Package metrics holds the prometheus collectors for reconciliation,
// provisioning and webhooks.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ReconcileDuration    prometheus.Histogram
	ReconcileOutcomes    *prometheus.CounterVec
	ReconcileRuns        *prometheus.CounterVec
	ReconcileLastSuccess prometheus.Gauge
	ProvisioningOutcomes *prometheus.CounterVec
	WebhookEvents        *prometheus.CounterVec
}

// New registers every collector on reg. Tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_reconcile_duration_seconds",
			Help:    "Duration of one reconciliation pass",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcileOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_reconcile_records_total",
			Help: "Per-record reconciliation outcomes",
		}, []string{"outcome"}),
		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_reconcile_runs_total",
			Help: "Reconciliation passes by result",
		}, []string{"result"}),
		ReconcileLastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "billing_reconcile_last_success_timestamp_seconds",
			Help: "Unix time of the last pass that reached the ledger",
		}),
		ProvisioningOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_provisioning_outcomes_total",
			Help: "Checkout completion outcomes",
		}, []string{"outcome"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Gateway webhook events by type and handling result",
		}, []string{"type", "result"}),
	}
}

// ObserveRun records a finished pass. A nil receiver is a no-op so callers
// can run without metrics.
func (m *Metrics) ObserveRun(started time.Time, err error) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		m.ReconcileRuns.WithLabelValues("error").Inc()
		return
	}
	m.ReconcileRuns.WithLabelValues("ok").Inc()
	m.ReconcileLastSuccess.SetToCurrentTime()
}

func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordProvisioning(outcome string) {
	if m == nil {
		return
	}
	m.ProvisioningOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordWebhook(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, result).Inc()
}
