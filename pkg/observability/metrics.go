package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the control plane.
type Metrics struct {
	AdmissionDecisions *prometheus.CounterVec
	Settlements        *prometheus.CounterVec
	SpentMicro         *prometheus.CounterVec
	UpstreamDuration   *prometheus.HistogramVec
	WebhookDeliveries  *prometheus.CounterVec
	RecoverySweeps     *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdmissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aex_admission_decisions_total",
				Help: "Admission outcomes per endpoint",
			},
			[]string{"endpoint", "decision"}, // decision: admitted, denied, replayed
		),
		Settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aex_settlements_total",
				Help: "Reservation settlements per outcome",
			},
			[]string{"outcome"}, // outcome: committed, released, failed
		),
		SpentMicro: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aex_spent_micro_total",
				Help: "Committed spend in micro-units per tenant",
			},
			[]string{"tenant_id"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aex_upstream_duration_seconds",
				Help:    "Provider round-trip latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "status"},
		),
		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aex_webhook_deliveries_total",
				Help: "Webhook delivery attempts per status",
			},
			[]string{"status"},
		),
		RecoverySweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aex_recovery_actions_total",
				Help: "Recovery sweep actions per kind",
			},
			[]string{"action"}, // action: released, failed
		),
	}
}
