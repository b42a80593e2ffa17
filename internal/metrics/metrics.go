package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	Payments        *prometheus.CounterVec
	WalletMutations *prometheus.CounterVec
	Webhooks        *prometheus.CounterVec
	Payouts         *prometheus.CounterVec
	TxRetries       prometheus.Counter
	TxDuration      *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		// Processed payments by method, type and outcome
		Payments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_processed_total",
				Help: "Total number of payment attempts",
			},
			[]string{"method", "type", "outcome"},
		),
		WalletMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_mutations_total",
				Help: "Total number of wallet bucket mutations",
			},
			[]string{"bucket", "direction", "status"},
		),
		Webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_webhooks_total",
				Help: "Total number of gateway webhook events by outcome",
			},
			[]string{"event", "outcome"},
		),
		Payouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payout_requests_total",
				Help: "Total number of payout request operations",
			},
			[]string{"operation", "status"},
		),
		TxRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "db_transaction_retries_total",
				Help: "Total number of retried database transactions",
			},
		),
		TxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_transaction_duration_seconds",
				Help:    "Duration of database transactions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.Payments, m.WalletMutations, m.Webhooks, m.Payouts, m.TxRetries, m.TxDuration)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) PaymentProcessed(method, typ, outcome string) {
	if m == nil {
		return
	}
	m.Payments.WithLabelValues(method, typ, outcome).Inc()
}

func (m *Metrics) WalletMutated(bucket, direction, status string) {
	if m == nil {
		return
	}
	m.WalletMutations.WithLabelValues(bucket, direction, status).Inc()
}

func (m *Metrics) WebhookHandled(event, outcome string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) PayoutOperation(operation, status string) {
	if m == nil {
		return
	}
	m.Payouts.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) TxRetried() {
	if m == nil {
		return
	}
	m.TxRetries.Inc()
}

func (m *Metrics) TxObserved(status string, seconds float64) {
	if m == nil {
		return
	}
	m.TxDuration.WithLabelValues(status).Observe(seconds)
}
