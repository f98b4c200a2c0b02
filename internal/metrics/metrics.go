// Package metrics wires rrelayer's Prometheus instrumentation. Carried
// as ambient infrastructure per the expanded spec even though the
// distilled spec's Non-goals never mention metrics — every teacher-
// adjacent production service in the examples pack exposes a /metrics
// endpoint, and spec §1's excluded surfaces (rate limiting, user/role
// management) don't include observability.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric rrelayer registers. The queue and the
// webhook dispatcher update theirs; ProviderRetries is registered but
// nothing increments it. A single struct (rather than package-level globals)
// lets tests construct an isolated registry instead of fighting the
// default global one.
type Registry struct {
	QueueDepth        *prometheus.GaugeVec
	BroadcastTotal    *prometheus.CounterVec
	GasBumpTotal      *prometheus.CounterVec
	WebhookAttempts   *prometheus.CounterVec
	ProviderRetries   *prometheus.CounterVec
	TransactionStatus *prometheus.CounterVec
}

// New creates a fresh Registry and registers every metric with reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rrelayer",
			Name:      "queue_depth",
			Help:      "Number of transactions currently held in a relayer's queue, by relayer and sub-queue.",
		}, []string{"relayer_id", "subqueue"}),

		BroadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rrelayer",
			Name:      "broadcast_total",
			Help:      "Total transaction broadcast attempts, by relayer and outcome.",
		}, []string{"relayer_id", "outcome"}),

		GasBumpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rrelayer",
			Name:      "gas_bump_total",
			Help:      "Total gas-bump replacements issued for stuck in-mempool transactions.",
		}, []string{"relayer_id"}),

		WebhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rrelayer",
			Name:      "webhook_attempts_total",
			Help:      "Total webhook delivery attempts, by event type and outcome.",
		}, []string{"event_type", "outcome"}),

		ProviderRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rrelayer",
			Name:      "provider_retries_total",
			Help:      "Total RPC retry attempts issued by the EVM provider, by operation.",
		}, []string{"op"}),

		TransactionStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rrelayer",
			Name:      "transaction_status_total",
			Help:      "Total transaction status transitions, by new status.",
		}, []string{"status"}),
	}

	reg.MustRegister(m.QueueDepth, m.BroadcastTotal, m.GasBumpTotal, m.WebhookAttempts, m.ProviderRetries, m.TransactionStatus)
	return m
}

// ObserveWebhookAttempt records one delivery attempt's outcome. Exists
// so internal/webhook can depend on a narrow interface instead of the
// full prometheus client API.
func (m *Registry) ObserveWebhookAttempt(eventType, outcome string) {
	m.WebhookAttempts.WithLabelValues(eventType, outcome).Inc()
}

// ObserveQueueDepths records one relayer's current sub-queue lengths.
func (m *Registry) ObserveQueueDepths(relayerID string, pending, inmempool, mined int) {
	m.QueueDepth.WithLabelValues(relayerID, "pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues(relayerID, "inmempool").Set(float64(inmempool))
	m.QueueDepth.WithLabelValues(relayerID, "mined").Set(float64(mined))
}

// ObserveBroadcast records one broadcast attempt's outcome.
func (m *Registry) ObserveBroadcast(relayerID, outcome string) {
	m.BroadcastTotal.WithLabelValues(relayerID, outcome).Inc()
}

// ObserveGasBump records one gas-bump replacement.
func (m *Registry) ObserveGasBump(relayerID string) {
	m.GasBumpTotal.WithLabelValues(relayerID).Inc()
}

// ObserveStatusTransition records one transaction reaching a new status.
func (m *Registry) ObserveStatusTransition(status string) {
	m.TransactionStatus.WithLabelValues(status).Inc()
}
