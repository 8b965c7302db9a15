package prommetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements lifecycle.Metrics using Prometheus.
type Metrics struct {
	entitlementChecksTotal    *prometheus.CounterVec
	lazyExpiriesTotal         prometheus.Counter
	trialsStartedTotal        prometheus.Counter
	trialsRejectedTotal       *prometheus.CounterVec
	subscriptionsCreatedTotal *prometheus.CounterVec
	cancellationsTotal        prometheus.Counter
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		entitlementChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_checks_total",
			Help:      "Total number of active-subscription checks.",
		}, []string{"result"}),

		lazyExpiriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lazy_expiries_total",
			Help:      "Total number of stale active rows corrected at read time.",
		}),

		trialsStartedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trials_started_total",
			Help:      "Total number of trials started.",
		}),

		trialsRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trials_rejected_total",
			Help:      "Total number of trial starts rejected as ineligible.",
		}, []string{"reason"}),

		subscriptionsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_created_total",
			Help:      "Total number of paid subscriptions created.",
		}, []string{"plan"}),

		cancellationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Total number of subscription cancellations.",
		}),
	}
}

func (m *Metrics) RecordEntitlementCheck(result string) {
	m.entitlementChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordLazyExpiry() {
	m.lazyExpiriesTotal.Inc()
}

func (m *Metrics) RecordTrialStarted() {
	m.trialsStartedTotal.Inc()
}

func (m *Metrics) RecordTrialRejected(reason string) {
	m.trialsRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSubscriptionCreated(plan string) {
	m.subscriptionsCreatedTotal.WithLabelValues(plan).Inc()
}

func (m *Metrics) RecordCancellation() {
	m.cancellationsTotal.Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
