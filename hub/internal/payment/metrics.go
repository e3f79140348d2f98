package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type issuerMetrics struct {
	created  prometheus.Counter
	failures *prometheus.CounterVec
}

// newIssuerMetrics registers the order counters with reg. A nil registerer
// yields working but unregistered metrics.
func newIssuerMetrics(reg prometheus.Registerer) *issuerMetrics {
	factory := promauto.With(reg)
	return &issuerMetrics{
		created: factory.NewCounter(prometheus.CounterOpts{
			Name: "portal_payment_orders_created_total",
			Help: "gateway orders created",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_payment_order_failures_total",
			Help: "order creation failures by reason",
		}, []string{"reason"}),
	}
}
