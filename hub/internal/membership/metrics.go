package membership

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	verifications *prometheus.CounterVec
	notifyDropped prometheus.Counter
	selfHealed    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_payment_verifications_total",
			Help: "payment verifications by outcome",
		}, []string{"outcome"}),
		notifyDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "portal_membership_receipts_not_queued_total",
			Help: "committed memberships whose receipt could not be queued",
		}),
		selfHealed: factory.NewCounter(prometheus.CounterOpts{
			Name: "portal_membership_self_heal_demotions_total",
			Help: "expired members demoted on read",
		}),
	}
}

type reconcilerMetrics struct {
	sweeps   prometheus.Counter
	demoted  prometheus.Counter
	failures prometheus.Counter
	duration prometheus.Histogram
}

func newReconcilerMetrics(reg prometheus.Registerer) *reconcilerMetrics {
	factory := promauto.With(reg)
	return &reconcilerMetrics{
		sweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "portal_membership_sweeps_total",
			Help: "expiry sweeps run",
		}),
		demoted: factory.NewCounter(prometheus.CounterOpts{
			Name: "portal_membership_sweep_demotions_total",
			Help: "members demoted by sweeps",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "portal_membership_sweep_failures_total",
			Help: "per-user demotion failures during sweeps",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "portal_membership_sweep_duration_seconds",
			Help:    "expiry sweep duration",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
