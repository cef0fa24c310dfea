// Package metrics exposes Prometheus metrics for the rate limiter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ChecksTotal    *prometheus.CounterVec
	BucketsGauge   prometheus.Gauge
	SweptTotal     prometheus.Counter
	PolicyUpdates  prometheus.Counter
	ManualResets   prometheus.Counter
	InternalFaults prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medgate_ratelimit_checks_total",
			Help: "Rate limit checks by outcome (allowed, blocked)",
		}, []string{"outcome", "pattern"}),
		BucketsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medgate_ratelimit_buckets",
			Help: "Current number of tracked rate limit buckets",
		}),
		SweptTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "medgate_ratelimit_buckets_swept_total",
			Help: "Stale rate limit buckets removed by the janitor",
		}),
		PolicyUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "medgate_ratelimit_policy_updates_total",
			Help: "Accepted administrative policy updates",
		}),
		ManualResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "medgate_ratelimit_manual_resets_total",
			Help: "Administrative bucket resets",
		}),
		InternalFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "medgate_ratelimit_internal_faults_total",
			Help: "Internal limiter faults that failed open",
		}),
	}
}

func (m *Metrics) RecordCheck(allowed bool, pattern string) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	m.ChecksTotal.WithLabelValues(outcome, pattern).Inc()
}
