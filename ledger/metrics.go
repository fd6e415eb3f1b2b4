package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powsubnet",
		Subsystem: "ledger",
		Name:      "outcomes_total",
		Help:      "Number of recorded outcomes",
	}, []string{"verdict", "reason"})

	rewardsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powsubnet",
		Subsystem: "ledger",
		Name:      "rewards_total",
		Help:      "Sum of rewards credited",
	})

	penaltiesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powsubnet",
		Subsystem: "ledger",
		Name:      "penalties_total",
		Help:      "Number of penalties applied",
	})

	minersMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "powsubnet",
		Subsystem: "ledger",
		Name:      "miners",
		Help:      "Number of known miners",
	})

	commitLatencyMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "powsubnet",
		Subsystem: "ledger",
		Name:      "commit_latency_seconds",
		Help:      "Latency of ledger commits",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
)
