package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	issuedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powsubnet",
		Subsystem: "challenge",
		Name:      "issued_total",
		Help:      "Number of challenges issued",
	})

	rateLimitedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powsubnet",
		Subsystem: "challenge",
		Name:      "rate_limited_total",
		Help:      "Number of challenge requests refused by the per-miner rate limiter",
	})

	retiredMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powsubnet",
		Subsystem: "challenge",
		Name:      "retired_total",
		Help:      "Number of challenges that left the outstanding state",
	}, []string{"status"})

	outstandingMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "powsubnet",
		Subsystem: "challenge",
		Name:      "outstanding",
		Help:      "Number of outstanding challenges",
	})
)
