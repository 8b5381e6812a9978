package loader

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enhanced",
			Subsystem: "loader",
			Name:      "loads_total",
			Help:      "Model loads by outcome",
		},
		[]string{"outcome"},
	)

	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "enhanced",
			Subsystem: "loader",
			Name:      "evictions_total",
			Help:      "Loaded instances evicted",
		},
	)

	usedMBGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "enhanced",
			Subsystem: "loader",
			Name:      "used_estimate_mb",
			Help:      "Estimated device memory held by loaded instances",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, evictionsTotal, usedMBGauge)
}
