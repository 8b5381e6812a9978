package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enhanced",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Finished jobs by terminal status",
		},
		[]string{"status"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "enhanced",
			Subsystem: "queue",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of one model stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"kind"},
	)

	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "enhanced",
			Subsystem: "queue",
			Name:      "length",
			Help:      "Jobs waiting behind the running one",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, stageDuration, queueLength)
}
