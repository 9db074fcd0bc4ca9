// Package metrics exposes the Prometheus collectors shared by the server and worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_executions_total",
			Help: "Total number of submissions executed, by termination reason",
		},
		[]string{"language", "reason"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_execution_duration_ms",
			Help:    "Wall time of sandboxed executions in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language"},
	)

	PeakMemory = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_peak_memory_bytes",
			Help:    "Peak memory observed per execution",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 10),
		},
		[]string{"language"},
	)

	LaunchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_launch_failures_total",
			Help: "Submissions rejected before a sandbox instance existed",
		},
		[]string{"kind"},
	)

	ActiveInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_active_instances",
			Help: "Sandbox instances currently holding an admission slot",
		},
	)

	AdmissionRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_admission_rejections_total",
			Help: "Launches refused because the host sandbox pool was full",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_worker_queue_depth",
			Help: "Jobs buffered in the local worker pool",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
