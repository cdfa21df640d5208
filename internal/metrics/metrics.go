package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatard_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "avatard_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avatard_jobs_submitted_total",
			Help: "Total number of submitted jobs",
		},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatard_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avatard_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"stage"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "avatard_active_connections",
			Help: "Number of active websocket connections",
		},
	)

	DroppedPushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avatard_dropped_pushes_total",
			Help: "Total number of realtime pushes dropped on write failure",
		},
	)
)
