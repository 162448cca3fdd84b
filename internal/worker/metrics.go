package worker

import "github.com/prometheus/client_golang/prometheus"

const (
	statusCompleted = "completed"
	statusFailed    = "failed"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyworker_jobs_total",
			Help: "Total number of jobs processed by the worker.",
		},
		[]string{"status"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comfyworker_job_duration_seconds",
			Help:    "Duration from workflow submission to final result, in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup.
	jobsTotal.WithLabelValues(statusCompleted)
	jobsTotal.WithLabelValues(statusFailed)
}
