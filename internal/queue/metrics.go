package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcomes recorded in JobsTotal.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeDead      = "dead"
	OutcomeDeferred  = "deferred"
	OutcomeRejected  = "rejected"
)

var (
	// JobsTotal counts handled deliveries.
	// Labels: kind (ingest, cleanup, unknown), outcome
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfrag",
			Name:      "jobs_total",
			Help:      "Total number of job deliveries by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// JobDuration tracks handler run time.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdfrag",
			Name:      "job_duration_seconds",
			Help:      "Duration of job handlers in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	// EnqueuedTotal counts accepted enqueues.
	EnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfrag",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued by kind and backend",
		},
		[]string{"kind", "backend"},
	)
)

func kindLabel(env *Envelope) string {
	if env == nil || env.Kind == "" {
		return "unknown"
	}
	return string(env.Kind)
}
