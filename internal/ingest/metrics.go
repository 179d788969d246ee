package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "ingest",
		Name:      "submissions_total",
		Help:      "Device submissions by outcome.",
	}, []string{"outcome"})

	submitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Subsystem: "ingest",
		Name:      "submit_duration_seconds",
		Help:      "Time spent handling a device submission.",
		Buckets:   prometheus.DefBuckets,
	})

	touchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "ingest",
		Name:      "touch_last_used_failures_total",
		Help:      "Best-effort last-used updates that failed.",
	})
)

func init() {
	prometheus.MustRegister(submissionsTotal, submitLatency, touchFailures)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "accepted"
	}
	if ingestErr, ok := AsError(err); ok {
		return string(ingestErr.Code)
	}
	return "error"
}
