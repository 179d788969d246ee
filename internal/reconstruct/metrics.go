package reconstruct

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	blocksCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reconstruct",
		Name:      "blocks_emitted_total",
		Help:      "Number of time blocks produced by reconstruction runs.",
	})

	droppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reconstruct",
		Name:      "pairs_dropped_total",
		Help:      "Candidate pairs discarded as sensor noise, labeled by reason.",
	}, []string{"reason"})

	orphanCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reconstruct",
		Name:      "orphan_events_total",
		Help:      "Events seen without a qualifying partner.",
	})

	skippedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reconstruct",
		Name:      "malformed_events_skipped_total",
		Help:      "Stored events skipped because they failed sanity checks.",
	})

	metadataFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reconstruct",
		Name:      "metadata_failures_total",
		Help:      "Reconstructions that returned blocks without tag metadata because the resolver failed.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Subsystem: "reconstruct",
		Name:      "tag_duration_seconds",
		Help:      "Time spent reconstructing a single tag.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(blocksCounter, droppedCounter, orphanCounter, skippedCounter, metadataFailures, runDuration)
}

func recordResult(res Result, elapsed time.Duration) {
	blocksCounter.Add(float64(len(res.Blocks)))
	for _, d := range res.Dropped {
		droppedCounter.WithLabelValues(string(d.Reason)).Inc()
	}
	orphanCounter.Add(float64(len(res.Orphans)))
	skippedCounter.Add(float64(res.Skipped))
	runDuration.Observe(elapsed.Seconds())
}
