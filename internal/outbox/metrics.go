package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	outcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "outbox",
		Name:      "records_total",
		Help:      "Outbox rows processed, by outcome (delivered or parked).",
	}, []string{"outcome"})

	parkedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "outbox",
		Name:      "parked_total",
		Help:      "Outbox rows moved to the dead-letter table, by topic.",
	}, []string{"topic"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Wall time of one claim, publish and complete cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "Dead-letter entries handled by the retry loop, by action (requeued, rescheduled, quarantined).",
	}, []string{"action", "topic"})

	backlogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Subsystem: "dlq",
		Name:      "backlog",
		Help:      "Dead-letter entries still eligible for retry.",
	})
)

func init() {
	prometheus.MustRegister(outcomeCounter, parkedCounter, batchDuration, retryCounter, backlogGauge)
}

func recordRetry(action string, entry dlqEntry) {
	retryCounter.WithLabelValues(action, entry.Topic).Inc()
}

func refreshBacklog(ctx context.Context, pool *pgxpool.Pool) {
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&n); err == nil {
		backlogGauge.Set(float64(n))
	}
}
