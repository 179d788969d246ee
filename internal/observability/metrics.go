// Package observability holds process-wide watermark gauges.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Subsystem: "persistence",
		Name:      "last_event_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent presence event appended to the log.",
	})
	snapshotRefreshGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Subsystem: "persistence",
		Name:      "last_snapshot_refreshed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent time block snapshot refresh.",
	})
)

func init() {
	prometheus.MustRegister(eventPersistGauge, snapshotRefreshGauge)
}

// RecordEventPersisted updates the append watermark.
func RecordEventPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	eventPersistGauge.Set(float64(ts.Unix()))
}

// RecordSnapshotRefreshed updates the snapshot watermark.
func RecordSnapshotRefreshed(ts time.Time) {
	if ts.IsZero() {
		return
	}
	snapshotRefreshGauge.Set(float64(ts.Unix()))
}
