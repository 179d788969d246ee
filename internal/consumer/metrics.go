package consumer

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeHandled   = "handled"
	outcomeAbandoned = "abandoned"
	outcomeMalformed = "malformed"
)

var (
	recordsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "consumer",
		Name:      "records_total",
		Help:      "Kafka records committed by the refresh consumer, by outcome.",
	}, []string{"topic", "outcome"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "presence",
		Subsystem: "consumer",
		Name:      "last_handled_timestamp_seconds",
		Help:      "Producer timestamp of the newest handled record per topic.",
	}, []string{"topic"})

	invalidationErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "consumer",
		Name:      "cache_invalidation_errors_total",
		Help:      "Dashboard notifications that failed after a snapshot refresh.",
	})
)

func init() {
	prometheus.MustRegister(recordsCounter, lastMessageGauge, invalidationErrorCounter)
}

func recordOutcome(topic, outcome string) {
	recordsCounter.WithLabelValues(topic, outcome).Inc()
}
