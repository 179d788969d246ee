package mqttbridge

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "mqtt",
		Name:      "messages_total",
		Help:      "MQTT submissions by acknowledgement status.",
	}, []string{"status"})

	ackFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "mqtt",
		Name:      "ack_publish_failures_total",
		Help:      "Acknowledgements that could not be published.",
	})
)

func init() {
	prometheus.MustRegister(messagesTotal, ackFailures)
}
