package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// brokerMetrics holds the Prometheus instruments for the message broker.
// Registered once at package init so tests can construct many brokers.
type brokerMetrics struct {
	Enqueued  *prometheus.CounterVec
	Rejected  *prometheus.CounterVec
	Dequeued  *prometheus.CounterVec
	QueueSize *prometheus.GaugeVec
}

var metrics = &brokerMetrics{
	Enqueued: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_enqueued_total",
			Help: "Messages accepted into a recipient mailbox",
		},
		[]string{"recipient"},
	),
	Rejected: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_rejected_total",
			Help: "Messages rejected before queueing",
		},
		[]string{"reason"}, // throttled, signature_invalid
	),
	Dequeued: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_dequeued_total",
			Help: "Messages drained by consumers",
		},
		[]string{"recipient"},
	),
	QueueSize: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_queue_depth",
			Help: "Messages currently pending per recipient",
		},
		[]string{"recipient"},
	),
}
