package server

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of currently connected clients",
	})

	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Total hub events processed by type",
	}, []string{"type"})

	eventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each hub event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_dropped_total",
		Help: "Inbound messages dropped by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(connectedClients)
	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(eventProcessingDuration)
	prometheus.MustRegister(messagesDropped)
}
