package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carenote_rooms_active",
		Help: "Notes with an in-memory document",
	})

	connsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carenote_connections_active",
		Help: "Active session connections",
	})

	handshakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carenote_handshake_total",
		Help: "Session handshakes by result",
	}, []string{"result"})

	flushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carenote_flush_total",
		Help: "Durable flushes by trigger and result",
	}, []string{"trigger", "result"})

	relayErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carenote_relay_errors_total",
		Help: "Failed relay publishes or undecodable relay payloads",
	})

	droppedConns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carenote_connections_dropped_total",
		Help: "Connections closed because their outbound queue overflowed",
	})
)
