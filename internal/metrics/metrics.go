// Package metrics defines the Prometheus instruments exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safeguard",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Events published to the in-process bus, by event type.",
	}, []string{"type"})

	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safeguard",
		Subsystem: "bus",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber inbox overflowed, by topic.",
	}, []string{"topic"})

	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "safeguard",
		Subsystem: "hub",
		Name:      "connections",
		Help:      "Open realtime connections.",
	})

	HubMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safeguard",
		Subsystem: "hub",
		Name:      "messages_total",
		Help:      "Realtime messages, by direction.",
	}, []string{"direction"})

	VisitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safeguard",
		Subsystem: "visits",
		Name:      "transitions_total",
		Help:      "Visit state transitions, by target state.",
	}, []string{"to"})

	LoginFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "safeguard",
		Subsystem: "identity",
		Name:      "login_failures_total",
		Help:      "Failed login attempts.",
	})
)
