// Package metrics exposes the runtime's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsBroadcast counts events fanned out to UI clients.
	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgrid_events_broadcast_total",
		Help: "Agent events broadcast to UI clients.",
	})

	// EventsDropped counts events dropped for slow clients.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgrid_events_dropped_total",
		Help: "Agent events dropped because a client queue was full.",
	})

	// ToolCalls counts tool dispatches by origin.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgrid_tool_calls_total",
		Help: "Tool dispatches by origin.",
	}, []string{"origin"})

	// StreamFaults counts provider stream failures.
	StreamFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgrid_provider_stream_faults_total",
		Help: "Provider stream faults recovered by the fallback pass.",
	})

	// ActiveWorkers tracks the live worker count.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentgrid_active_workers",
		Help: "Agent workers in the live graph.",
	})

	// BusDeliveries counts bus sends by outcome.
	BusDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgrid_bus_deliveries_total",
		Help: "Inter-agent bus deliveries by outcome.",
	}, []string{"outcome"})
)
