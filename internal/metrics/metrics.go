// Package metrics exposes the relay's operational counters over prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the relay updates. A private registry
// keeps tests isolated from the process-global default.
type Metrics struct {
	registry *prometheus.Registry

	// AgentConnected is 1 while a live agent connection exists.
	AgentConnected prometheus.Gauge
	// Commands counts submitted commands by terminal status.
	Commands *prometheus.CounterVec
	// Frames counts dispatched inbound frames by type.
	Frames *prometheus.CounterVec
	// Reconnects counts scheduled reconnection rounds.
	Reconnects prometheus.Counter
	// Captures counts capture sessions by lifecycle event.
	Captures *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		AgentConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tabrelay",
			Name:      "agent_connected",
			Help:      "Whether a live agent control connection exists (0 or 1).",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabrelay",
			Name:      "commands_total",
			Help:      "Submitted commands by terminal status.",
		}, []string{"status"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabrelay",
			Name:      "frames_total",
			Help:      "Dispatched inbound frames by type.",
		}, []string{"type"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tabrelay",
			Name:      "reconnect_rounds_total",
			Help:      "Connection teardowns that scheduled a reconnection round.",
		}),
		Captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabrelay",
			Name:      "captures_total",
			Help:      "Capture sessions by lifecycle event.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.AgentConnected,
		m.Commands,
		m.Frames,
		m.Reconnects,
		m.Captures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
