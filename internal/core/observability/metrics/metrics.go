// Package metrics holds the counted diagnostics of the world core on a
// private prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "worldcore"

// Drop reasons used with PacketsDropped.
const (
	ReasonDecode     = "decode"
	ReasonInvalid    = "invalid"
	ReasonOutOfOrder = "out_of_order"
	ReasonOverflow   = "overflow"
)

type Metrics struct {
	registry *prometheus.Registry

	// Protocol adapters
	PacketsReceived *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	SourceState     *prometheus.GaugeVec

	// Reconciler
	EventsApplied     *prometheus.CounterVec
	EventsStale       *prometheus.CounterVec
	OrphanPatches     *prometheus.CounterVec
	UnknownComponents *prometheus.CounterVec
	Conflicts         *prometheus.CounterVec
	Predictions       *prometheus.CounterVec
	IdleRemovals      *prometheus.CounterVec
	DeltasCommitted   *prometheus.CounterVec

	// Store
	Entities prometheus.Gauge

	// Dispatch cascade
	DispatchOutcomes    *prometheus.CounterVec
	DispatchLatency     *prometheus.HistogramVec
	EscalationThreshold prometheus.Gauge
	DispatchInFlight    prometheus.Gauge

	// Gateway
	Subscribers prometheus.Gauge
	Actions     *prometheus.CounterVec
}

// New creates the metric set on a fresh registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "adapter", Name: "packets_received_total",
			Help: "Wire packets received by protocol adapters",
		}, []string{"source"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "adapter", Name: "packets_dropped_total",
			Help: "Wire packets dropped before becoming events",
		}, []string{"source", "reason"}),
		SourceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "adapter", Name: "source_connected",
			Help: "1 while a source is connected, 0 while suspended",
		}, []string{"source"}),

		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "events_applied_total",
			Help: "Packet events accepted by the reconciler",
		}, []string{"source"}),
		EventsStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "events_stale_total",
			Help: "Packet events rejected as stale or duplicate",
		}, []string{"source"}),
		OrphanPatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "orphan_patches_total",
			Help: "Patches for unknown entities from sources without spawn-on-demand",
		}, []string{"source"}),
		UnknownComponents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "unknown_components_total",
			Help: "Patches naming unregistered component types",
		}, []string{"type"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "conflicts_total",
			Help: "Concurrent authoritative writes resolved by priority",
		}, []string{"outcome"}),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "predictions_total",
			Help: "Provisional predictions by resolution",
		}, []string{"outcome"}),
		IdleRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "idle_removals_total",
			Help: "Entities removed after their owning source stayed suspended",
		}, []string{"source"}),
		DeltasCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciler", Name: "deltas_committed_total",
			Help: "Sync deltas committed to the store",
		}, []string{"kind", "confidence"}),

		Entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "entities",
			Help: "Live entities",
		}),

		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cascade", Name: "dispatch_total",
			Help: "Enrichment dispatches by tier and outcome",
		}, []string{"tier", "outcome"}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cascade", Name: "dispatch_duration_seconds",
			Help:    "Enrichment provider latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"tier"}),
		EscalationThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cascade", Name: "escalation_load_threshold",
			Help: "Current load threshold below which deltas escalate",
		}),
		DispatchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cascade", Name: "in_flight",
			Help: "Asynchronous enrichment tasks running",
		}),

		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "subscribers",
			Help: "Open delta subscriptions",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "actions_total",
			Help: "Actions submitted through the gateway",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.PacketsReceived, m.PacketsDropped, m.SourceState,
		m.EventsApplied, m.EventsStale, m.OrphanPatches, m.UnknownComponents,
		m.Conflicts, m.Predictions, m.IdleRemovals, m.DeltasCommitted,
		m.Entities,
		m.DispatchOutcomes, m.DispatchLatency, m.EscalationThreshold, m.DispatchInFlight,
		m.Subscribers, m.Actions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
