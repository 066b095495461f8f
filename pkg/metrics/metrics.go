// Package metrics holds the prometheus collectors shared by the bridge components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "plugin_bridge"

// Metrics groups every collector the bridge updates.
type Metrics struct {
	RequestsSubmitted  *prometheus.CounterVec
	ResponsesDelivered *prometheus.CounterVec
	DeliveriesDropped  *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	SignalsEmitted     prometheus.Counter
	SignalsDropped     prometheus.Counter
	HandlesLive        prometheus.Gauge
	WorkerRestarts     prometheus.Counter
}

// New creates the collectors and registers them on reg.
// A nil reg leaves them unregistered, which is what tests and embedded hosts
// without a metrics endpoint want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Requests accepted by the dispatcher.",
		}, []string{"mode"}),
		ResponsesDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses produced, by status.",
		}, []string{"status"}),
		DeliveriesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Messages dropped because the target port was unknown, closed or full.",
		}, []string{"kind"}),
		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Asynchronous requests not yet answered.",
		}),
		SignalsEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_emitted_total",
			Help:      "Signals emitted by native code.",
		}),
		SignalsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_dropped_total",
			Help:      "Signals dropped from the pre-stream buffer on overflow.",
		}),
		HandlesLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handles_live",
			Help:      "Opaque handles currently registered.",
		}),
		WorkerRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Restarts of the long-running worker logic after a failure.",
		}),
	}
}

// OrNew returns m, or fresh unregistered collectors when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}
