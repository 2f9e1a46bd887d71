// Package metrics exposes Prometheus collectors for the relay client. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walletlink"

type Metrics struct {
	registry *prometheus.Registry

	connectionState     prometheus.Gauge
	reconnects          prometheus.Counter
	heartbeatTimeouts   prometheus.Counter
	relayRequests       *prometheus.CounterVec
	providerRequests    *prometheus.CounterVec
	activeFilters       prometheus.Gauge
	activeSubscriptions prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state",
			Help: "Relay connection state (0 disconnected, 1 connecting, 2 connected).",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Reconnect attempts scheduled after the socket dropped.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_timeouts_total",
			Help: "Connections force-closed for missing heartbeats.",
		}),
		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_requests_total",
			Help: "Wallet requests by method and outcome.",
		}, []string{"method", "outcome"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_requests_total",
			Help: "Provider requests by dispatch route.",
		}, []string{"route"}),
		activeFilters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_filters",
			Help: "Installed polyfilled filters.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_subscriptions",
			Help: "Active eth_subscribe subscriptions.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionState, m.reconnects, m.heartbeatTimeouts,
		m.relayRequests, m.providerRequests, m.activeFilters, m.activeSubscriptions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry, or 404s when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) IncHeartbeatTimeouts() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

// ObserveRelayRequest records how a wallet request ended: "ok", "error", "canceled".
func (m *Metrics) ObserveRelayRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.relayRequests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) IncProviderRequest(route string) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(route).Inc()
}

func (m *Metrics) SetActiveFilters(n int) {
	if m == nil {
		return
	}
	m.activeFilters.Set(float64(n))
}

func (m *Metrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.activeSubscriptions.Set(float64(n))
}
