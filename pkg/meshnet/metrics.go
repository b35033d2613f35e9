package meshnet

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the router/node Prometheus collectors. It uses an
// isolated registry (rather than the global default) so embedding
// applications can run more than one mesh node in a process, mirroring
// the teacher's pkg/p2pnet.Metrics pattern. A nil *Metrics is valid
// everywhere it's accepted; every increment method below is nil-safe.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesProcessedTotal  *prometheus.CounterVec
	MessagesDroppedTotal    *prometheus.CounterVec
	MessagesForwardedTotal  *prometheus.CounterVec
	MessagesDeliveredTotal  prometheus.Counter
	PeerTransitionsTotal    *prometheus.CounterVec
	DedupCacheSize          prometheus.Gauge
	RoutingTableSize        prometheus.Gauge
	AutoConnectAttemptTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors registered on
// a fresh isolated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		MessagesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnet_messages_processed_total",
				Help: "Total inbound messages processed by the router.",
			},
			[]string{"type"},
		),
		MessagesDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnet_messages_dropped_total",
				Help: "Total inbound messages dropped, by reason.",
			},
			[]string{"reason"},
		),
		MessagesForwardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnet_messages_forwarded_total",
				Help: "Total forward sends to a next hop, by mode.",
			},
			[]string{"mode"},
		),
		MessagesDeliveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshnet_messages_delivered_total",
				Help: "Total messages delivered to the local application stream.",
			},
		),
		PeerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnet_peer_transitions_total",
				Help: "Total peer state transitions, by new state.",
			},
			[]string{"state"},
		),
		DedupCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshnet_dedup_cache_size",
				Help: "Current number of entries in the message dedup cache.",
			},
		),
		RoutingTableSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshnet_routing_table_size",
				Help: "Current number of peers known to the router.",
			},
		),
		AutoConnectAttemptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnet_autoconnect_attempts_total",
				Help: "Total auto-connect attempts by result.",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.MessagesProcessedTotal,
		m.MessagesDroppedTotal,
		m.MessagesForwardedTotal,
		m.MessagesDeliveredTotal,
		m.PeerTransitionsTotal,
		m.DedupCacheSize,
		m.RoutingTableSize,
		m.AutoConnectAttemptTotal,
	)

	return m
}

// Handler returns an http.Handler that serves the Prometheus metrics
// endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incProcessed(msgType MessageType) {
	if m == nil {
		return
	}
	m.MessagesProcessedTotal.WithLabelValues(string(msgType)).Inc()
}

func (m *Metrics) incDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) incForwarded(mode string) {
	if m == nil {
		return
	}
	m.MessagesForwardedTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) incDelivered() {
	if m == nil {
		return
	}
	m.MessagesDeliveredTotal.Inc()
}

func (m *Metrics) incPeerTransition(state PeerState) {
	if m == nil {
		return
	}
	m.PeerTransitionsTotal.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) setDedupSize(n int) {
	if m == nil {
		return
	}
	m.DedupCacheSize.Set(float64(n))
}

func (m *Metrics) setRoutingTableSize(n int) {
	if m == nil {
		return
	}
	m.RoutingTableSize.Set(float64(n))
}

func (m *Metrics) incAutoConnect(result string) {
	if m == nil {
		return
	}
	m.AutoConnectAttemptTotal.WithLabelValues(result).Inc()
}
