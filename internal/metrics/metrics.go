// Package metrics exposes the tunnel's Prometheus instrumentation. A nil
// *Metrics is valid everywhere it's accepted: every method is a no-op on a
// nil receiver so wiring metrics in is opt-in via --metrics-addr.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters and gauges wired into Supervisor, StreamBridge
// and the reconnect path. bytesSent/bytesReceived/streamsActive mirror the
// Prometheus counters above in plain atomics so Snapshot can report totals
// without scraping the registry.
type Metrics struct {
	TunnelConnected prometheus.Gauge
	StreamsActive   prometheus.Gauge
	StreamsOpened   prometheus.Counter
	StreamsClosed   prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	Reconnects      prometheus.Counter
	ProxyRejected   prometheus.Counter

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	streamsActive atomic.Int64
}

// New registers the tunnel's metrics under reg, labelled by role ("server"
// or "client").
func New(reg prometheus.Registerer, role string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"role": role}
	return &Metrics{
		TunnelConnected: f.NewGauge(prometheus.GaugeOpts{
			Name:        "h2xtunnel_connected",
			Help:        "1 if the tunnel session is currently active, else 0.",
			ConstLabels: labels,
		}),
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Name:        "h2xtunnel_streams_active",
			Help:        "Number of currently bridged TCP/HTTP2 stream pairs.",
			ConstLabels: labels,
		}),
		StreamsOpened: f.NewCounter(prometheus.CounterOpts{
			Name:        "h2xtunnel_streams_opened_total",
			Help:        "Total stream pairs opened.",
			ConstLabels: labels,
		}),
		StreamsClosed: f.NewCounter(prometheus.CounterOpts{
			Name:        "h2xtunnel_streams_closed_total",
			Help:        "Total stream pairs closed, cleanly or by reset.",
			ConstLabels: labels,
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name:        "h2xtunnel_bytes_sent_total",
			Help:        "Bytes forwarded toward the HTTP/2 peer.",
			ConstLabels: labels,
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name:        "h2xtunnel_bytes_received_total",
			Help:        "Bytes forwarded from the HTTP/2 peer.",
			ConstLabels: labels,
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name:        "h2xtunnel_reconnects_total",
			Help:        "Total reconnect attempts scheduled.",
			ConstLabels: labels,
		}),
		ProxyRejected: f.NewCounter(prometheus.CounterOpts{
			Name:        "h2xtunnel_proxy_rejected_total",
			Help:        "Proxy connections rejected because no session was active.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) setConnected(v float64) {
	if m == nil {
		return
	}
	m.TunnelConnected.Set(v)
}

// MarkConnected records that the tunnel session became active.
func (m *Metrics) MarkConnected() { m.setConnected(1) }

// MarkDisconnected records that the tunnel session went away.
func (m *Metrics) MarkDisconnected() { m.setConnected(0) }

// StreamOpened records a new bridged stream pair.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsOpened.Inc()
	m.StreamsActive.Inc()
	m.streamsActive.Add(1)
}

// StreamClosed records a bridged stream pair going away.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamsClosed.Inc()
	m.StreamsActive.Dec()
	m.streamsActive.Add(-1)
}

// AddSent records bytes forwarded toward the HTTP/2 peer.
func (m *Metrics) AddSent(n int) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(n))
	m.bytesSent.Add(uint64(n))
}

// AddReceived records bytes forwarded from the HTTP/2 peer.
func (m *Metrics) AddReceived(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
	m.bytesReceived.Add(uint64(n))
}

// Snapshot reports cumulative bytes forwarded in each direction and the
// current active stream count, for the CLI's periodic stats summary. Safe
// to call on a nil *Metrics, returning all zeros.
func (m *Metrics) Snapshot() (sent, received uint64, active int64) {
	if m == nil {
		return 0, 0, 0
	}
	return m.bytesSent.Load(), m.bytesReceived.Load(), m.streamsActive.Load()
}

// MarkReconnect records a scheduled reconnect attempt.
func (m *Metrics) MarkReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// MarkProxyRejected records a proxy connection rejected for lack of a
// session.
func (m *Metrics) MarkProxyRejected() {
	if m == nil {
		return
	}
	m.ProxyRejected.Inc()
}

// Handler returns the HTTP handler serving this registry in Prometheus
// exposition format, for wiring behind --metrics-addr.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
