package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersEveryMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "server")

	if m.TunnelConnected == nil || m.StreamsActive == nil || m.StreamsOpened == nil ||
		m.StreamsClosed == nil || m.BytesSent == nil || m.BytesReceived == nil ||
		m.Reconnects == nil || m.ProxyRejected == nil {
		t.Fatal("New left a metric unset")
	}
}

func TestMarkConnectedAndDisconnected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "server")

	m.MarkConnected()
	if got := testutil.ToFloat64(m.TunnelConnected); got != 1 {
		t.Errorf("TunnelConnected = %v, want 1", got)
	}

	m.MarkDisconnected()
	if got := testutil.ToFloat64(m.TunnelConnected); got != 0 {
		t.Errorf("TunnelConnected = %v, want 0", got)
	}
}

func TestStreamOpenedAndClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "client")

	m.StreamOpened()
	m.StreamOpened()
	if got := testutil.ToFloat64(m.StreamsActive); got != 2 {
		t.Errorf("StreamsActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StreamsOpened); got != 2 {
		t.Errorf("StreamsOpened = %v, want 2", got)
	}

	m.StreamClosed()
	if got := testutil.ToFloat64(m.StreamsActive); got != 1 {
		t.Errorf("StreamsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StreamsClosed); got != 1 {
		t.Errorf("StreamsClosed = %v, want 1", got)
	}
}

func TestAddSentAndReceived(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "server")

	m.AddSent(100)
	m.AddSent(50)
	m.AddReceived(30)

	if got := testutil.ToFloat64(m.BytesSent); got != 150 {
		t.Errorf("BytesSent = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 30 {
		t.Errorf("BytesReceived = %v, want 30", got)
	}
}

func TestSnapshotTracksTotals(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "server")

	m.AddSent(100)
	m.AddReceived(40)
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	sent, received, active := m.Snapshot()
	if sent != 100 {
		t.Errorf("sent = %d, want 100", sent)
	}
	if received != 40 {
		t.Errorf("received = %d, want 40", received)
	}
	if active != 1 {
		t.Errorf("active = %d, want 1", active)
	}

	var nilMetrics *Metrics
	if sent, received, active := nilMetrics.Snapshot(); sent != 0 || received != 0 || active != 0 {
		t.Errorf("nil Snapshot() = (%d, %d, %d), want all zero", sent, received, active)
	}
}

func TestMarkReconnectAndProxyRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "client")

	m.MarkReconnect()
	m.MarkReconnect()
	m.MarkProxyRejected()

	if got := testutil.ToFloat64(m.Reconnects); got != 2 {
		t.Errorf("Reconnects = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ProxyRejected); got != 1 {
		t.Errorf("ProxyRejected = %v, want 1", got)
	}
}

// TestNilMetricsAreNoOps makes sure every method is safe to call on a nil
// *Metrics, since wiring metrics in is opt-in and the rest of the codebase
// calls these methods unconditionally.
func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.MarkConnected()
	m.MarkDisconnected()
	m.StreamOpened()
	m.StreamClosed()
	m.AddSent(1)
	m.AddReceived(1)
	m.MarkReconnect()
	m.MarkProxyRejected()
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "server")
	m.MarkConnected()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "h2xtunnel_connected") {
		t.Errorf("expected exposition output to contain h2xtunnel_connected, got: %s", rec.Body.String())
	}
}
