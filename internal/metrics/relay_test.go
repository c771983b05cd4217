package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/socket-relay/internal/metrics"
)

func TestRelayMetrics_Connections(t *testing.T) {
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())

	m.Connected()
	m.Connected()
	m.Disconnected()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsTotal))
}

func TestRelayMetrics_Messages(t *testing.T) {
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())

	m.Received(5)
	m.Received(500)
	m.Delivered(3, 1)
	m.Delivered(2, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("failed")))
}

func TestRelayMetrics_Nil(t *testing.T) {
	var m *metrics.RelayMetrics

	assert.NotPanics(t, func() {
		m.Connected()
		m.Disconnected()
		m.Received(1)
		m.Delivered(1, 1)
	})
}

func TestHandler(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.NewRelayMetrics(reg)
	m.Connected()

	srv := httptest.NewServer(metrics.Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "relay_connections_active 1")
	assert.Contains(t, string(body), "go_goroutines")
}
