package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordConnectionOpened()
		m.RecordConnectionClosed(1)
		m.RecordFrame("binary")
		m.RecordEnqueued("raw")
		m.RecordDiscarded("raw", "rejected")
		m.RecordConversion("success", 0.1)
		m.RecordUpdateDropped("no_connection")
		m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	})
}

func TestConnectionGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordConnectionOpened()
	m.RecordConnectionOpened()
	m.RecordConnectionClosed(2.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsClosed))
}

func TestLabelledCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDiscarded("raw", "evicted")
	m.RecordDiscarded("raw", "evicted")
	m.RecordConversion("failure", 0.2)
	m.SetQueueDepth("converted", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksDiscarded.WithLabelValues("raw", "evicted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conversions.WithLabelValues("failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("converted")))
}

func TestSeparateRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
