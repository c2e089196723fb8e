package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	err := counter.Write(metric)
	require.NoError(t, err)
	return metric.GetCounter().GetValue()
}

func getGaugeVecValue(t *testing.T, gaugeVec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	err := gaugeVec.WithLabelValues(labels...).Write(metric)
	require.NoError(t, err)
	return metric.GetGauge().GetValue()
}

func TestIncOperation(t *testing.T) {
	before := getCounterValue(t, OperationsTotal.WithLabelValues("node_move", "accepted"))
	IncOperation("node_move", "accepted")
	IncOperation("node_move", "accepted")
	after := getCounterValue(t, OperationsTotal.WithLabelValues("node_move", "accepted"))
	assert.Equal(t, before+2, after)
}

func TestSetConnectedSessions(t *testing.T) {
	SetConnectedSessions(7, 3)
	assert.Equal(t, float64(3), getGaugeVecValue(t, ConnectedSessions, "7"))
	SetConnectedSessions(7, 0)
	assert.Equal(t, float64(0), getGaugeVecValue(t, ConnectedSessions, "7"))
}

func TestSyncCheckOutcomes(t *testing.T) {
	before := getCounterValue(t, SyncChecksTotal.WithLabelValues("ring"))
	IncSyncCheck("ring")
	after := getCounterValue(t, SyncChecksTotal.WithLabelValues("ring"))
	assert.Equal(t, before+1, after)
}

func TestObserveOperationDoesNotPanic(t *testing.T) {
	ObserveOperation("node_create", 3*time.Millisecond)
	ObserveThumbnail(256, 120*time.Millisecond)
}
