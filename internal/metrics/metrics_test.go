package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/replkv/hkv/internal/wire"
)

func TestStartEndOperationUpdatesCounters(t *testing.T) {
	m := New()
	id := m.StartOperation(wire.ReadRequest, "k")
	time.Sleep(time.Millisecond)
	m.EndOperation(id, true, wire.ChainOnly, 1)

	assert.Equal(t, uint64(1), m.TotalOperations())
	assert.Equal(t, uint64(1), m.SuccessfulOperations())
	assert.Equal(t, uint64(0), m.FailedOperations())
}

func TestEndOperationUnknownIDIsNoop(t *testing.T) {
	m := New()
	m.EndOperation("does-not-exist", true, wire.ChainOnly, 1)
	assert.Equal(t, uint64(0), m.TotalOperations())
}

func TestSuccessRateComputedFromCompletedOperations(t *testing.T) {
	m := New()
	for i := 0; i < 3; i++ {
		id := m.StartOperation(wire.WriteRequest, "k")
		m.EndOperation(id, true, wire.QuorumOnly, 1)
	}
	id := m.StartOperation(wire.WriteRequest, "k")
	m.EndOperation(id, false, wire.QuorumOnly, 1)

	stats := m.CurrentStats()
	assert.InDelta(t, 0.75, stats.SuccessRate, 0.001)
}

func TestPercentileInterpolation(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}
	assert.Equal(t, 10.0, percentile(sorted, 0))
	assert.Equal(t, 50.0, percentile(sorted, 1))
	assert.InDelta(t, 38.0, percentile(sorted, 0.7), 0.001)
}

func TestPercentileEmptyAndSingleton(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 0.95))
	assert.Equal(t, 42.0, percentile([]float64{42}, 0.99))
}

func TestMetricConsistencyAcrossManySamples(t *testing.T) {
	m := New()
	for i := 0; i < 150; i++ {
		id := m.StartOperation(wire.ReadRequest, "k")
		m.EndOperation(id, i%10 != 0, wire.ChainOnly, 1)
	}

	stats := m.CurrentStats()
	assert.GreaterOrEqual(t, stats.P99LatencyMs, stats.P95LatencyMs)
	assert.GreaterOrEqual(t, stats.P95LatencyMs, 0.0)
	assert.InDelta(t, float64(m.SuccessfulOperations())/float64(m.TotalOperations()), stats.SuccessRate, 0.001)
}

func TestPerformanceRecommendationsIncludesRecommendedMode(t *testing.T) {
	m := New()
	id := m.StartOperation(wire.WriteRequest, "k")
	m.EndOperation(id, true, wire.QuorumOnly, 1)

	recs := m.PerformanceRecommendations(wire.QuorumOnly)
	assert.Contains(t, recs, "recommended mode: QUORUM_ONLY")
}

func TestActiveAlertsFlagLowSuccessRate(t *testing.T) {
	m := New()
	for i := 0; i < 10; i++ {
		id := m.StartOperation(wire.WriteRequest, "k")
		m.EndOperation(id, i < 5, wire.QuorumOnly, 1)
	}

	alerts := m.ActiveAlerts()
	assert.Contains(t, alerts, "LOW_SUCCESS_RATE")
}

func TestActiveAlertsFlagResourceThresholds(t *testing.T) {
	m := New()
	id := m.StartOperation(wire.ReadRequest, "k")
	m.EndOperation(id, true, wire.ChainOnly, 1)
	m.UpdateSystemStats(0.95, 3000, 0.1)

	alerts := m.ActiveAlerts()
	assert.Contains(t, alerts, "HIGH_CPU_USAGE")
	assert.Contains(t, alerts, "HIGH_MEMORY_USAGE")
}

func TestExportCSVHasHeaderAndRow(t *testing.T) {
	m := New()
	id := m.StartOperation(wire.ReadRequest, "k1")
	m.EndOperation(id, true, wire.ChainOnly, 2)

	csv := m.ExportCSV()
	lines := strings.Split(strings.TrimRight(csv, "\n"), "\n")
	assert.Equal(t, "timestamp,operation_type,success,latency_ms,mode,hops,key", lines[0])
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[1], "k1")
}

func TestWritePrometheusRendersRegisteredCounters(t *testing.T) {
	m := New()
	id := m.StartOperation(wire.WriteRequest, "k")
	m.EndOperation(id, true, wire.QuorumOnly, 1)

	var buf strings.Builder
	m.WritePrometheus(&buf)

	out := buf.String()
	assert.Contains(t, out, "total_operations")
	assert.Contains(t, out, "successful_operations")
}

func TestResetClearsCountersAndRing(t *testing.T) {
	m := New()
	id := m.StartOperation(wire.ReadRequest, "k")
	m.EndOperation(id, true, wire.ChainOnly, 1)
	assert.Equal(t, uint64(1), m.TotalOperations())

	m.Reset()
	assert.Equal(t, uint64(0), m.TotalOperations())
	assert.Empty(t, m.ExportCSV()[len("timestamp,operation_type,success,latency_ms,mode,hops,key\n"):])
}

func TestModeStatsTracksPerModeAverages(t *testing.T) {
	m := New()
	id := m.StartOperation(wire.WriteRequest, "k")
	m.EndOperation(id, true, wire.QuorumOnly, 1)

	count, avg := m.ModeStats(wire.QuorumOnly)
	assert.Equal(t, uint64(1), count)
	assert.GreaterOrEqual(t, avg, 0.0)

	zeroCount, zeroAvg := m.ModeStats(wire.ChainOnly)
	assert.Equal(t, uint64(0), zeroCount)
	assert.Equal(t, 0.0, zeroAvg)
}
