// Package metrics tracks per-operation lifetimes, derives throughput,
// percentile latency, and success-rate statistics, and surfaces
// recommendations and threshold alerts. A parallel VictoriaMetrics counter
// set exposes the same totals in Prometheus exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"github.com/replkv/hkv/internal/wire"
)

const (
	defaultRingCapacity     = 10_000
	defaultLatencyThreshold = 100.0  // ms
	defaultThroughputThresh = 1000.0 // ops/sec
	highCPUThreshold        = 0.90
	highMemoryThresholdMB   = 2048.0
)

// OperationMetric is the completed record for one request's lifetime.
type OperationMetric struct {
	ID          string
	StartUs     uint64
	EndUs       uint64
	Kind        wire.Kind
	Success     bool
	Key         string
	ValueSize   int
	Hops        uint32
	Mode        wire.Mode
}

// LatencyMs is (end-start) microseconds converted to milliseconds.
func (o OperationMetric) LatencyMs() float64 {
	return float64(o.EndUs-o.StartUs) / 1000.0
}

// Stats is a point-in-time snapshot of derived metrics.
type Stats struct {
	ThroughputOpsPerSec float64
	AverageLatencyMs    float64
	P95LatencyMs        float64
	P99LatencyMs        float64
	SuccessRate         float64
	CPUUtilization      float64
	MemoryUsageMB       float64
	NetworkUtilization  float64
}

// Monitor is the per-node performance tracker.
//
// Thread-safe: operationsMu guards active and completed operation state;
// the counters below it are atomic and read without locking.
type Monitor struct {
	operationsMu sync.Mutex
	active       map[string]OperationMetric
	completed    []OperationMetric
	ringCapacity int

	totalOps      atomic.Uint64
	successOps    atomic.Uint64
	failedOps     atomic.Uint64
	cumulativeLatencyUs atomic.Uint64

	perModeMu        sync.Mutex
	perModeCount     map[wire.Mode]uint64
	perModeLatencyMs map[wire.Mode]float64

	cpuUtilization     atomic.Value // float64
	memoryUsageMB      atomic.Value // float64
	networkUtilization atomic.Value // float64

	latencyThresholdMs float64
	throughputThreshold float64

	startTime time.Time

	set            *metrics.Set
	totalCounter   *metrics.Counter
	successCounter *metrics.Counter
	failureCounter *metrics.Counter
	latencySummary *metrics.Histogram
}

// New returns a Monitor with the default bounded completed-ring and
// threshold configuration, registering a VictoriaMetrics set for
// Prometheus-style export.
func New() *Monitor {
	set := metrics.NewSet()
	m := &Monitor{
		active:               make(map[string]OperationMetric),
		ringCapacity:         defaultRingCapacity,
		perModeCount:         make(map[wire.Mode]uint64),
		perModeLatencyMs:      make(map[wire.Mode]float64),
		latencyThresholdMs:   defaultLatencyThreshold,
		throughputThreshold:  defaultThroughputThresh,
		startTime:            time.Now(),
		set:                  set,
		totalCounter:         set.NewCounter("total_operations"),
		successCounter:       set.NewCounter("successful_operations"),
		failureCounter:       set.NewCounter("failed_operations"),
		latencySummary:       set.NewHistogram("operation_latency_ms"),
	}
	m.cpuUtilization.Store(0.0)
	m.memoryUsageMB.Store(0.0)
	m.networkUtilization.Store(0.0)
	return m
}

// MetricsSet exposes the underlying VictoriaMetrics registry, e.g. for a
// /metrics HTTP handler wired in cmd/node.
func (m *Monitor) MetricsSet() *metrics.Set { return m.set }

// WritePrometheus renders the registered counters and the latency
// histogram in Prometheus exposition format, the thin wrapper cmd/node's
// /metrics handler calls directly.
func (m *Monitor) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// SetLatencyThreshold overrides the "high latency" alert threshold in ms.
func (m *Monitor) SetLatencyThreshold(ms float64) { m.latencyThresholdMs = ms }

// SetThroughputThreshold overrides the "low throughput" alert threshold.
func (m *Monitor) SetThroughputThreshold(opsPerSec float64) { m.throughputThreshold = opsPerSec }

// StartOperation begins tracking a new operation and returns its id.
func (m *Monitor) StartOperation(kind wire.Kind, key string) string {
	id := uuid.NewString()
	m.operationsMu.Lock()
	m.active[id] = OperationMetric{ID: id, StartUs: nowMicros(), Kind: kind, Key: key}
	m.operationsMu.Unlock()
	return id
}

// EndOperation completes a tracked operation, moves it to the completed
// ring, and updates the atomic counters.
func (m *Monitor) EndOperation(id string, success bool, mode wire.Mode, hops uint32) {
	m.operationsMu.Lock()
	op, ok := m.active[id]
	if !ok {
		m.operationsMu.Unlock()
		return
	}
	delete(m.active, id)
	op.EndUs = nowMicros()
	op.Success = success
	op.Mode = mode
	op.Hops = hops

	m.completed = append(m.completed, op)
	if len(m.completed) > m.ringCapacity {
		m.completed = m.completed[len(m.completed)-m.ringCapacity:]
	}
	m.operationsMu.Unlock()

	latencyMs := op.LatencyMs()

	m.totalOps.Add(1)
	m.totalCounter.Inc()
	if success {
		m.successOps.Add(1)
		m.successCounter.Inc()
		m.cumulativeLatencyUs.Add(op.EndUs - op.StartUs)
	} else {
		m.failedOps.Add(1)
		m.failureCounter.Inc()
	}
	m.latencySummary.Update(latencyMs)

	m.perModeMu.Lock()
	m.perModeCount[mode]++
	m.perModeLatencyMs[mode] += latencyMs
	m.perModeMu.Unlock()
}

// CurrentStats computes a point-in-time snapshot from all completed
// operations recorded so far.
func (m *Monitor) CurrentStats() Stats {
	return m.statsOver(m.latencySamples(0))
}

// HistoricalStats restricts the sample set to operations completed within
// the trailing duration window.
func (m *Monitor) HistoricalStats(window time.Duration) Stats {
	return m.statsOver(m.latencySamples(window))
}

func (m *Monitor) latencySamples(window time.Duration) []float64 {
	m.operationsMu.Lock()
	defer m.operationsMu.Unlock()

	cutoff := uint64(0)
	if window > 0 {
		cutoff = nowMicros() - uint64(window.Microseconds())
	}

	samples := make([]float64, 0, len(m.completed))
	for _, op := range m.completed {
		if window > 0 && op.EndUs < cutoff {
			continue
		}
		if op.Success {
			samples = append(samples, op.LatencyMs())
		}
	}
	return samples
}

func (m *Monitor) statsOver(samples []float64) Stats {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	total := m.totalOps.Load()
	success := m.successOps.Load()

	stats := Stats{
		ThroughputOpsPerSec: m.throughputLocked(total),
		AverageLatencyMs:    averageLatencyMs(m.cumulativeLatencyUs.Load(), success),
		P95LatencyMs:        percentile(sorted, 0.95),
		P99LatencyMs:        percentile(sorted, 0.99),
		SuccessRate:         successRate(success, total),
		CPUUtilization:      m.cpuUtilization.Load().(float64),
		MemoryUsageMB:       m.memoryUsageMB.Load().(float64),
		NetworkUtilization:  m.networkUtilization.Load().(float64),
	}
	return stats
}

func (m *Monitor) throughputLocked(total uint64) float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total) / elapsed
}

func averageLatencyMs(cumulativeUs uint64, success uint64) float64 {
	if success == 0 {
		return 0
	}
	return (float64(cumulativeUs) / 1000.0) / float64(success)
}

func successRate(success, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total)
}

// percentile computes the p-th percentile of a sorted slice using linear
// interpolation between the two nearest ranks: index = p*(n-1); when the
// index is non-integral, interpolate between its floor and ceiling.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	weight := idx - float64(lo)
	return sorted[lo]*(1-weight) + sorted[hi]*weight
}

// ModeStats reports the operation count and mean latency recorded for a
// single replication mode.
func (m *Monitor) ModeStats(mode wire.Mode) (count uint64, avgLatencyMs float64) {
	m.perModeMu.Lock()
	defer m.perModeMu.Unlock()
	count = m.perModeCount[mode]
	if count == 0 {
		return 0, 0
	}
	return count, m.perModeLatencyMs[mode] / float64(count)
}

// UpdateSystemStats records the latest sampled resource-utilization
// figures; the sampling itself (CPU/memory/network probes) is left to the
// caller, which mirrors the original monitor's OS-specific measurement
// hooks that this Go port does not reimplement.
func (m *Monitor) UpdateSystemStats(cpuUtilization, memoryUsageMB, networkUtilization float64) {
	m.cpuUtilization.Store(cpuUtilization)
	m.memoryUsageMB.Store(memoryUsageMB)
	m.networkUtilization.Store(networkUtilization)
}

// PerformanceRecommendations lists human-readable suggestions derived
// from the current stats and threshold configuration, plus the currently
// recommended mode the caller passes in (typically a dispatcher's
// CurrentMode, the output of its policy scoring).
func (m *Monitor) PerformanceRecommendations(recommendedMode wire.Mode) []string {
	stats := m.CurrentStats()
	var recs []string
	if stats.AverageLatencyMs > m.latencyThresholdMs {
		recs = append(recs, "high latency")
	}
	if stats.ThroughputOpsPerSec < m.throughputThreshold {
		recs = append(recs, "low throughput")
	}
	if stats.SuccessRate < 0.95 {
		recs = append(recs, "low success rate")
	}
	recs = append(recs, fmt.Sprintf("recommended mode: %s", recommendedMode))
	return recs
}

// HasPerformanceAlerts reports whether any threshold-crossing alert is
// currently active.
func (m *Monitor) HasPerformanceAlerts() bool {
	return len(m.ActiveAlerts()) > 0
}

// ActiveAlerts returns the current set of threshold-crossing alert labels.
func (m *Monitor) ActiveAlerts() []string {
	stats := m.CurrentStats()
	var alerts []string
	if stats.AverageLatencyMs > m.latencyThresholdMs {
		alerts = append(alerts, "HIGH_LATENCY")
	}
	if stats.ThroughputOpsPerSec < m.throughputThreshold {
		alerts = append(alerts, "LOW_THROUGHPUT")
	}
	if stats.SuccessRate < 0.95 {
		alerts = append(alerts, "LOW_SUCCESS_RATE")
	}
	if stats.CPUUtilization > highCPUThreshold {
		alerts = append(alerts, "HIGH_CPU_USAGE")
	}
	if stats.MemoryUsageMB > highMemoryThresholdMB {
		alerts = append(alerts, "HIGH_MEMORY_USAGE")
	}
	return alerts
}

// ExportCSV renders every completed operation as a CSV snapshot with
// header "timestamp,operation_type,success,latency_ms,mode,hops,key".
func (m *Monitor) ExportCSV() string {
	m.operationsMu.Lock()
	rows := append([]OperationMetric(nil), m.completed...)
	m.operationsMu.Unlock()

	var b strings.Builder
	b.WriteString("timestamp,operation_type,success,latency_ms,mode,hops,key\n")
	for _, op := range rows {
		fmt.Fprintf(&b, "%d,%s,%t,%.3f,%s,%d,%s\n",
			op.EndUs, op.Kind, op.Success, op.LatencyMs(), op.Mode, op.Hops, op.Key)
	}
	return b.String()
}

// Reset clears all counters, the completed ring, and active operations.
func (m *Monitor) Reset() {
	m.operationsMu.Lock()
	m.active = make(map[string]OperationMetric)
	m.completed = nil
	m.operationsMu.Unlock()

	m.totalOps.Store(0)
	m.successOps.Store(0)
	m.failedOps.Store(0)
	m.cumulativeLatencyUs.Store(0)

	m.perModeMu.Lock()
	m.perModeCount = make(map[wire.Mode]uint64)
	m.perModeLatencyMs = make(map[wire.Mode]float64)
	m.perModeMu.Unlock()

	m.startTime = time.Now()
}

// TotalOperations, SuccessfulOperations and FailedOperations expose the
// raw atomic counters for callers (e.g. the dispatcher) that need the
// totals without a full Stats snapshot.
func (m *Monitor) TotalOperations() uint64      { return m.totalOps.Load() }
func (m *Monitor) SuccessfulOperations() uint64 { return m.successOps.Load() }
func (m *Monitor) FailedOperations() uint64     { return m.failedOps.Load() }

func nowMicros() uint64 { return uint64(time.Now().UnixMicro()) }
