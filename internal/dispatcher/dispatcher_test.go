package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/replkv/hkv/internal/cache"
	"github.com/replkv/hkv/internal/chain"
	"github.com/replkv/hkv/internal/quorum"
	"github.com/replkv/hkv/internal/store"
	"github.com/replkv/hkv/internal/transport"
	"github.com/replkv/hkv/internal/wire"
)

func newDispatcher(t *testing.T, ids []uint32) *Dispatcher {
	hub := transport.NewMemoryHub(ids)
	st := store.New()
	chainCoord := chain.New(ids[0], ids, st, hub[ids[0]])
	quorumCoord := quorum.New(ids[0], ids, st, hub[ids[0]])
	c := cache.New(time.Minute)
	return New(chainCoord, quorumCoord, c)
}

func TestReadServedFromCacheOnHit(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	d.cache.Update("k", "cached")

	resp := d.ProcessRead(wire.Message{Key: "k"})
	assert.True(t, resp.Success)
	assert.Equal(t, "cached", resp.Value)
}

func TestReadMissFallsThroughToChainBySinglePeerChain(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	d.SetReadPreference(wire.ChainOnly)
	d.EnableAdaptiveSwitching(false)

	resp := d.ProcessRead(wire.Message{Key: "missing"})
	assert.False(t, resp.Success)
}

func TestWriteInvalidatesCache(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	d.cache.Update("k", "stale")
	d.EnableAdaptiveSwitching(false)
	d.SetWritePreference(wire.ChainOnly)

	d.ProcessWrite(wire.Message{Key: "k", Value: "new"})
	_, ok := d.cache.TryRead("k")
	assert.False(t, ok)
}

func TestSpeculativeReadDoesNotAffectTheServedResponse(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	d.EnableAdaptiveSwitching(false)
	d.SetReadPreference(wire.ChainOnly)
	d.EnableSpeculativeExecution(true)
	d.chain.EnableBatching(false)
	d.chain.ProcessWrite(wire.Message{Key: "k", Value: "v"})
	d.cache.Invalidate("k")

	resp := d.ProcessRead(wire.Message{Key: "k"})
	assert.True(t, resp.Success)
	assert.Equal(t, "v", resp.Value)

	time.Sleep(5 * time.Millisecond)
	v, ok := d.cache.TryRead("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestSelectReadModeWithoutAdaptiveSwitchingUsesPreference(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	d.EnableAdaptiveSwitching(false)
	d.SetReadPreference(wire.QuorumOnly)
	assert.Equal(t, wire.QuorumOnly, d.selectReadMode())
}

func TestSelectReadModePrefersChainUnderPartitionRisk(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	d.UpdateWorkloadMetrics(AdaptiveMetrics{PartitionProbability: 0.5})
	assert.Equal(t, wire.ChainOnly, d.selectReadMode())
}

func TestSelectWriteModePrefersQuorumUnderWriteHeavyPattern(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	d.UpdateWorkloadMetrics(AdaptiveMetrics{ReadWriteRatio: 0.1})
	assert.Equal(t, PatternWriteHeavy, d.CurrentMetrics().Pattern)
	assert.Equal(t, wire.QuorumOnly, d.selectWriteMode())
}

func TestInferPatternTable(t *testing.T) {
	assert.Equal(t, PatternReadHeavy, inferPattern(AdaptiveMetrics{ReadWriteRatio: 4}))
	assert.Equal(t, PatternWriteHeavy, inferPattern(AdaptiveMetrics{ReadWriteRatio: 0.2}))
	assert.Equal(t, PatternBursty, inferPattern(AdaptiveMetrics{ReadWriteRatio: 1, ThroughputOpsPerSec: 1000, AverageLatencyMs: 10}))
	assert.Equal(t, PatternBalanced, inferPattern(AdaptiveMetrics{ReadWriteRatio: 1, ThroughputOpsPerSec: 10, AverageLatencyMs: 10}))
}

func TestScorePolicyPrefersChainOnReadHeavyLowPartitionLowLatency(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	m := AdaptiveMetrics{
		ReadWriteRatio: 4, PartitionProbability: 0.1, AverageLatencyMs: 10,
		ActiveNodes: 3, Pattern: PatternReadHeavy,
	}
	assert.Equal(t, wire.ChainOnly, d.scorePolicy(m))
}

func TestScorePolicyFallsBackToHybridWhenClose(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	// chain: active_nodes<5 (+0.15); quorum: partition<=0.2 (+0.15) — scores tie.
	m := AdaptiveMetrics{ReadWriteRatio: 1, PartitionProbability: 0.1, AverageLatencyMs: 10, ActiveNodes: 3}
	assert.Equal(t, wire.Hybrid, d.scorePolicy(m))
}

func TestHandleNodeFailureDecrementsActiveNodesFloorOne(t *testing.T) {
	d := newDispatcher(t, []uint32{1, 2})
	d.UpdateWorkloadMetrics(AdaptiveMetrics{ActiveNodes: 1})
	d.HandleNodeFailure(2)
	assert.Equal(t, 1, d.CurrentMetrics().ActiveNodes)
}

func TestNetworkHealthPenalisesPartitionAndLatency(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	d.UpdateWorkloadMetrics(AdaptiveMetrics{PartitionProbability: 0.3, AverageLatencyMs: 60})
	assert.InDelta(t, 0.5, d.NetworkHealth(), 0.001)
}

func TestHybridEfficiencyZeroWithNoOperations(t *testing.T) {
	d := newDispatcher(t, []uint32{1})
	assert.Equal(t, 0.0, d.HybridEfficiency())
}
