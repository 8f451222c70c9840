// Package dispatcher selects a replication mode per request — chain,
// quorum, or hybrid-per-kind — and maintains the adaptive signals
// (workload pattern, policy scores, hybrid efficiency) that drive that
// choice, alongside a read-through cache in front of both replication
// paths.
package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/replkv/hkv/internal/cache"
	"github.com/replkv/hkv/internal/chain"
	"github.com/replkv/hkv/internal/logx"
	"github.com/replkv/hkv/internal/quorum"
	"github.com/replkv/hkv/internal/wire"
)

var log = logx.New("dispatcher")

// WorkloadPattern classifies the recent read/write/throughput mix.
type WorkloadPattern int

const (
	PatternUnknown WorkloadPattern = iota
	PatternReadHeavy
	PatternWriteHeavy
	PatternBalanced
	PatternBursty
)

func (p WorkloadPattern) String() string {
	switch p {
	case PatternReadHeavy:
		return "READ_HEAVY"
	case PatternWriteHeavy:
		return "WRITE_HEAVY"
	case PatternBalanced:
		return "BALANCED"
	case PatternBursty:
		return "BURSTY"
	default:
		return "UNKNOWN"
	}
}

// AdaptiveMetrics is the workload snapshot the policy scorer and pattern
// classifier consume.
type AdaptiveMetrics struct {
	ReadWriteRatio       float64
	AverageLatencyMs     float64
	ThroughputOpsPerSec  float64
	PartitionProbability float64
	ActiveNodes          int
	Pattern              WorkloadPattern
}

const defaultSwitchingThreshold = 0.15

// Weights are the policy-scoring table's point values, kept as a
// configuration-surface struct rather than literals scattered through
// scorePolicy so a deployment can retune the table without a rebuild.
type Weights struct {
	ReadHeavyRatio    float64 // read_write_ratio > 3 -> chain
	WriteHeavyRatio   float64 // read_write_ratio < 0.5 -> quorum
	PartitionChain    float64 // partition_probability > 0.2 -> chain
	PartitionQuorum   float64 // else -> quorum
	LatencyChain      float64 // latency > 100ms and hybrid efficiency > 0.8 -> chain
	LatencyQuorum     float64 // else -> quorum
	FewNodesChain     float64 // active_nodes < 5 -> chain
	ManyNodesQuorum   float64 // else -> quorum
	PatternReadHeavy  float64 // pattern == READ_HEAVY -> chain
	PatternWriteHeavy float64 // pattern == WRITE_HEAVY -> quorum
	PatternBursty     float64 // pattern == BURSTY -> chain
}

// DefaultWeights matches the literal point values of the scoring table.
func DefaultWeights() Weights {
	return Weights{
		ReadHeavyRatio:    0.30,
		WriteHeavyRatio:   0.30,
		PartitionChain:    0.25,
		PartitionQuorum:   0.15,
		LatencyChain:      0.20,
		LatencyQuorum:     0.20,
		FewNodesChain:     0.15,
		ManyNodesQuorum:   0.10,
		PatternReadHeavy:  0.20,
		PatternWriteHeavy: 0.20,
		PatternBursty:     0.10,
	}
}

// Dispatcher routes requests between chain and quorum coordinators,
// fronted by a TTL cache, and tracks the signals that feed adaptive mode
// switching.
//
// Thread-safe: metricsMu guards currentMetrics/currentMode/switchTimes;
// the operation counters are atomic. Never held across a call into chain,
// quorum, or cache.
type Dispatcher struct {
	chain  *chain.Coordinator
	quorum *quorum.Coordinator
	cache  *cache.Cache

	adaptiveSwitching    atomic.Bool
	intelligentRouting   atomic.Bool
	loadBalancing        atomic.Bool
	cachingEnabled       atomic.Bool
	speculativeExecution atomic.Bool
	requestBatching      atomic.Bool

	readPreference  atomic.Value // wire.Mode
	writePreference atomic.Value // wire.Mode

	switchingThresholdMu sync.Mutex
	switchingThreshold   float64
	weights              Weights

	metricsMu      sync.Mutex
	currentMetrics AdaptiveMetrics
	currentMode    wire.Mode
	switchTimesMs  []float64

	readCount  atomic.Uint64
	writeCount atomic.Uint64

	chainOps  atomic.Uint64
	quorumOps atomic.Uint64

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// New returns a Dispatcher wired to the given chain and quorum
// coordinators and a TTL cache.
func New(chainCoord *chain.Coordinator, quorumCoord *quorum.Coordinator, c *cache.Cache) *Dispatcher {
	d := &Dispatcher{
		chain:       chainCoord,
		quorum:      quorumCoord,
		cache:       c,
		currentMode: wire.Hybrid,
	}
	d.adaptiveSwitching.Store(true)
	d.intelligentRouting.Store(true)
	d.loadBalancing.Store(true)
	d.cachingEnabled.Store(true)
	d.speculativeExecution.Store(false)
	d.requestBatching.Store(true)
	d.readPreference.Store(wire.ChainOnly)
	d.writePreference.Store(wire.QuorumOnly)
	d.switchingThreshold = defaultSwitchingThreshold
	d.weights = DefaultWeights()
	return d
}

// SetWeights overrides the policy-scoring table's point values.
func (d *Dispatcher) SetWeights(w Weights) {
	d.switchingThresholdMu.Lock()
	defer d.switchingThresholdMu.Unlock()
	d.weights = w
}

// Configuration toggles, mirroring the original hybrid protocol's public
// enable_* setters.
func (d *Dispatcher) EnableAdaptiveSwitching(enable bool)    { d.adaptiveSwitching.Store(enable) }
func (d *Dispatcher) EnableIntelligentRouting(enable bool)   { d.intelligentRouting.Store(enable) }
func (d *Dispatcher) EnableLoadBalancing(enable bool)        { d.loadBalancing.Store(enable) }
func (d *Dispatcher) EnableCaching(enable bool)              { d.cachingEnabled.Store(enable) }
func (d *Dispatcher) EnableSpeculativeExecution(enable bool) { d.speculativeExecution.Store(enable) }
func (d *Dispatcher) EnableRequestBatching(enable bool)      { d.requestBatching.Store(enable) }

func (d *Dispatcher) SetReadPreference(mode wire.Mode)  { d.readPreference.Store(mode) }
func (d *Dispatcher) SetWritePreference(mode wire.Mode) { d.writePreference.Store(mode) }

// SetSwitchingThreshold sets the score-gap margin a mode switch must clear.
func (d *Dispatcher) SetSwitchingThreshold(threshold float64) {
	d.switchingThresholdMu.Lock()
	defer d.switchingThresholdMu.Unlock()
	d.switchingThreshold = threshold
}

func (d *Dispatcher) readPreferenceMode() wire.Mode  { return d.readPreference.Load().(wire.Mode) }
func (d *Dispatcher) writePreferenceMode() wire.Mode { return d.writePreference.Load().(wire.Mode) }

// CurrentMode reports the mode the last policy-scoring pass selected.
func (d *Dispatcher) CurrentMode() wire.Mode {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	return d.currentMode
}

// CurrentMetrics returns the last AdaptiveMetrics snapshot applied via
// UpdateWorkloadMetrics.
func (d *Dispatcher) CurrentMetrics() AdaptiveMetrics {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	return d.currentMetrics
}

// ProcessRead tries the cache, then dispatches to chain or quorum per the
// read mode-selection rule, and fills the cache on a successful miss.
func (d *Dispatcher) ProcessRead(req wire.Message) wire.Message {
	start := time.Now()
	if req.Correlation == "" {
		req.Correlation = uuid.NewString()
	}

	if d.cachingEnabled.Load() {
		if v, ok := d.cache.TryRead(req.Key); ok {
			d.cacheHits.Add(1)
			d.observe(time.Since(start), true)
			return wire.Message{
				Kind: wire.ReadResponse, Key: req.Key, Value: v, Success: true,
				Sequence: req.Sequence, Correlation: req.Correlation,
			}
		}
		d.cacheMisses.Add(1)
	}

	mode := d.selectReadMode()
	var resp wire.Message
	if mode == wire.ChainOnly {
		resp = d.chain.ProcessRead(req)
		d.chainOps.Add(1)
	} else {
		resp = d.quorum.ProcessRead(req)
		d.quorumOps.Add(1)
	}
	resp.Correlation = req.Correlation

	if resp.Success && d.cachingEnabled.Load() {
		d.cache.Update(req.Key, resp.Value)
	}
	d.observe(time.Since(start), true)

	if d.speculativeExecution.Load() {
		d.startSpeculativeRead(req, mode)
	}
	return resp
}

// startSpeculativeRead fires a background read through whichever path did
// not serve req, purely to pre-warm that path and the cache for the next
// request on this key; its result carries no correctness weight and is
// never returned to a caller.
func (d *Dispatcher) startSpeculativeRead(req wire.Message, served wire.Mode) {
	log.Debugf("starting speculative read for key %q", req.Key)
	go func() {
		var resp wire.Message
		if served == wire.ChainOnly {
			resp = d.quorum.ProcessRead(req)
		} else {
			resp = d.chain.ProcessRead(req)
		}
		if resp.Success && d.cachingEnabled.Load() {
			d.cache.Update(req.Key, resp.Value)
		}
	}()
}

// ProcessWrite invalidates the cache for key, dispatches per the write
// mode-selection rule, and records metrics.
func (d *Dispatcher) ProcessWrite(req wire.Message) wire.Message {
	start := time.Now()
	if req.Correlation == "" {
		req.Correlation = uuid.NewString()
	}

	if d.cachingEnabled.Load() {
		d.cache.Invalidate(req.Key)
	}

	mode := d.selectWriteMode()
	var resp wire.Message
	if mode == wire.ChainOnly {
		resp = d.chain.ProcessWrite(req)
		d.chainOps.Add(1)
	} else {
		resp = d.quorum.ProcessWrite(req)
		d.quorumOps.Add(1)
	}
	resp.Correlation = req.Correlation

	d.observe(time.Since(start), false)
	return resp
}

// observe updates the exponentially-weighted average latency and the
// read/write counters that feed read_write_ratio.
func (d *Dispatcher) observe(elapsed time.Duration, isRead bool) {
	latencyMs := float64(elapsed) / float64(time.Millisecond)

	if isRead {
		d.readCount.Add(1)
	} else {
		d.writeCount.Add(1)
	}
	writes := d.writeCount.Load()
	if writes == 0 {
		writes = 1
	}
	ratio := float64(d.readCount.Load()) / float64(writes)

	d.metricsMu.Lock()
	d.currentMetrics.AverageLatencyMs = d.currentMetrics.AverageLatencyMs*0.9 + latencyMs*0.1
	d.currentMetrics.ReadWriteRatio = ratio
	d.metricsMu.Unlock()
}

// selectReadMode picks chain or quorum for a read: without adaptive
// switching, use read_preference; with intelligent routing on, prefer
// chain under partition risk or a read-heavy pattern.
func (d *Dispatcher) selectReadMode() wire.Mode {
	if !d.adaptiveSwitching.Load() {
		return d.readPreferenceMode()
	}
	if !d.intelligentRouting.Load() {
		return d.readPreferenceMode()
	}

	d.metricsMu.Lock()
	m := d.currentMetrics
	d.metricsMu.Unlock()

	if m.PartitionProbability > 0.2 || m.Pattern == PatternReadHeavy {
		return wire.ChainOnly
	}
	return d.readPreferenceMode()
}

// selectWriteMode picks chain or quorum for a write, mirroring
// selectReadMode's preference fallback.
func (d *Dispatcher) selectWriteMode() wire.Mode {
	if !d.adaptiveSwitching.Load() {
		return d.writePreferenceMode()
	}

	d.metricsMu.Lock()
	m := d.currentMetrics
	d.metricsMu.Unlock()

	switch m.Pattern {
	case PatternWriteHeavy:
		return wire.QuorumOnly
	case PatternBursty:
		return wire.ChainOnly
	default:
		return d.writePreferenceMode()
	}
}

// UpdateWorkloadMetrics applies a fresh AdaptiveMetrics snapshot,
// re-infers the workload pattern, runs the policy scorer, and switches
// current_mode when the winning score exceeds the loser's by the
// switching threshold.
func (d *Dispatcher) UpdateWorkloadMetrics(m AdaptiveMetrics) {
	m.Pattern = inferPattern(m)

	d.metricsMu.Lock()
	d.currentMetrics = m
	d.metricsMu.Unlock()

	if !d.adaptiveSwitching.Load() {
		return
	}

	optimal := d.scorePolicy(m)
	d.metricsMu.Lock()
	if optimal != d.currentMode {
		log.Infof("switching mode from %s to %s", d.currentMode, optimal)
		d.currentMode = optimal
	}
	d.metricsMu.Unlock()
}

// inferPattern implements the workload-pattern inference table.
func inferPattern(m AdaptiveMetrics) WorkloadPattern {
	switch {
	case m.ReadWriteRatio > 3.0:
		return PatternReadHeavy
	case m.ReadWriteRatio < 0.5:
		return PatternWriteHeavy
	case m.ThroughputOpsPerSec > m.AverageLatencyMs*10:
		return PatternBursty
	default:
		return PatternBalanced
	}
}

// scorePolicy implements the broader policy-scoring table: two
// accumulated scores, chain vs quorum, with the winner adopted only when
// it clears the loser by switching_threshold; otherwise HYBRID.
func (d *Dispatcher) scorePolicy(m AdaptiveMetrics) wire.Mode {
	d.switchingThresholdMu.Lock()
	w := d.weights
	threshold := d.switchingThreshold
	d.switchingThresholdMu.Unlock()

	var chainScore, quorumScore float64

	if m.ReadWriteRatio > 3 {
		chainScore += w.ReadHeavyRatio
	} else if m.ReadWriteRatio < 0.5 {
		quorumScore += w.WriteHeavyRatio
	}

	if m.PartitionProbability > 0.2 {
		chainScore += w.PartitionChain
	} else {
		quorumScore += w.PartitionQuorum
	}

	if m.AverageLatencyMs > 100 {
		if d.hybridEfficiency() > 0.8 {
			chainScore += w.LatencyChain
		} else {
			quorumScore += w.LatencyQuorum
		}
	}

	if m.ActiveNodes < 5 {
		chainScore += w.FewNodesChain
	} else {
		quorumScore += w.ManyNodesQuorum
	}

	switch m.Pattern {
	case PatternReadHeavy:
		chainScore += w.PatternReadHeavy
	case PatternWriteHeavy:
		quorumScore += w.PatternWriteHeavy
	case PatternBursty:
		chainScore += w.PatternBursty
	}

	switch {
	case chainScore-quorumScore > threshold:
		return wire.ChainOnly
	case quorumScore-chainScore > threshold:
		return wire.QuorumOnly
	default:
		return wire.Hybrid
	}
}

// HandleNodeFailure fans a membership change into both sub-protocols.
func (d *Dispatcher) HandleNodeFailure(id uint32) {
	d.chain.HandleNodeFailure(id)
	d.quorum.HandleNodeFailure(id)

	d.metricsMu.Lock()
	if d.currentMetrics.ActiveNodes > 1 {
		d.currentMetrics.ActiveNodes--
	}
	d.metricsMu.Unlock()
}

// HandleNodeRecovery fans a membership change into both sub-protocols.
func (d *Dispatcher) HandleNodeRecovery(id uint32) {
	d.chain.HandleNodeRecovery(id)
	d.quorum.HandleNodeRecovery(id)

	d.metricsMu.Lock()
	d.currentMetrics.ActiveNodes++
	d.metricsMu.Unlock()
}

// HandleNetworkPartition forces chain mode while adaptive switching is
// enabled, since chain replication tolerates a split predecessor/
// successor edge better than a quorum round.
func (d *Dispatcher) HandleNetworkPartition() {
	if !d.adaptiveSwitching.Load() {
		return
	}
	d.metricsMu.Lock()
	d.currentMode = wire.ChainOnly
	d.metricsMu.Unlock()
	log.Warnf("network partition detected, switching to chain-only mode")
}

// HybridEfficiency blends the cache hit rate with how evenly chain and
// quorum operations have been balanced, as a proxy for how well the
// hybrid policy is using both sub-protocols.
func (d *Dispatcher) HybridEfficiency() float64 { return d.hybridEfficiency() }

func (d *Dispatcher) hybridEfficiency() float64 {
	chainOps, quorumOps := d.chainOps.Load(), d.quorumOps.Load()
	total := chainOps + quorumOps
	if total == 0 {
		return 0
	}

	hits, misses := d.cacheHits.Load(), d.cacheMisses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	minOps := chainOps
	if quorumOps < minOps {
		minOps = quorumOps
	}
	balance := float64(minOps) / float64(total)

	return hitRate*0.4 + balance*0.6
}

// ModeSwitchingOverhead returns the mean recorded mode-switch duration in
// milliseconds. No mode switch (UpdateWorkloadMetrics,
// HandleNetworkPartition) appends a duration to switchTimesMs, so it
// returns 0.
func (d *Dispatcher) ModeSwitchingOverhead() float64 {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	if len(d.switchTimesMs) == 0 {
		return 0
	}
	var sum float64
	for _, t := range d.switchTimesMs {
		sum += t
	}
	return sum / float64(len(d.switchTimesMs))
}

// NetworkHealth is a supplemented signal: 1.0 minus partition probability,
// further penalised when average latency exceeds 50ms.
func (d *Dispatcher) NetworkHealth() float64 {
	d.metricsMu.Lock()
	m := d.currentMetrics
	d.metricsMu.Unlock()

	health := 1.0 - m.PartitionProbability
	if m.AverageLatencyMs > 50 {
		health -= 0.2
	}
	if health < 0 {
		health = 0
	}
	return health
}
