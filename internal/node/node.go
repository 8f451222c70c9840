// Package node wires the store, peers, chain, quorum, cache, dispatcher,
// metrics and membership collaborators into one running cluster
// participant, and resolves inbound wire messages to the right handler.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/replkv/hkv/internal/cache"
	"github.com/replkv/hkv/internal/chain"
	"github.com/replkv/hkv/internal/dispatcher"
	"github.com/replkv/hkv/internal/logx"
	"github.com/replkv/hkv/internal/membership"
	"github.com/replkv/hkv/internal/metrics"
	"github.com/replkv/hkv/internal/peers"
	"github.com/replkv/hkv/internal/quorum"
	"github.com/replkv/hkv/internal/store"
	"github.com/replkv/hkv/internal/transport"
	"github.com/replkv/hkv/internal/wire"
)

var log = logx.New("node")

const (
	defaultBatchFlushInterval = 100 * time.Millisecond
	defaultHeartbeatInterval  = 30 * time.Second
	defaultHeartbeatTimeout   = 90 * time.Second
	defaultProposalSweep      = 50 * time.Millisecond
)

// PeerAddr is a peer's dial address, keyed by node id in Config.PeerAddrs.
type PeerAddr struct {
	Hostname string
	Port     uint16
}

// Config bundles the construction-time parameters a Node needs beyond its
// transport bus, gathering the configuration surfaces each sub-package
// exposes (chain batching, adaptive quorum, dispatcher toggles).
type Config struct {
	SelfID      uint32
	ChainOrder  []uint32
	QuorumNodes []uint32
	PeerAddrs   map[uint32]PeerAddr

	EnableBatching     bool
	BatchSize          int
	BatchFlushInterval time.Duration

	EnableAdaptiveQuorum bool
	OperationTimeout     time.Duration

	CacheTTL time.Duration

	AdaptiveSwitching    bool
	IntelligentRouting   bool
	LoadBalancing        bool
	Caching              bool
	SpeculativeExecution bool
	RequestBatching      bool
	SwitchingThreshold   float64
	ReadPreference       wire.Mode
	WritePreference      wire.Mode

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Node is the aggregate root: every exported operation fans out to the
// sub-component the lock-ordering discipline assigns it to (store → peers
// → chain → quorum → cache → metrics); the Node's own mutex guards only
// its Start/Stop lifecycle state and is never held during a request.
type Node struct {
	selfID uint32
	bus    transport.Bus

	store      *store.Store
	peersDir   *peers.Directory
	chain      *chain.Coordinator
	quorum     *quorum.Coordinator
	cache      *cache.Cache
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Monitor
	membership *membership.Monitor

	heartbeatTimeout   time.Duration
	batchFlushInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a Node from cfg and a transport bus; the bus's handler is
// wired to the Node's dispatch table before returning.
func New(cfg Config, bus transport.Bus) *Node {
	st := store.New()
	dir := peers.New(cfg.SelfID)
	for id, addr := range cfg.PeerAddrs {
		dir.Add(id, addr.Hostname, addr.Port)
	}
	if recorder, ok := bus.(transport.PeerRecorder); ok {
		recorder.SetPeers(dir)
	}

	chainCoord := chain.New(cfg.SelfID, cfg.ChainOrder, st, bus)
	chainCoord.EnableBatching(cfg.EnableBatching)
	if cfg.BatchSize > 0 {
		chainCoord.SetBatchSize(cfg.BatchSize)
	}

	quorumCoord := quorum.New(cfg.SelfID, cfg.QuorumNodes, st, bus)
	quorumCoord.EnableAdaptiveQuorum(cfg.EnableAdaptiveQuorum)
	if cfg.OperationTimeout > 0 {
		quorumCoord.SetOperationTimeout(cfg.OperationTimeout)
	}

	c := cache.New(cfg.CacheTTL)

	disp := dispatcher.New(chainCoord, quorumCoord, c)
	disp.EnableAdaptiveSwitching(cfg.AdaptiveSwitching)
	disp.EnableIntelligentRouting(cfg.IntelligentRouting)
	disp.EnableLoadBalancing(cfg.LoadBalancing)
	disp.EnableCaching(cfg.Caching)
	disp.EnableSpeculativeExecution(cfg.SpeculativeExecution)
	disp.EnableRequestBatching(cfg.RequestBatching)
	if cfg.SwitchingThreshold > 0 {
		disp.SetSwitchingThreshold(cfg.SwitchingThreshold)
	}
	disp.SetReadPreference(cfg.ReadPreference)
	disp.SetWritePreference(cfg.WritePreference)

	mon := metrics.New()

	mm := membership.New(cfg.SelfID, dir, bus)
	hbInterval := cfg.HeartbeatInterval
	if hbInterval == 0 {
		hbInterval = defaultHeartbeatInterval
	}
	mm.SetHeartbeatInterval(hbInterval)
	mm.AddFailureHandler(disp)

	heartbeatTimeout := cfg.HeartbeatTimeout
	if heartbeatTimeout == 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}

	batchInterval := cfg.BatchFlushInterval
	if batchInterval == 0 {
		batchInterval = defaultBatchFlushInterval
	}

	n := &Node{
		selfID:             cfg.SelfID,
		bus:                bus,
		store:              st,
		peersDir:           dir,
		chain:              chainCoord,
		quorum:             quorumCoord,
		cache:              c,
		dispatcher:         disp,
		metrics:            mon,
		membership:         mm,
		heartbeatTimeout:   heartbeatTimeout,
		batchFlushInterval: batchInterval,
	}
	bus.SetHandler(n.dispatch)
	return n
}

// Read serves a client read request end to end: dispatch, then metric
// completion.
func (n *Node) Read(key string) (string, bool) {
	id := n.metrics.StartOperation(wire.ReadRequest, key)
	resp := n.dispatcher.ProcessRead(wire.Message{Kind: wire.ReadRequest, Sender: n.selfID, Key: key})
	n.metrics.EndOperation(id, resp.Success, n.dispatcher.CurrentMode(), 1)
	return resp.Value, resp.Success
}

// Write serves a client write request end to end.
func (n *Node) Write(key, value string) bool {
	id := n.metrics.StartOperation(wire.WriteRequest, key)
	resp := n.dispatcher.ProcessWrite(wire.Message{Kind: wire.WriteRequest, Sender: n.selfID, Key: key, Value: value})
	n.metrics.EndOperation(id, resp.Success, n.dispatcher.CurrentMode(), 1)
	return resp.Success
}

// Delete removes a key from the local store directly; deletes are not
// chain- or quorum-replicated.
func (n *Node) Delete(key string) bool {
	return n.store.Delete(key)
}

// SelfID returns this node's cluster id.
func (n *Node) SelfID() uint32 { return n.selfID }

// Store, Peers, Chain, Quorum, Cache, Dispatcher and Metrics expose the
// sub-components directly for the CLI's demo/benchmark modes and for
// tests; production request paths should go through Read/Write/Delete.
func (n *Node) Store() *store.Store                { return n.store }
func (n *Node) Peers() *peers.Directory            { return n.peersDir }
func (n *Node) Chain() *chain.Coordinator          { return n.chain }
func (n *Node) Quorum() *quorum.Coordinator        { return n.quorum }
func (n *Node) Cache() *cache.Cache                { return n.cache }
func (n *Node) Dispatcher() *dispatcher.Dispatcher { return n.dispatcher }
func (n *Node) Metrics() *metrics.Monitor          { return n.metrics }

// PerformanceRecommendations bridges the metrics monitor and the
// dispatcher: it reports the monitor's threshold-based suggestions
// alongside the dispatcher's currently recommended mode.
func (n *Node) PerformanceRecommendations() []string {
	return n.metrics.PerformanceRecommendations(n.dispatcher.CurrentMode())
}

// Start launches the heartbeat emitter, the periodic liveness check, the
// batch flusher, and the expired-proposal sweep. It is idempotent.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	n.membership.Start(ctx)

	n.wg.Add(1)
	go n.backgroundLoop(ctx, n.batchFlushInterval, n.chain.FlushBatch)

	n.wg.Add(1)
	go n.backgroundLoop(ctx, defaultProposalSweep, n.quorum.CleanupExpiredProposals)

	n.wg.Add(1)
	go n.backgroundLoop(ctx, n.heartbeatTimeout/3, func() { n.membership.CheckLiveness(n.heartbeatTimeout) })

	log.Infof("node %d started", n.selfID)
}

// Stop cancels every background goroutine and waits for them to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	cancel := n.cancel
	n.running = false
	n.mu.Unlock()

	cancel()
	n.membership.Stop()
	n.wg.Wait()
	log.Infof("node %d stopped", n.selfID)
}

func (n *Node) backgroundLoop(ctx context.Context, interval time.Duration, fn func()) {
	defer n.wg.Done()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
