package transport

import (
	"fmt"
	"sync"

	"github.com/replkv/hkv/internal/errs"
	"github.com/replkv/hkv/internal/peers"
	"github.com/replkv/hkv/internal/wire"
)

// MemoryBus connects a fixed set of nodes within a single process, used by
// the --demo driver and by coordinator tests that exercise multi-node
// scenarios without sockets.
type MemoryBus struct {
	mu      sync.Mutex
	self    uint32
	peers   map[uint32]*MemoryBus
	handler Handler
	dropAll bool

	dirMu sync.RWMutex
	dir   *peers.Directory
}

// NewMemoryHub creates a connected set of in-memory buses, one per id in
// ids, each wired to every other.
func NewMemoryHub(ids []uint32) map[uint32]*MemoryBus {
	hub := make(map[uint32]*MemoryBus, len(ids))
	for _, id := range ids {
		hub[id] = &MemoryBus{self: id, peers: make(map[uint32]*MemoryBus)}
	}
	for _, a := range hub {
		for id, b := range hub {
			if id != a.self {
				a.peers[id] = b
			}
		}
	}
	return hub
}

func (b *MemoryBus) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// SetPartitioned drops every outbound send when true, simulating a
// network partition for tests.
func (b *MemoryBus) SetPartitioned(dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropAll = dropped
}

// SetPeers registers the directory Send reports outcomes to. In-process
// delivery has no meaningful latency to sample, so only RecordSend fires;
// satisfies transport.PeerRecorder.
func (b *MemoryBus) SetPeers(dir *peers.Directory) {
	b.dirMu.Lock()
	defer b.dirMu.Unlock()
	b.dir = dir
}

func (b *MemoryBus) recordSend(target uint32, success bool) {
	b.dirMu.RLock()
	dir := b.dir
	b.dirMu.RUnlock()
	if dir != nil {
		dir.RecordSend(target, success)
	}
}

func (b *MemoryBus) Send(target uint32, msg wire.Message) error {
	b.mu.Lock()
	peer, ok := b.peers[target]
	dropped := b.dropAll
	b.mu.Unlock()

	if dropped {
		b.recordSend(target, false)
		return errs.ErrTransport(fmt.Sprintf("node %d is partitioned", b.self))
	}
	if !ok {
		b.recordSend(target, false)
		return errs.ErrTransport(fmt.Sprintf("unknown peer %d", target))
	}

	peer.mu.Lock()
	h := peer.handler
	peer.mu.Unlock()
	if h == nil {
		b.recordSend(target, false)
		return errs.ErrTransport(fmt.Sprintf("peer %d has no registered handler", target))
	}
	go h(msg.Clone())
	b.recordSend(target, true)
	return nil
}

func (b *MemoryBus) Close() error { return nil }
