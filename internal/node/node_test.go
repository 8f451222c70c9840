package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/replkv/hkv/internal/transport"
	"github.com/replkv/hkv/internal/wire"
)

func newTestNode(t *testing.T, selfID uint32, ids []uint32, hub map[uint32]*transport.MemoryBus) *Node {
	cfg := Config{
		SelfID:          selfID,
		ChainOrder:      ids,
		QuorumNodes:     ids,
		ReadPreference:  wire.ChainOnly,
		WritePreference: wire.ChainOnly,
		EnableBatching:  false,
	}
	return New(cfg, hub[selfID])
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	ids := []uint32{1}
	hub := transport.NewMemoryHub(ids)
	n := newTestNode(t, 1, ids, hub)

	ok := n.Write("k", "v")
	assert.True(t, ok)

	v, ok := n.Read("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestDeleteRemovesFromLocalStore(t *testing.T) {
	ids := []uint32{1}
	hub := transport.NewMemoryHub(ids)
	n := newTestNode(t, 1, ids, hub)

	n.Write("k", "v")
	assert.True(t, n.Delete("k"))
	_, ok := n.Read("k")
	assert.False(t, ok)
}

func TestStartStopLifecycleIsIdempotent(t *testing.T) {
	ids := []uint32{1}
	hub := transport.NewMemoryHub(ids)
	n := newTestNode(t, 1, ids, hub)

	ctx := context.Background()
	n.Start(ctx)
	n.Start(ctx) // no-op
	time.Sleep(5 * time.Millisecond)
	n.Stop()
	n.Stop() // no-op
}

func TestDispatchRoutesChainForwardToCoordinator(t *testing.T) {
	ids := []uint32{1, 2}
	hub := transport.NewMemoryHub(ids)
	n1 := newTestNode(t, 1, ids, hub)
	n2 := newTestNode(t, 2, ids, hub)
	_ = n1

	n2.dispatch(wire.Message{Kind: wire.ChainForward, Sender: 1, Key: "k", Value: "v", Sequence: 7})

	v, ok := n2.Store().Read("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestDispatchRoutesHeartbeatToMembership(t *testing.T) {
	ids := []uint32{1, 2}
	hub := transport.NewMemoryHub(ids)
	n1 := newTestNode(t, 1, ids, hub)

	n1.Peers().Add(2, "localhost", 9002)
	n1.Peers().UpdateStatus(2, false)

	n1.dispatch(wire.Message{Kind: wire.Heartbeat, Sender: 2})
	assert.True(t, n1.Peers().IsReachable(2))
}

func TestMetricsRecordSuccessfulOperations(t *testing.T) {
	ids := []uint32{1}
	hub := transport.NewMemoryHub(ids)
	n := newTestNode(t, 1, ids, hub)

	n.Write("k", "v")
	n.Read("k")

	assert.Equal(t, uint64(2), n.Metrics().TotalOperations())
}
