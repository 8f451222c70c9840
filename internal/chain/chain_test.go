package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/replkv/hkv/internal/store"
	"github.com/replkv/hkv/internal/transport"
	"github.com/replkv/hkv/internal/wire"
)

func newCluster(t *testing.T, order []uint32) (map[uint32]*Coordinator, map[uint32]*store.Store) {
	hub := transport.NewMemoryHub(order)
	stores := make(map[uint32]*store.Store)
	coords := make(map[uint32]*Coordinator)

	for _, id := range order {
		st := store.New()
		stores[id] = st
		coords[id] = New(id, order, st, hub[id])
	}
	for _, id := range order {
		c := coords[id]
		bus := hub[id]
		bus.SetHandler(func(msg wire.Message) {
			switch msg.Kind {
			case wire.ChainForward:
				c.HandleForward(msg)
			case wire.ChainAck:
				c.HandleAck(msg)
			}
		})
	}
	return coords, stores
}

func TestWriteAtHeadPropagatesToTail(t *testing.T) {
	order := []uint32{1, 2, 3}
	coords, stores := newCluster(t, order)
	coords[1].EnableBatching(false)

	resp := coords[1].ProcessWrite(wire.Message{Key: "k", Value: "v", Sequence: 1, Sender: 1})
	assert.True(t, resp.Success)

	assert.Eventually(t, func() bool {
		v1, _ := stores[1].Read("k")
		v2, _ := stores[2].Read("k")
		v3, _ := stores[3].Read("k")
		return v1 == "v" && v2 == "v" && v3 == "v"
	}, time.Second, 5*time.Millisecond)
}

func TestReadAtTailServesLocally(t *testing.T) {
	order := []uint32{1, 2, 3}
	coords, stores := newCluster(t, order)
	stores[3].Write("k", "v")

	resp := coords[3].ProcessRead(wire.Message{Key: "k", Sequence: 1})
	assert.True(t, resp.Success)
	assert.Equal(t, "v", resp.Value)
}

func TestReadAtMiddleForwardsAndReportsFailureLocally(t *testing.T) {
	order := []uint32{1, 2, 3}
	coords, _ := newCluster(t, order)

	resp := coords[2].ProcessRead(wire.Message{Key: "k", Sequence: 1})
	assert.False(t, resp.Success)
}

func TestWriteAtNonHeadForwardsToHead(t *testing.T) {
	order := []uint32{1, 2, 3}
	coords, _ := newCluster(t, order)

	resp := coords[2].ProcessWrite(wire.Message{Key: "k", Value: "v", Sequence: 1, Sender: 9})
	assert.True(t, resp.Success)
}

func TestEmptyChainWritesAndReadsFail(t *testing.T) {
	st := store.New()
	hub := transport.NewMemoryHub([]uint32{1})
	c := New(1, nil, st, hub[1])

	writeResp := c.ProcessWrite(wire.Message{Key: "k", Value: "v"})
	assert.False(t, writeResp.Success)

	readResp := c.ProcessRead(wire.Message{Key: "k"})
	assert.False(t, readResp.Success)
}

func TestHandleNodeFailureRecomputesPosition(t *testing.T) {
	order := []uint32{1, 2, 3}
	coords, _ := newCluster(t, order)

	coords[3].HandleNodeFailure(2)
	assert.True(t, coords[3].IsTail())
	assert.Equal(t, 2, coords[3].ChainLength())
}

func TestHandleNodeRecoveryAppendsToEnd(t *testing.T) {
	order := []uint32{1, 2}
	coords, _ := newCluster(t, order)

	coords[1].HandleNodeRecovery(3)
	assert.Equal(t, 3, coords[1].ChainLength())
	assert.False(t, coords[1].IsTail())
}

func TestBatchingFlushesAtBatchSize(t *testing.T) {
	order := []uint32{1, 2}
	coords, stores := newCluster(t, order)
	coords[1].EnableBatching(true)
	coords[1].SetBatchSize(2)

	coords[1].ProcessWrite(wire.Message{Key: "a", Value: "1", Sequence: 1})
	_, ok := stores[1].Read("a")
	assert.False(t, ok, "first batched write should not be applied until the batch fills")

	coords[1].ProcessWrite(wire.Message{Key: "b", Value: "2", Sequence: 2})
	v, ok := stores[1].Read("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestUtilizationReflectsPendingWrites(t *testing.T) {
	order := []uint32{1, 2, 3}
	coords, _ := newCluster(t, order)
	coords[1].EnableBatching(false)

	assert.Equal(t, 0.0, coords[1].Utilization())
	coords[1].ProcessWrite(wire.Message{Key: "k", Value: "v", Sequence: 1})
	assert.Greater(t, coords[1].Utilization(), 0.0)
}
