package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/replkv/hkv/internal/peers"
	"github.com/replkv/hkv/internal/wire"
)

func TestMemoryBusDeliversToHandler(t *testing.T) {
	hub := NewMemoryHub([]uint32{1, 2})

	received := make(chan wire.Message, 1)
	hub[2].SetHandler(func(msg wire.Message) {
		received <- msg
	})

	err := hub[1].Send(2, wire.Message{Kind: wire.Heartbeat, Sender: 1, Receiver: 2})
	assert.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, uint32(1), msg.Sender)
	case <-time.After(time.Second):
		t.Fatal("message was never delivered")
	}
}

func TestMemoryBusSendToUnknownPeerFails(t *testing.T) {
	hub := NewMemoryHub([]uint32{1, 2})
	err := hub[1].Send(99, wire.Message{})
	assert.Error(t, err)
}

func TestMemoryBusPartitionDropsSends(t *testing.T) {
	hub := NewMemoryHub([]uint32{1, 2})
	hub[2].SetHandler(func(wire.Message) {})
	hub[1].SetPartitioned(true)

	err := hub[1].Send(2, wire.Message{})
	assert.Error(t, err)
}

func TestMemoryBusRecordsSendOutcomeOnRegisteredDirectory(t *testing.T) {
	hub := NewMemoryHub([]uint32{1, 2})
	hub[2].SetHandler(func(wire.Message) {})

	dir := peers.New(1)
	dir.Add(2, "memory", 0)
	hub[1].SetPeers(dir)

	assert.NoError(t, hub[1].Send(2, wire.Message{}))
	assert.Equal(t, 0.0, dir.GetPacketLossRate(2))

	hub[1].SetPartitioned(true)
	assert.Error(t, hub[1].Send(2, wire.Message{}))
	assert.Greater(t, dir.GetPacketLossRate(2), 0.0)
}
