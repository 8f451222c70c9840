package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/replkv/hkv/internal/peers"
	"github.com/replkv/hkv/internal/transport"
	"github.com/replkv/hkv/internal/wire"
)

type recordingHandler struct {
	failed    []uint32
	recovered []uint32
}

func (h *recordingHandler) HandleNodeFailure(id uint32)  { h.failed = append(h.failed, id) }
func (h *recordingHandler) HandleNodeRecovery(id uint32) { h.recovered = append(h.recovered, id) }

func TestStartStopIsGoleakClean(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := peers.New(1)
	dir.Add(2, "localhost", 9002)
	hub := transport.NewMemoryHub([]uint32{1, 2})

	m := New(1, dir, hub[1])
	m.SetHeartbeatInterval(5 * time.Millisecond)
	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	m.Stop()
}

func TestStartTwiceIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := peers.New(1)
	hub := transport.NewMemoryHub([]uint32{1})
	m := New(1, dir, hub[1])
	m.SetHeartbeatInterval(5 * time.Millisecond)

	m.Start(context.Background())
	m.Start(context.Background())
	m.Stop()
}

func TestEmitHeartbeatsReachesActivePeers(t *testing.T) {
	dir := peers.New(1)
	dir.Add(2, "localhost", 9002)
	dir.UpdateStatus(2, true)
	hub := transport.NewMemoryHub([]uint32{1, 2})

	received := make(chan wire.Message, 1)
	hub[2].SetHandler(func(msg wire.Message) { received <- msg })

	m := New(1, dir, hub[1])
	m.emitHeartbeats()

	select {
	case msg := <-received:
		assert.Equal(t, wire.Heartbeat, msg.Kind)
		assert.Equal(t, uint32(1), msg.Sender)
	case <-time.After(time.Second):
		t.Fatal("heartbeat never delivered")
	}
}

func TestHandleHeartbeatFromPreviouslyUnreachablePeerTriggersRecovery(t *testing.T) {
	dir := peers.New(1)
	dir.Add(2, "localhost", 9002)
	dir.UpdateStatus(2, false) // Add marks active by default; start this peer down.
	hub := transport.NewMemoryHub([]uint32{1, 2})

	h := &recordingHandler{}
	m := New(1, dir, hub[1])
	m.AddFailureHandler(h)

	m.HandleHeartbeat(wire.Message{Sender: 2})
	assert.Equal(t, []uint32{2}, h.recovered)
	assert.True(t, dir.IsReachable(2))
}

func TestCheckLivenessMarksStalePeersUnreachableAndNotifies(t *testing.T) {
	dir := peers.New(1)
	dir.Add(2, "localhost", 9002)
	dir.UpdateStatus(2, true)
	hub := transport.NewMemoryHub([]uint32{1, 2})

	h := &recordingHandler{}
	m := New(1, dir, hub[1])
	m.AddFailureHandler(h)

	time.Sleep(2 * time.Millisecond)
	m.CheckLiveness(time.Microsecond)

	assert.Equal(t, []uint32{2}, h.failed)
	assert.False(t, dir.IsReachable(2))
}
