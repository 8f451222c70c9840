package peers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddIsReachable(t *testing.T) {
	d := New(1)
	d.Add(2, "host2", 9000)
	assert.True(t, d.IsReachable(2))
	assert.False(t, d.IsReachable(99))
}

func TestUpdateStatusStampsHeartbeat(t *testing.T) {
	d := New(1)
	d.Add(2, "host2", 9000)
	d.UpdateStatus(2, false)
	assert.False(t, d.IsReachable(2))
	assert.Equal(t, uint64(0), d.LastHeartbeat(2))

	d.UpdateStatus(2, true)
	assert.True(t, d.IsReachable(2))
	assert.Greater(t, d.LastHeartbeat(2), uint64(0))
}

func TestRemove(t *testing.T) {
	d := New(1)
	d.Add(2, "host2", 9000)
	d.Remove(2)
	assert.False(t, d.IsReachable(2))
}

func TestLatencyRingMeanAndBound(t *testing.T) {
	d := New(1)
	d.Add(2, "host2", 9000)

	for i := 0; i < latencyRingSize+10; i++ {
		d.RecordLatency(2, 10)
	}
	assert.InDelta(t, 10, d.GetLatency(2), 1e-9)

	d.RecordLatency(2, 0)
	// still within the last-100 window skew, mean should move but stay bounded
	assert.LessOrEqual(t, d.GetLatency(2), 10.0)
}

func TestPacketLossRate(t *testing.T) {
	d := New(1)
	d.Add(2, "host2", 9000)
	assert.Equal(t, 0.0, d.GetPacketLossRate(2))

	d.RecordSend(2, true)
	d.RecordSend(2, false)
	d.RecordSend(2, false)
	assert.InDelta(t, 2.0/3.0, d.GetPacketLossRate(2), 1e-9)
}

func TestActiveCountIncludesSelf(t *testing.T) {
	d := New(1)
	assert.Equal(t, 1, d.ActiveCount())

	d.Add(2, "h", 1)
	d.Add(3, "h", 2)
	assert.Equal(t, 3, d.ActiveCount())

	d.UpdateStatus(3, false)
	assert.Equal(t, 2, d.ActiveCount())
}
