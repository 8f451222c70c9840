// Package peers maintains the set of known peers: endpoint, liveness,
// last-heartbeat timestamp, a bounded latency history and send/failure
// counters fed by the transport send path. The membership monitor reads
// liveness and heartbeat times; the dispatcher and the quorum coordinator
// do not read this directory.
package peers

import (
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

const latencyRingSize = 100

// entry is one known peer's mutable state.
type entry struct {
	hostname string
	port     uint16
	active   bool

	lastHeartbeatUs uint64

	latencyRing [latencyRingSize]float64
	latencyLen  int
	latencyHead int

	sends   uint64
	fails   uint64
	smoothed metrics.EWMA
}

// Directory is the set of known peers.
//
// Thread-safe: a single mutex guards the entire map and every entry's
// mutable fields.
type Directory struct {
	mu   sync.Mutex
	self uint32
	m    map[uint32]*entry
}

// New returns an empty directory for the node identified by self.
func New(self uint32) *Directory {
	return &Directory{self: self, m: make(map[uint32]*entry)}
}

// Add inserts or replaces a peer, marking it active.
func (d *Directory) Add(id uint32, hostname string, port uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[id] = &entry{
		hostname: hostname,
		port:     port,
		active:   true,
		smoothed: metrics.NewEWMA1(),
	}
}

// Remove erases a peer entirely.
func (d *Directory) Remove(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, id)
}

// IsReachable reports the peer's active flag, or false if unknown.
func (d *Directory) IsReachable(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[id]
	return ok && e.active
}

// UpdateStatus sets a peer's active flag; setting it true stamps
// last_heartbeat_us to now.
func (d *Directory) UpdateStatus(id uint32, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[id]
	if !ok {
		return
	}
	e.active = active
	if active {
		e.lastHeartbeatUs = nowMicros()
	}
}

// LastHeartbeat returns the peer's last_heartbeat_us, or 0 if unknown.
func (d *Directory) LastHeartbeat(id uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[id]
	if !ok {
		return 0
	}
	return e.lastHeartbeatUs
}

// RecordLatency appends a millisecond latency sample to the peer's ring,
// retaining at most the last 100 samples, and updates the smoothed EWMA.
// Called from the send path on every completed send.
func (d *Directory) RecordLatency(id uint32, ms float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[id]
	if !ok {
		return
	}
	e.latencyRing[e.latencyHead] = ms
	e.latencyHead = (e.latencyHead + 1) % latencyRingSize
	if e.latencyLen < latencyRingSize {
		e.latencyLen++
	}
	e.smoothed.Update(int64(ms))
	e.smoothed.Tick()
}

// GetLatency returns the arithmetic mean of the peer's latency ring in
// milliseconds, or 0 if no samples have been recorded.
func (d *Directory) GetLatency(id uint32) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[id]
	if !ok || e.latencyLen == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < e.latencyLen; i++ {
		sum += e.latencyRing[i]
	}
	return sum / float64(e.latencyLen)
}

// GetSmoothedLatency returns the peer's 1-minute-decay EWMA latency
// reading, a supplementary figure alongside the ring mean GetLatency
// returns.
func (d *Directory) GetSmoothedLatency(id uint32) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[id]
	if !ok {
		return 0
	}
	return e.smoothed.Rate()
}

// RecordSend increments the peer's send counter and, on failure, its
// failure counter, feeding GetPacketLossRate.
func (d *Directory) RecordSend(id uint32, success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[id]
	if !ok {
		return
	}
	e.sends++
	if !success {
		e.fails++
	}
}

// GetPacketLossRate returns fails/sends for the peer, or 0 if no sends
// have been recorded yet.
func (d *Directory) GetPacketLossRate(id uint32) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[id]
	if !ok || e.sends == 0 {
		return 0
	}
	return float64(e.fails) / float64(e.sends)
}

// ActiveCount returns the number of peers currently marked active, plus
// self (the directory does not hold an entry for self).
func (d *Directory) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 1
	for _, e := range d.m {
		if e.active {
			n++
		}
	}
	return n
}

// IDs returns every known peer id, in no particular order.
func (d *Directory) IDs() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint32, 0, len(d.m))
	for id := range d.m {
		ids = append(ids, id)
	}
	return ids
}

// Endpoint returns the peer's hostname and port.
func (d *Directory) Endpoint(id uint32) (hostname string, port uint16, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[id]
	if !ok {
		return "", 0, false
	}
	return e.hostname, e.port, true
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
