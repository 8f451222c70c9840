// Package membership runs the periodic heartbeat emitter and fans
// failure/recovery transitions into the chain and quorum coordinators.
package membership

import (
	"context"
	"sync"
	"time"

	"github.com/replkv/hkv/internal/logx"
	"github.com/replkv/hkv/internal/peers"
	"github.com/replkv/hkv/internal/transport"
	"github.com/replkv/hkv/internal/wire"
)

var log = logx.New("membership")

const defaultHeartbeatInterval = 30 * time.Second

// FailureHandler is notified when a peer transitions to/from reachable,
// so it can fan the change into replication coordinators.
type FailureHandler interface {
	HandleNodeFailure(id uint32)
	HandleNodeRecovery(id uint32)
}

// Monitor owns the heartbeat emitter goroutine and the directory/failure
// fan-out wiring. It mirrors the original network manager's
// start_heartbeat/stop_heartbeat lifecycle, adapted to a context-scoped
// goroutine instead of a joinable std::thread.
type Monitor struct {
	selfID   uint32
	dir      *peers.Directory
	bus      transport.Bus
	handlers []FailureHandler

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
}

// New returns a Monitor for selfID over dir, sending heartbeats on bus.
func New(selfID uint32, dir *peers.Directory, bus transport.Bus) *Monitor {
	return &Monitor{
		selfID:   selfID,
		dir:      dir,
		bus:      bus,
		interval: defaultHeartbeatInterval,
	}
}

// AddFailureHandler registers a coordinator to be notified of membership
// transitions. internal/node registers only the dispatcher, which fans
// each transition into the chain and quorum coordinators itself;
// registering those coordinators as well would apply every transition
// twice.
func (m *Monitor) AddFailureHandler(h FailureHandler) {
	m.handlers = append(m.handlers, h)
}

// SetHeartbeatInterval overrides the emission period used by the next
// Start call.
func (m *Monitor) SetHeartbeatInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
}

// Start launches the heartbeat emitter goroutine; calling it twice is a
// no-op, mirroring start_heartbeat's running-flag guard.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	interval := m.interval
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	log.Infof("heartbeat started with interval %s", interval)
	go m.heartbeatLoop(ctx, interval)
}

// Stop cancels the heartbeat goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	log.Infof("heartbeat stopped")
}

func (m *Monitor) heartbeatLoop(ctx context.Context, interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emitHeartbeats()
		}
	}
}

func (m *Monitor) emitHeartbeats() {
	msg := wire.Message{Kind: wire.Heartbeat, Sender: m.selfID, Timestamp: nowMicros()}
	for _, id := range m.dir.IDs() {
		if !m.dir.IsReachable(id) {
			continue
		}
		if err := m.bus.Send(id, msg); err != nil {
			log.Warnf("heartbeat to %d failed: %v", id, err)
		}
	}
}

// HandleHeartbeat records receipt of a peer's heartbeat and, if that peer
// was previously marked unreachable, fans a recovery transition into the
// registered handlers.
func (m *Monitor) HandleHeartbeat(msg wire.Message) {
	wasReachable := m.dir.IsReachable(msg.Sender)
	m.dir.UpdateStatus(msg.Sender, true)
	if !wasReachable {
		m.notifyRecovery(msg.Sender)
	}
}

// CheckLiveness marks peers unreachable when their last heartbeat is
// older than staleAfter, fanning a failure transition for each newly
// downed peer. Intended to be called from a periodic ticker alongside the
// heartbeat emitter.
func (m *Monitor) CheckLiveness(staleAfter time.Duration) {
	cutoff := nowMicros() - uint64(staleAfter.Microseconds())
	for _, id := range m.dir.IDs() {
		if !m.dir.IsReachable(id) {
			continue
		}
		if m.dir.LastHeartbeat(id) < cutoff {
			m.dir.UpdateStatus(id, false)
			m.notifyFailure(id)
		}
	}
}

func (m *Monitor) notifyFailure(id uint32) {
	log.Warnf("node %d marked unreachable", id)
	for _, h := range m.handlers {
		h.HandleNodeFailure(id)
	}
}

func (m *Monitor) notifyRecovery(id uint32) {
	log.Infof("node %d recovered", id)
	for _, h := range m.handlers {
		h.HandleNodeRecovery(id)
	}
}

func nowMicros() uint64 { return uint64(time.Now().UnixMicro()) }
