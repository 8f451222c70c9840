// Package quorum implements per-key Paxos-style consensus: proposal
// numbering, prepare/promise and accept/accepted rounds, majority
// arithmetic, adaptive quorum sizing, and per-proposal timeout cleanup.
package quorum

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replkv/hkv/internal/errs"
	"github.com/replkv/hkv/internal/logx"
	"github.com/replkv/hkv/internal/store"
	"github.com/replkv/hkv/internal/transport"
	"github.com/replkv/hkv/internal/wire"
)

var log = logx.New("quorum")

// Phase is a proposal's position in the Paxos round.
type Phase int

const (
	PhasePrepare Phase = iota
	PhaseAccept
	PhaseCommit
)

const pollInterval = 10 * time.Millisecond

// proposalState tracks one in-flight proposal, keyed by proposal number in
// Coordinator.active.
type proposalState struct {
	pn          uint64
	phase       Phase
	key         string
	value       string
	isRead      bool
	promised    map[uint32]bool
	accepted    map[uint32]bool
	startTimeUs uint64
}

func (s *proposalState) hasMajority(quorumSize int) bool {
	return len(s.promised) >= quorumSize
}

func (s *proposalState) hasAcceptMajority(quorumSize int) bool {
	return len(s.accepted) >= quorumSize
}

// Coordinator is the per-node Paxos-style consensus engine.
//
// Thread-safe: a single mutex guards membership and the active-proposals
// table.
type Coordinator struct {
	mu sync.Mutex

	selfID  uint32
	store   *store.Store
	bus     transport.Bus
	members []uint32 // includes self

	quorumSize      int
	adaptiveEnabled bool
	operationTimeoutUs uint64

	active map[uint64]*proposalState

	nextProposal atomic.Uint64
	successes    atomic.Uint64
	failures     atomic.Uint64

	consensusTimesMu sync.Mutex
	consensusTimesMs []float64
}

// New returns a coordinator for selfID over the given membership (which
// must include selfID).
func New(selfID uint32, members []uint32, st *store.Store, bus transport.Bus) *Coordinator {
	c := &Coordinator{
		selfID:              selfID,
		store:               st,
		bus:                 bus,
		members:             append([]uint32(nil), members...),
		adaptiveEnabled:      true,
		operationTimeoutUs:   5_000_000,
		active:               make(map[uint64]*proposalState),
	}
	c.quorumSize = naturalQuorumSize(len(c.members))
	log.Infof("quorum initialized with %d members, quorum size %d", len(c.members), c.quorumSize)
	return c
}

func naturalQuorumSize(n int) int {
	if n == 0 {
		return 0
	}
	return n/2 + 1
}

// EnableAdaptiveQuorum toggles AdjustQuorumSizeBasedOnLoad's effect.
func (c *Coordinator) EnableAdaptiveQuorum(enable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adaptiveEnabled = enable
}

// SetOperationTimeout sets the per-proposal deadline.
func (c *Coordinator) SetOperationTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operationTimeoutUs = uint64(d.Microseconds())
}

// QuorumSize returns the current majority threshold.
func (c *Coordinator) QuorumSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quorumSize
}

// MemberCount returns the number of quorum members, including self.
func (c *Coordinator) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// IsInQuorum reports whether id is a current member.
func (c *Coordinator) IsInQuorum(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.members {
		if m == id {
			return true
		}
	}
	return false
}

// UpdateQuorumNodes replaces the membership and recomputes the natural
// quorum size.
func (c *Coordinator) UpdateQuorumNodes(members []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = append([]uint32(nil), members...)
	c.quorumSize = naturalQuorumSize(len(c.members))
}

// HandleNodeFailure removes id from the quorum and recomputes size,
// applying adaptive sizing if enabled.
func (c *Coordinator) HandleNodeFailure(id uint32) {
	c.mu.Lock()
	for i, m := range c.members {
		if m == id {
			c.members = append(c.members[:i], c.members[i+1:]...)
			break
		}
	}
	c.quorumSize = naturalQuorumSize(len(c.members))
	adaptive := c.adaptiveEnabled
	c.mu.Unlock()

	if adaptive {
		c.AdjustQuorumSizeBasedOnLoad()
	}
}

// HandleNodeRecovery re-appends id to the quorum if absent.
func (c *Coordinator) HandleNodeRecovery(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.members {
		if m == id {
			return
		}
	}
	c.members = append(c.members, id)
	c.quorumSize = naturalQuorumSize(len(c.members))
}

// AdjustQuorumSizeBasedOnLoad recomputes quorum_size from the natural
// majority of the current membership each time it runs: one above natural
// when the consensus success rate drops below 0.80, one below natural
// (floored at 3) when the rate exceeds 0.95, and natural otherwise.
// Clusters smaller than 3 always keep the natural-majority size and are
// never adjusted.
func (c *Coordinator) AdjustQuorumSizeBasedOnLoad() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.adaptiveEnabled {
		return
	}

	if c.successes.Load()+c.failures.Load() == 0 {
		return // no data yet, nothing to adapt to
	}

	n := len(c.members)
	if n < 3 {
		return // natural-majority floor holds for single- and two-node clusters
	}

	rate := c.consensusSuccessRateLocked()
	base := naturalQuorumSize(n)
	size := base

	switch {
	case rate < 0.80:
		size = base + 1
		if size > n {
			size = n
		}
	case rate > 0.95:
		size = base - 1
		if size < 3 {
			size = 3
		}
	}
	if size != c.quorumSize {
		log.Infof("adaptive quorum size adjusted from %d to %d (success rate %.2f)", c.quorumSize, size, rate)
		c.quorumSize = size
	}
}

func (c *Coordinator) consensusSuccessRateLocked() float64 {
	s, f := c.successes.Load(), c.failures.Load()
	total := s + f
	if total == 0 {
		return 0
	}
	return float64(s) / float64(total)
}

// ConsensusSuccessRate returns successes/(successes+failures).
func (c *Coordinator) ConsensusSuccessRate() float64 {
	s, f := c.successes.Load(), c.failures.Load()
	total := s + f
	if total == 0 {
		return 0
	}
	return float64(s) / float64(total)
}

// AverageConsensusTime returns the mean completed-consensus duration in
// milliseconds.
func (c *Coordinator) AverageConsensusTime() float64 {
	c.consensusTimesMu.Lock()
	defer c.consensusTimesMu.Unlock()
	if len(c.consensusTimesMs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range c.consensusTimesMs {
		sum += v
	}
	return sum / float64(len(c.consensusTimesMs))
}

func (c *Coordinator) recordConsensusTime(ms float64) {
	c.consensusTimesMu.Lock()
	c.consensusTimesMs = append(c.consensusTimesMs, ms)
	c.consensusTimesMu.Unlock()
}

// ActiveProposalCount returns the number of in-flight proposals, used by
// tests.
func (c *Coordinator) ActiveProposalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// selectQuorumSubsetLocked returns the targets a PREPARE broadcast should
// reach: the full membership, or — when adaptive sizing is enabled and the
// membership exceeds the quorum size — the first quorum_size members.
func (c *Coordinator) selectQuorumSubsetLocked() []uint32 {
	if !c.adaptiveEnabled || len(c.members) <= c.quorumSize {
		return append([]uint32(nil), c.members...)
	}
	return append([]uint32(nil), c.members[:c.quorumSize]...)
}

// ProcessWrite runs the write-consensus proposer path: single-node fast
// path, or prepare/accept rounds polled at 10 ms granularity until a
// majority accepts or the operation times out. The proposer counts its
// own vote in both phases, so an N=2 cluster only needs its one peer to
// answer.
func (c *Coordinator) ProcessWrite(req wire.Message) wire.Message {
	resp := wire.Message{Kind: wire.WriteResponse, Sender: c.selfID, Key: req.Key, Sequence: req.Sequence, Timestamp: nowMicros()}

	c.mu.Lock()
	n := len(c.members)
	c.mu.Unlock()
	if n <= 1 {
		c.store.Write(req.Key, req.Value)
		c.successes.Add(1)
		resp.Success = true
		return resp
	}

	pn := c.nextProposal.Add(1)
	start := nowMicros()

	st := &proposalState{
		pn: pn, phase: PhasePrepare, key: req.Key, value: req.Value,
		promised: map[uint32]bool{c.selfID: true}, accepted: map[uint32]bool{}, startTimeUs: start,
	}

	c.mu.Lock()
	c.active[pn] = st
	targets := c.selectQuorumSubsetLocked()
	timeoutUs := c.operationTimeoutUs
	c.mu.Unlock()

	for _, t := range targets {
		if t == c.selfID {
			continue
		}
		c.send(t, wire.Message{Kind: wire.QuorumPrepare, Sender: c.selfID, Receiver: t, Key: req.Key, Sequence: uint32(pn)})
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		cur, ok := c.active[pn]
		quorumSize := c.quorumSize
		if ok && cur.phase == PhaseCommit && cur.hasAcceptMajority(quorumSize) {
			delete(c.active, pn)
			c.mu.Unlock()

			c.store.Write(req.Key, req.Value)
			c.successes.Add(1)
			c.recordConsensusTime(float64(nowMicros()-start) / 1000.0)
			resp.Success = true
			return resp
		}
		c.mu.Unlock()

		if nowMicros()-start > timeoutUs {
			c.mu.Lock()
			delete(c.active, pn)
			c.mu.Unlock()
			c.failures.Add(1)
			err := errs.ErrConsensusTimeout(fmt.Sprintf("proposal %d for key %q aged out after %dus", pn, req.Key, timeoutUs))
			log.Warnf("%v", err)
			resp.Success = false
			resp.Metadata = err.Error()
			return resp
		}
		<-ticker.C
	}
}

// ProcessRead runs the read-consensus proposer path: single-node fast
// path, or a prepare-only round — once a majority promises, the value is
// read from the local store and the accept phase is skipped. The proposer
// counts its own promise, so an N=2 cluster only needs its one peer to
// answer.
func (c *Coordinator) ProcessRead(req wire.Message) wire.Message {
	resp := wire.Message{Kind: wire.ReadResponse, Sender: c.selfID, Key: req.Key, Sequence: req.Sequence, Timestamp: nowMicros()}

	c.mu.Lock()
	n := len(c.members)
	c.mu.Unlock()
	if n <= 1 {
		if v, ok := c.store.Read(req.Key); ok {
			resp.Value = v
			resp.Success = true
			c.successes.Add(1)
		} else {
			c.failures.Add(1)
			resp.Metadata = errs.ErrStoreMiss(req.Key).Error()
		}
		return resp
	}

	pn := c.nextProposal.Add(1)
	start := nowMicros()

	st := &proposalState{
		pn: pn, phase: PhasePrepare, key: req.Key, isRead: true,
		promised: map[uint32]bool{c.selfID: true}, accepted: map[uint32]bool{}, startTimeUs: start,
	}

	c.mu.Lock()
	c.active[pn] = st
	targets := c.selectQuorumSubsetLocked()
	timeoutUs := c.operationTimeoutUs
	c.mu.Unlock()

	for _, t := range targets {
		if t == c.selfID {
			continue
		}
		c.send(t, wire.Message{Kind: wire.QuorumPrepare, Sender: c.selfID, Receiver: t, Key: req.Key, Sequence: uint32(pn)})
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		cur, ok := c.active[pn]
		quorumSize := c.quorumSize
		if ok && cur.hasMajority(quorumSize) {
			delete(c.active, pn)
			c.mu.Unlock()

			if v, ok := c.store.Read(req.Key); ok {
				resp.Value = v
				resp.Success = true
				c.successes.Add(1)
				c.recordConsensusTime(float64(nowMicros()-start) / 1000.0)
				return resp
			}
			c.failures.Add(1)
			resp.Metadata = errs.ErrStoreMiss(req.Key).Error()
			return resp
		}
		c.mu.Unlock()

		if nowMicros()-start > timeoutUs {
			c.mu.Lock()
			delete(c.active, pn)
			c.mu.Unlock()
			c.failures.Add(1)
			err := errs.ErrConsensusTimeout(fmt.Sprintf("proposal %d for key %q aged out after %dus", pn, req.Key, timeoutUs))
			log.Warnf("%v", err)
			resp.Success = false
			resp.Metadata = err.Error()
			return resp
		}
		<-ticker.C
	}
}

// HandlePrepare is the acceptor-side PREPARE handler: always promise. A
// stricter Paxos variant would reject promises below the highest
// previously promised proposal number; this implementation treats the
// lenient behaviour as the contract.
func (c *Coordinator) HandlePrepare(msg wire.Message) {
	c.send(msg.Sender, wire.Message{
		Kind: wire.QuorumPromise, Sender: c.selfID, Receiver: msg.Sender,
		Sequence: msg.Sequence, Success: true,
	})
}

// HandlePromise is the proposer-side PROMISE handler: record the sender
// and, once a majority has promised, broadcast ACCEPT to the full
// membership.
func (c *Coordinator) HandlePromise(msg wire.Message) {
	c.mu.Lock()
	st, ok := c.active[uint64(msg.Sequence)]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.promised[msg.Sender] = true

	if st.isRead || st.phase != PhasePrepare || !st.hasMajority(c.quorumSize) {
		c.mu.Unlock()
		return
	}
	st.phase = PhaseAccept
	st.accepted[c.selfID] = true
	key, value, pn := st.key, st.value, st.pn
	targets := append([]uint32(nil), c.members...)
	c.mu.Unlock()

	for _, t := range targets {
		if t == c.selfID {
			continue
		}
		c.send(t, wire.Message{
			Kind: wire.QuorumAccept, Sender: c.selfID, Receiver: t,
			Key: key, Value: value, Sequence: uint32(pn),
		})
	}
}

// HandleAccept is the acceptor-side ACCEPT handler: apply the write
// locally, then reply ACCEPTED.
func (c *Coordinator) HandleAccept(msg wire.Message) {
	c.store.Write(msg.Key, msg.Value)
	c.send(msg.Sender, wire.Message{
		Kind: wire.QuorumAccepted, Sender: c.selfID, Receiver: msg.Sender,
		Sequence: msg.Sequence, Success: true,
	})
}

// HandleAccepted is the proposer-side ACCEPTED handler: record the
// sender and, once a majority has accepted, transition to COMMIT.
func (c *Coordinator) HandleAccepted(msg wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.active[uint64(msg.Sequence)]
	if !ok {
		return
	}
	st.accepted[msg.Sender] = true
	if st.hasAcceptMajority(c.quorumSize) {
		st.phase = PhaseCommit
	}
}

// CleanupExpiredProposals discards active proposals whose age exceeds the
// operation timeout; a periodic background sweep run from internal/node.
func (c *Coordinator) CleanupExpiredProposals() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := nowMicros()
	for pn, st := range c.active {
		if now-st.startTimeUs > c.operationTimeoutUs {
			log.Debugf("cleaning up expired proposal %d", pn)
			delete(c.active, pn)
		}
	}
}

func (c *Coordinator) send(target uint32, msg wire.Message) {
	if err := c.bus.Send(target, msg); err != nil {
		log.Warnf("failed to send %s to %d: %v", msg.Kind, target, err)
	}
}

func nowMicros() uint64 { return uint64(time.Now().UnixMicro()) }
