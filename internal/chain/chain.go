// Package chain implements head/tail chain replication: write forwarding
// from head to tail, acknowledgement propagation back upstream, optional
// write batching at the head, and membership-driven chain repair.
package chain

import (
	"sync"
	"time"

	"github.com/replkv/hkv/internal/errs"
	"github.com/replkv/hkv/internal/logx"
	"github.com/replkv/hkv/internal/store"
	"github.com/replkv/hkv/internal/transport"
	"github.com/replkv/hkv/internal/wire"
)

var log = logx.New("chain")

const defaultBatchSize = 10

// Coordinator owns the chain order and the pending-ACK table. It holds a
// reference to the shared local store and the transport bus, never a
// second coordinator's mutex.
//
// Thread-safe: a single mutex serialises every exported method.
type Coordinator struct {
	mu sync.Mutex

	selfID uint32
	store  *store.Store
	bus    transport.Bus

	order      []uint32
	myPosition int

	batchingEnabled bool
	batchSize       int
	writeBatch      []wire.Message

	pendingWrites map[uint32]wire.Message // keyed by sequence

	nextSeq uint32
}

// New returns a coordinator for selfID with the given initial chain order.
// store and bus are shared collaborators; the coordinator never takes
// their locks while holding its own.
func New(selfID uint32, order []uint32, st *store.Store, bus transport.Bus) *Coordinator {
	c := &Coordinator{
		selfID:          selfID,
		store:           st,
		bus:             bus,
		order:           append([]uint32(nil), order...),
		batchingEnabled: true,
		batchSize:       defaultBatchSize,
		pendingWrites:   make(map[uint32]wire.Message),
	}
	c.findMyPosition()
	log.Infof("chain initialized for node %d at position %d of %d", selfID, c.myPosition, len(c.order))
	return c
}

// EnableBatching toggles write batching at the head.
func (c *Coordinator) EnableBatching(enable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchingEnabled = enable
}

// SetBatchSize sets the batch-size threshold that triggers a flush.
func (c *Coordinator) SetBatchSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.batchSize = n
	}
}

func (c *Coordinator) findMyPosition() {
	for i, id := range c.order {
		if id == c.selfID {
			c.myPosition = i
			return
		}
	}
	c.myPosition = len(c.order)
}

// IsHead reports whether self occupies position 0 of a non-empty chain.
func (c *Coordinator) IsHead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHead()
}

func (c *Coordinator) isHead() bool {
	return c.myPosition == 0 && len(c.order) > 0
}

// IsTail reports whether self occupies the last position of a non-empty
// chain.
func (c *Coordinator) IsTail() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTail()
}

func (c *Coordinator) isTail() bool {
	return len(c.order) > 0 && c.myPosition == len(c.order)-1
}

func (c *Coordinator) successor() (uint32, bool) {
	if c.myPosition+1 < len(c.order) {
		return c.order[c.myPosition+1], true
	}
	return 0, false
}

func (c *Coordinator) predecessor() (uint32, bool) {
	if c.myPosition > 0 && c.myPosition <= len(c.order) {
		return c.order[c.myPosition-1], true
	}
	return 0, false
}

// ChainLength reports the current chain size.
func (c *Coordinator) ChainLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Utilization returns a 0..1 gauge derived from the pending-write table
// size, per the original network manager's chain-utilization metric.
func (c *Coordinator) Utilization() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := float64(len(c.pendingWrites)) / 100.0
	if u > 1 {
		u = 1
	}
	return u
}

// ProcessRead serves a read at the tail; elsewhere it forwards to the tail
// and reports success=false locally, since the real response arrives
// out-of-band via the transport.
func (c *Coordinator) ProcessRead(req wire.Message) wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isTail() {
		if len(c.order) > 0 {
			tail := c.order[len(c.order)-1]
			if err := c.bus.Send(tail, req); err != nil {
				log.Warnf("failed to forward read to tail %d: %v", tail, err)
			}
		}
		return wire.Message{
			Kind: wire.ReadResponse, Sender: c.selfID, Key: req.Key,
			Sequence: req.Sequence, Success: false,
		}
	}

	resp := wire.Message{
		Kind: wire.ReadResponse, Sender: c.selfID, Key: req.Key,
		Sequence: req.Sequence, Timestamp: nowMicros(),
	}
	if v, ok := c.store.Read(req.Key); ok {
		resp.Value = v
		resp.Success = true
	} else {
		resp.Metadata = errs.ErrStoreMiss(req.Key).Error()
	}
	return resp
}

// ProcessWrite forwards to the head when self is not the head; at the
// head it applies the batching or single-write path described in the
// component design.
func (c *Coordinator) ProcessWrite(req wire.Message) wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp := wire.Message{
		Kind: wire.WriteResponse, Sender: c.selfID, Key: req.Key,
		Sequence: req.Sequence, Timestamp: nowMicros(),
	}

	if !c.isHead() {
		if len(c.order) == 0 {
			// No chain to forward into; fail rather than silently drop.
			resp.Success = false
			return resp
		}
		head := c.order[0]
		if err := c.bus.Send(head, req); err != nil {
			log.Warnf("failed to forward write to head %d: %v", head, err)
			resp.Success = false
			return resp
		}
		resp.Success = true // forwarded
		return resp
	}

	if c.batchingEnabled && len(c.writeBatch) < c.batchSize {
		c.writeBatch = append(c.writeBatch, req)
		if len(c.writeBatch) >= c.batchSize {
			c.flushBatch()
		}
		resp.Success = true
		return resp
	}

	c.store.Write(req.Key, req.Value)
	success := true
	if len(c.order) > 1 {
		success = c.forwardWrite(req)
	}
	resp.Success = success
	return resp
}

// FlushBatch forces the current batch out regardless of fill level; the
// periodic batch-flusher (internal/node) calls this at batch_timeout.
func (c *Coordinator) FlushBatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushBatch()
}

func (c *Coordinator) flushBatch() {
	if len(c.writeBatch) == 0 {
		return
	}
	log.Debugf("flushing write batch of size %d", len(c.writeBatch))

	for _, w := range c.writeBatch {
		c.store.Write(w.Key, w.Value)
	}

	if successor, ok := c.successor(); ok {
		for _, w := range c.writeBatch {
			fwd := w.Clone()
			fwd.Kind = wire.ChainForward
			fwd.Sender = c.selfID
			if err := c.bus.Send(successor, fwd); err != nil {
				log.Warnf("failed to forward batched write to %d: %v", successor, err)
			}
			c.pendingWrites[w.Sequence] = w
		}
	}
	c.writeBatch = c.writeBatch[:0]
}

func (c *Coordinator) forwardWrite(req wire.Message) bool {
	successor, ok := c.successor()
	if !ok {
		return c.sendAck(req)
	}

	fwd := req.Clone()
	fwd.Kind = wire.ChainForward
	fwd.Sender = c.selfID

	if err := c.bus.Send(successor, fwd); err != nil {
		log.Warnf("failed to forward write to %d: %v", successor, err)
		return false
	}
	c.pendingWrites[req.Sequence] = req
	return true
}

func (c *Coordinator) sendAck(original wire.Message) bool {
	ack := wire.Message{
		Kind: wire.ChainAck, Sender: c.selfID, Timestamp: nowMicros(),
		Sequence: original.Sequence, Success: true,
	}

	target := original.Sender
	if pred, ok := c.predecessor(); ok {
		target = pred
	}
	if err := c.bus.Send(target, ack); err != nil {
		log.Warnf("failed to send chain ack to %d: %v", target, err)
		return false
	}
	return true
}

// HandleForward applies a CHAIN_FORWARD message locally and continues the
// pipeline to the next successor, or acks upstream when self is the tail.
func (c *Coordinator) HandleForward(msg wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.Write(msg.Key, msg.Value)

	successor, ok := c.successor()
	if !ok {
		c.sendAck(msg)
		return
	}

	fwd := msg.Clone()
	fwd.Kind = wire.ChainForward
	fwd.Sender = c.selfID
	if err := c.bus.Send(successor, fwd); err != nil {
		log.Warnf("failed to relay forwarded write to %d: %v", successor, err)
		return
	}
	c.pendingWrites[msg.Sequence] = msg
}

// HandleAck removes the matching pending-write entry and propagates the
// ACK to the predecessor, or stops if self is the head (the originator).
func (c *Coordinator) HandleAck(msg wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pendingWrites[msg.Sequence]; !ok {
		return
	}
	delete(c.pendingWrites, msg.Sequence)

	if pred, ok := c.predecessor(); ok {
		if err := c.bus.Send(pred, msg); err != nil {
			log.Warnf("failed to propagate ack to %d: %v", pred, err)
		}
	}
}

// UpdateChainOrder replaces the chain sequence and recomputes my_position.
func (c *Coordinator) UpdateChainOrder(order []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append([]uint32(nil), order...)
	c.findMyPosition()
	c.validateIntegrity()
	log.Infof("chain order updated, new position %d", c.myPosition)
}

// HandleNodeFailure removes id from the chain and recomputes position.
func (c *Coordinator) HandleNodeFailure(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.findMyPosition()
	c.validateIntegrity()
}

// HandleNodeRecovery appends id to the end of the chain and recomputes
// position.
func (c *Coordinator) HandleNodeRecovery(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, id)
	c.findMyPosition()
}

func (c *Coordinator) validateIntegrity() bool {
	if len(c.order) == 0 {
		log.Errorf("chain is empty; operating standalone until membership recovers")
		return false
	}
	return true
}

func nowMicros() uint64 { return uint64(time.Now().UnixMicro()) }
