// Package transport defines the peer-addressed message bus every
// coordinator sends through: a peer-addressed Send plus a
// single inbound delivery callback, per the system's external-collaborator
// boundary. Two implementations are provided: an in-memory bus for tests
// and single-process simulation, and a TCP bus for real deployments.
package transport

import (
	"github.com/replkv/hkv/internal/peers"
	"github.com/replkv/hkv/internal/wire"
)

// Handler is invoked once per inbound message. Exactly one handler is
// registered per bus, matching the node's single inbound-message-loop
// consumer.
type Handler func(msg wire.Message)

// Bus is the transport collaborator's interface. Send returns an error
// when the message cannot be handed to the target, and each
// implementation also feeds the outcome into the peers directory's send
// counters once one is registered. MemoryBus.Send hands delivery to a
// goroutine and returns at once; tcp.Bus.Send dials if needed and writes
// the frame synchronously, retrying on failure, before it returns.
type Bus interface {
	// SetHandler registers the single inbound message handler.
	SetHandler(h Handler)
	// Send enqueues msg for delivery to target and returns without
	// waiting for the remote side to process it.
	Send(target uint32, msg wire.Message) error
	// Close releases any resources the bus holds open.
	Close() error
}

// PeerRecorder is implemented by Bus implementations that can feed send
// outcomes and latency samples into a peers.Directory. Node.New type-asserts
// the bus against this interface after building its directory, so either
// concrete bus starts recording without the Bus interface itself growing a
// method every implementation would have to support (the MemoryBus hub used
// in tests has no meaningful latency to report).
type PeerRecorder interface {
	SetPeers(dir *peers.Directory)
}
