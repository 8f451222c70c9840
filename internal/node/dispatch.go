package node

import "github.com/replkv/hkv/internal/wire"

// dispatch is the Node's transport.Handler: it routes every inbound wire
// message to the collaborator that owns its kind. This is the message
// loop's single dispatch table — chain forwarding/acks, every Paxos-round
// message, and heartbeats each go to exactly one handler.
func (n *Node) dispatch(msg wire.Message) {
	switch msg.Kind {
	case wire.ReadRequest:
		resp := n.dispatcher.ProcessRead(msg)
		n.reply(msg, resp)
	case wire.WriteRequest:
		resp := n.dispatcher.ProcessWrite(msg)
		n.reply(msg, resp)

	case wire.ChainForward:
		n.chain.HandleForward(msg)
	case wire.ChainAck:
		n.chain.HandleAck(msg)

	case wire.QuorumPrepare:
		n.quorum.HandlePrepare(msg)
	case wire.QuorumPromise:
		n.quorum.HandlePromise(msg)
	case wire.QuorumAccept:
		n.quorum.HandleAccept(msg)
	case wire.QuorumAccepted:
		n.quorum.HandleAccepted(msg)

	case wire.Heartbeat:
		n.membership.HandleHeartbeat(msg)

	case wire.NodeFailure:
		n.dispatcher.HandleNodeFailure(msg.Sender)
	case wire.NodeRecovery:
		n.dispatcher.HandleNodeRecovery(msg.Sender)

	default:
		log.Warnf("no handler registered for message kind %s", msg.Kind)
	}
}

// reply sends a response message back to the original sender over the
// bus; the read/write request path is otherwise synchronous when driven
// through Node.Read/Node.Write directly, so this only matters for
// requests that arrived over the wire from a remote client or peer.
func (n *Node) reply(req, resp wire.Message) {
	if req.Sender == n.selfID {
		return
	}
	resp.Receiver = req.Sender
	if err := n.bus.Send(req.Sender, resp); err != nil {
		log.Warnf("failed to reply to %d: %v", req.Sender, err)
	}
}
