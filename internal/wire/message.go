// Package wire defines the message envelope carried on every edge of the
// cluster's message bus and its pipe-delimited ASCII encoding.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the message types exchanged between nodes. The numeric
// values for the first eighteen kinds match the wire-level enumeration; the
// chain-path kinds are extensions numbered contiguously after them.
type Kind int

const (
	ReadRequest Kind = iota
	ReadResponse
	WriteRequest
	WriteResponse
	Heartbeat
	NodeFailure
	NodeRecovery
	ChainUpdate
	QuorumPrepare
	QuorumPromise
	QuorumAccept
	QuorumAccepted
	QuorumCommit
	QuorumAbort
	ModeSwitch
	CacheUpdate
	BatchRequest
	BatchResponse
	ChainForward
	ChainAck
)

var kindNames = map[Kind]string{
	ReadRequest:    "READ_REQUEST",
	ReadResponse:   "READ_RESPONSE",
	WriteRequest:   "WRITE_REQUEST",
	WriteResponse:  "WRITE_RESPONSE",
	Heartbeat:      "HEARTBEAT",
	NodeFailure:    "NODE_FAILURE",
	NodeRecovery:   "NODE_RECOVERY",
	ChainUpdate:    "CHAIN_UPDATE",
	QuorumPrepare:  "QUORUM_PREPARE",
	QuorumPromise:  "QUORUM_PROMISE",
	QuorumAccept:   "QUORUM_ACCEPT",
	QuorumAccepted: "QUORUM_ACCEPTED",
	QuorumCommit:   "QUORUM_COMMIT",
	QuorumAbort:    "QUORUM_ABORT",
	ModeSwitch:     "MODE_SWITCH",
	CacheUpdate:    "CACHE_UPDATE",
	BatchRequest:   "BATCH_REQUEST",
	BatchResponse:  "BATCH_RESPONSE",
	ChainForward:   "CHAIN_FORWARD",
	ChainAck:       "CHAIN_ACK",
}

// String returns the name used in logs; unknown kinds print their integer value.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", int(k))
}

// IsRead reports whether a kind represents a read operation.
func (k Kind) IsRead() bool { return k == ReadRequest || k == ReadResponse }

// IsWrite reports whether a kind represents a write operation.
func (k Kind) IsWrite() bool { return k == WriteRequest || k == WriteResponse }

// Mode enumerates the replication disciplines the dispatcher can route to.
type Mode int

const (
	ChainOnly Mode = iota
	QuorumOnly
	Hybrid
)

func (m Mode) String() string {
	switch m {
	case ChainOnly:
		return "CHAIN_ONLY"
	case QuorumOnly:
		return "QUORUM_ONLY"
	case Hybrid:
		return "HYBRID"
	default:
		return fmt.Sprintf("MODE(%d)", int(m))
	}
}

// Message is the tagged envelope carried on every wire edge. The pair
// (Sender, Sequence) uniquely identifies a logical request across its
// lifetime.
type Message struct {
	Kind        Kind
	Sender      uint32
	Receiver    uint32
	Key         string
	Value       string
	Success     bool
	Timestamp   uint64 // microseconds, monotonic
	Sequence    uint32 // per-sender monotone
	Correlation string
	Targets     []uint32
	Metadata    string
}

// Clone returns a shallow copy with a fresh Targets slice, safe to mutate
// independently of the original (used when forwarding a message onward).
func (m Message) Clone() Message {
	c := m
	if len(m.Targets) > 0 {
		c.Targets = append([]uint32(nil), m.Targets...)
	}
	return c
}

// Serialize encodes the message into the eleven-field pipe-delimited wire
// format described by the system's external interface: kind | sender |
// receiver | key | value | success(0/1) | timestamp | sequence |
// correlation | comma-separated targets | metadata. Keys and values must
// not contain the pipe character.
func (m Message) Serialize() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(m.Kind)))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(m.Sender), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(m.Receiver), 10))
	b.WriteByte('|')
	b.WriteString(m.Key)
	b.WriteByte('|')
	b.WriteString(m.Value)
	b.WriteByte('|')
	if m.Success {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(m.Timestamp, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(m.Sequence), 10))
	b.WriteByte('|')
	b.WriteString(m.Correlation)
	b.WriteByte('|')
	for i, t := range m.Targets {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	}
	b.WriteByte('|')
	b.WriteString(m.Metadata)
	return b.String()
}

// Deserialize parses the pipe-delimited wire format produced by Serialize.
// A malformed message yields a non-nil error; the caller is responsible for
// dropping the message and logging at WARN, per the external-interface
// contract.
func Deserialize(data string) (Message, error) {
	// kind, sender, receiver, key, value, success, timestamp, sequence,
	// correlation, targets, metadata: eleven fields, ten pipe separators.
	fields := strings.Split(data, "|")
	if len(fields) != 11 {
		return Message{}, fmt.Errorf("wire: expected 11 fields, got %d", len(fields))
	}

	kindNum, err := strconv.Atoi(fields[0])
	if err != nil {
		return Message{}, fmt.Errorf("wire: invalid kind: %w", err)
	}

	sender, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Message{}, fmt.Errorf("wire: invalid sender: %w", err)
	}

	receiver, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Message{}, fmt.Errorf("wire: invalid receiver: %w", err)
	}

	success := fields[5] == "1"

	timestamp, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("wire: invalid timestamp: %w", err)
	}

	sequence, err := strconv.ParseUint(fields[7], 10, 32)
	if err != nil {
		return Message{}, fmt.Errorf("wire: invalid sequence: %w", err)
	}

	var targets []uint32
	if fields[9] != "" {
		for _, tok := range strings.Split(fields[9], ",") {
			t, err := strconv.ParseUint(tok, 10, 32)
			if err != nil {
				return Message{}, fmt.Errorf("wire: invalid target %q: %w", tok, err)
			}
			targets = append(targets, uint32(t))
		}
	}

	return Message{
		Kind:        Kind(kindNum),
		Sender:      uint32(sender),
		Receiver:    uint32(receiver),
		Key:         fields[3],
		Value:       fields[4],
		Success:     success,
		Timestamp:   timestamp,
		Sequence:    uint32(sequence),
		Correlation: fields[8],
		Targets:     targets,
		Metadata:    fields[10],
	}, nil
}
