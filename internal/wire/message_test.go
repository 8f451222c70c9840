package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		{
			Kind: WriteRequest, Sender: 1, Receiver: 2, Key: "k", Value: "v",
			Success: true, Timestamp: 123456, Sequence: 7, Correlation: "corr-1",
			Targets: []uint32{2, 3, 4}, Metadata: "meta",
		},
		{
			Kind: ReadRequest, Sender: 0, Receiver: 0, Key: "", Value: "",
			Success: false, Timestamp: 0, Sequence: 0, Correlation: "",
			Targets: nil, Metadata: "",
		},
		{
			Kind: ChainAck, Sender: 3, Receiver: 2, Key: "k2", Value: "",
			Success: true, Timestamp: 99, Sequence: 1, Correlation: "",
			Targets: []uint32{}, Metadata: "",
		},
	}

	for _, m := range cases {
		encoded := m.Serialize()
		decoded, err := Deserialize(encoded)
		assert.NoError(t, err)

		assert.Equal(t, m.Kind, decoded.Kind)
		assert.Equal(t, m.Sender, decoded.Sender)
		assert.Equal(t, m.Receiver, decoded.Receiver)
		assert.Equal(t, m.Key, decoded.Key)
		assert.Equal(t, m.Value, decoded.Value)
		assert.Equal(t, m.Success, decoded.Success)
		assert.Equal(t, m.Timestamp, decoded.Timestamp)
		assert.Equal(t, m.Sequence, decoded.Sequence)
		assert.Equal(t, m.Correlation, decoded.Correlation)
		assert.Equal(t, m.Metadata, decoded.Metadata)
		if len(m.Targets) == 0 {
			assert.Empty(t, decoded.Targets)
		} else {
			assert.Equal(t, m.Targets, decoded.Targets)
		}
	}
}

func TestDeserializeRejectsWrongFieldCount(t *testing.T) {
	_, err := Deserialize("0|1|2|k|v|1|100|1|corr")
	assert.Error(t, err)
}

func TestDeserializeRejectsMalformedNumbers(t *testing.T) {
	_, err := Deserialize("x|1|2|k|v|1|100|1|corr||meta")
	assert.Error(t, err)
}

func TestCloneTargetsAreIndependent(t *testing.T) {
	m := Message{Targets: []uint32{1, 2, 3}}
	c := m.Clone()
	c.Targets[0] = 99
	assert.Equal(t, uint32(1), m.Targets[0])
}

func TestKindHelpers(t *testing.T) {
	assert.True(t, ReadRequest.IsRead())
	assert.True(t, ReadResponse.IsRead())
	assert.False(t, WriteRequest.IsRead())

	assert.True(t, WriteRequest.IsWrite())
	assert.True(t, WriteResponse.IsWrite())
	assert.False(t, ReadRequest.IsWrite())
}

func TestKindAndModeString(t *testing.T) {
	assert.Equal(t, "READ_REQUEST", ReadRequest.String())
	assert.Equal(t, "CHAIN_ONLY", ChainOnly.String())
	assert.Equal(t, "QUORUM_ONLY", QuorumOnly.String())
	assert.Equal(t, "HYBRID", Hybrid.String())
}
