package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteThenRead(t *testing.T) {
	s := New()
	s.Write("k", "v")

	v, ok := s.Read("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestDeleteThenRead(t *testing.T) {
	s := New()
	s.Write("k", "v")
	assert.True(t, s.Delete("k"))

	_, ok := s.Read("k")
	assert.False(t, ok)
}

func TestDeleteAbsentKeyReturnsFalse(t *testing.T) {
	s := New()
	assert.False(t, s.Delete("missing"))
}

func TestWriteIsUnconditionalReplace(t *testing.T) {
	s := New()
	s.Write("k", "v1")
	s.Write("k", "v2")

	v, ok := s.Read("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestSuccessRate(t *testing.T) {
	s := New()
	assert.Equal(t, 1.0, s.SuccessRate())

	s.Write("k", "v")
	s.Read("k")
	s.Read("missing")

	assert.Equal(t, uint64(3), s.Operations())
	assert.InDelta(t, 2.0/3.0, s.SuccessRate(), 1e-9)
}

func TestLen(t *testing.T) {
	s := New()
	s.Write("a", "1")
	s.Write("b", "2")
	assert.Equal(t, 2, s.Len())

	s.Delete("a")
	assert.Equal(t, 1, s.Len())
}
