package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingSet_AddContains(t *testing.T) {
	r := NewRingSet(3)
	assert.True(t, r.Add(1))
	assert.True(t, r.Add(2))
	assert.False(t, r.Add(1), "duplicate add should report false")
	assert.True(t, r.Contains(1))
	assert.True(t, r.Contains(2))
	assert.False(t, r.Contains(3))
	assert.Equal(t, 2, r.Len())
}

func TestRingSet_FIFOEviction(t *testing.T) {
	r := NewRingSet(3)
	r.Add(1)
	r.Add(2)
	r.Add(3)
	r.Add(4) // evicts 1

	assert.False(t, r.Contains(1))
	assert.True(t, r.Contains(2))
	assert.True(t, r.Contains(4))
	assert.Equal(t, 3, r.Len())

	r.Add(5) // evicts 2
	assert.False(t, r.Contains(2))
	assert.True(t, r.Contains(3))
}

func TestRingSet_RemoveAndClear(t *testing.T) {
	r := NewRingSet(4)
	r.Add(10)
	r.Add(20)
	r.Remove(10)
	assert.False(t, r.Contains(10))
	assert.Equal(t, 1, r.Len())

	r.Remove(999) // absent id is a no-op

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Contains(20))
	assert.True(t, r.Add(20))
}
