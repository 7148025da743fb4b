package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingNewestBefore(t *testing.T) {
	r := NewRing(4)
	r.Push(Checkpoint{PosMin: 10, PosMax: 20})
	r.Push(Checkpoint{PosMin: 30, PosMax: 50})
	r.Push(Checkpoint{PosMin: 5, PosMax: 12})

	got, ok := r.NewestBefore(25)
	assert.True(t, ok)
	assert.Equal(t, 10, got.PosMin)

	_, ok = r.NewestBefore(4)
	assert.False(t, ok)
}

func TestShouldCheckpoint(t *testing.T) {
	r := NewRing(4)

	assert.False(t, r.ShouldCheckpoint(false, 100))
	assert.False(t, r.ShouldCheckpoint(true, 10))
	assert.True(t, r.ShouldCheckpoint(true, 100))

	r.Push(Checkpoint{PosMin: 0, PosMax: 100})
	assert.False(t, r.ShouldCheckpoint(true, 120))
	assert.True(t, r.ShouldCheckpoint(true, 170))
}

func TestRingEviction(t *testing.T) {
	r := NewRing(2)
	r.Push(Checkpoint{PosMin: 1, PosMax: 1})
	r.Push(Checkpoint{PosMin: 2, PosMax: 2})
	r.Push(Checkpoint{PosMin: 3, PosMax: 3})

	assert.Equal(t, 2, r.Len())
}
