// Package checkpoint holds the per-slot ring of partial backend state
// snapshots used to recover a prompt prefix after sliding-window attention
// has evicted the cells it depended on (spec §3 Checkpoint, §4.4 step 9).
package checkpoint

import (
	"github.com/wireloom/llamaserve/internal/pkg/ringbuffer"
)

// Checkpoint is a partial serialized backend sequence state snapshot,
// covering positions [PosMin, PosMax].
type Checkpoint struct {
	PosMin int
	PosMax int
	Data   []byte
}

// Ring is a per-slot bounded ring of checkpoints, keyed by PosMin so the
// newest snapshot covering a given prefix replaces the old one rather than
// accumulating duplicates. Built directly on the generic ring buffer used
// elsewhere in this codebase for bounded, timestamp-ordered collections.
type Ring struct {
	buf *ringbuffer.RingBuffer[Checkpoint]
}

// NewRing creates a ring holding at most capacity checkpoints
// (slots.n_ctx_checkpoints in config).
func NewRing(capacity int) *Ring {
	return &Ring{buf: ringbuffer.New[Checkpoint](capacity)}
}

// Push records a new checkpoint, keyed by its PosMin.
func (r *Ring) Push(cp Checkpoint) {
	r.buf.Push(int64(cp.PosMin), cp)
}

// NewestBefore returns the checkpoint with the largest PosMin strictly less
// than posMin, used by the scheduler to find the newest snapshot whose
// prefix still fits within the current SWA window (§4.4 step 5).
func (r *Ring) NewestBefore(posMin int) (Checkpoint, bool) {
	var (
		best    Checkpoint
		found   bool
		bestMin = -1
	)

	r.buf.Range(func(ts int64, cp Checkpoint) bool {
		if cp.PosMin < posMin && cp.PosMin > bestMin {
			best = cp
			bestMin = cp.PosMin
			found = true
		}

		return true
	})

	return best, found
}

// Newest returns the checkpoint with the largest PosMax currently held, used
// to decide whether a fresh snapshot is due (must be ≥64 positions ahead).
func (r *Ring) Newest() (Checkpoint, bool) {
	var (
		best     Checkpoint
		found    bool
		bestPosMax = -1
	)

	r.buf.Range(func(ts int64, cp Checkpoint) bool {
		if cp.PosMax > bestPosMax {
			best = cp
			bestPosMax = cp.PosMax
			found = true
		}

		return true
	})

	return best, found
}

// Len reports how many checkpoints are currently held.
func (r *Ring) Len() int { return r.buf.Len() }

// Clear drops all checkpoints, used when a slot is released.
func (r *Ring) Clear() { r.buf.Clear() }

// ShouldCheckpoint decides whether a fresh checkpoint is due: the model
// must use SWA/recurrent/hybrid memory (swaCapable), the new snapshot's
// PosMax must be at least 64, and any existing newest checkpoint must be at
// least 64 positions behind (spec §4.4 step 9).
func (r *Ring) ShouldCheckpoint(swaCapable bool, newPosMax int) bool {
	if !swaCapable || newPosMax < 64 {
		return false
	}

	if newest, ok := r.Newest(); ok {
		return newPosMax-newest.PosMax >= 64
	}

	return true
}
