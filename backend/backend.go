// Package backend declares the opaque tensor-runtime collaborator the
// scheduler drives. The runtime itself (model loading, attention, sampling
// math) is out of scope (spec §1 "Explicitly out of scope"); this package
// is the seam an implementation plugs a real backend into.
package backend

import (
	"context"
	"errors"

	"github.com/wireloom/llamaserve/token"
)

// SeqID is the backend's sequence id, used to tag KV cells as belonging to
// one slot. Per spec, the slot id IS the sequence id.
type SeqID int32

// BatchEntry is one (token, position, sequence, logits?) tuple submitted to
// Decode, mirroring the glossary's definition of Batch.
type BatchEntry struct {
	Token    token.ID
	Pos      int
	Seq      SeqID
	WantLogits bool
}

// Batch is a flat list of entries passed to the backend per decode call.
type Batch struct {
	Entries []BatchEntry
}

// DecodeResult classifies Decode's return per spec §4.4 step 6.
type DecodeResult int

const (
	DecodeOK DecodeResult = iota
	DecodeContextFull    // ret == 1 with a single-token batch
	DecodeInvalidBatch   // ret == -1
	DecodeComputeError   // ret < -1
	DecodeRetryable      // ret == 1 with a larger batch: halve n_batch and retry
)

var (
	ErrContextSizeExceeded = errors.New("backend: context size exceeded")
	ErrInvalidBatch        = errors.New("backend: invalid batch")
	ErrComputeError        = errors.New("backend: compute error")
)

// MemoryCapability describes what a loaded model's KV memory supports.
type MemoryCapability struct {
	CanShift bool // supports context-shift (remove+left-shift cells)
	IsSWA    bool // sliding-window / recurrent / hybrid: checkpoints matter
}

// Backend is the opaque tensor runtime. One implementation wraps the real
// inference engine; another (see backend/fake) is a deterministic stand-in
// used by tests and by cmd/llamareplay.
type Backend interface {
	// Decode runs one forward pass over batch. The returned DecodeResult
	// tells the scheduler how to react; err carries the underlying cause
	// when it is not DecodeOK.
	Decode(ctx context.Context, batch Batch) (DecodeResult, error)

	// SeqRM removes KV cells of seq in [p0, p1). p1 < 0 means "to the end".
	SeqRM(seq SeqID, p0, p1 int) error
	// SeqAdd shifts KV cells of seq in [p0, p1) by delta positions.
	SeqAdd(seq SeqID, p0, p1, delta int) error
	// SeqCp copies KV cells from src to dst, used for parent->child fan-out.
	SeqCp(src, dst SeqID) error

	// StateGet serializes seq's full KV state.
	StateGet(seq SeqID) ([]byte, error)
	// StateSet restores seq's KV state from a previous StateGet.
	StateSet(seq SeqID, data []byte) error
	// StateGetPartial serializes only cells in [posMin, posMax), used for
	// checkpointing.
	StateGetPartial(seq SeqID, posMin, posMax int) ([]byte, error)
	// StateSetPartial restores a partial checkpoint taken by
	// StateGetPartial.
	StateSetPartial(seq SeqID, data []byte) error

	// Sample picks one token for the batch entry at batchIndex using the
	// sampler bound to seq; accepting it is the caller's responsibility.
	Sample(ctx context.Context, seq SeqID, batchIndex int) (token.ID, error)

	// Tokenize converts text to vocabulary ids.
	Tokenize(text string, addSpecial, parseSpecial bool) ([]token.ID, error)
	// Detokenize renders ids back to text.
	Detokenize(ids []token.ID, special bool) (string, error)

	// Embed returns the embedding vector for seq, pooled per poolingType
	// ("none" returns one vector per token).
	Embed(seq SeqID, poolingType string) ([][]float32, error)

	// SetAdapterLoRA applies the given adapter scales to seq ahead of the
	// next decode (spec §5: "the source of truth" between batches).
	SetAdapterLoRA(seq SeqID, scales map[string]float32) error

	// Memory reports the loaded model's KV memory capabilities.
	Memory() MemoryCapability

	// NCtx is the model's trained/configured context window.
	NCtx() int

	// Close releases all backend resources in reverse order of
	// allocation (spec §9 "Scoped resources").
	Close() error
}
