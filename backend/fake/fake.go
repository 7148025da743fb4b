// Package fake is a deterministic in-memory Backend used by tests and by
// cmd/llamareplay in place of a real tensor runtime.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/token"
)

// Backend is a trivial Backend: it echoes tokens back deterministically
// (next token = last token + 1) and keeps per-sequence state as a plain
// slice of ids, so tests can assert on exact output without a real model.
type Backend struct {
	mu sync.Mutex

	nctx int
	mem  backend.MemoryCapability

	seqs    map[backend.SeqID][]token.ID
	lastLog map[backend.SeqID]token.ID

	// batchLogits records, per seq, one predicted-next-token per WantLogits
	// entry submitted for that seq in the most recent Decode call, in
	// submission order. Sample's batchIndex indexes into this slice rather
	// than into the raw batch, so a caller that puts several logits-bearing
	// entries for the same seq in one Decode call (speculative verification,
	// spec §4.4 step 8) can query each position's prediction independently.
	// Reset at the start of each Decode call, so a slot whose speculative
	// batch got split across a decode retry only sees the last split's
	// logits — an accepted simplification of this fake's bookkeeping, since
	// retry-driven splitting and speculative decoding overlapping in the
	// same tick is rare.
	batchLogits map[backend.SeqID][]token.ID

	// FailDecodeOnce, when > 0, makes the next N Decode calls return
	// DecodeRetryable, simulating transient n_batch overflow.
	FailDecodeOnce int
}

// New creates a fake backend with the given context size and memory
// capability (set IsSWA/CanShift to exercise checkpoint/context-shift
// paths in scheduler tests).
func New(nctx int, mem backend.MemoryCapability) *Backend {
	return &Backend{
		nctx:        nctx,
		mem:         mem,
		seqs:        make(map[backend.SeqID][]token.ID),
		lastLog:     make(map[backend.SeqID]token.ID),
		batchLogits: make(map[backend.SeqID][]token.ID),
	}
}

func (b *Backend) Decode(ctx context.Context, batch backend.Batch) (backend.DecodeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailDecodeOnce > 0 {
		b.FailDecodeOnce--
		return backend.DecodeRetryable, backend.ErrContextSizeExceeded
	}

	touched := make(map[backend.SeqID]bool)

	for _, e := range batch.Entries {
		b.seqs[e.Seq] = append(b.seqs[e.Seq], e.Token)

		if e.WantLogits {
			if !touched[e.Seq] {
				b.batchLogits[e.Seq] = nil
				touched[e.Seq] = true
			}

			b.batchLogits[e.Seq] = append(b.batchLogits[e.Seq], e.Token+1)
			b.lastLog[e.Seq] = e.Token
		}
	}

	return backend.DecodeOK, nil
}

func (b *Backend) SeqRM(seq backend.SeqID, p0, p1 int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.seqs[seq]
	if p1 < 0 || p1 > len(ids) {
		p1 = len(ids)
	}

	if p0 < 0 || p0 > len(ids) || p0 > p1 {
		return fmt.Errorf("fake: seq_rm out of range p0=%d p1=%d len=%d", p0, p1, len(ids))
	}

	b.seqs[seq] = append(ids[:p0], ids[p1:]...)

	return nil
}

func (b *Backend) SeqAdd(seq backend.SeqID, p0, p1, delta int) error {
	// Position bookkeeping for a fake sequence is not tracked separately
	// from token identity, so this is a no-op beyond bounds validation.
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.seqs[seq]; !ok {
		return fmt.Errorf("fake: unknown seq %d", seq)
	}

	return nil
}

func (b *Backend) SeqCp(src, dst backend.SeqID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids, ok := b.seqs[src]
	if !ok {
		return fmt.Errorf("fake: unknown seq %d", src)
	}

	cp := make([]token.ID, len(ids))
	copy(cp, ids)
	b.seqs[dst] = cp

	return nil
}

func (b *Backend) StateGet(seq backend.SeqID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return encodeIDs(b.seqs[seq]), nil
}

func (b *Backend) StateSet(seq backend.SeqID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seqs[seq] = decodeIDs(data)

	return nil
}

func (b *Backend) StateGetPartial(seq backend.SeqID, posMin, posMax int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.seqs[seq]
	if posMin < 0 || posMax > len(ids) || posMin > posMax {
		return nil, fmt.Errorf("fake: partial state range out of bounds")
	}

	return encodeIDs(ids[posMin:posMax]), nil
}

func (b *Backend) StateSetPartial(seq backend.SeqID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seqs[seq] = decodeIDs(data)

	return nil
}

func (b *Backend) Sample(ctx context.Context, seq backend.SeqID, batchIndex int) (token.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if logits := b.batchLogits[seq]; batchIndex >= 0 && batchIndex < len(logits) {
		return logits[batchIndex], nil
	}

	last, ok := b.lastLog[seq]
	if !ok {
		return 0, fmt.Errorf("fake: no logits for seq %d", seq)
	}

	return last + 1, nil
}

func (b *Backend) Tokenize(text string, addSpecial, parseSpecial bool) ([]token.ID, error) {
	ids := make([]token.ID, 0, len(text))
	for _, r := range text {
		ids = append(ids, token.ID(r))
	}

	return ids, nil
}

func (b *Backend) Detokenize(ids []token.ID, special bool) (string, error) {
	runes := make([]rune, 0, len(ids))
	for _, id := range ids {
		if id == token.Media {
			continue
		}

		runes = append(runes, rune(id))
	}

	return string(runes), nil
}

func (b *Backend) Embed(seq backend.SeqID, poolingType string) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.seqs[seq]
	vec := make([]float32, 8)

	for i, id := range ids {
		vec[i%len(vec)] += float32(id)
	}

	if poolingType == "none" {
		out := make([][]float32, len(ids))
		for i := range ids {
			out[i] = vec

		}

		return out, nil
	}

	return [][]float32{vec}, nil
}

func (b *Backend) SetAdapterLoRA(seq backend.SeqID, scales map[string]float32) error {
	return nil
}

func (b *Backend) Memory() backend.MemoryCapability { return b.mem }

func (b *Backend) NCtx() int { return b.nctx }

func (b *Backend) Close() error { return nil }

func encodeIDs(ids []token.ID) []byte {
	out := make([]byte, len(ids)*4)
	for i, id := range ids {
		out[i*4] = byte(id)
		out[i*4+1] = byte(id >> 8)
		out[i*4+2] = byte(id >> 16)
		out[i*4+3] = byte(id >> 24)
	}

	return out
}

func decodeIDs(data []byte) []token.ID {
	n := len(data) / 4
	out := make([]token.ID, n)

	for i := 0; i < n; i++ {
		v := int32(data[i*4]) | int32(data[i*4+1])<<8 | int32(data[i*4+2])<<16 | int32(data[i*4+3])<<24
		out[i] = token.ID(v)
	}

	return out
}
