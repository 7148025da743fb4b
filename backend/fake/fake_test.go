package fake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/token"
)

func TestSampleFallsBackToLastLogWhenNoBatchLogits(t *testing.T) {
	b := New(2048, backend.MemoryCapability{})
	ctx := context.Background()

	_, err := b.Decode(ctx, backend.Batch{Entries: []backend.BatchEntry{
		{Token: 5, Pos: 0, Seq: 1, WantLogits: true},
	}})
	require.NoError(t, err)

	id, err := b.Sample(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, token.ID(6), id)

	// An out-of-range batchIndex still falls back to lastLog+1 rather than
	// erroring, matching every pre-existing single-entry-per-tick call site.
	id, err = b.Sample(ctx, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, token.ID(6), id)
}

func TestSampleIndexesPerSeqLogitsWithinOneDecodeCall(t *testing.T) {
	b := New(2048, backend.MemoryCapability{})
	ctx := context.Background()

	// Speculative verification submits several WantLogits entries for the
	// same seq in one Decode call (the main entry plus each drafted
	// position); Sample's batchIndex must resolve each independently.
	_, err := b.Decode(ctx, backend.Batch{Entries: []backend.BatchEntry{
		{Token: 10, Pos: 0, Seq: 1, WantLogits: true},
		{Token: 11, Pos: 1, Seq: 1, WantLogits: true},
		{Token: 12, Pos: 2, Seq: 1, WantLogits: true},
	}})
	require.NoError(t, err)

	id0, err := b.Sample(ctx, 1, 0)
	require.NoError(t, err)
	id1, err := b.Sample(ctx, 1, 1)
	require.NoError(t, err)
	id2, err := b.Sample(ctx, 1, 2)
	require.NoError(t, err)

	assert.Equal(t, token.ID(11), id0)
	assert.Equal(t, token.ID(12), id1)
	assert.Equal(t, token.ID(13), id2)
}

func TestDecodeResetsBatchLogitsPerSeqEachCall(t *testing.T) {
	b := New(2048, backend.MemoryCapability{})
	ctx := context.Background()

	_, err := b.Decode(ctx, backend.Batch{Entries: []backend.BatchEntry{
		{Token: 1, Pos: 0, Seq: 1, WantLogits: true},
		{Token: 2, Pos: 1, Seq: 1, WantLogits: true},
	}})
	require.NoError(t, err)

	// A later Decode call touching the same seq with fewer WantLogits
	// entries should leave only its own entries visible, not append onto
	// the previous call's leftovers.
	_, err = b.Decode(ctx, backend.Batch{Entries: []backend.BatchEntry{
		{Token: 99, Pos: 2, Seq: 1, WantLogits: true},
	}})
	require.NoError(t, err)

	id, err := b.Sample(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, token.ID(100), id)

	_, err = b.Sample(ctx, 1, 1)
	assert.NoError(t, err) // falls back to lastLog+1, not an error
}

func TestSeqCpDeepCopiesTokens(t *testing.T) {
	b := New(2048, backend.MemoryCapability{})
	ctx := context.Background()

	_, err := b.Decode(ctx, backend.Batch{Entries: []backend.BatchEntry{
		{Token: 1, Pos: 0, Seq: 1, WantLogits: false},
		{Token: 2, Pos: 1, Seq: 1, WantLogits: false},
	}})
	require.NoError(t, err)

	require.NoError(t, b.SeqCp(1, 2))
	require.NoError(t, b.SeqRM(1, 0, 1))

	assert.Equal(t, []token.ID{2}, b.seqs[1])
	assert.Equal(t, []token.ID{1, 2}, b.seqs[2])
}
