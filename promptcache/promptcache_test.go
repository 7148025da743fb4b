package promptcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloom/llamaserve/token"
)

func tokens(ids ...token.ID) *token.TokenBuf {
	b := token.New(false)
	for _, id := range ids {
		b.PushText(id)
	}

	return b
}

func TestAllocSkipsWhenFullyContained(t *testing.T) {
	ctx := context.Background()
	c := New(1 << 20)

	long := tokens(1, 2, 3, 4, 5)
	_, ok := c.Alloc(ctx, long, 100)
	require.True(t, ok)

	short := tokens(1, 2, 3)
	_, ok = c.Alloc(ctx, short, 50)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestAllocEvictsStrictPrefixes(t *testing.T) {
	ctx := context.Background()
	c := New(1 << 20)

	short := tokens(1, 2, 3)
	_, ok := c.Alloc(ctx, short, 50)
	require.True(t, ok)

	long := tokens(1, 2, 3, 4, 5)
	_, ok = c.Alloc(ctx, long, 100)
	require.True(t, ok)

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.CheckInvariant())
}

func TestLoadRejectsLowFKeep(t *testing.T) {
	ctx := context.Background()
	c := New(1 << 20)

	entry := tokens(1, 2, 3, 4, 5, 6, 7, 8)
	_, ok := c.Alloc(ctx, entry, 100)
	require.True(t, ok)

	newT := tokens(1, 9, 9, 9, 9, 9, 9, 9)
	baseline := tokens()

	_, ok = c.Load(ctx, newT, baseline)
	assert.False(t, ok)
}

func TestLoadPicksBetterThanBaseline(t *testing.T) {
	ctx := context.Background()
	c := New(1 << 20)

	entry := tokens(1, 2, 3, 4, 5)
	_, ok := c.Alloc(ctx, entry, 100)
	require.True(t, ok)

	newT := tokens(1, 2, 3, 4, 9)
	baseline := tokens(1, 2, 7, 7, 7)

	got, ok := c.Load(ctx, newT, baseline)
	require.True(t, ok)
	assert.Equal(t, 5, got.Tokens.Len())
	assert.Equal(t, 0, c.Len())
}

func TestUpdateKeepsAtLeastOneEntry(t *testing.T) {
	ctx := context.Background()
	c := New(10)

	a := tokens(1, 2, 3)
	_, _ = c.Alloc(ctx, a, 5)

	c.Update(ctx)
	assert.Equal(t, 1, c.Len())
}
