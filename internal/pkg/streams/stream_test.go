package streams

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSlice(t *testing.T) {
	s := FromSlice([]int{1, 2, 3})

	got, err := All[int](s)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestFromFunc(t *testing.T) {
	i := 0
	s := FromFunc(func() (int, bool, error) {
		if i >= 3 {
			return 0, false, nil
		}

		i++

		return i, true, nil
	})

	got, err := All[int](s)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestFromFuncError(t *testing.T) {
	boom := errors.New("boom")
	s := FromFunc(func() (int, bool, error) {
		return 0, false, boom
	})

	_, err := All[int](s)
	assert.ErrorIs(t, err, boom)
}
