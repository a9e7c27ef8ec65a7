package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/chatgru/internal/preprocess"
	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/errors"
)

func TestNewBatchSortsAndPads(t *testing.T) {
	short := preprocess.Pair{Input: []int{4, 5, 2}, Target: []int{6, 7, 8, 2}}
	long := preprocess.Pair{Input: []int{9, 10, 11, 12, 2}, Target: []int{13, 2}}

	b, err := NewBatch([]preprocess.Pair{short, long})
	require.NoError(t, err)

	assert.Equal(t, []int{5, 3}, b.InputLengths)
	assert.Equal(t, []int{2, 4}, b.TargetLengths)
	assert.Equal(t, 4, b.MaxTargetLength)
	assert.Equal(t, 6, b.NumTokens())
	assert.Equal(t, 2, b.Size())

	require.Len(t, b.Inputs, 5)
	assert.Equal(t, []int{9, 4}, b.Inputs[0])
	assert.Equal(t, []int{11, 2}, b.Inputs[2])
	assert.Equal(t, []int{12, constants.PadIndex}, b.Inputs[3])
	assert.Equal(t, []int{2, constants.PadIndex}, b.Inputs[4])

	require.Len(t, b.Targets, 4)
	assert.Equal(t, []int{constants.PadIndex, 8}, b.Targets[2])
	assert.Equal(t, [][]bool{{true, true}, {true, true}, {false, true}, {false, true}}, b.Mask)
}

func TestNewBatchIsStableAndRejectsEmpty(t *testing.T) {
	a := preprocess.Pair{Input: []int{4, 2}, Target: []int{5, 2}}
	b := preprocess.Pair{Input: []int{6, 2}, Target: []int{7, 2}}
	batch, err := NewBatch([]preprocess.Pair{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6}, batch.Inputs[0])

	_, err = NewBatch(nil)
	assert.ErrorIs(t, err, errors.ErrEmptyBatch)

	_, err = NewBatch([]preprocess.Pair{{Input: []int{4, 2}}})
	assert.Error(t, err)
}
