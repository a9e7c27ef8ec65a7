package training

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/chatgru/internal/model"
)

func TestAdamConvergesOnQuadratic(t *testing.T) {
	w := model.NewParam("w", 1, 2)
	frozen := model.NewParam("frozen", 1, 1)
	frozen.Frozen = true
	frozen.Value.Set(0, 0, 7)
	frozen.Grad.Set(0, 0, 1)

	opt := NewAdamOptimizer(0.1)
	for i := 0; i < 500; i++ {
		w.Grad.Set(0, 0, 2*(w.Value.At(0, 0)-3))
		w.Grad.Set(0, 1, 2*(w.Value.At(0, 1)+1))
		opt.Step([]*model.Param{w, frozen})
	}

	assert.InDelta(t, 3, w.Value.At(0, 0), 5e-2)
	assert.InDelta(t, -1, w.Value.At(0, 1), 5e-2)
	assert.Equal(t, 7.0, frozen.Value.At(0, 0))
	assert.Equal(t, 500, opt.GetTimeStep())
	assert.Equal(t, 0.1, opt.GetLearningRate())
}

func TestDriverStepsDecreaseLoss(t *testing.T) {
	ds := tinyDataset(t)
	d := tinyDriver(t, ds)
	batch, err := NewBatch(ds.Train)
	require.NoError(t, err)

	before, err := d.Evaluate(context.Background(), batch)
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		res, err := d.Step(context.Background(), batch)
		require.NoError(t, err)
		require.False(t, math.IsNaN(res.Loss))
	}
	after, err := d.Evaluate(context.Background(), batch)
	require.NoError(t, err)

	assert.Less(t, after.Loss, before.Loss*0.8)
}
