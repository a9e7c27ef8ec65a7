package training

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestRunnerZeroIterationsLeavesModelUntouched(t *testing.T) {
	ds := tinyDataset(t)
	d := tinyDriver(t, ds)
	before := paramValues(d.Model())

	r := NewRunner(&RunnerConfig{NumIters: 0, BatchSize: 2, Seed: 1}, d, ds, quietLogger())
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Iterations)
	assert.Zero(t, summary.Steps)
	assert.Zero(t, d.Optimizer().GetTimeStep())
	for i, p := range d.Model().Parameters() {
		assert.True(t, mat.Equal(before[i], p.Value), p.Name)
	}
	assert.Equal(t, StateIdle, r.Status().State)
}

func TestRunnerTrainsValidatesAndCheckpoints(t *testing.T) {
	ds := tinyDataset(t)
	d := tinyDriver(t, ds)
	store := newMemoryStore()
	sink := &memorySink{memoryStore: newMemoryStore()}
	rec := &countingRecorder{}

	r := NewRunner(&RunnerConfig{
		RunID:           "run-a",
		NumIters:        3,
		BatchSize:       2,
		MaxLength:       5,
		PrintEvery:      1,
		CheckpointEvery: 2,
		TrackingPair:    true,
		Seed:            9,
	}, d, ds, quietLogger(),
		WithMetrics(rec), WithCheckpointStore(store), WithProgressSinks(sink))

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	// 5 training pairs in batches of 2
	assert.Equal(t, 3, summary.Iterations)
	assert.Equal(t, 9, summary.Steps)
	assert.Equal(t, 9, rec.steps)
	assert.Equal(t, 9, d.Optimizer().GetTimeStep())
	assert.Greater(t, summary.FinalTrainLoss, 0.0)
	assert.Greater(t, summary.FinalValLoss, 0.0)
	assert.LessOrEqual(t, summary.BestValLoss, summary.FinalValLoss)

	require.Len(t, sink.records, 3)
	for i, m := range sink.records {
		assert.Equal(t, i+1, m.Iteration)
		assert.Equal(t, "run-a", m.RunID)
		assert.True(t, m.HasValLoss)
		assert.Equal(t, 3, m.Batches)
	}
	assert.Len(t, rec.iterations, 3)
	assert.Contains(t, rec.states, string(StateValidating))
	assert.Contains(t, rec.states, string(StateSampling))

	keys, err := store.List(context.Background(), "run-a/")
	require.NoError(t, err)
	assert.Equal(t, []string{CheckpointKey("run-a", 2), CheckpointKey("run-a", 3)}, keys)
	assert.Equal(t, 2, summary.Checkpoints)

	restored := tinyDriver(t, ds).Model()
	data, err := store.Load(context.Background(), CheckpointKey("run-a", 3))
	require.NoError(t, err)
	meta, err := restored.Restore(data)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Iteration)
	for i, p := range d.Model().Parameters() {
		assert.True(t, mat.Equal(p.Value, restored.Parameters()[i].Value), p.Name)
	}

	status := r.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, 3, status.Iteration)
	assert.Equal(t, 3, status.Batch)
	assert.Equal(t, 3, status.NumBatches)
}

func TestRunnerStorageFailuresDoNotStopTraining(t *testing.T) {
	ds := tinyDataset(t)
	d := tinyDriver(t, ds)
	store := newMemoryStore()
	store.fail = true
	sink := &memorySink{memoryStore: newMemoryStore()}
	sink.fail = true
	rec := &countingRecorder{}

	r := NewRunner(&RunnerConfig{NumIters: 2, BatchSize: 5, CheckpointEvery: 1, Seed: 2}, d, ds, quietLogger(),
		WithMetrics(rec), WithCheckpointStore(store), WithProgressSinks(sink))
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Iterations)
	assert.Zero(t, summary.Checkpoints)
	assert.Equal(t, 2, rec.storage["checkpoint/save"])
	assert.Equal(t, 2, rec.storage["memory/record"])
}

func TestRunnerStopsOnCancellation(t *testing.T) {
	ds := tinyDataset(t)
	d := tinyDriver(t, ds)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(&RunnerConfig{NumIters: 5, BatchSize: 2, Seed: 1}, d, ds, quietLogger())
	summary, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.Steps)
	assert.Equal(t, StateIdle, r.Status().State)
}

func TestEvaluateRandomly(t *testing.T) {
	ds := tinyDataset(t)
	d := tinyDriver(t, ds)
	r := NewRunner(&RunnerConfig{NumIters: 1, MaxLength: 4, Seed: 5}, d, ds, quietLogger())

	samples, err := r.EvaluateRandomly(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, samples, len(ds.Validation))

	seen := map[string]bool{}
	for _, s := range samples {
		assert.NotEmpty(t, s.Input)
		assert.NotEmpty(t, s.Target)
		assert.LessOrEqual(t, len(strings.Fields(s.Output)), 4)
		seen[s.Input] = true
	}
	assert.Len(t, seen, len(samples))

	ds.Validation = nil
	samples, err = r.EvaluateRandomly(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}
