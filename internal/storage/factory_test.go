package storage

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/chatgru/internal/storage/implementations/file"
	"github.com/inferloop/chatgru/pkg/errors"
	"github.com/inferloop/chatgru/pkg/interfaces"
	"github.com/inferloop/chatgru/pkg/models"
)

func TestFactorySupportedTypes(t *testing.T) {
	f := NewFactory(logrus.New())
	assert.Equal(t, []string{"file", "redis", "s3"}, f.SupportedCheckpointStores())
	assert.Equal(t, []string{"file", "influxdb", "postgres", "redis"}, f.SupportedSinks())
}

func TestFactoryDisabledCheckpoints(t *testing.T) {
	f := NewFactory(nil)

	store, err := f.CreateCheckpointStore(&Config{})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = f.CreateCheckpointStore(&Config{Checkpoints: "none"})
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestFactoryUnsupported(t *testing.T) {
	f := NewFactory(nil)

	_, err := f.CreateCheckpointStore(&Config{Checkpoints: "tape"})
	assert.ErrorIs(t, err, errors.ErrStorageNotSupported)
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, []string{"file", "redis", "s3"}, appErr.Context["supported"])

	_, err = f.CreateSinks(&Config{Sinks: []string{"file", "carrier-pigeon"}})
	assert.ErrorIs(t, err, errors.ErrStorageNotSupported)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, []string{"file", "influxdb", "postgres", "redis"}, appErr.Context["supported"])
}

func TestFactoryBackendValidation(t *testing.T) {
	f := NewFactory(nil)

	_, err := f.CreateCheckpointStore(&Config{Checkpoints: "s3"})
	assert.Error(t, err, "s3 without bucket")

	_, err = f.CreateSinks(&Config{Sinks: []string{"influxdb"}})
	assert.Error(t, err, "influxdb without url")
}

func TestFactoryFileRoundTrip(t *testing.T) {
	f := NewFactory(nil)
	config := &Config{
		Checkpoints: "file",
		Sinks:       []string{"file"},
		File:        file.FileStorageConfig{BasePath: t.TempDir(), CreateDirs: true},
	}

	store, err := f.CreateCheckpointStore(config)
	require.NoError(t, err)
	sinks, err := f.CreateSinks(config)
	require.NoError(t, err)
	require.Len(t, sinks, 1)

	ctx := context.Background()
	backends := []interfaces.Storage{store, sinks[0]}
	require.NoError(t, ConnectAll(ctx, backends...))
	defer CloseAll(nil, backends...)

	require.NoError(t, store.Save(ctx, "run/iter-0001.ckpt", []byte("weights")))
	data, err := store.Load(ctx, "run/iter-0001.ckpt")
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), data)

	require.NoError(t, sinks[0].Record(ctx, &models.IterationMetrics{RunID: "run", Iteration: 1}))
	_, err = store.Load(ctx, "run/missing.ckpt")
	require.ErrorIs(t, err, errors.ErrCheckpointNotFound)

	stats := CollectMetrics(ctx, map[string]interfaces.Storage{
		"checkpoints/file": store,
		"sinks/file":       sinks[0],
		"sinks/bare":       bareBackend{},
	})
	require.Len(t, stats, 2)
	assert.Equal(t, int64(1), stats["checkpoints/file"].WriteOperations)
	assert.Equal(t, int64(len("weights")), stats["checkpoints/file"].BytesWritten)
	assert.Equal(t, int64(1), stats["checkpoints/file"].ReadOperations)
	assert.Equal(t, int64(1), stats["checkpoints/file"].ErrorCount)
	assert.NotEmpty(t, stats["checkpoints/file"].LastError)
	assert.Equal(t, int64(1), stats["sinks/file"].WriteOperations)
	assert.Zero(t, stats["sinks/file"].ErrorCount)
}

type bareBackend struct{}

func (bareBackend) Connect(context.Context) error { return nil }
func (bareBackend) Close() error                  { return nil }
func (bareBackend) Ping(context.Context) error    { return nil }
func (bareBackend) GetInfo(context.Context) (*interfaces.StorageInfo, error) {
	return &interfaces.StorageInfo{Type: "bare"}, nil
}

func TestRegisterValidation(t *testing.T) {
	f := NewFactory(nil)
	assert.Error(t, f.RegisterCheckpointStore("", nil))
	assert.Error(t, f.RegisterSink("x", nil))
}
