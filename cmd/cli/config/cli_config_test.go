package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/errors"
)

func emptyConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatgru.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load(emptyConfigFile(t), nil)
	require.NoError(t, err)

	assert.Equal(t, constants.DefaultNumIters, config.Training.NumIters)
	assert.Equal(t, constants.DefaultNumLayers, config.Model.NumLayers)
	assert.Equal(t, constants.DefaultHiddenSize, config.Model.HiddenSize)
	assert.Equal(t, constants.DefaultBatchSize, config.Training.BatchSize)
	assert.Equal(t, constants.DefaultLearningRate, config.Training.LearningRate)
	assert.Equal(t, constants.DefaultMaxLength, config.Data.MaxLength)
	assert.Equal(t, constants.DefaultDataset, config.Data.Dir)
	assert.Equal(t, constants.DefaultEmbeddingFile, config.Embedding.File)
	assert.False(t, config.Training.TrackingPair)
	assert.Equal(t, "none", config.Storage.Checkpoints)
	assert.NoError(t, config.Validate())
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatgru.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
training:
  num_iters: 4
  batch_size: 16
model:
  hidden_size: 64
storage:
  checkpoints: file
  sinks: [file, influxdb]
  file:
    base_path: /tmp/ckpt
`), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"-n", "7", "--tracking-pair", "-z", "32"}))

	config, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, 7, config.Training.NumIters)
	assert.Equal(t, 16, config.Training.BatchSize)
	assert.Equal(t, 32, config.Model.HiddenSize)
	assert.True(t, config.Training.TrackingPair)
	assert.Equal(t, "file", config.Storage.Checkpoints)
	assert.Equal(t, []string{"file", "influxdb"}, config.Storage.Sinks)
	assert.Equal(t, "/tmp/ckpt", config.Storage.File.BasePath)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("CHATGRU_TRAINING_BATCH_SIZE", "8")

	config, err := Load(emptyConfigFile(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 8, config.Training.BatchSize)
}

func TestLoadReadsHomeConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	assert.Equal(t, filepath.Join(home, ".chatgru.yaml"), DefaultConfigPath())

	config, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultNumIters, config.Training.NumIters)

	require.NoError(t, os.WriteFile(DefaultConfigPath(), []byte("training:\n  num_iters: 3\n"), 0o644))
	config, err = Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, config.Training.NumIters)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	config, err := Load(emptyConfigFile(t), nil)
	require.NoError(t, err)

	config.Model.HiddenSize = 0
	config.Training.BatchSize = 0
	config.Model.Dropout = 1.5
	config.Training.Compression = "lz4"
	config.Embedding.RandomStd = 0

	err = config.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfiguration)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))

	var ve *errors.ValidationErrors
	require.True(t, errors.As(err, &ve))
	fields := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"model.hidden_size", "training.batch_size", "model.dropout", "training.compression", "embedding.random_std"}, fields)
}
