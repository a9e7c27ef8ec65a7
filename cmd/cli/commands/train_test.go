package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/chatgru/cmd/cli/config"
	"github.com/inferloop/chatgru/pkg/errors"
)

const (
	sources = "hello there\nhow are you\nwhat is your name\ngood morning\nsee you later\nthank you\n"
	replies = "hi\ni am fine\nmy name is bot\nmorning\nbye\nyou are welcome\n"
	vectors = `6 3
hello 0.1 0.2 0.3
you 0.3 0.1 -0.2
name 0.0 0.5 0.1
good -0.1 0.2 0.4
hi 0.2 -0.3 0.1
bye 0.4 0.4 -0.4
`
)

// fixture writes a tiny dataset and embedding file and returns a config
// that trains a very small model on them.
func fixture(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(data, "chat.src"), []byte(sources), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(data, "chat.tgt"), []byte(replies), 0o644))
	emb := filepath.Join(dir, "vectors.txt")
	require.NoError(t, os.WriteFile(emb, []byte(vectors), 0o644))

	empty := filepath.Join(dir, "chatgru.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("{}\n"), 0o644))
	cfg, err := config.Load(empty, nil)
	require.NoError(t, err)

	cfg.Seed = 11
	cfg.Data.Dir = data
	cfg.Data.MaxLength = 6
	cfg.Data.ValidationSplit = 0.34
	cfg.Embedding.File = emb
	cfg.Model.HiddenSize = 6
	cfg.Model.NumLayers = 1
	cfg.Training.NumIters = 2
	cfg.Training.BatchSize = 2
	cfg.Training.NumSamples = 2
	cfg.Storage.Checkpoints = "file"
	cfg.Storage.Sinks = []string{"file"}
	cfg.Storage.File.BasePath = filepath.Join(dir, "out")
	require.NoError(t, cfg.Validate())
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func TestTrainEndToEnd(t *testing.T) {
	cfg := fixture(t)
	var out bytes.Buffer

	result, err := Train(context.Background(), cfg, quietLogger(), &out)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Summary.Iterations)
	assert.Equal(t, 2, result.Summary.Checkpoints)
	assert.Len(t, result.Samples, 2)
	assert.Equal(t, 2, strings.Count(out.String(), "\n< "))

	ckpts, err := filepath.Glob(filepath.Join(cfg.Storage.File.BasePath, "checkpoints", result.RunID, "*.ckpt"))
	require.NoError(t, err)
	assert.Len(t, ckpts, 2)

	progress, err := os.ReadFile(filepath.Join(cfg.Storage.File.BasePath, "progress", result.RunID+".jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(progress, []byte("\n")))

	require.NotNil(t, result.Info)
	assert.Equal(t, result.RunID, result.Info.RunID)
	assert.Equal(t, result.Dataset.Vocab.Size(), result.Info.VocabSize)
	assert.Equal(t, len(result.Dataset.Train), result.Info.TrainPairs)
	assert.Positive(t, result.Info.Trainable)
	assert.Equal(t, "0.001", result.Info.Hyperparams["learning_rate"])

	require.Contains(t, result.Storage, "checkpoints/file")
	require.Contains(t, result.Storage, "sinks/file")
	assert.Equal(t, int64(2), result.Storage["checkpoints/file"].WriteOperations)
	assert.Equal(t, int64(2), result.Storage["sinks/file"].WriteOperations)
	assert.Zero(t, result.Storage["checkpoints/file"].ErrorCount)
}

func TestTrainZeroIterations(t *testing.T) {
	cfg := fixture(t)
	cfg.Training.NumIters = 0
	cfg.Training.NumSamples = 0

	result, err := Train(context.Background(), cfg, quietLogger(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Zero(t, result.Summary.Steps)
	assert.Zero(t, result.Summary.Checkpoints)
	assert.Empty(t, result.Samples)
}

func TestTrainErrors(t *testing.T) {
	t.Run("missing embedding file", func(t *testing.T) {
		cfg := fixture(t)
		cfg.Embedding.File = filepath.Join(t.TempDir(), "nope.bin")

		_, err := Train(context.Background(), cfg, quietLogger(), &bytes.Buffer{})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrEmbeddingUnreadable)
	})

	t.Run("empty dataset", func(t *testing.T) {
		cfg := fixture(t)
		cfg.Data.Dir = t.TempDir()

		_, err := Train(context.Background(), cfg, quietLogger(), &bytes.Buffer{})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	})

	t.Run("cancelled", func(t *testing.T) {
		cfg := fixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := Train(ctx, cfg, quietLogger(), &bytes.Buffer{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRootCommand(t *testing.T) {
	cfg := fixture(t)
	cfgFile := filepath.Join(t.TempDir(), "chatgru.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("storage:\n  checkpoints: none\n"), 0o644))

	cmd := NewRootCmd("test")
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{
		"--config", cfgFile,
		"-d", cfg.Data.Dir,
		"-e", cfg.Embedding.File,
		"-n", "1",
		"-z", "4",
		"--num-layers", "1",
		"-b", "3",
		"-l", "6",
		"--num-samples", "1",
		"--seed", "5",
		"--log-level", "error",
	})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, stdout.String(), "> ")
}

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	cmd := NewRootCmd("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, cmd.Execute())

	cmd = NewRootCmd("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"-z", "0", "--batch-size=-1"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfiguration)
}

func TestSetupLogger(t *testing.T) {
	logger := SetupLogger("debug", "json")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = SetupLogger("bogus", "text")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
