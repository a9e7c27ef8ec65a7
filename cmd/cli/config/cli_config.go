// Package config loads the trainer configuration from defaults, an optional
// YAML file, CHATGRU_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/inferloop/chatgru/internal/storage"
	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/errors"
)

// Config is the full trainer configuration
type Config struct {
	Seed      int64           `mapstructure:"seed"`
	Data      DataConfig      `mapstructure:"data"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Model     ModelConfig     `mapstructure:"model"`
	Training  TrainingConfig  `mapstructure:"training"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Storage   storage.Config  `mapstructure:"storage"`
}

type DataConfig struct {
	Dir             string  `mapstructure:"dir"`
	MaxLength       int     `mapstructure:"max_length"`
	ValidationSplit float64 `mapstructure:"validation_split"`
	MinCount        int     `mapstructure:"min_count"`
	LengthPolicy    string  `mapstructure:"length_policy"`
}

type EmbeddingConfig struct {
	File      string  `mapstructure:"file"`
	Format    string  `mapstructure:"format"`
	OOVInit   string  `mapstructure:"oov_init"`
	RandomStd float64 `mapstructure:"random_std"`
}

type ModelConfig struct {
	HiddenSize     int     `mapstructure:"hidden_size"`
	NumLayers      int     `mapstructure:"num_layers"`
	Dropout        float64 `mapstructure:"dropout"`
	TrainEmbedding bool    `mapstructure:"train_embedding"`
}

type TrainingConfig struct {
	NumIters            int     `mapstructure:"num_iters"`
	BatchSize           int     `mapstructure:"batch_size"`
	LearningRate        float64 `mapstructure:"learning_rate"`
	Clip                float64 `mapstructure:"clip"`
	TeacherForcingRatio float64 `mapstructure:"teacher_forcing"`
	TrackingPair        bool    `mapstructure:"tracking_pair"`
	PrintEvery          int     `mapstructure:"print_every"`
	ValidateEvery       int     `mapstructure:"validate_every"`
	CheckpointEvery     int     `mapstructure:"checkpoint_every"`
	Compression         string  `mapstructure:"compression"`
	NumSamples          int     `mapstructure:"num_samples"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Addr           string        `mapstructure:"addr"` // Empty disables the HTTP server
	ProcessMetrics bool          `mapstructure:"process_metrics"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// flagKeys maps command-line flags onto configuration keys
var flagKeys = map[string]string{
	"seed":            "seed",
	"dataset":         "data.dir",
	"max-length":      "data.max_length",
	"embedding-file":  "embedding.file",
	"hidden-size":     "model.hidden_size",
	"num-layers":      "model.num_layers",
	"dropout":         "model.dropout",
	"train-embedding": "model.train_embedding",
	"num-iters":       "training.num_iters",
	"batch-size":      "training.batch_size",
	"learning-rate":   "training.learning_rate",
	"clip":            "training.clip",
	"teacher-forcing": "training.teacher_forcing",
	"tracking-pair":   "training.tracking_pair",
	"num-samples":     "training.num_samples",
	"log-level":       "log.level",
	"metrics-addr":    "metrics.addr",
}

// RegisterFlags declares the trainer's command-line flags
func RegisterFlags(flags *pflag.FlagSet) {
	flags.Int64("seed", 0, "random seed (0 picks one from the clock)")
	flags.StringP("dataset", "d", constants.DefaultDataset, "dataset directory")
	flags.IntP("max-length", "l", constants.DefaultMaxLength, "maximum sentence length, <eos> included")
	flags.StringP("embedding-file", "e", constants.DefaultEmbeddingFile, "word2vec embedding file (binary, text, optionally gzipped)")
	flags.IntP("hidden-size", "z", constants.DefaultHiddenSize, "GRU hidden size")
	flags.Int("num-layers", constants.DefaultNumLayers, "number of stacked GRU layers")
	flags.Float64("dropout", constants.DefaultDropout, "decoder input dropout probability")
	flags.Bool("train-embedding", false, "update the pre-trained embedding table")
	flags.IntP("num-iters", "n", constants.DefaultNumIters, "number of passes over the training split")
	flags.IntP("batch-size", "b", constants.DefaultBatchSize, "mini-batch size")
	flags.Float64("learning-rate", constants.DefaultLearningRate, "Adam learning rate")
	flags.Float64("clip", constants.DefaultClip, "maximum global gradient norm, 0 disables clipping")
	flags.Float64("teacher-forcing", constants.DefaultTeacherForcingRatio, "probability a batch is decoded with teacher forcing")
	flags.Bool("tracking-pair", false, "print the decoding of one fixed training pair after each iteration")
	flags.Int("num-samples", constants.DefaultNumSamples, "validation pairs decoded after training")
	flags.String("log-level", constants.DefaultLogLevel, "log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "serve /metrics and /status on this address, empty disables")
}

// setDefaults registers every configuration key with its default
func setDefaults(v *viper.Viper) {
	v.SetDefault("seed", 0)

	v.SetDefault("data.dir", constants.DefaultDataset)
	v.SetDefault("data.max_length", constants.DefaultMaxLength)
	v.SetDefault("data.validation_split", constants.DefaultValidationSplit)
	v.SetDefault("data.min_count", constants.DefaultMinCount)
	v.SetDefault("data.length_policy", constants.LengthPolicyDrop)

	v.SetDefault("embedding.file", constants.DefaultEmbeddingFile)
	v.SetDefault("embedding.format", constants.EmbeddingFormatAuto)
	v.SetDefault("embedding.oov_init", constants.OOVInitZero)
	v.SetDefault("embedding.random_std", 0.1)

	v.SetDefault("model.hidden_size", constants.DefaultHiddenSize)
	v.SetDefault("model.num_layers", constants.DefaultNumLayers)
	v.SetDefault("model.dropout", constants.DefaultDropout)
	v.SetDefault("model.train_embedding", false)

	v.SetDefault("training.num_iters", constants.DefaultNumIters)
	v.SetDefault("training.batch_size", constants.DefaultBatchSize)
	v.SetDefault("training.learning_rate", constants.DefaultLearningRate)
	v.SetDefault("training.clip", constants.DefaultClip)
	v.SetDefault("training.teacher_forcing", constants.DefaultTeacherForcingRatio)
	v.SetDefault("training.tracking_pair", false)
	v.SetDefault("training.print_every", constants.DefaultPrintEvery)
	v.SetDefault("training.validate_every", constants.DefaultValidateEvery)
	v.SetDefault("training.checkpoint_every", 1)
	v.SetDefault("training.compression", "gzip")
	v.SetDefault("training.num_samples", constants.DefaultNumSamples)

	v.SetDefault("log.level", constants.DefaultLogLevel)
	v.SetDefault("log.format", constants.DefaultLogFormat)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.process_metrics", true)
	v.SetDefault("metrics.shutdown_grace", 5*time.Second)

	v.SetDefault("storage.checkpoints", constants.StorageTypeNone)
	v.SetDefault("storage.sinks", []string{})
	v.SetDefault("storage.file.base_path", constants.DefaultCheckpointDir)
	v.SetDefault("storage.file.create_dirs", true)
	v.SetDefault("storage.file.keep_last", 3)
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.prefix", constants.DefaultKeyPrefix)
	v.SetDefault("storage.s3.max_retries", 3)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key_prefix", constants.DefaultKeyPrefix)
	v.SetDefault("storage.redis.stream_max_len", 10000)
	v.SetDefault("storage.influxdb.timeout", constants.DefaultStorageTimeout)
	v.SetDefault("storage.postgres.connect_timeout", 10*time.Second)
}

// Load resolves the configuration. cfgFile may be empty, in which case
// $HOME/.chatgru.yaml is read when present. flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile == "" {
		if path := DefaultConfigPath(); path != "" {
			if _, err := os.Stat(path); err == nil {
				cfgFile = path
			}
		}
	}

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeConfigLoadFailed,
						"Failed to bind flag "+name)
				}
			}
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeConfigLoadFailed,
				"Error reading config file").WithContext("path", cfgFile)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeConfigLoadFailed,
			"Error unmarshaling config")
	}
	return config, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	ve := errors.NewValidationErrors()

	if c.Data.Dir == "" {
		ve.Add("data.dir", errors.CodeInvalidValue, "is required", c.Data.Dir)
	}
	if c.Data.MaxLength < 2 {
		ve.Add("data.max_length", errors.CodeOutOfRange, "must be at least 2", c.Data.MaxLength)
	}
	if c.Data.ValidationSplit < 0 || c.Data.ValidationSplit >= 1 {
		ve.Add("data.validation_split", errors.CodeOutOfRange, "must be in [0, 1)", c.Data.ValidationSplit)
	}
	if c.Data.MinCount < 1 {
		ve.Add("data.min_count", errors.CodeOutOfRange, "must be at least 1", c.Data.MinCount)
	}
	if c.Data.LengthPolicy != constants.LengthPolicyDrop && c.Data.LengthPolicy != constants.LengthPolicyTruncate {
		ve.Add("data.length_policy", errors.CodeInvalidValue, "must be drop or truncate", c.Data.LengthPolicy)
	}

	if c.Embedding.File == "" {
		ve.Add("embedding.file", errors.CodeInvalidValue, "is required", c.Embedding.File)
	}
	switch c.Embedding.Format {
	case constants.EmbeddingFormatAuto, constants.EmbeddingFormatBinary, constants.EmbeddingFormatText:
	default:
		ve.Add("embedding.format", errors.CodeInvalidValue, "must be auto, binary or text", c.Embedding.Format)
	}
	if c.Embedding.OOVInit != constants.OOVInitZero && c.Embedding.OOVInit != constants.OOVInitRandom {
		ve.Add("embedding.oov_init", errors.CodeInvalidValue, "must be zero or random", c.Embedding.OOVInit)
	}
	if c.Embedding.RandomStd <= 0 {
		ve.Add("embedding.random_std", errors.CodeOutOfRange, "must be positive", c.Embedding.RandomStd)
	}

	if c.Model.HiddenSize < 1 {
		ve.Add("model.hidden_size", errors.CodeOutOfRange, "must be positive", c.Model.HiddenSize)
	}
	if c.Model.NumLayers < 1 {
		ve.Add("model.num_layers", errors.CodeOutOfRange, "must be positive", c.Model.NumLayers)
	}
	if c.Model.Dropout < 0 || c.Model.Dropout >= 1 {
		ve.Add("model.dropout", errors.CodeOutOfRange, "must be in [0, 1)", c.Model.Dropout)
	}

	t := c.Training
	if t.NumIters < 0 {
		ve.Add("training.num_iters", errors.CodeOutOfRange, "cannot be negative", t.NumIters)
	}
	if t.BatchSize < 1 {
		ve.Add("training.batch_size", errors.CodeOutOfRange, "must be positive", t.BatchSize)
	}
	if t.LearningRate <= 0 {
		ve.Add("training.learning_rate", errors.CodeOutOfRange, "must be positive", t.LearningRate)
	}
	if t.Clip < 0 {
		ve.Add("training.clip", errors.CodeOutOfRange, "cannot be negative", t.Clip)
	}
	if t.TeacherForcingRatio < 0 || t.TeacherForcingRatio > 1 {
		ve.Add("training.teacher_forcing", errors.CodeOutOfRange, "must be in [0, 1]", t.TeacherForcingRatio)
	}
	if t.PrintEvery < 0 || t.ValidateEvery < 0 || t.CheckpointEvery < 0 {
		ve.Add("training.*_every", errors.CodeOutOfRange, "cannot be negative",
			[]int{t.PrintEvery, t.ValidateEvery, t.CheckpointEvery})
	}
	switch t.Compression {
	case "none", "gzip", "zstd":
	default:
		ve.Add("training.compression", errors.CodeInvalidValue, "must be none, gzip or zstd", t.Compression)
	}
	if t.NumSamples < 0 {
		ve.Add("training.num_samples", errors.CodeOutOfRange, "cannot be negative", t.NumSamples)
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		ve.Add("log.format", errors.CodeInvalidValue, "must be text or json", c.Log.Format)
	}

	if ve.HasErrors() {
		return ve.AsAppError()
	}
	return nil
}

// DefaultConfigPath returns the file read when --config is not given, or ""
// when there is no home directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, "."+constants.AppName+".yaml")
}
