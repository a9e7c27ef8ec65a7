// Package storage builds the checkpoint store and progress sinks a training
// run writes to.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/internal/storage/implementations/file"
	"github.com/inferloop/chatgru/internal/storage/implementations/influxdb"
	"github.com/inferloop/chatgru/internal/storage/implementations/postgres"
	"github.com/inferloop/chatgru/internal/storage/implementations/redis"
	"github.com/inferloop/chatgru/internal/storage/implementations/s3"
	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/errors"
	"github.com/inferloop/chatgru/pkg/interfaces"
)

// Config selects and configures the storage backends
type Config struct {
	Checkpoints string                  `mapstructure:"checkpoints"` // none, file, s3, redis
	Sinks       []string                `mapstructure:"sinks"`       // file, redis, influxdb, postgres
	File        file.FileStorageConfig  `mapstructure:"file"`
	S3          s3.S3Config             `mapstructure:"s3"`
	Redis       redis.RedisConfig       `mapstructure:"redis"`
	InfluxDB    influxdb.InfluxDBConfig `mapstructure:"influxdb"`
	Postgres    postgres.PostgresConfig `mapstructure:"postgres"`
}

// CheckpointCreateFunc builds a checkpoint store from Config
type CheckpointCreateFunc func(config *Config, logger *logrus.Logger) (interfaces.CheckpointStore, error)

// SinkCreateFunc builds a progress sink from Config
type SinkCreateFunc func(config *Config, logger *logrus.Logger) (interfaces.ProgressSink, error)

// Factory maps backend names to constructors
type Factory struct {
	checkpoints map[string]CheckpointCreateFunc
	sinks       map[string]SinkCreateFunc
	mu          sync.RWMutex
	logger      *logrus.Logger
}

// NewFactory creates a new storage factory with the built-in backends registered
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		checkpoints: make(map[string]CheckpointCreateFunc),
		sinks:       make(map[string]SinkCreateFunc),
		logger:      logger,
	}
	factory.registerDefaults()
	return factory
}

// RegisterCheckpointStore registers a checkpoint backend
func (f *Factory) RegisterCheckpointStore(name string, create CheckpointCreateFunc) error {
	if name == "" {
		return errors.NewConfigurationError(errors.CodeInvalidValue, "Storage type cannot be empty")
	}
	if create == nil {
		return errors.NewConfigurationError(errors.CodeInvalidValue, "Storage create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[name] = create
	return nil
}

// RegisterSink registers a progress sink backend
func (f *Factory) RegisterSink(name string, create SinkCreateFunc) error {
	if name == "" {
		return errors.NewConfigurationError(errors.CodeInvalidValue, "Sink type cannot be empty")
	}
	if create == nil {
		return errors.NewConfigurationError(errors.CodeInvalidValue, "Sink create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[name] = create
	return nil
}

// SupportedCheckpointStores returns the registered checkpoint backends, sorted
func (f *Factory) SupportedCheckpointStores() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.checkpoints)
}

// SupportedSinks returns the registered sink backends, sorted
func (f *Factory) SupportedSinks() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.sinks)
}

// CreateCheckpointStore builds the configured checkpoint store. It returns
// nil when checkpoints are disabled.
func (f *Factory) CreateCheckpointStore(config *Config) (interfaces.CheckpointStore, error) {
	name := config.Checkpoints
	if name == "" || name == constants.StorageTypeNone {
		return nil, nil
	}

	f.mu.RLock()
	create, ok := f.checkpoints[name]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.WrapError(errors.ErrStorageNotSupported, errors.ErrorTypeStorage, errors.CodeUnsupportedType,
			fmt.Sprintf("Storage type '%s' is not supported", name)).
			WithContext("supported", f.SupportedCheckpointStores())
	}

	store, err := create(config, f.logger)
	if err != nil {
		return nil, err
	}
	f.logger.WithField("storage_type", name).Info("Created checkpoint store")
	return store, nil
}

// CreateSinks builds every configured progress sink
func (f *Factory) CreateSinks(config *Config) ([]interfaces.ProgressSink, error) {
	sinks := make([]interfaces.ProgressSink, 0, len(config.Sinks))
	for _, name := range config.Sinks {
		f.mu.RLock()
		create, ok := f.sinks[name]
		f.mu.RUnlock()
		if !ok {
			return nil, errors.WrapError(errors.ErrStorageNotSupported, errors.ErrorTypeStorage, errors.CodeUnsupportedType,
				fmt.Sprintf("Sink type '%s' is not supported", name)).
				WithContext("supported", f.SupportedSinks())
		}

		sink, err := create(config, f.logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		f.logger.WithField("sink_type", name).Info("Created progress sink")
	}
	return sinks, nil
}

// ConnectAll connects every backend and closes the ones already opened on failure
func ConnectAll(ctx context.Context, backends ...interfaces.Storage) error {
	for i, b := range backends {
		if b == nil {
			continue
		}
		if err := b.Connect(ctx); err != nil {
			CloseAll(nil, backends[:i]...)
			return err
		}
	}
	return nil
}

// CloseAll closes every backend, logging failures
func CloseAll(logger *logrus.Logger, backends ...interfaces.Storage) {
	for _, b := range backends {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil && logger != nil {
			logger.WithError(err).Warn("Failed to close storage backend")
		}
	}
}

// CollectMetrics gathers the operation counters of every named backend that
// keeps them. Backends without counters, or whose counters fail, are skipped.
func CollectMetrics(ctx context.Context, backends map[string]interfaces.Storage) map[string]*interfaces.StorageMetrics {
	out := make(map[string]*interfaces.StorageMetrics, len(backends))
	for name, b := range backends {
		reporter, ok := b.(interfaces.MetricsReporter)
		if !ok {
			continue
		}
		if m, err := reporter.GetMetrics(ctx); err == nil && m != nil {
			out[name] = m
		}
	}
	return out
}

func (f *Factory) registerDefaults() {
	f.RegisterCheckpointStore(constants.StorageTypeFile, func(config *Config, logger *logrus.Logger) (interfaces.CheckpointStore, error) {
		return file.NewFileStorage(&config.File, logger)
	})
	f.RegisterCheckpointStore(constants.StorageTypeS3, func(config *Config, logger *logrus.Logger) (interfaces.CheckpointStore, error) {
		return s3.NewS3Storage(&config.S3, logger)
	})
	f.RegisterCheckpointStore(constants.StorageTypeRedis, func(config *Config, logger *logrus.Logger) (interfaces.CheckpointStore, error) {
		return redis.NewRedisStorage(&config.Redis, logger)
	})

	f.RegisterSink(constants.StorageTypeFile, func(config *Config, logger *logrus.Logger) (interfaces.ProgressSink, error) {
		return file.NewFileStorage(&config.File, logger)
	})
	f.RegisterSink(constants.StorageTypeRedis, func(config *Config, logger *logrus.Logger) (interfaces.ProgressSink, error) {
		return redis.NewRedisStorage(&config.Redis, logger)
	})
	f.RegisterSink(constants.SinkTypeInfluxDB, func(config *Config, logger *logrus.Logger) (interfaces.ProgressSink, error) {
		return influxdb.NewInfluxDBStorage(&config.InfluxDB, logger)
	})
	f.RegisterSink(constants.SinkTypePostgres, func(config *Config, logger *logrus.Logger) (interfaces.ProgressSink, error) {
		return postgres.NewPostgresStorage(&config.Postgres, logger)
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
