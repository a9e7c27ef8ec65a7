package redis

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/pkg/errors"
	"github.com/inferloop/chatgru/pkg/interfaces"
	"github.com/inferloop/chatgru/pkg/models"
)

const backend = "redis"

// RedisConfig holds configuration for Redis storage
type RedisConfig struct {
	Addr          string        `json:"addr" mapstructure:"addr"`
	Password      string        `json:"password" mapstructure:"password"`
	DB            int           `json:"db" mapstructure:"db"`
	DialTimeout   time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout   time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PoolSize      int           `json:"pool_size" mapstructure:"pool_size"`
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	KeyPrefix     string        `json:"key_prefix" mapstructure:"key_prefix"`
	StreamMaxLen  int64         `json:"stream_max_len" mapstructure:"stream_max_len"`
	UseClustering bool          `json:"use_clustering" mapstructure:"use_clustering"`
	ClusterAddrs  []string      `json:"cluster_addrs" mapstructure:"cluster_addrs"`
}

// RedisStorage keeps checkpoints as plain string values and appends
// iteration metrics to a per-run stream.
type RedisStorage struct {
	config  *RedisConfig
	client  redis.UniversalClient
	logger  *logrus.Logger
	mu      sync.RWMutex
	metrics *storageMetrics
	closed  bool
}

type storageMetrics struct {
	readOps    int64
	writeOps   int64
	deleteOps  int64
	errorCount int64
	lastError  string
	mu         sync.Mutex
}

// NewRedisStorage creates a new Redis storage instance
func NewRedisStorage(config *RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Redis config cannot be nil")
	}
	if config.Addr == "" && len(config.ClusterAddrs) == 0 {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Redis address or cluster addresses are required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &RedisStorage{
		config:  config,
		logger:  logger,
		metrics: &storageMetrics{},
	}, nil
}

// Connect establishes connection to Redis
func (r *RedisStorage) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	var client redis.UniversalClient
	if r.config.UseClustering && len(r.config.ClusterAddrs) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        r.config.ClusterAddrs,
			Password:     r.config.Password,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MaxRetries:   r.config.MaxRetries,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         r.config.Addr,
			Password:     r.config.Password,
			DB:           r.config.DB,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MaxRetries:   r.config.MaxRetries,
		})
	}

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to Redis")
	}

	r.client = client
	r.closed = false

	r.logger.WithFields(logrus.Fields{
		"addr":       r.config.Addr,
		"db":         r.config.DB,
		"clustering": r.config.UseClustering,
	}).Info("Connected to Redis")
	return nil
}

// Close closes the Redis connection
func (r *RedisStorage) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.client == nil {
		r.closed = true
		return nil
	}

	err := r.client.Close()
	r.client = nil
	r.closed = true
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "Failed to close Redis connection")
	}

	r.logger.Info("Redis connection closed")
	return nil
}

// Ping tests the Redis connection
func (r *RedisStorage) Ping(ctx context.Context) error {
	client, err := r.conn()
	if err != nil {
		return err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		r.recordError(err)
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Redis ping failed")
	}
	return nil
}

// GetInfo returns information about the Redis storage
func (r *RedisStorage) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	version := "unknown"
	if client, err := r.conn(); err == nil {
		if info, err := client.Info(ctx, "server").Result(); err == nil {
			version = parseVersion(info)
		}
	}

	return &interfaces.StorageInfo{
		Type:        backend,
		Version:     version,
		Name:        "Redis Checkpoint Storage",
		Description: "Checkpoints as string keys, iteration metrics as streams",
		Features:    []string{"key-value", "streams", "ttl", "clustering"},
		Configuration: map[string]interface{}{
			"addr":       r.config.Addr,
			"db":         r.config.DB,
			"key_prefix": r.config.KeyPrefix,
			"ttl":        r.config.TTL.String(),
			"clustering": r.config.UseClustering,
		},
	}, nil
}

// Save stores a checkpoint under key. A zero TTL keeps it forever.
func (r *RedisStorage) Save(ctx context.Context, key string, data []byte) error {
	client, err := r.conn()
	if err != nil {
		return err
	}

	start := time.Now()
	redisKey := r.generateCheckpointKey(key)
	if err := client.Set(ctx, redisKey, data, r.config.TTL).Err(); err != nil {
		r.recordError(err)
		return errors.WrapStorageError(err, backend, "save", redisKey).WithDuration(time.Since(start))
	}

	r.metrics.mu.Lock()
	r.metrics.writeOps++
	r.metrics.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"key":   redisKey,
		"bytes": len(data),
	}).Debug("Stored checkpoint")
	return nil
}

// Load returns the checkpoint stored under key
func (r *RedisStorage) Load(ctx context.Context, key string) ([]byte, error) {
	client, err := r.conn()
	if err != nil {
		return nil, err
	}

	redisKey := r.generateCheckpointKey(key)
	data, err := client.Get(ctx, redisKey).Bytes()
	if err == redis.Nil {
		return nil, errors.WrapStorageError(errors.ErrCheckpointNotFound, backend, "load", redisKey)
	}
	if err != nil {
		r.recordError(err)
		return nil, errors.WrapStorageError(err, backend, "load", redisKey)
	}

	r.metrics.mu.Lock()
	r.metrics.readOps++
	r.metrics.mu.Unlock()
	return data, nil
}

// Delete removes the checkpoint stored under key
func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	client, err := r.conn()
	if err != nil {
		return err
	}

	redisKey := r.generateCheckpointKey(key)
	if err := client.Del(ctx, redisKey).Err(); err != nil {
		r.recordError(err)
		return errors.WrapStorageError(err, backend, "delete", redisKey)
	}

	r.metrics.mu.Lock()
	r.metrics.deleteOps++
	r.metrics.mu.Unlock()
	return nil
}

// List returns the checkpoint keys starting with prefix
func (r *RedisStorage) List(ctx context.Context, prefix string) ([]string, error) {
	client, err := r.conn()
	if err != nil {
		return nil, err
	}

	pattern := r.listPattern(prefix)
	var (
		mu   sync.Mutex
		keys []string
	)
	scan := func(ctx context.Context, node redis.Cmdable) error {
		iter := node.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			mu.Lock()
			keys = append(keys, r.extractKey(iter.Val()))
			mu.Unlock()
		}
		return iter.Err()
	}

	// A cluster client scans a single node, so walk every master.
	if cluster, ok := client.(*redis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return scan(ctx, node)
		})
	} else {
		err = scan(ctx, client)
	}
	if err != nil {
		r.recordError(err)
		return nil, errors.WrapStorageError(err, backend, "list", pattern)
	}

	sort.Strings(keys)
	return keys, nil
}

// listPattern is the SCAN MATCH pattern for keys under prefix, with glob
// metacharacters in the key escaped.
func (r *RedisStorage) listPattern(prefix string) string {
	return globEscaper.Replace(r.generateCheckpointKey(prefix)) + "*"
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// Record appends one iteration's metrics to the run's stream
func (r *RedisStorage) Record(ctx context.Context, m *models.IterationMetrics) error {
	client, err := r.conn()
	if err != nil {
		return err
	}

	streamKey := r.generateStreamKey(m.RunID)
	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: streamValues(m),
	}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}

	if err := client.XAdd(ctx, args).Err(); err != nil {
		r.recordError(err)
		return errors.WrapStorageError(err, backend, "record", streamKey)
	}

	r.metrics.mu.Lock()
	r.metrics.writeOps++
	r.metrics.mu.Unlock()
	return nil
}

// GetMetrics returns storage metrics
func (r *RedisStorage) GetMetrics(ctx context.Context) (*interfaces.StorageMetrics, error) {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()

	return &interfaces.StorageMetrics{
		ReadOperations:   r.metrics.readOps,
		WriteOperations:  r.metrics.writeOps,
		DeleteOperations: r.metrics.deleteOps,
		ErrorCount:       r.metrics.errorCount,
		LastError:        r.metrics.lastError,
	}, nil
}

func (r *RedisStorage) conn() (redis.UniversalClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.client == nil {
		return nil, errors.NewStorageError(errors.CodeConnectionFailed, "Redis not connected")
	}
	return r.client, nil
}

func (r *RedisStorage) recordError(err error) {
	r.metrics.mu.Lock()
	r.metrics.errorCount++
	r.metrics.lastError = err.Error()
	r.metrics.mu.Unlock()
}

func (r *RedisStorage) generateCheckpointKey(key string) string {
	if r.config.KeyPrefix != "" {
		return r.config.KeyPrefix + ":checkpoint:" + key
	}
	return "checkpoint:" + key
}

func (r *RedisStorage) extractKey(redisKey string) string {
	return strings.TrimPrefix(redisKey, r.generateCheckpointKey(""))
}

func (r *RedisStorage) generateStreamKey(runID string) string {
	if r.config.KeyPrefix != "" {
		return r.config.KeyPrefix + ":progress:" + runID
	}
	return "progress:" + runID
}

func streamValues(m *models.IterationMetrics) map[string]interface{} {
	values := map[string]interface{}{
		"iteration":      m.Iteration,
		"train_loss":     strconv.FormatFloat(m.TrainLoss, 'g', -1, 64),
		"batches":        m.Batches,
		"tokens":         m.Tokens,
		"mean_grad_norm": strconv.FormatFloat(m.MeanGradNorm, 'g', -1, 64),
		"max_grad_norm":  strconv.FormatFloat(m.MaxGradNorm, 'g', -1, 64),
		"duration_ms":    m.Duration.Milliseconds(),
		"timestamp":      m.Timestamp.UnixNano(),
	}
	if m.HasValLoss {
		values["val_loss"] = strconv.FormatFloat(m.ValLoss, 'g', -1, 64)
	}
	return values
}

func parseVersion(info string) string {
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, "redis_version:") {
			return strings.TrimPrefix(line, "redis_version:")
		}
	}
	return "unknown"
}
