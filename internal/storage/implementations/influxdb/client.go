package influxdb

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/pkg/errors"
	"github.com/inferloop/chatgru/pkg/interfaces"
	"github.com/inferloop/chatgru/pkg/models"
)

const backend = "influxdb"

// InfluxDBConfig contains configuration for the InfluxDB progress sink
type InfluxDBConfig struct {
	URL          string            `json:"url" mapstructure:"url"`
	Token        string            `json:"token" mapstructure:"token"`
	Organization string            `json:"organization" mapstructure:"organization"`
	Bucket       string            `json:"bucket" mapstructure:"bucket"`
	Measurement  string            `json:"measurement" mapstructure:"measurement"`
	Timeout      time.Duration     `json:"timeout" mapstructure:"timeout"`
	UseGZip      bool              `json:"use_gzip" mapstructure:"use_gzip"`
	Tags         map[string]string `json:"tags" mapstructure:"tags"`
}

// InfluxDBStorage writes one point per training iteration
type InfluxDBStorage struct {
	config    *InfluxDBConfig
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	logger    *logrus.Logger
	mu        sync.RWMutex
	connected bool

	statsMu    sync.Mutex
	writeOps   int64
	errorCount int64
	lastError  string
}

// NewInfluxDBStorage creates a new InfluxDB sink instance
func NewInfluxDBStorage(config *InfluxDBConfig, logger *logrus.Logger) (*InfluxDBStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB config cannot be nil")
	}
	if config.URL == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB URL is required")
	}
	if config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB bucket is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Measurement == "" {
		config.Measurement = "training_iteration"
	}

	return &InfluxDBStorage{
		config: config,
		logger: logger,
	}, nil
}

// Connect establishes connection to InfluxDB
func (s *InfluxDBStorage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	options := influxdb2.DefaultOptions()
	options.SetUseGZip(s.config.UseGZip)
	options.SetPrecision(time.Millisecond)
	options.SetHTTPRequestTimeout(uint(s.config.Timeout.Seconds()))

	client := influxdb2.NewClientWithOptions(s.config.URL, s.config.Token, options)

	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to InfluxDB")
	}
	if !ok {
		client.Close()
		return errors.NewStorageError(errors.CodeConnectionFailed, "InfluxDB ping failed")
	}

	s.client = client
	s.writeAPI = client.WriteAPIBlocking(s.config.Organization, s.config.Bucket)
	s.connected = true

	s.logger.WithFields(logrus.Fields{
		"url":          s.config.URL,
		"organization": s.config.Organization,
		"bucket":       s.config.Bucket,
	}).Info("Connected to InfluxDB")
	return nil
}

// Close closes the connection to InfluxDB
func (s *InfluxDBStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.client.Close()
	s.client = nil
	s.writeAPI = nil
	s.connected = false

	s.logger.Info("Disconnected from InfluxDB")
	return nil
}

// Ping checks server reachability
func (s *InfluxDBStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil {
		return errors.NewStorageError(errors.CodeConnectionFailed, "Not connected to InfluxDB")
	}
	ok, err := client.Ping(ctx)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "InfluxDB ping failed")
	}
	if !ok {
		return errors.NewStorageError(errors.CodeConnectionFailed, "InfluxDB ping failed")
	}
	return nil
}

// GetInfo returns information about the InfluxDB sink
func (s *InfluxDBStorage) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	return &interfaces.StorageInfo{
		Type:        backend,
		Version:     "2.x",
		Name:        "InfluxDB Progress Sink",
		Description: "Per-iteration training metrics as InfluxDB points",
		Features:    []string{"time series", "tags", "gzip"},
		Configuration: map[string]interface{}{
			"url":          s.config.URL,
			"organization": s.config.Organization,
			"bucket":       s.config.Bucket,
			"measurement":  s.config.Measurement,
		},
	}, nil
}

// Record writes one point for a finished iteration
func (s *InfluxDBStorage) Record(ctx context.Context, m *models.IterationMetrics) error {
	s.mu.RLock()
	writeAPI := s.writeAPI
	s.mu.RUnlock()

	if writeAPI == nil {
		return errors.NewStorageError(errors.CodeConnectionFailed, "Not connected to InfluxDB")
	}

	start := time.Now()
	err := writeAPI.WritePoint(ctx, s.toPoint(m))

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if err != nil {
		s.errorCount++
		s.lastError = err.Error()
		return errors.WrapStorageError(err, backend, "record", s.config.Bucket).WithDuration(time.Since(start))
	}
	s.writeOps++
	return nil
}

// GetMetrics returns the write counters
func (s *InfluxDBStorage) GetMetrics(ctx context.Context) (*interfaces.StorageMetrics, error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return &interfaces.StorageMetrics{
		WriteOperations: s.writeOps,
		ErrorCount:      s.errorCount,
		LastError:       s.lastError,
	}, nil
}

func (s *InfluxDBStorage) toPoint(m *models.IterationMetrics) *write.Point {
	tags := map[string]string{"run_id": m.RunID}
	for k, v := range s.config.Tags {
		tags[k] = v
	}

	fields := map[string]interface{}{
		"iteration":        m.Iteration,
		"train_loss":       m.TrainLoss,
		"batches":          m.Batches,
		"tokens":           m.Tokens,
		"mean_grad_norm":   m.MeanGradNorm,
		"max_grad_norm":    m.MaxGradNorm,
		"duration_seconds": m.Duration.Seconds(),
	}
	if m.HasValLoss {
		fields["val_loss"] = m.ValLoss
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(s.config.Measurement, tags, fields, ts)
}
