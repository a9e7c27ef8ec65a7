package interfaces

import (
	"context"

	"github.com/inferloop/chatgru/pkg/models"
)

// Storage defines the lifecycle shared by every storage backend
type Storage interface {
	// Connect establishes connection to the storage backend
	Connect(ctx context.Context) error

	// Close closes the connection and cleans up resources
	Close() error

	// Ping tests the connection
	Ping(ctx context.Context) error

	// GetInfo returns information about the storage backend
	GetInfo(ctx context.Context) (*StorageInfo, error)
}

// CheckpointStore persists serialized model snapshots under string keys
type CheckpointStore interface {
	Storage

	// Save stores a checkpoint, replacing any previous value under key
	Save(ctx context.Context, key string, data []byte) error

	// Load returns the checkpoint stored under key
	Load(ctx context.Context, key string) ([]byte, error)

	// Delete removes the checkpoint stored under key
	Delete(ctx context.Context, key string) error

	// List returns the keys that start with prefix, sorted
	List(ctx context.Context, prefix string) ([]string, error)
}

// ProgressSink receives per-iteration training metrics
type ProgressSink interface {
	Storage

	// Record writes the metrics of one finished iteration
	Record(ctx context.Context, m *models.IterationMetrics) error
}

// StorageInfo contains information about the storage backend
type StorageInfo struct {
	Type          string                 `json:"type"`
	Version       string                 `json:"version"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Features      []string               `json:"features"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// MetricsReporter is implemented by backends that count their operations
type MetricsReporter interface {
	GetMetrics(ctx context.Context) (*StorageMetrics, error)
}

// StorageMetrics contains storage operation counters
type StorageMetrics struct {
	ReadOperations   int64  `json:"read_operations"`
	WriteOperations  int64  `json:"write_operations"`
	DeleteOperations int64  `json:"delete_operations"`
	BytesRead        int64  `json:"bytes_read"`
	BytesWritten     int64  `json:"bytes_written"`
	ErrorCount       int64  `json:"error_count"`
	LastError        string `json:"last_error,omitempty"`
}
