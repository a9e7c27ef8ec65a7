package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/internal/utils/encoding"
	"github.com/inferloop/chatgru/pkg/errors"
	"github.com/inferloop/chatgru/pkg/interfaces"
	"github.com/inferloop/chatgru/pkg/models"
)

const (
	backend         = "file"
	checkpointDir   = "checkpoints"
	progressDir     = "progress"
	progressFileExt = ".jsonl"
)

// FileStorageConfig contains configuration for file-based storage
type FileStorageConfig struct {
	BasePath   string `json:"base_path" mapstructure:"base_path"`
	CreateDirs bool   `json:"create_dirs" mapstructure:"create_dirs"` // auto-create directories
	SyncWrites bool   `json:"sync_writes" mapstructure:"sync_writes"` // fsync before rename
	KeepLast   int    `json:"keep_last" mapstructure:"keep_last"`     // checkpoints kept per run, 0 keeps all
}

// FileStorage keeps checkpoints as files under BasePath/checkpoints and
// appends iteration metrics as JSON lines under BasePath/progress.
type FileStorage struct {
	config     *FileStorageConfig
	logger     *logrus.Logger
	serializer encoding.Serializer
	mu         sync.RWMutex
	connected  bool
	metrics    storageMetrics
}

type opKind int

const (
	opRead opKind = iota
	opWrite
	opDelete
)

type storageMetrics struct {
	mu           sync.Mutex
	readOps      int64
	writeOps     int64
	deleteOps    int64
	bytesRead    int64
	bytesWritten int64
	errorCount   int64
	lastError    string
}

// observe counts one finished operation; errp is the caller's named result.
func (fs *FileStorage) observe(op opKind, bytes int, errp *error) {
	m := &fs.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	if *errp != nil {
		m.errorCount++
		m.lastError = (*errp).Error()
		return
	}
	switch op {
	case opRead:
		m.readOps++
		m.bytesRead += int64(bytes)
	case opWrite:
		m.writeOps++
		m.bytesWritten += int64(bytes)
	case opDelete:
		m.deleteOps++
	}
}

// GetMetrics returns the operation counters
func (fs *FileStorage) GetMetrics(ctx context.Context) (*interfaces.StorageMetrics, error) {
	m := &fs.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	return &interfaces.StorageMetrics{
		ReadOperations:   m.readOps,
		WriteOperations:  m.writeOps,
		DeleteOperations: m.deleteOps,
		BytesRead:        m.bytesRead,
		BytesWritten:     m.bytesWritten,
		ErrorCount:       m.errorCount,
		LastError:        m.lastError,
	}, nil
}

// NewFileStorage creates a new file storage instance
func NewFileStorage(config *FileStorageConfig, logger *logrus.Logger) (*FileStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "FileStorageConfig cannot be nil")
	}
	if config.BasePath == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "BasePath is required")
	}
	if config.KeepLast < 0 {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "KeepLast cannot be negative")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &FileStorage{
		config:     config,
		logger:     logger,
		serializer: encoding.NewJSONSerializer(false),
	}, nil
}

// Connect prepares the directory layout and verifies it is writable
func (fs *FileStorage) Connect(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.connected {
		return nil
	}

	if fs.config.CreateDirs {
		for _, dir := range []string{checkpointDir, progressDir} {
			path := filepath.Join(fs.config.BasePath, dir)
			if err := os.MkdirAll(path, 0755); err != nil {
				return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
					fmt.Sprintf("Failed to create directory: %s", path))
			}
		}
	}

	if _, err := os.Stat(fs.config.BasePath); os.IsNotExist(err) {
		return errors.NewStorageError(errors.CodeConnectionFailed, fmt.Sprintf("Base path does not exist: %s", fs.config.BasePath))
	}

	testFile := filepath.Join(fs.config.BasePath, ".write_test")
	if file, err := os.Create(testFile); err != nil {
		return errors.NewStorageError(errors.CodeConnectionFailed, fmt.Sprintf("Cannot write to directory: %s", fs.config.BasePath))
	} else {
		file.Close()
		os.Remove(testFile)
	}

	fs.connected = true
	fs.logger.WithField("base_path", fs.config.BasePath).Info("File storage connected")
	return nil
}

// Close marks the storage as disconnected
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.connected {
		return nil
	}
	fs.connected = false
	fs.logger.Info("File storage disconnected")
	return nil
}

// Ping verifies the storage is accessible
func (fs *FileStorage) Ping(ctx context.Context) error {
	if err := fs.ensureConnected(); err != nil {
		return err
	}
	if _, err := os.Stat(fs.config.BasePath); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Base path is not accessible")
	}
	return nil
}

// GetInfo returns information about the file storage
func (fs *FileStorage) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	return &interfaces.StorageInfo{
		Type:        backend,
		Version:     "1.0",
		Name:        "Local File Storage",
		Description: "Checkpoints and progress logs on the local filesystem",
		Features:    []string{"atomic writes", "retention", "jsonl progress"},
		Configuration: map[string]interface{}{
			"base_path":   fs.config.BasePath,
			"sync_writes": fs.config.SyncWrites,
			"keep_last":   fs.config.KeepLast,
		},
	}, nil
}

// Save writes a checkpoint atomically: the data lands in a temporary file
// that is renamed over the final path.
func (fs *FileStorage) Save(ctx context.Context, key string, data []byte) (err error) {
	defer fs.observe(opWrite, len(data), &err)
	if err := fs.ensureConnected(); err != nil {
		return err
	}

	path, err := fs.checkpointPath(key)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WrapStorageError(err, backend, "save", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return errors.WrapStorageError(err, backend, "save", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WrapStorageError(err, backend, "save", path)
	}
	if fs.config.SyncWrites {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return errors.WrapStorageError(err, backend, "save", path)
		}
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapStorageError(err, backend, "save", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.WrapStorageError(err, backend, "save", path)
	}

	fs.logger.WithFields(logrus.Fields{
		"path":  path,
		"bytes": len(data),
	}).Debug("Wrote checkpoint")

	if fs.config.KeepLast > 0 {
		fs.performCleanup(filepath.Dir(path))
	}
	return nil
}

// Load reads the checkpoint stored under key
func (fs *FileStorage) Load(ctx context.Context, key string) (data []byte, err error) {
	defer func() { fs.observe(opRead, len(data), &err) }()
	if err := fs.ensureConnected(); err != nil {
		return nil, err
	}

	path, err := fs.checkpointPath(key)
	if err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err = os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.WrapStorageError(errors.ErrCheckpointNotFound, backend, "load", path)
	}
	if err != nil {
		return nil, errors.WrapStorageError(err, backend, "load", path)
	}
	return data, nil
}

// Delete removes the checkpoint stored under key. Missing keys are not an error.
func (fs *FileStorage) Delete(ctx context.Context, key string) (err error) {
	defer fs.observe(opDelete, 0, &err)
	if err := fs.ensureConnected(); err != nil {
		return err
	}

	path, err := fs.checkpointPath(key)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.WrapStorageError(err, backend, "delete", path)
	}
	return nil
}

// List returns the checkpoint keys starting with prefix
func (fs *FileStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := fs.ensureConnected(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	root := filepath.Join(fs.config.BasePath, checkpointDir)
	var keys []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".ckpt-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapStorageError(err, backend, "list", root)
	}

	sort.Strings(keys)
	return keys, nil
}

// Record appends one iteration's metrics to the run's progress log
func (fs *FileStorage) Record(ctx context.Context, m *models.IterationMetrics) (err error) {
	var line []byte
	defer func() { fs.observe(opWrite, len(line), &err) }()
	if err := fs.ensureConnected(); err != nil {
		return err
	}

	line, err = fs.serializer.Serialize(m)
	if err != nil {
		return errors.WrapStorageError(err, backend, "record", m.RunID)
	}
	line = append(line, '\n')

	path := filepath.Join(fs.config.BasePath, progressDir, sanitize(m.RunID)+progressFileExt)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WrapStorageError(err, backend, "record", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WrapStorageError(err, backend, "record", path)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return errors.WrapStorageError(err, backend, "record", path)
	}
	if fs.config.SyncWrites {
		if err := f.Sync(); err != nil {
			return errors.WrapStorageError(err, backend, "record", path)
		}
	}
	return nil
}

func (fs *FileStorage) ensureConnected() error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if !fs.connected {
		return errors.NewStorageError(errors.CodeConnectionFailed, "File storage is not connected")
	}
	return nil
}

// checkpointPath maps a slash-separated key below the checkpoint root and
// rejects keys that would escape it.
func (fs *FileStorage) checkpointPath(key string) (string, error) {
	root := filepath.Join(fs.config.BasePath, checkpointDir)
	path := filepath.Join(root, filepath.FromSlash(key))
	if key == "" || path == root || !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", errors.NewStorageError(errors.CodeInvalidConfig, fmt.Sprintf("invalid checkpoint key %q", key))
	}
	return path, nil
}

// performCleanup keeps the KeepLast most recent checkpoints in dir
func (fs *FileStorage) performCleanup(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fs.logger.WithError(err).WithField("dir", dir).Warn("Failed to list checkpoints for cleanup")
		return
	}

	type entry struct {
		path    string
		modTime time.Time
	}
	var files []entry
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, entry{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}
	if len(files) <= fs.config.KeepLast {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path > files[j].path
		}
		return files[i].modTime.After(files[j].modTime)
	})
	for _, f := range files[fs.config.KeepLast:] {
		if err := os.Remove(f.path); err != nil {
			fs.logger.WithError(err).WithField("file", f.path).Error("Failed to cleanup old checkpoint")
		} else {
			fs.logger.WithField("file", f.path).Debug("Cleaned up old checkpoint")
		}
	}
}

func sanitize(name string) string {
	if name == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
}
