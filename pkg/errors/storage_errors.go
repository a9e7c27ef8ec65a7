package errors

import (
	"fmt"
	"time"
)

// StorageError represents a storage-specific error with additional context
type StorageError struct {
	*AppError
	Backend   string        `json:"backend,omitempty"`   // "file", "s3", "redis", "influxdb", "postgres"
	Operation string        `json:"operation,omitempty"` // "save", "load", "record"
	Location  string        `json:"location,omitempty"`  // key, path or table
	Duration  time.Duration `json:"duration,omitempty"`
}

// Error implements the error interface
func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s on %s: %s", e.Backend, e.Operation, e.Location, e.AppError.Error())
}

// Unwrap exposes the wrapped AppError
func (e *StorageError) Unwrap() error {
	return e.AppError
}

// WrapStorageError wraps a storage error with additional context
func WrapStorageError(err error, backend, operation, location string) *StorageError {
	if err == nil {
		return nil
	}

	code := CodeStorageError
	switch operation {
	case "save", "record":
		code = CodeWriteFailed
	case "load":
		code = CodeReadFailed
	}

	return &StorageError{
		AppError:  WrapError(err, ErrorTypeStorage, code, "Storage operation failed"),
		Backend:   backend,
		Operation: operation,
		Location:  location,
	}
}

// WithDuration records how long the failed operation ran
func (e *StorageError) WithDuration(d time.Duration) *StorageError {
	e.Duration = d
	return e
}
