package errors

import (
	"errors"
	"fmt"
)

// Common application errors
var (
	// Data errors
	ErrNoSentencePairs     = errors.New("dataset contains no parsable sentence pairs")
	ErrDatasetUnreadable   = errors.New("dataset is unreadable")
	ErrEmbeddingUnreadable = errors.New("embedding file is unreadable")
	ErrEmbeddingMalformed  = errors.New("embedding file is malformed")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrConfigurationLoad    = errors.New("failed to load configuration")

	// Training errors
	ErrNonFiniteLoss = errors.New("loss is not finite")
	ErrEmptyBatch    = errors.New("batch contains no samples")
	ErrUnsortedBatch = errors.New("batch is not sorted by descending input length")
	ErrShapeMismatch = errors.New("shape mismatch")

	// Storage errors
	ErrCheckpointNotFound   = errors.New("checkpoint not found")
	ErrCheckpointCorrupted  = errors.New("checkpoint is corrupted")
	ErrStorageNotConfigured = errors.New("storage backend not configured")
	ErrStorageNotSupported  = errors.New("storage backend not supported")

	// Internal errors
	ErrInternal       = errors.New("internal error")
	ErrNotImplemented = errors.New("not implemented")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeData          ErrorType = "data"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeNumerical     ErrorType = "numerical"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeMetrics       ErrorType = "metrics"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// NewDataError creates a data error
func NewDataError(code, message string) *AppError {
	return NewAppError(ErrorTypeData, code, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(code, message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, code, message)
}

// NewNumericalError creates a numerical error
func NewNumericalError(code, message string) *AppError {
	return NewAppError(ErrorTypeNumerical, code, message)
}

// NewStorageError creates a storage error
func NewStorageError(code, message string) *AppError {
	return NewAppError(ErrorTypeStorage, code, message)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, CodeInternalError, message)
}

// TypeOf returns the ErrorType of the first AppError in err's chain, or
// ErrorTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether err carries an AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == errType
}

// Is and As re-export the standard library helpers so callers importing this
// package under the name "errors" keep access to them.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

// ValidationErrorDetail represents detailed validation error information
type ValidationErrorDetail struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Message string                  `json:"message"`
	Errors  []ValidationErrorDetail `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return ve.Message
	}
	msg := ve.Message + ":"
	for i, e := range ve.Errors {
		if i > 0 {
			msg += ";"
		}
		msg += fmt.Sprintf(" %s %s (got %v)", e.Field, e.Message, e.Value)
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidConfiguration.
func (ve *ValidationErrors) Unwrap() error {
	return ErrInvalidConfiguration
}

// Add adds a validation error
func (ve *ValidationErrors) Add(field, code, message string, value interface{}) {
	ve.Errors = append(ve.Errors, ValidationErrorDetail{
		Field:   field,
		Value:   value,
		Message: message,
		Code:    code,
	})
}

// HasErrors checks if there are any validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// AsAppError folds the collected problems into a configuration AppError.
func (ve *ValidationErrors) AsAppError() *AppError {
	return WrapError(ve, ErrorTypeConfiguration, CodeInvalidConfiguration, "Invalid configuration")
}

// NewValidationErrors creates a new ValidationErrors instance
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Message: "Validation failed",
		Errors:  make([]ValidationErrorDetail, 0),
	}
}

// Error codes for different error scenarios
const (
	// Data error codes
	CodeDatasetUnreadable   = "DATASET_UNREADABLE"
	CodeNoSentencePairs     = "NO_SENTENCE_PAIRS"
	CodePairMismatch        = "PAIR_MISMATCH"
	CodeEmbeddingUnreadable = "EMBEDDING_UNREADABLE"
	CodeEmbeddingMalformed  = "EMBEDDING_MALFORMED"

	// Configuration error codes
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"
	CodeOutOfRange           = "OUT_OF_RANGE"
	CodeInvalidValue         = "INVALID_VALUE"
	CodeConfigLoadFailed     = "CONFIG_LOAD_FAILED"

	// Numerical error codes
	CodeNonFiniteLoss = "NON_FINITE_LOSS"
	CodeShapeMismatch = "SHAPE_MISMATCH"

	// Training error codes
	CodeEmptyBatch    = "EMPTY_BATCH"
	CodeUnsortedBatch = "UNSORTED_BATCH"

	// Storage error codes
	CodeStorageError       = "STORAGE_ERROR"
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeWriteFailed        = "WRITE_FAILED"
	CodeReadFailed         = "READ_FAILED"
	CodeCheckpointNotFound = "CHECKPOINT_NOT_FOUND"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeUnsupportedType    = "UNSUPPORTED_TYPE"

	// Internal error codes
	CodeInternalError = "INTERNAL_ERROR"
)
