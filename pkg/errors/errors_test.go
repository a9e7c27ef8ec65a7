package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapErrorKeepsSentinel(t *testing.T) {
	err := WrapError(ErrNoSentencePairs, ErrorTypeData, CodeNoSentencePairs, "No sentence pairs found")

	assert.True(t, errors.Is(err, ErrNoSentencePairs))
	assert.Equal(t, ErrorTypeData, TypeOf(err))
	assert.Contains(t, err.Error(), CodeNoSentencePairs)
}

func TestAppErrorIsMatchesTypeAndCode(t *testing.T) {
	a := NewNumericalError(CodeNonFiniteLoss, "loss is NaN")
	b := NewNumericalError(CodeNonFiniteLoss, "other message")
	c := NewDataError(CodeNonFiniteLoss, "loss is NaN")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestTypeOfThroughFmtWrap(t *testing.T) {
	inner := NewConfigurationError(CodeOutOfRange, "bad batch size")
	outer := fmt.Errorf("startup: %w", inner)

	assert.True(t, IsType(outer, ErrorTypeConfiguration))
	assert.Equal(t, ErrorTypeInternal, TypeOf(errors.New("plain")))
}

func TestValidationErrors(t *testing.T) {
	ve := NewValidationErrors()
	assert.False(t, ve.HasErrors())

	ve.Add("batch_size", CodeOutOfRange, "must be positive", 0)
	ve.Add("hidden_size", CodeOutOfRange, "must be positive", -1)
	require.True(t, ve.HasErrors())

	err := ve.AsAppError()
	assert.Equal(t, ErrorTypeConfiguration, err.Type)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "hidden_size")
}

func TestWrapStorageError(t *testing.T) {
	assert.Nil(t, WrapStorageError(nil, "s3", "save", "key"))

	err := WrapStorageError(ErrCheckpointNotFound, "redis", "load", "chatgru:ckpt:1")
	require.NotNil(t, err)
	assert.Equal(t, CodeReadFailed, err.Code)
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
	assert.True(t, IsType(err, ErrorTypeStorage))
	assert.Contains(t, err.Error(), "redis load on chatgru:ckpt:1")
}
