package s3

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/chatgru/pkg/errors"
)

func TestNewS3Storage(t *testing.T) {
	config := &S3Config{
		Region: "us-east-1",
		Bucket: "test-bucket",
	}

	logger := logrus.New()
	storage, err := NewS3Storage(config, logger)

	require.NoError(t, err)
	require.NotNil(t, storage)
	assert.Equal(t, config, storage.config)
	assert.Equal(t, logger, storage.logger)
	assert.NotNil(t, storage.metrics)
}

func TestNewS3StorageInvalidConfig(t *testing.T) {
	_, err := NewS3Storage(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3 config cannot be nil")

	_, err = NewS3Storage(&S3Config{Region: "us-east-1"}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3 bucket is required")
}

func TestS3StorageKeys(t *testing.T) {
	storage, err := NewS3Storage(&S3Config{Bucket: "b", Prefix: "team/chatgru"}, logrus.New())
	require.NoError(t, err)

	key := storage.generateKey("run-1/iter-0002.ckpt")
	assert.Equal(t, "team/chatgru/checkpoints/run-1/iter-0002.ckpt", key)
	assert.Equal(t, "run-1/iter-0002.ckpt", storage.extractKey(key))

	bare, err := NewS3Storage(&S3Config{Bucket: "b"}, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, "checkpoints/run-1/iter-0002.ckpt", bare.generateKey("run-1/iter-0002.ckpt"))
	assert.Equal(t, "run-1/iter-0002.ckpt", bare.extractKey("checkpoints/run-1/iter-0002.ckpt"))
}

func TestS3StorageNotConnected(t *testing.T) {
	storage, err := NewS3Storage(&S3Config{Bucket: "b"}, logrus.New())
	require.NoError(t, err)
	ctx := context.Background()

	err = storage.Save(ctx, "k", []byte("x"))
	assert.ErrorIs(t, err, errors.ErrStorageNotConfigured)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))

	_, err = storage.Load(ctx, "k")
	assert.ErrorIs(t, err, errors.ErrStorageNotConfigured)

	_, err = storage.List(ctx, "")
	assert.Error(t, err)
	assert.Error(t, storage.Ping(ctx))
	assert.NoError(t, storage.Close())
}

func TestS3StorageInfoAndNotFound(t *testing.T) {
	storage, err := NewS3Storage(&S3Config{Region: "eu-west-1", Bucket: "b"}, logrus.New())
	require.NoError(t, err)

	info, err := storage.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3", info.Type)
	assert.Equal(t, "eu-west-1", info.Configuration["region"])

	assert.True(t, isNotFound(awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)))
	assert.False(t, isNotFound(awserr.New("AccessDenied", "nope", nil)))

	metrics, err := storage.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, metrics.ErrorCount)
}
