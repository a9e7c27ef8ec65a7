package s3

import (
	"bytes"
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/pkg/errors"
	"github.com/inferloop/chatgru/pkg/interfaces"
)

const backend = "s3"

// S3Config holds configuration for S3 checkpoint storage
type S3Config struct {
	Region          string        `json:"region" mapstructure:"region"`
	Bucket          string        `json:"bucket" mapstructure:"bucket"`
	AccessKeyID     string        `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string        `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string        `json:"session_token,omitempty" mapstructure:"session_token"`
	Endpoint        string        `json:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool          `json:"force_path_style" mapstructure:"force_path_style"`
	DisableSSL      bool          `json:"disable_ssl" mapstructure:"disable_ssl"`
	Prefix          string        `json:"prefix" mapstructure:"prefix"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries      int           `json:"max_retries" mapstructure:"max_retries"`
	PartSize        int64         `json:"part_size" mapstructure:"part_size"`
	StorageClass    string        `json:"storage_class" mapstructure:"storage_class"`
}

// S3Storage stores checkpoints as objects in an S3 bucket
type S3Storage struct {
	config     *S3Config
	s3Client   *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	logger     *logrus.Logger
	mu         sync.RWMutex
	metrics    *storageMetrics
	closed     bool
}

type storageMetrics struct {
	readOps      int64
	writeOps     int64
	deleteOps    int64
	errorCount   int64
	bytesRead    int64
	bytesWritten int64
	lastError    string
	mu           sync.Mutex
}

// NewS3Storage creates a new S3 checkpoint store
func NewS3Storage(config *S3Config, logger *logrus.Logger) (*S3Storage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "S3 config cannot be nil")
	}
	if config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "S3 bucket is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &S3Storage{
		config:  config,
		logger:  logger,
		metrics: &storageMetrics{},
	}, nil
}

// Connect establishes the AWS session and checks bucket access
func (s *S3Storage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.s3Client != nil {
		return nil
	}

	awsConfig := &aws.Config{
		Region:     aws.String(s.config.Region),
		MaxRetries: aws.Int(s.config.MaxRetries),
	}
	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			s.config.AccessKeyID,
			s.config.SecretAccessKey,
			s.config.SessionToken,
		)
	}
	// S3-compatible services (MinIO and friends)
	if s.config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
	}
	if s.config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to create AWS session")
	}

	client := s3.New(sess)
	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	}); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
			"Failed to access bucket").WithContext("bucket", s.config.Bucket)
	}

	s.s3Client = client
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)
	if s.config.PartSize > 0 {
		s.uploader.PartSize = s.config.PartSize
	}
	s.closed = false

	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
	}).Info("Connected to S3")
	return nil
}

// Close releases the S3 clients
func (s *S3Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.s3Client = nil
	s.uploader = nil
	s.downloader = nil
	s.closed = true

	s.logger.Info("S3 connection closed")
	return nil
}

// Ping tests the S3 connection
func (s *S3Storage) Ping(ctx context.Context) error {
	client, err := s.client()
	if err != nil {
		return err
	}
	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	}); err != nil {
		s.recordError(err)
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "S3 ping failed")
	}
	return nil
}

// GetInfo returns information about the S3 storage
func (s *S3Storage) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	return &interfaces.StorageInfo{
		Type:        backend,
		Version:     "AWS S3 API",
		Name:        "Amazon S3 Checkpoint Storage",
		Description: "Model checkpoints stored as S3 objects",
		Features:    []string{"object storage", "multipart upload", "prefix listing"},
		Configuration: map[string]interface{}{
			"region":        s.config.Region,
			"bucket":        s.config.Bucket,
			"prefix":        s.config.Prefix,
			"storage_class": s.config.StorageClass,
		},
	}, nil
}

// Save uploads a checkpoint under key
func (s *S3Storage) Save(ctx context.Context, key string, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.uploader == nil {
		return errors.WrapStorageError(errors.ErrStorageNotConfigured, backend, "save", key)
	}

	start := time.Now()
	objectKey := s.generateKey(key)
	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"checkpoint-key": aws.String(key),
			"saved-at":       aws.String(time.Now().UTC().Format(time.RFC3339)),
		},
	}
	if s.config.StorageClass != "" {
		input.StorageClass = aws.String(s.config.StorageClass)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		s.recordError(err)
		return errors.WrapStorageError(err, backend, "save", objectKey).WithDuration(time.Since(start))
	}

	s.metrics.mu.Lock()
	s.metrics.writeOps++
	s.metrics.bytesWritten += int64(len(data))
	s.metrics.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"key":      objectKey,
		"bytes":    len(data),
		"duration": time.Since(start),
	}).Debug("Uploaded checkpoint")
	return nil
}

// Load downloads the checkpoint stored under key
func (s *S3Storage) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.downloader == nil {
		return nil, errors.WrapStorageError(errors.ErrStorageNotConfigured, backend, "load", key)
	}

	objectKey := s.generateKey(key)
	buf := aws.NewWriteAtBuffer([]byte{})
	if _, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		s.recordError(err)
		if isNotFound(err) {
			return nil, errors.WrapStorageError(errors.ErrCheckpointNotFound, backend, "load", objectKey)
		}
		return nil, errors.WrapStorageError(err, backend, "load", objectKey)
	}

	s.metrics.mu.Lock()
	s.metrics.readOps++
	s.metrics.bytesRead += int64(len(buf.Bytes()))
	s.metrics.mu.Unlock()
	return buf.Bytes(), nil
}

// Delete removes the checkpoint stored under key
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	client, err := s.client()
	if err != nil {
		return err
	}

	objectKey := s.generateKey(key)
	if _, err := client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		s.recordError(err)
		return errors.WrapStorageError(err, backend, "delete", objectKey)
	}

	s.metrics.mu.Lock()
	s.metrics.deleteOps++
	s.metrics.mu.Unlock()
	return nil
}

// List returns the checkpoint keys starting with prefix
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.generateKey(prefix)),
	}
	var keys []string
	err = client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, s.extractKey(aws.StringValue(obj.Key)))
		}
		return true
	})
	if err != nil {
		s.recordError(err)
		return nil, errors.WrapStorageError(err, backend, "list", prefix)
	}

	sort.Strings(keys)
	return keys, nil
}

// GetMetrics returns storage metrics
func (s *S3Storage) GetMetrics(ctx context.Context) (*interfaces.StorageMetrics, error) {
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()

	return &interfaces.StorageMetrics{
		ReadOperations:   s.metrics.readOps,
		WriteOperations:  s.metrics.writeOps,
		DeleteOperations: s.metrics.deleteOps,
		BytesRead:        s.metrics.bytesRead,
		BytesWritten:     s.metrics.bytesWritten,
		ErrorCount:       s.metrics.errorCount,
		LastError:        s.metrics.lastError,
	}, nil
}

func (s *S3Storage) client() (*s3.S3, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.s3Client == nil {
		return nil, errors.NewStorageError(errors.CodeConnectionFailed, "S3 not connected")
	}
	return s.s3Client, nil
}

func (s *S3Storage) recordError(err error) {
	s.metrics.mu.Lock()
	s.metrics.errorCount++
	s.metrics.lastError = err.Error()
	s.metrics.mu.Unlock()
}

func (s *S3Storage) generateKey(key string) string {
	return path.Join(s.config.Prefix, "checkpoints", key)
}

func (s *S3Storage) extractKey(objectKey string) string {
	return strings.TrimPrefix(objectKey, path.Join(s.config.Prefix, "checkpoints")+"/")
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return strings.Contains(err.Error(), "NoSuchKey")
}
