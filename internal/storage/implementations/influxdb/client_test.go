package influxdb

import (
	"context"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/chatgru/pkg/models"
)

func TestNewInfluxDBStorage(t *testing.T) {
	config := &InfluxDBConfig{URL: "http://localhost:8086", Bucket: "training"}
	storage, err := NewInfluxDBStorage(config, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, storage.config.Timeout)
	assert.Equal(t, "training_iteration", storage.config.Measurement)
}

func TestNewInfluxDBStorageInvalidConfig(t *testing.T) {
	_, err := NewInfluxDBStorage(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewInfluxDBStorage(&InfluxDBConfig{Bucket: "b"}, nil)
	assert.Error(t, err)

	_, err = NewInfluxDBStorage(&InfluxDBConfig{URL: "http://localhost:8086"}, nil)
	assert.Error(t, err)
}

func TestInfluxDBRecordNotConnected(t *testing.T) {
	storage, err := NewInfluxDBStorage(&InfluxDBConfig{URL: "http://localhost:8086", Bucket: "b"}, nil)
	require.NoError(t, err)

	assert.Error(t, storage.Record(context.Background(), &models.IterationMetrics{RunID: "r"}))
	assert.Error(t, storage.Ping(context.Background()))
	assert.NoError(t, storage.Close())
}

func TestInfluxDBPoint(t *testing.T) {
	storage, err := NewInfluxDBStorage(&InfluxDBConfig{
		URL:    "http://localhost:8086",
		Bucket: "b",
		Tags:   map[string]string{"host": "gpu-1"},
	}, nil)
	require.NoError(t, err)

	ts := time.Unix(100, 0)
	point := storage.toPoint(&models.IterationMetrics{
		RunID:      "run-7",
		Iteration:  3,
		TrainLoss:  1.25,
		ValLoss:    1.5,
		HasValLoss: true,
		Timestamp:  ts,
	})

	assert.Equal(t, "training_iteration", point.Name())
	assert.Equal(t, ts, point.Time())
	assert.Equal(t, map[string]string{"host": "gpu-1", "run_id": "run-7"}, tagMap(point))

	fields := fieldMap(point)
	assert.Equal(t, 1.25, fields["train_loss"])
	assert.Equal(t, 1.5, fields["val_loss"])
	assert.Equal(t, int64(3), fields["iteration"])

	noVal := storage.toPoint(&models.IterationMetrics{RunID: "run-7", Timestamp: ts})
	assert.NotContains(t, fieldMap(noVal), "val_loss")
}

func tagMap(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func fieldMap(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, field := range p.FieldList() {
		out[field.Key] = field.Value
	}
	return out
}
