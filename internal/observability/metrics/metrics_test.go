package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/chatgru/internal/training"
	"github.com/inferloop/chatgru/pkg/models"
)

func newTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	pm, err := NewPrometheusMetrics(&PrometheusConfig{
		Namespace: "chatgru",
		Subsystem: "training",
		Labels:    map[string]string{"run_id": "test"},
	}, nil)
	require.NoError(t, err)
	return pm
}

func TestPrometheusMetricsRecordsTraining(t *testing.T) {
	pm := newTestMetrics(t)
	var _ training.MetricsRecorder = pm

	pm.ObserveStep(&training.StepResult{Loss: 2.5, Tokens: 10, GradNorm: 3, Duration: time.Millisecond})
	pm.ObserveStep(&training.StepResult{Loss: 2.0, Tokens: 6, GradNorm: 1, Duration: time.Millisecond})
	pm.ObserveIteration(&models.IterationMetrics{Iteration: 4, TrainLoss: 2.1, ValLoss: 2.4, HasValLoss: true})
	pm.ObserveIteration(&models.IterationMetrics{Iteration: 5, TrainLoss: 1.9})
	pm.SetState(string(training.StateValidating))
	pm.StorageError("s3", "save")

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.stepsTotal))
	assert.Equal(t, 16.0, testutil.ToFloat64(pm.tokensTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.stepLoss))
	assert.Equal(t, 5.0, testutil.ToFloat64(pm.iteration))
	assert.Equal(t, 1.9, testutil.ToFloat64(pm.trainLoss))
	assert.Equal(t, 2.4, testutil.ToFloat64(pm.valLoss))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.state.WithLabelValues("validating")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.state.WithLabelValues("training")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.storageErrors.WithLabelValues("s3", "save")))
}

func TestServerRoutes(t *testing.T) {
	pm := newTestMetrics(t)
	pm.ObserveStep(&training.StepResult{Loss: 1, Tokens: 3})

	srv := NewServer(":0", pm, func() interface{} {
		return training.Status{RunID: "abc", State: training.StateTraining, Iteration: 2}
	}, nil)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "chatgru_training_steps_total"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status training.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "abc", status.RunID)
	assert.Equal(t, training.StateTraining, status.State)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
