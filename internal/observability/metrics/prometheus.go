package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/internal/training"
	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/models"
)

var trainingStates = []string{
	string(training.StateIdle),
	string(training.StateTraining),
	string(training.StateValidating),
	string(training.StateSampling),
}

// PrometheusMetrics records training telemetry in a dedicated registry.
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	config   *PrometheusConfig
	mu       sync.Mutex

	stepsTotal        prometheus.Counter
	tokensTotal       prometheus.Counter
	stepLoss          prometheus.Gauge
	stepDuration      prometheus.Histogram
	gradNorm          prometheus.Histogram
	iteration         prometheus.Gauge
	iterationDuration prometheus.Histogram
	trainLoss         prometheus.Gauge
	valLoss           prometheus.Gauge
	state             *prometheus.GaugeVec
	storageErrors     *prometheus.CounterVec
}

// PrometheusConfig configures Prometheus metrics
type PrometheusConfig struct {
	Namespace      string            `json:"namespace"`
	Subsystem      string            `json:"subsystem"`
	Labels         map[string]string `json:"labels"` // Constant labels, e.g. run_id
	ProcessMetrics bool              `json:"process_metrics"`
}

// NewPrometheusMetrics creates and registers the training metrics.
func NewPrometheusMetrics(config *PrometheusConfig, logger *logrus.Logger) (*PrometheusMetrics, error) {
	if config == nil {
		config = &PrometheusConfig{
			Namespace:      constants.MetricsNamespace,
			Subsystem:      constants.MetricsSubsystem,
			ProcessMetrics: true,
		}
	}
	if logger == nil {
		logger = logrus.New()
	}

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
	}
	pm.initializeMetrics()

	if err := pm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	pm.SetState(string(training.StateIdle))
	return pm, nil
}

// Registry exposes the registry for HTTP handlers and tests.
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// ObserveStep records one optimizer step.
func (pm *PrometheusMetrics) ObserveStep(res *training.StepResult) {
	pm.stepsTotal.Inc()
	pm.tokensTotal.Add(float64(res.Tokens))
	pm.stepLoss.Set(res.Loss)
	pm.stepDuration.Observe(res.Duration.Seconds())
	pm.gradNorm.Observe(res.GradNorm)
}

// ObserveIteration records the summary of one finished iteration.
func (pm *PrometheusMetrics) ObserveIteration(m *models.IterationMetrics) {
	pm.iteration.Set(float64(m.Iteration))
	pm.iterationDuration.Observe(m.Duration.Seconds())
	pm.trainLoss.Set(m.TrainLoss)
	if m.HasValLoss {
		pm.valLoss.Set(m.ValLoss)
	}
}

// SetState marks state as the only active runner state.
func (pm *PrometheusMetrics) SetState(state string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, s := range trainingStates {
		v := 0.0
		if s == state {
			v = 1
		}
		pm.state.WithLabelValues(s).Set(v)
	}
}

// StorageError counts a failed checkpoint or sink operation.
func (pm *PrometheusMetrics) StorageError(backend, operation string) {
	pm.storageErrors.WithLabelValues(backend, operation).Inc()
}

func (pm *PrometheusMetrics) initializeMetrics() {
	ns, sub, labels := pm.config.Namespace, pm.config.Subsystem, prometheus.Labels(pm.config.Labels)

	pm.stepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "steps_total",
		Help: "Total number of optimizer steps",
	})
	pm.tokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "target_tokens_total",
		Help: "Total number of target tokens trained on",
	})
	pm.stepLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "step_loss",
		Help: "Mean per-token loss of the last training batch",
	})
	pm.stepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "step_duration_seconds",
		Help:    "Duration of one training step",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	pm.gradNorm = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "grad_norm",
		Help:    "Global gradient norm before clipping",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 500},
	})
	pm.iteration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "iteration",
		Help: "Last completed iteration",
	})
	pm.iterationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "iteration_duration_seconds",
		Help:    "Duration of one pass over the training split",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
	pm.trainLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "train_loss",
		Help: "Mean per-token training loss of the last iteration",
	})
	pm.valLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "validation_loss",
		Help: "Mean per-token validation loss of the last evaluation",
	})
	pm.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "state",
		Help: "Current runner state (1 for the active state)",
	}, []string{"state"})
	pm.storageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "storage_errors_total",
		Help: "Failed checkpoint and progress sink operations",
	}, []string{"backend", "operation"})
}

func (pm *PrometheusMetrics) registerMetrics() error {
	cs := []prometheus.Collector{
		pm.stepsTotal, pm.tokensTotal, pm.stepLoss, pm.stepDuration, pm.gradNorm,
		pm.iteration, pm.iterationDuration, pm.trainLoss, pm.valLoss,
		pm.state, pm.storageErrors,
	}
	if pm.config.ProcessMetrics {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	for _, c := range cs {
		if err := pm.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}
