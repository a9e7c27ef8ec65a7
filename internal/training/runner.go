package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/internal/model"
	"github.com/inferloop/chatgru/internal/preprocess"
	"github.com/inferloop/chatgru/internal/utils/encoding"
	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/interfaces"
	"github.com/inferloop/chatgru/pkg/models"
)

// State is the runner's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateTraining   State = "training"
	StateValidating State = "validating"
	StateSampling   State = "sampling"
)

// RunnerConfig controls the iteration loop.
type RunnerConfig struct {
	RunID           string `json:"run_id"`
	NumIters        int    `json:"num_iters"`
	BatchSize       int    `json:"batch_size"`
	MaxLength       int    `json:"max_length"` // Greedy decoding limit
	PrintEvery      int    `json:"print_every"`
	ValidateEvery   int    `json:"validate_every"`
	CheckpointEvery int    `json:"checkpoint_every"`
	Compression     string `json:"compression"`
	TrackingPair    bool   `json:"tracking_pair"`
	Seed            int64  `json:"seed"`
}

// Status is a point-in-time view of the runner, safe to read concurrently.
type Status struct {
	RunID         string    `json:"run_id"`
	State         State     `json:"state"`
	Iteration     int       `json:"iteration"`
	NumIters      int       `json:"num_iters"`
	Batch         int       `json:"batch"`
	NumBatches    int       `json:"num_batches"`
	LastTrainLoss float64   `json:"last_train_loss"`
	LastValLoss   float64   `json:"last_val_loss"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Summary is returned when a run completes.
type Summary struct {
	RunID          string        `json:"run_id"`
	Iterations     int           `json:"iterations"`
	Steps          int           `json:"steps"`
	FinalTrainLoss float64       `json:"final_train_loss"`
	FinalValLoss   float64       `json:"final_val_loss"`
	BestValLoss    float64       `json:"best_val_loss"`
	Checkpoints    int           `json:"checkpoints"`
	Duration       time.Duration `json:"duration"`
}

// MetricsRecorder receives training telemetry.
type MetricsRecorder interface {
	ObserveStep(result *StepResult)
	ObserveIteration(m *models.IterationMetrics)
	SetState(state string)
	StorageError(backend, operation string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveStep(*StepResult)                  {}
func (noopRecorder) ObserveIteration(*models.IterationMetrics) {}
func (noopRecorder) SetState(string)                          {}
func (noopRecorder) StorageError(string, string)              {}

// RunnerOption configures optional runner collaborators.
type RunnerOption func(*Runner)

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec MetricsRecorder) RunnerOption {
	return func(r *Runner) {
		if rec != nil {
			r.metrics = rec
		}
	}
}

// WithCheckpointStore enables periodic checkpoints.
func WithCheckpointStore(store interfaces.CheckpointStore) RunnerOption {
	return func(r *Runner) { r.store = store }
}

// WithProgressSinks adds per-iteration metric sinks.
func WithProgressSinks(sinks ...interfaces.ProgressSink) RunnerOption {
	return func(r *Runner) { r.sinks = append(r.sinks, sinks...) }
}

// Runner drives the training loop over a dataset.
type Runner struct {
	logger  *logrus.Logger
	config  *RunnerConfig
	driver  *Driver
	dataset *preprocess.Dataset
	rng     *rand.Rand

	metrics MetricsRecorder
	store   interfaces.CheckpointStore
	sinks   []interfaces.ProgressSink

	tracked *preprocess.Pair

	mu     sync.RWMutex
	status Status
}

// NewRunner creates a runner. Unset config fields take their defaults.
func NewRunner(config *RunnerConfig, driver *Driver, dataset *preprocess.Dataset, logger *logrus.Logger, opts ...RunnerOption) *Runner {
	if config == nil {
		config = &RunnerConfig{NumIters: constants.DefaultNumIters}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.RunID == "" {
		config.RunID = uuid.New().String()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = constants.DefaultBatchSize
	}
	if config.MaxLength <= 0 {
		config.MaxLength = constants.DefaultMaxLength
	}
	if config.PrintEvery <= 0 {
		config.PrintEvery = constants.DefaultPrintEvery
	}
	if config.ValidateEvery <= 0 {
		config.ValidateEvery = constants.DefaultValidateEvery
	}
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}

	r := &Runner{
		logger:  logger,
		config:  config,
		driver:  driver,
		dataset: dataset,
		rng:     rand.New(rand.NewSource(config.Seed)),
		metrics: noopRecorder{},
		status: Status{
			RunID:    config.RunID,
			State:    StateIdle,
			NumIters: config.NumIters,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if config.TrackingPair && len(dataset.Train) > 0 {
		pair := dataset.Train[r.rng.Intn(len(dataset.Train))]
		r.tracked = &pair
	}
	return r
}

// Status returns a snapshot of the runner's progress.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Runner) update(fn func(s *Status)) {
	r.mu.Lock()
	fn(&r.status)
	r.status.UpdatedAt = time.Now()
	state := r.status.State
	r.mu.Unlock()
	r.metrics.SetState(string(state))
}

func (r *Runner) setState(state State) {
	r.update(func(s *Status) { s.State = state })
}

// Run trains for the configured number of iterations. It returns early with
// the context's error when ctx is cancelled between batches, and with a
// numerical error if training diverges.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{
		RunID:        r.config.RunID,
		FinalValLoss: math.NaN(),
		BestValLoss:  math.Inf(1),
	}
	r.update(func(s *Status) { s.StartedAt = start })
	defer r.setState(StateIdle)

	log := r.logger.WithField("run_id", r.config.RunID)
	if r.config.NumIters <= 0 || len(r.dataset.Train) == 0 {
		log.WithField("num_iters", r.config.NumIters).Info("Nothing to train")
		summary.Duration = time.Since(start)
		return summary, nil
	}

	numBatches := (len(r.dataset.Train) + r.config.BatchSize - 1) / r.config.BatchSize
	log.WithFields(logrus.Fields{
		"num_iters":   r.config.NumIters,
		"batch_size":  r.config.BatchSize,
		"num_batches": numBatches,
		"train_pairs": len(r.dataset.Train),
		"val_pairs":   len(r.dataset.Validation),
	}).Info("Starting training")

	for iter := 1; iter <= r.config.NumIters; iter++ {
		iterStart := time.Now()
		r.update(func(s *Status) {
			s.State = StateTraining
			s.Iteration = iter
			s.NumBatches = numBatches
			s.Batch = 0
		})

		im, err := r.trainIteration(ctx, iter, numBatches)
		summary.Steps += im.Batches
		if err != nil {
			return summary, err
		}

		if len(r.dataset.Validation) > 0 && iter%r.config.ValidateEvery == 0 {
			r.setState(StateValidating)
			valLoss, err := r.validate(ctx)
			if err != nil {
				return summary, err
			}
			im.ValLoss, im.HasValLoss = valLoss, true
			summary.FinalValLoss = valLoss
			if valLoss < summary.BestValLoss {
				summary.BestValLoss = valLoss
			}
			r.update(func(s *Status) { s.LastValLoss = valLoss })
		}

		if r.tracked != nil {
			r.setState(StateSampling)
			if sample, err := r.decode(*r.tracked); err == nil {
				log.WithFields(logrus.Fields{
					"iteration": iter,
					"input":     sample.Input,
					"target":    sample.Target,
					"output":    sample.Output,
				}).Info("Tracking pair")
			} else {
				log.WithError(err).Warn("Failed to decode tracking pair")
			}
		}

		im.Duration = time.Since(iterStart)
		im.Timestamp = time.Now()
		summary.Iterations = iter
		summary.FinalTrainLoss = im.TrainLoss

		fields := logrus.Fields{
			"iteration":  iter,
			"train_loss": im.TrainLoss,
			"grad_norm":  im.MeanGradNorm,
			"duration":   im.Duration,
		}
		if im.HasValLoss {
			fields["val_loss"] = im.ValLoss
		}
		log.WithFields(fields).Info("Iteration completed")

		r.metrics.ObserveIteration(im)
		r.record(ctx, im)
		if r.shouldCheckpoint(iter) && r.checkpoint(ctx, im) {
			summary.Checkpoints++
		}
	}

	if math.IsInf(summary.BestValLoss, 1) {
		summary.BestValLoss = math.NaN()
	}
	summary.Duration = time.Since(start)
	log.WithFields(logrus.Fields{
		"iterations":  summary.Iterations,
		"steps":       summary.Steps,
		"train_loss":  summary.FinalTrainLoss,
		"checkpoints": summary.Checkpoints,
		"duration":    summary.Duration,
	}).Info("Training finished")
	return summary, nil
}

func (r *Runner) trainIteration(ctx context.Context, iter, numBatches int) (*models.IterationMetrics, error) {
	im := &models.IterationMetrics{RunID: r.config.RunID, Iteration: iter}

	order := r.rng.Perm(len(r.dataset.Train))
	var weighted, printLoss, normSum float64
	printTokens := 0
	for b := 0; b < numBatches; b++ {
		if err := ctx.Err(); err != nil {
			return im, err
		}

		lo, hi := b*r.config.BatchSize, (b+1)*r.config.BatchSize
		if hi > len(order) {
			hi = len(order)
		}
		pairs := make([]preprocess.Pair, 0, hi-lo)
		for _, idx := range order[lo:hi] {
			pairs = append(pairs, r.dataset.Train[idx])
		}
		batch, err := NewBatch(pairs)
		if err != nil {
			return im, err
		}

		res, err := r.driver.Step(ctx, batch)
		if err != nil {
			return im, err
		}
		r.metrics.ObserveStep(res)

		im.Batches++
		im.Tokens += res.Tokens
		weighted += res.Loss * float64(res.Tokens)
		printLoss += res.Loss * float64(res.Tokens)
		printTokens += res.Tokens
		normSum += res.GradNorm
		if res.GradNorm > im.MaxGradNorm {
			im.MaxGradNorm = res.GradNorm
		}

		current := b + 1
		r.update(func(s *Status) {
			s.Batch = current
			s.LastTrainLoss = res.Loss
		})
		if current%r.config.PrintEvery == 0 {
			r.logger.WithFields(logrus.Fields{
				"run_id":    r.config.RunID,
				"iteration": iter,
				"batch":     fmt.Sprintf("%d/%d", current, numBatches),
				"avg_loss":  printLoss / float64(printTokens),
			}).Info("Training progress")
			printLoss, printTokens = 0, 0
		}
	}

	im.TrainLoss = weighted / float64(im.Tokens)
	im.MeanGradNorm = normSum / float64(im.Batches)
	r.update(func(s *Status) { s.LastTrainLoss = im.TrainLoss })
	return im, nil
}

// validate returns the token-weighted mean loss over the validation split.
func (r *Runner) validate(ctx context.Context) (float64, error) {
	pairs := r.dataset.Validation
	var total float64
	tokens := 0
	for lo := 0; lo < len(pairs); lo += r.config.BatchSize {
		hi := lo + r.config.BatchSize
		if hi > len(pairs) {
			hi = len(pairs)
		}
		batch, err := NewBatch(pairs[lo:hi])
		if err != nil {
			return 0, err
		}
		res, err := r.driver.Evaluate(ctx, batch)
		if err != nil {
			return 0, err
		}
		total += res.Loss * float64(res.Tokens)
		tokens += res.Tokens
	}
	return total / float64(tokens), nil
}

func (r *Runner) decode(pair preprocess.Pair) (*models.Sample, error) {
	out, err := r.driver.Model().GreedyDecode(pair.Input, r.config.MaxLength)
	if err != nil {
		return nil, err
	}
	vocab := r.dataset.Vocab
	return &models.Sample{
		Input:  strings.Join(vocab.Decode(pair.Input), " "),
		Target: strings.Join(vocab.Decode(pair.Target), " "),
		Output: strings.Join(vocab.Decode(out), " "),
	}, nil
}

// EvaluateRandomly greedy-decodes up to n distinct random validation pairs
// (training pairs when there is no validation split) and logs them.
func (r *Runner) EvaluateRandomly(ctx context.Context, n int) ([]*models.Sample, error) {
	pool := r.dataset.Validation
	if len(pool) == 0 {
		pool = r.dataset.Train
	}
	if n > len(pool) {
		n = len(pool)
	}

	r.setState(StateSampling)
	defer r.setState(StateIdle)

	samples := make([]*models.Sample, 0, n)
	for _, idx := range r.rng.Perm(len(pool))[:n] {
		if err := ctx.Err(); err != nil {
			return samples, err
		}
		sample, err := r.decode(pool[idx])
		if err != nil {
			return samples, err
		}
		r.logger.WithFields(logrus.Fields{
			"run_id": r.config.RunID,
			"input":  sample.Input,
			"target": sample.Target,
			"output": sample.Output,
		}).Info("Sample")
		samples = append(samples, sample)
	}
	return samples, nil
}

// record forwards iteration metrics to every sink. Sink failures are logged
// and counted; they never stop training.
func (r *Runner) record(ctx context.Context, im *models.IterationMetrics) {
	for _, sink := range r.sinks {
		if err := sink.Record(ctx, im); err != nil {
			info, _ := sink.GetInfo(ctx)
			backend := "sink"
			if info != nil {
				backend = info.Type
			}
			r.metrics.StorageError(backend, "record")
			r.logger.WithError(err).WithFields(logrus.Fields{
				"run_id":    r.config.RunID,
				"iteration": im.Iteration,
				"backend":   backend,
			}).Warn("Failed to record iteration metrics")
		}
	}
}

func (r *Runner) shouldCheckpoint(iter int) bool {
	if r.store == nil || r.config.CheckpointEvery <= 0 {
		return false
	}
	return iter%r.config.CheckpointEvery == 0 || iter == r.config.NumIters
}

// CheckpointKey returns the storage key of the snapshot taken after iter.
func CheckpointKey(runID string, iter int) string {
	return fmt.Sprintf("%s/iter-%04d.ckpt", runID, iter)
}

func (r *Runner) checkpoint(ctx context.Context, im *models.IterationMetrics) bool {
	key := CheckpointKey(r.config.RunID, im.Iteration)
	log := r.logger.WithFields(logrus.Fields{"run_id": r.config.RunID, "key": key})

	data, err := r.driver.Model().Snapshot(model.CheckpointMeta{
		RunID:     r.config.RunID,
		Iteration: im.Iteration,
		TrainLoss: im.TrainLoss,
		ValLoss:   im.ValLoss,
	}, encoding.CompressionType(r.config.Compression))
	if err != nil {
		log.WithError(err).Warn("Failed to snapshot model")
		return false
	}
	if err := r.store.Save(ctx, key, data); err != nil {
		r.metrics.StorageError("checkpoint", "save")
		log.WithError(err).Warn("Failed to save checkpoint")
		return false
	}
	log.WithField("bytes", len(data)).Info("Saved checkpoint")
	return true
}
