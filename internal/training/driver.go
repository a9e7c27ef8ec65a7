package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/chatgru/internal/model"
	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/errors"
)

// DriverConfig holds the per-step training hyperparameters.
type DriverConfig struct {
	LearningRate        float64 `json:"learning_rate"`
	Clip                float64 `json:"clip"`                  // Max global gradient norm, 0 disables
	TeacherForcingRatio float64 `json:"teacher_forcing_ratio"` // Probability a batch is fed ground truth
	Seed                int64   `json:"seed"`
}

// StepResult reports one training or evaluation step.
type StepResult struct {
	Loss         float64       `json:"loss"` // Mean loss per true target token
	Tokens       int           `json:"tokens"`
	DecoderSteps int           `json:"decoder_steps"`
	GradNorm     float64       `json:"grad_norm"` // Before clipping; zero for evaluation
	Duration     time.Duration `json:"duration"`
}

// Driver runs forward, backward and optimizer updates for single batches.
type Driver struct {
	logger    *logrus.Logger
	config    *DriverConfig
	model     *model.Seq2Seq
	optimizer *AdamOptimizer
	rng       *rand.Rand
}

// NewDriver creates a driver that updates m.
func NewDriver(m *model.Seq2Seq, config *DriverConfig, logger *logrus.Logger) *Driver {
	if config == nil {
		config = &DriverConfig{
			LearningRate:        constants.DefaultLearningRate,
			Clip:                constants.DefaultClip,
			TeacherForcingRatio: constants.DefaultTeacherForcingRatio,
		}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}
	return &Driver{
		logger:    logger,
		config:    config,
		model:     m,
		optimizer: NewAdamOptimizer(config.LearningRate),
		rng:       rand.New(rand.NewSource(config.Seed)),
	}
}

// Model returns the model being trained.
func (d *Driver) Model() *model.Seq2Seq { return d.model }

// Optimizer returns the driver's optimizer.
func (d *Driver) Optimizer() *AdamOptimizer { return d.optimizer }

// forwardResult keeps what the backward pass needs.
type forwardResult struct {
	state  *model.EncoderState
	steps  []*model.DecoderStep
	grads  []*mat.Dense
	loss   float64
	tokens int
}

// forward runs the encoder and exactly batch.MaxTargetLength decoder steps.
func (d *Driver) forward(batch *Batch, train, teacherForcing bool) (*forwardResult, error) {
	tokens := batch.NumTokens()
	if tokens == 0 {
		return nil, errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeData, errors.CodeEmptyBatch,
			"Batch has no target tokens")
	}

	state, err := d.model.Encoder.Forward(batch.Inputs, batch.InputLengths)
	if err != nil {
		return nil, err
	}

	res := &forwardResult{
		state:  state,
		steps:  make([]*model.DecoderStep, 0, batch.MaxTargetLength),
		grads:  make([]*mat.Dense, 0, batch.MaxTargetLength),
		tokens: tokens,
	}
	scale := 1.0 / float64(tokens)

	prev := make([]int, batch.Size())
	for i := range prev {
		prev[i] = constants.SOSIndex
	}
	hidden := state.Hidden
	counted := 0
	for t := 0; t < batch.MaxTargetLength; t++ {
		step := d.model.Decoder.Step(prev, hidden, train)
		loss, n, grad := MaskedCrossEntropy(step.LogProbs, batch.Targets[t], batch.Mask[t], scale)
		res.loss += loss
		counted += n
		res.steps = append(res.steps, step)
		res.grads = append(res.grads, grad)

		hidden = step.Hidden
		if teacherForcing {
			prev = batch.Targets[t]
		} else {
			prev = model.Argmax(step.LogProbs)
		}
	}
	if counted != tokens {
		return nil, errors.NewInternalError(fmt.Sprintf("masked %d tokens, batch has %d", counted, tokens))
	}
	res.loss /= float64(tokens)
	return res, nil
}

// Step trains on one batch: forward with dropout, masked loss, backward,
// gradient clipping and an Adam update. A non-finite loss or gradient norm
// returns a numerical error before any parameter changes.
func (d *Driver) Step(ctx context.Context, batch *Batch) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	d.model.ZeroGrad()
	teacherForcing := d.config.TeacherForcingRatio >= 1 || d.rng.Float64() < d.config.TeacherForcingRatio
	res, err := d.forward(batch, true, teacherForcing)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(res.loss) || math.IsInf(res.loss, 0) {
		return nil, nonFinite("loss", res.loss)
	}

	var dHidden []*mat.Dense
	for t := len(res.steps) - 1; t >= 0; t-- {
		dHidden = d.model.Decoder.StepBackward(res.steps[t], res.grads[t], dHidden)
	}
	d.model.Encoder.Backward(res.state, dHidden)

	params := d.model.Parameters()
	norm := ClipGradNorm(params, d.config.Clip)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, nonFinite("gradient norm", norm)
	}
	d.optimizer.Step(params)

	result := &StepResult{
		Loss:         res.loss,
		Tokens:       res.tokens,
		DecoderSteps: len(res.steps),
		GradNorm:     norm,
		Duration:     time.Since(start),
	}
	d.logger.WithFields(logrus.Fields{
		"loss":            result.Loss,
		"tokens":          result.Tokens,
		"decoder_steps":   result.DecoderSteps,
		"grad_norm":       result.GradNorm,
		"teacher_forcing": teacherForcing,
	}).Trace("Training step")
	return result, nil
}

// Evaluate computes the masked loss of batch without dropout and without
// touching parameters or gradients.
func (d *Driver) Evaluate(ctx context.Context, batch *Batch) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := d.forward(batch, false, true)
	if err != nil {
		return nil, err
	}
	return &StepResult{
		Loss:         res.loss,
		Tokens:       res.tokens,
		DecoderSteps: len(res.steps),
		Duration:     time.Since(start),
	}, nil
}

func nonFinite(what string, value float64) error {
	return errors.WrapError(errors.ErrNonFiniteLoss, errors.ErrorTypeNumerical, errors.CodeNonFiniteLoss,
		"Training diverged").WithDetails(fmt.Sprintf("%s is %v", what, value))
}
