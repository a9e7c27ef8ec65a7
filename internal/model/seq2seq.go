// Package model implements the encoder/decoder GRU network and its
// hand-written backward pass.
package model

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/errors"
)

// Config describes the network architecture.
type Config struct {
	HiddenSize     int     `json:"hidden_size"`
	NumLayers      int     `json:"num_layers"`
	DropoutP       float64 `json:"dropout_p"`       // Decoder input dropout
	TrainEmbedding bool    `json:"train_embedding"` // Update the pre-trained table
	Seed           int64   `json:"seed"`
}

// Seq2Seq couples an encoder and a decoder that share one embedding table.
type Seq2Seq struct {
	logger    *logrus.Logger
	config    *Config
	Embedding *Embedding
	Encoder   *Encoder
	Decoder   *Decoder
	vocabSize int
}

// New builds a model on top of a pre-trained V×D embedding matrix.
func New(config *Config, embeddings *mat.Dense, logger *logrus.Logger) (*Seq2Seq, error) {
	if config == nil {
		config = &Config{
			HiddenSize: constants.DefaultHiddenSize,
			NumLayers:  constants.DefaultNumLayers,
			DropoutP:   constants.DefaultDropout,
		}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}
	if embeddings == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidValue, "embedding matrix is required")
	}

	ve := errors.NewValidationErrors()
	if config.HiddenSize < 1 {
		ve.Add("hidden_size", errors.CodeOutOfRange, "must be positive", config.HiddenSize)
	}
	if config.NumLayers < 1 {
		ve.Add("num_layers", errors.CodeOutOfRange, "must be positive", config.NumLayers)
	}
	if config.DropoutP < 0 || config.DropoutP >= 1 {
		ve.Add("dropout", errors.CodeOutOfRange, "must be in [0, 1)", config.DropoutP)
	}
	vocabSize, dim := embeddings.Dims()
	if vocabSize <= constants.NumReservedTokens {
		ve.Add("embeddings", errors.CodeShapeMismatch, "must have a row per vocabulary word", vocabSize)
	}
	if ve.HasErrors() {
		return nil, ve.AsAppError()
	}

	rng := rand.New(rand.NewSource(config.Seed))
	emb := NewEmbedding(embeddings, config.TrainEmbedding)
	m := &Seq2Seq{
		logger:    logger,
		config:    config,
		Embedding: emb,
		Encoder:   NewEncoder(emb, config.HiddenSize, config.NumLayers, rng),
		Decoder:   NewDecoder(emb, config.HiddenSize, config.NumLayers, vocabSize, config.DropoutP, rng),
		vocabSize: vocabSize,
	}

	total, trainable := m.NumParameters()
	logger.WithFields(logrus.Fields{
		"vocab_size":       vocabSize,
		"embedding_dim":    dim,
		"hidden_size":      config.HiddenSize,
		"num_layers":       config.NumLayers,
		"dropout":          config.DropoutP,
		"train_embedding":  config.TrainEmbedding,
		"parameters":       total,
		"trainable_params": trainable,
	}).Info("Built seq2seq model")

	return m, nil
}

// Config returns the architecture the model was built with.
func (m *Seq2Seq) Config() *Config { return m.config }

// VocabSize returns the number of output classes.
func (m *Seq2Seq) VocabSize() int { return m.vocabSize }

// Parameters returns every parameter once, the shared embedding first.
func (m *Seq2Seq) Parameters() []*Param {
	params := []*Param{m.Embedding.Table}
	params = append(params, m.Encoder.Parameters()...)
	return append(params, m.Decoder.Parameters()...)
}

// ZeroGrad clears every parameter gradient.
func (m *Seq2Seq) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// NumParameters returns the total and trainable scalar counts.
func (m *Seq2Seq) NumParameters() (total, trainable int) {
	for _, p := range m.Parameters() {
		total += p.Size()
		if !p.Frozen {
			trainable += p.Size()
		}
	}
	return total, trainable
}

// GreedyDecode encodes a single input sequence and emits the most likely
// token at every step, starting from <sos>, until <eos> or maxLength tokens.
// The returned tokens include the final <eos> when one was produced.
func (m *Seq2Seq) GreedyDecode(input []int, maxLength int) ([]int, error) {
	if len(input) == 0 {
		return nil, errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeConfiguration, errors.CodeEmptyBatch,
			"cannot decode an empty input")
	}
	if maxLength < 1 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange, fmt.Sprintf("max length %d must be positive", maxLength))
	}

	steps := make([][]int, len(input))
	for t, id := range input {
		steps[t] = []int{id}
	}
	state, err := m.Encoder.Forward(steps, []int{len(input)})
	if err != nil {
		return nil, err
	}

	hidden := state.Hidden
	prev := []int{constants.SOSIndex}
	out := make([]int, 0, maxLength)
	for len(out) < maxLength {
		step := m.Decoder.Step(prev, hidden, false)
		next := Argmax(step.LogProbs)[0]
		out = append(out, next)
		if next == constants.EOSIndex {
			break
		}
		hidden = step.Hidden
		prev = []int{next}
	}
	return out, nil
}
