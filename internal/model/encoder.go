package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/chatgru/pkg/errors"
)

// Encoder reads a padded, time-major batch of token indices and produces the
// final hidden state of every layer.
type Encoder struct {
	embedding *Embedding
	rnn       *GRU
}

// EncoderState is the result of an encoder pass. Outputs holds the top
// layer's hidden state at every step; Hidden holds every layer's state after
// each column's last true token.
type EncoderState struct {
	Outputs []*mat.Dense
	Hidden  []*mat.Dense

	inputs [][]int
	caches []*stackCache
}

// NewEncoder creates an encoder reading from embedding.
func NewEncoder(embedding *Embedding, hiddenSize, numLayers int, rng *rand.Rand) *Encoder {
	return &Encoder{
		embedding: embedding,
		rnn:       NewGRU("encoder.gru", embedding.Dim, hiddenSize, numLayers, rng),
	}
}

// Parameters returns the recurrent parameters. The embedding table is owned
// by the enclosing model.
func (e *Encoder) Parameters() []*Param {
	return e.rnn.Parameters()
}

// Forward encodes inputs, where inputs[t][b] is the token of column b at step
// t. Columns must be sorted by descending true length; steps at or past a
// column's length leave its hidden state unchanged.
func (e *Encoder) Forward(inputs [][]int, lengths []int) (*EncoderState, error) {
	if err := checkLengths(inputs, lengths); err != nil {
		return nil, err
	}

	batchSize := len(lengths)
	state := &EncoderState{
		Outputs: make([]*mat.Dense, len(inputs)),
		inputs:  inputs,
		caches:  make([]*stackCache, len(inputs)),
	}
	hidden := e.rnn.ZeroHidden(batchSize)
	active := make([]bool, batchSize)
	for t, ids := range inputs {
		for b := range active {
			active[b] = t < lengths[b]
		}
		x := e.embedding.Lookup(ids)
		hidden, state.caches[t] = e.rnn.Step(x, hidden, append([]bool(nil), active...))
		state.Outputs[t] = hidden[len(hidden)-1]
	}
	state.Hidden = hidden
	return state, nil
}

// Backward propagates the gradient of the final hidden states back through
// time, accumulating into the recurrent weights and the embedding table.
func (e *Encoder) Backward(state *EncoderState, dHidden []*mat.Dense) {
	d := dHidden
	for t := len(state.caches) - 1; t >= 0; t-- {
		var dx *mat.Dense
		dx, d = e.rnn.StepBackward(state.caches[t], d)
		e.embedding.Backward(state.inputs[t], dx)
	}
}

func checkLengths(inputs [][]int, lengths []int) error {
	if len(lengths) == 0 {
		return errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeConfiguration, errors.CodeEmptyBatch,
			"Encoder batch has no columns")
	}
	for b, n := range lengths {
		if n < 1 || n > len(inputs) {
			return errors.WrapError(errors.ErrShapeMismatch, errors.ErrorTypeConfiguration, errors.CodeShapeMismatch,
				"Input length out of range").WithDetails(fmt.Sprintf("column %d has length %d with %d steps", b, n, len(inputs)))
		}
		if b > 0 && n > lengths[b-1] {
			return errors.WrapError(errors.ErrUnsortedBatch, errors.ErrorTypeConfiguration, errors.CodeUnsortedBatch,
				"Input lengths must be sorted in descending order").WithContext("lengths", lengths)
		}
	}
	for t, ids := range inputs {
		if len(ids) != len(lengths) {
			return errors.WrapError(errors.ErrShapeMismatch, errors.ErrorTypeConfiguration, errors.CodeShapeMismatch,
				"Ragged input step").WithDetails(fmt.Sprintf("step %d has %d columns, want %d", t, len(ids), len(lengths)))
		}
	}
	return nil
}
