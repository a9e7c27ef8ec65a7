package model

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Decoder generates one token distribution per step, conditioned on the
// previous token and its recurrent state.
type Decoder struct {
	embedding *Embedding
	rnn       *GRU
	out       *Linear
	dropoutP  float64
	rng       *rand.Rand
}

// DecoderStep is the output of one decoder step plus what StepBackward needs.
type DecoderStep struct {
	LogProbs *mat.Dense   // V×B
	Hidden   []*mat.Dense // per layer, H×B

	prev  []int
	drop  *mat.Dense
	cache *stackCache
}

// NewDecoder creates a decoder with an output projection over vocabSize
// classes.
func NewDecoder(embedding *Embedding, hiddenSize, numLayers, vocabSize int, dropoutP float64, rng *rand.Rand) *Decoder {
	return &Decoder{
		embedding: embedding,
		rnn:       NewGRU("decoder.gru", embedding.Dim, hiddenSize, numLayers, rng),
		out:       NewLinear("decoder.out", hiddenSize, vocabSize, rng),
		dropoutP:  dropoutP,
		rng:       rng,
	}
}

// Parameters returns the recurrent and output projection parameters.
func (d *Decoder) Parameters() []*Param {
	return append(d.rnn.Parameters(), d.out.Parameters()...)
}

// Step feeds prev (one token per column) and returns log-probabilities over
// the vocabulary. Dropout is applied to the input embedding only when train
// is set.
func (d *Decoder) Step(prev []int, hidden []*mat.Dense, train bool) *DecoderStep {
	x := d.embedding.Lookup(prev)

	var drop *mat.Dense
	if train && d.dropoutP > 0 {
		rows, cols := x.Dims()
		drop = mat.NewDense(rows, cols, nil)
		keep := 1.0 / (1.0 - d.dropoutP)
		data := drop.RawMatrix().Data
		for i := range data {
			if d.rng.Float64() >= d.dropoutP {
				data[i] = keep
			}
		}
		x.MulElem(x, drop)
	}

	next, cache := d.rnn.Step(x, hidden, nil)
	logits := d.out.Forward(next[len(next)-1])
	return &DecoderStep{
		LogProbs: LogSoftmax(logits),
		Hidden:   next,
		prev:     prev,
		drop:     drop,
		cache:    cache,
	}
}

// StepBackward takes the gradient of the loss with respect to this step's
// logits and with respect to its output hidden states (from later steps; nil
// for the last step) and returns the gradient with respect to the hidden
// states the step was fed.
func (d *Decoder) StepBackward(step *DecoderStep, dLogits *mat.Dense, dHidden []*mat.Dense) []*mat.Dense {
	top := len(step.Hidden) - 1
	dTop := d.out.Backward(step.Hidden[top], dLogits)

	dNext := make([]*mat.Dense, len(step.Hidden))
	copy(dNext, dHidden)
	if dNext[top] != nil {
		dTop.Add(dTop, dNext[top])
	}
	dNext[top] = dTop

	dx, dPrev := d.rnn.StepBackward(step.cache, dNext)
	if step.drop != nil {
		dx.MulElem(dx, step.drop)
	}
	d.embedding.Backward(step.prev, dx)
	return dPrev
}
