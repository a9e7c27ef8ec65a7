package model

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/chatgru/pkg/constants"
)

// Embedding maps token indices to rows of a V×D table.
type Embedding struct {
	Table *Param
	Dim   int
}

// NewEmbedding wraps a pre-trained table. The table is copied; it is frozen
// unless trainable is set.
func NewEmbedding(table *mat.Dense, trainable bool) *Embedding {
	rows, cols := table.Dims()
	p := NewParam("embedding", rows, cols)
	p.Value.Copy(table)
	p.Frozen = !trainable
	return &Embedding{Table: p, Dim: cols}
}

// Lookup returns a D×B matrix whose column b is the embedding of ids[b].
func (e *Embedding) Lookup(ids []int) *mat.Dense {
	out := mat.NewDense(e.Dim, len(ids), nil)
	for b, id := range ids {
		out.SetCol(b, e.Table.Value.RawRowView(id))
	}
	return out
}

// Backward scatters dx (D×B) into the rows selected by ids. Frozen tables and
// the padding row receive no gradient.
func (e *Embedding) Backward(ids []int, dx *mat.Dense) {
	if e.Table.Frozen {
		return
	}
	for b, id := range ids {
		if id == constants.PadIndex {
			continue
		}
		row := e.Table.Grad.RawRowView(id)
		for d := range row {
			row[d] += dx.At(d, b)
		}
	}
}

// Linear is a dense projection y = W·x + b over column-wise batches.
type Linear struct {
	W *Param // out×in
	B *Param // out×1
}

// NewLinear creates a Xavier-initialized projection.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		W: NewParam(name+".w", out, in),
		B: NewParam(name+".b", out, 1),
	}
	xavierInit(l.W.Value, rng)
	return l
}

// Parameters returns the weight and bias.
func (l *Linear) Parameters() []*Param {
	return []*Param{l.W, l.B}
}

// Forward computes W·x + b.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(l.W.Value, x)
	addBias(&out, l.B.Value)
	return &out
}

// Backward accumulates weight gradients and returns dL/dx.
func (l *Linear) Backward(x, dy *mat.Dense) *mat.Dense {
	accumulate(l.W.Grad, dy, x)
	accumulateBias(l.B.Grad, dy)
	return mulT(l.W.Value, dy)
}
