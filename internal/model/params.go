package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a trainable tensor together with its accumulated gradient.
type Param struct {
	Name   string
	Value  *mat.Dense
	Grad   *mat.Dense
	Frozen bool
}

// NewParam allocates a zero-valued parameter of the given shape.
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Size returns the number of scalar values held by the parameter.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// xavierInit fills m with N(0, 2/(fanIn+fanOut)) samples.
func xavierInit(m *mat.Dense, rng *rand.Rand) {
	rows, cols := m.Dims()
	scale := math.Sqrt(2.0 / float64(rows+cols))
	data := m.RawMatrix().Data
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
}
