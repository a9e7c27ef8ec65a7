package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// GRULayer is a single gated recurrent layer operating on a batch laid out
// column-wise: inputs are D×B and hidden states H×B.
//
//	r  = σ(Wr·x + Ur·h + br)
//	z  = σ(Wz·x + Uz·h + bz)
//	n  = tanh(Wn·x + Un·(r⊙h) + bn)
//	h' = (1-z)⊙h + z⊙n
type GRULayer struct {
	InputSize  int
	HiddenSize int

	Wr, Wz, Wn *Param // H×D
	Ur, Uz, Un *Param // H×H
	Br, Bz, Bn *Param // H×1
}

// gruCache holds the activations of one forward step needed by Backward.
type gruCache struct {
	x, h    *mat.Dense
	r, z, n *mat.Dense
	rh      *mat.Dense
	active  []bool
}

// NewGRULayer creates a layer with Xavier-initialized weights and zero biases.
func NewGRULayer(name string, inputSize, hiddenSize int, rng *rand.Rand) *GRULayer {
	l := &GRULayer{
		InputSize:  inputSize,
		HiddenSize: hiddenSize,
		Wr:         NewParam(name+".w_r", hiddenSize, inputSize),
		Wz:         NewParam(name+".w_z", hiddenSize, inputSize),
		Wn:         NewParam(name+".w_n", hiddenSize, inputSize),
		Ur:         NewParam(name+".u_r", hiddenSize, hiddenSize),
		Uz:         NewParam(name+".u_z", hiddenSize, hiddenSize),
		Un:         NewParam(name+".u_n", hiddenSize, hiddenSize),
		Br:         NewParam(name+".b_r", hiddenSize, 1),
		Bz:         NewParam(name+".b_z", hiddenSize, 1),
		Bn:         NewParam(name+".b_n", hiddenSize, 1),
	}
	for _, p := range []*Param{l.Wr, l.Wz, l.Wn, l.Ur, l.Uz, l.Un} {
		xavierInit(p.Value, rng)
	}
	return l
}

// Parameters returns the layer's parameters in a fixed order.
func (l *GRULayer) Parameters() []*Param {
	return []*Param{l.Wr, l.Wz, l.Wn, l.Ur, l.Uz, l.Un, l.Br, l.Bz, l.Bn}
}

// Forward advances the hidden state by one step. Columns whose active flag is
// false keep their previous hidden state; a nil active slice means every
// column is active.
func (l *GRULayer) Forward(x, h *mat.Dense, active []bool) (*mat.Dense, *gruCache) {
	r := affine(l.Wr.Value, x, l.Ur.Value, h, l.Br.Value)
	r.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, r)

	z := affine(l.Wz.Value, x, l.Uz.Value, h, l.Bz.Value)
	z.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, z)

	rh := mat.NewDense(l.HiddenSize, h.RawMatrix().Cols, nil)
	rh.MulElem(r, h)

	n := affine(l.Wn.Value, x, l.Un.Value, rh, l.Bn.Value)
	n.Apply(func(_, _ int, v float64) float64 { return tanh(v) }, n)

	rows, cols := h.Dims()
	next := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			hv := h.At(i, j)
			if active != nil && !active[j] {
				next.Set(i, j, hv)
				continue
			}
			zv := z.At(i, j)
			next.Set(i, j, (1-zv)*hv+zv*n.At(i, j))
		}
	}

	return next, &gruCache{x: x, h: h, r: r, z: z, n: n, rh: rh, active: active}
}

// Backward accumulates weight gradients for one step given the gradient of
// the loss with respect to that step's output hidden state, and returns the
// gradients with respect to the step's input and previous hidden state.
func (l *GRULayer) Backward(c *gruCache, dNext *mat.Dense) (dx, dPrev *mat.Dense) {
	rows, cols := dNext.Dims()
	if rows != l.HiddenSize {
		panic(fmt.Sprintf("gru: gradient has %d rows, want %d", rows, l.HiddenSize))
	}

	dPrev = mat.NewDense(rows, cols, nil)
	dan := mat.NewDense(rows, cols, nil)
	daz := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			g := dNext.At(i, j)
			if c.active != nil && !c.active[j] {
				dPrev.Set(i, j, g)
				continue
			}
			z, n, h := c.z.At(i, j), c.n.At(i, j), c.h.At(i, j)
			dPrev.Set(i, j, g*(1-z))
			dan.Set(i, j, g*z*(1-n*n))
			daz.Set(i, j, g*(n-h)*z*(1-z))
		}
	}

	accumulate(l.Wn.Grad, dan, c.x)
	accumulate(l.Un.Grad, dan, c.rh)
	accumulateBias(l.Bn.Grad, dan)

	drh := mulT(l.Un.Value, dan)
	dar := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			d := drh.At(i, j)
			r := c.r.At(i, j)
			dPrev.Set(i, j, dPrev.At(i, j)+d*r)
			dar.Set(i, j, d*c.h.At(i, j)*r*(1-r))
		}
	}

	accumulate(l.Wr.Grad, dar, c.x)
	accumulate(l.Ur.Grad, dar, c.h)
	accumulateBias(l.Br.Grad, dar)
	accumulate(l.Wz.Grad, daz, c.x)
	accumulate(l.Uz.Grad, daz, c.h)
	accumulateBias(l.Bz.Grad, daz)

	dPrev.Add(dPrev, mulT(l.Ur.Value, dar))
	dPrev.Add(dPrev, mulT(l.Uz.Value, daz))

	dx = mulT(l.Wr.Value, dar)
	dx.Add(dx, mulT(l.Wz.Value, daz))
	dx.Add(dx, mulT(l.Wn.Value, dan))
	return dx, dPrev
}

// GRU is a stack of GRU layers; layer i feeds layer i+1 at the same step.
type GRU struct {
	Layers []*GRULayer
}

// stackCache holds one step's caches for every layer.
type stackCache struct {
	layers []*gruCache
}

// NewGRU builds a stack of numLayers layers.
func NewGRU(name string, inputSize, hiddenSize, numLayers int, rng *rand.Rand) *GRU {
	g := &GRU{Layers: make([]*GRULayer, numLayers)}
	for i := range g.Layers {
		in := inputSize
		if i > 0 {
			in = hiddenSize
		}
		g.Layers[i] = NewGRULayer(fmt.Sprintf("%s.l%d", name, i), in, hiddenSize, rng)
	}
	return g
}

// Parameters returns every layer's parameters.
func (g *GRU) Parameters() []*Param {
	var params []*Param
	for _, l := range g.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// ZeroHidden returns an all-zero hidden state for a batch of the given size.
func (g *GRU) ZeroHidden(batchSize int) []*mat.Dense {
	hidden := make([]*mat.Dense, len(g.Layers))
	for i, l := range g.Layers {
		hidden[i] = mat.NewDense(l.HiddenSize, batchSize, nil)
	}
	return hidden
}

// Step runs one time step through the stack. The top layer's new hidden
// state is the step output.
func (g *GRU) Step(x *mat.Dense, hidden []*mat.Dense, active []bool) ([]*mat.Dense, *stackCache) {
	next := make([]*mat.Dense, len(g.Layers))
	cache := &stackCache{layers: make([]*gruCache, len(g.Layers))}
	in := x
	for i, l := range g.Layers {
		next[i], cache.layers[i] = l.Forward(in, hidden[i], active)
		in = next[i]
	}
	return next, cache
}

// StepBackward propagates per-layer gradients of one step's new hidden states
// back through the stack. Nil entries in dNext are treated as zero.
func (g *GRU) StepBackward(cache *stackCache, dNext []*mat.Dense) (dx *mat.Dense, dPrev []*mat.Dense) {
	dPrev = make([]*mat.Dense, len(g.Layers))
	var fromAbove *mat.Dense
	for i := len(g.Layers) - 1; i >= 0; i-- {
		c := cache.layers[i]
		dh := dNext[i]
		switch {
		case dh == nil && fromAbove == nil:
			dh = zerosLike(c.h)
		case dh == nil:
			dh = fromAbove
		case fromAbove != nil:
			sum := mat.DenseCopyOf(dh)
			sum.Add(sum, fromAbove)
			dh = sum
		}
		fromAbove, dPrev[i] = g.Layers[i].Backward(c, dh)
	}
	return fromAbove, dPrev
}
