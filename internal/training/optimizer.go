package training

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/chatgru/internal/model"
)

// AdamOptimizer implements the Adam optimization algorithm
type AdamOptimizer struct {
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	t            int // time step
	m            map[*model.Param]*mat.Dense // first moment estimate
	v            map[*model.Param]*mat.Dense // second moment estimate
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(learningRate float64) *AdamOptimizer {
	return &AdamOptimizer{
		learningRate: learningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		m:            make(map[*model.Param]*mat.Dense),
		v:            make(map[*model.Param]*mat.Dense),
	}
}

// Step applies one Adam update to every non-frozen parameter using its
// accumulated gradient.
func (opt *AdamOptimizer) Step(params []*model.Param) {
	opt.t++
	beta1Correction := 1 - math.Pow(opt.beta1, float64(opt.t))
	beta2Correction := 1 - math.Pow(opt.beta2, float64(opt.t))

	for _, p := range params {
		if p.Frozen {
			continue
		}
		m, ok := opt.m[p]
		if !ok {
			rows, cols := p.Value.Dims()
			m = mat.NewDense(rows, cols, nil)
			opt.m[p] = m
			opt.v[p] = mat.NewDense(rows, cols, nil)
		}
		v := opt.v[p]

		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		md := m.RawMatrix().Data
		vd := v.RawMatrix().Data
		for i := range w {
			md[i] = opt.beta1*md[i] + (1-opt.beta1)*g[i]
			vd[i] = opt.beta2*vd[i] + (1-opt.beta2)*g[i]*g[i]
			mhat := md[i] / beta1Correction
			vhat := vd[i] / beta2Correction
			w[i] -= opt.learningRate * mhat / (math.Sqrt(vhat) + opt.epsilon)
		}
	}
}

// GetLearningRate returns the current learning rate
func (opt *AdamOptimizer) GetLearningRate() float64 {
	return opt.learningRate
}

// GetTimeStep returns the number of updates applied so far
func (opt *AdamOptimizer) GetTimeStep() int {
	return opt.t
}
