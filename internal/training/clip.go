package training

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/inferloop/chatgru/internal/model"
)

// ClipGradNorm rescales the gradients of all non-frozen parameters so their
// combined L2 norm is at most maxNorm, and returns the norm before clipping.
// A non-positive maxNorm disables clipping. Non-finite norms are returned
// without touching the gradients.
func ClipGradNorm(params []*model.Param, maxNorm float64) float64 {
	var sumSq float64
	for _, p := range params {
		if p.Frozen {
			continue
		}
		g := p.Grad.RawMatrix().Data
		sumSq += floats.Dot(g, g)
	}
	norm := math.Sqrt(sumSq)

	if maxNorm <= 0 || norm <= maxNorm || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, p := range params {
		if p.Frozen {
			continue
		}
		floats.Scale(scale, p.Grad.RawMatrix().Data)
	}
	return norm
}
