package training

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// MaskedCrossEntropy returns the summed negative log-likelihood of targets
// under logProbs (classes × batch) over columns where mask is true, the
// number of such columns, and the gradient with respect to the logits scaled
// by scale. Masked columns contribute nothing to either.
func MaskedCrossEntropy(logProbs *mat.Dense, targets []int, mask []bool, scale float64) (float64, int, *mat.Dense) {
	rows, cols := logProbs.Dims()
	grad := mat.NewDense(rows, cols, nil)

	var loss float64
	count := 0
	for j := 0; j < cols; j++ {
		if !mask[j] {
			continue
		}
		count++
		y := targets[j]
		loss -= logProbs.At(y, j)
		for i := 0; i < rows; i++ {
			grad.Set(i, j, math.Exp(logProbs.At(i, j))*scale)
		}
		grad.Set(y, j, grad.At(y, j)-scale)
	}
	return loss, count, grad
}
