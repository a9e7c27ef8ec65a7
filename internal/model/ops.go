package model

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// affine returns W·x + U·h + b with b broadcast over columns.
func affine(w, x, u, h, b *mat.Dense) *mat.Dense {
	var out, tmp mat.Dense
	out.Mul(w, x)
	tmp.Mul(u, h)
	out.Add(&out, &tmp)
	addBias(&out, b)
	return &out
}

// addBias adds the column vector b to every column of m.
func addBias(m, b *mat.Dense) {
	rows, cols := m.Dims()
	bias := b.RawMatrix().Data
	raw := m.RawMatrix()
	for i := 0; i < rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
		for j := range row {
			row[j] += bias[i]
		}
	}
}

// accumulate adds a·bᵀ to dst.
func accumulate(dst, a, b *mat.Dense) {
	var tmp mat.Dense
	tmp.Mul(a, b.T())
	dst.Add(dst, &tmp)
}

// accumulateBias adds the row sums of g to the column vector dst.
func accumulateBias(dst, g *mat.Dense) {
	rows, cols := g.Dims()
	out := dst.RawMatrix().Data
	raw := g.RawMatrix()
	for i := 0; i < rows; i++ {
		var sum float64
		for _, v := range raw.Data[i*raw.Stride : i*raw.Stride+cols] {
			sum += v
		}
		out[i] += sum
	}
}

// mulT returns aᵀ·b.
func mulT(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(a.T(), b)
	return &out
}

// LogSoftmax computes a column-wise log-softmax of logits (classes × batch).
func LogSoftmax(logits *mat.Dense) *mat.Dense {
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		maxVal := math.Inf(-1)
		for i := 0; i < rows; i++ {
			if v := logits.At(i, j); v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for i := 0; i < rows; i++ {
			sum += math.Exp(logits.At(i, j) - maxVal)
		}
		logSum := maxVal + math.Log(sum)
		for i := 0; i < rows; i++ {
			out.Set(i, j, logits.At(i, j)-logSum)
		}
	}
	return out
}

// Argmax returns the row index of the largest value in each column.
func Argmax(m *mat.Dense) []int {
	rows, cols := m.Dims()
	out := make([]int, cols)
	for j := 0; j < cols; j++ {
		best := 0
		for i := 1; i < rows; i++ {
			if m.At(i, j) > m.At(best, j) {
				best = i
			}
		}
		out[j] = best
	}
	return out
}

func zerosLike(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	return mat.NewDense(r, c, nil)
}

func tanh(x float64) float64 {
	return math.Tanh(x)
}
