package training

import (
	"sort"

	"github.com/inferloop/chatgru/internal/preprocess"
	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/errors"
)

// Batch is a padded, time-major group of pairs sorted by descending input
// length. Inputs[t][b] is the token of column b at step t.
type Batch struct {
	Inputs          [][]int
	Targets         [][]int
	Mask            [][]bool // Mask[t][b] is true while t < TargetLengths[b]
	InputLengths    []int
	TargetLengths   []int
	MaxTargetLength int
	Pairs           []preprocess.Pair
}

// NewBatch sorts pairs by descending input length and pads both sides with
// <pad> up to the batch maxima.
func NewBatch(pairs []preprocess.Pair) (*Batch, error) {
	if len(pairs) == 0 {
		return nil, errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeData, errors.CodeEmptyBatch, "Batch has no pairs")
	}

	sorted := make([]preprocess.Pair, len(pairs))
	copy(sorted, pairs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].InputLen() > sorted[j].InputLen()
	})

	b := &Batch{
		InputLengths:  make([]int, len(sorted)),
		TargetLengths: make([]int, len(sorted)),
		Pairs:         sorted,
	}
	maxInput := 0
	for i, p := range sorted {
		if p.InputLen() == 0 || p.TargetLen() == 0 {
			return nil, errors.NewDataError(errors.CodeEmptyBatch, "Pair with an empty side").WithContext("index", i)
		}
		b.InputLengths[i] = p.InputLen()
		b.TargetLengths[i] = p.TargetLen()
		if p.InputLen() > maxInput {
			maxInput = p.InputLen()
		}
		if p.TargetLen() > b.MaxTargetLength {
			b.MaxTargetLength = p.TargetLen()
		}
	}

	b.Inputs = padTimeMajor(sorted, maxInput, func(p preprocess.Pair) []int { return p.Input })
	b.Targets = padTimeMajor(sorted, b.MaxTargetLength, func(p preprocess.Pair) []int { return p.Target })
	b.Mask = make([][]bool, b.MaxTargetLength)
	for t := range b.Mask {
		b.Mask[t] = make([]bool, len(sorted))
		for j, n := range b.TargetLengths {
			b.Mask[t][j] = t < n
		}
	}
	return b, nil
}

// Size returns the number of pairs in the batch.
func (b *Batch) Size() int { return len(b.Pairs) }

// NumTokens returns the number of true target tokens.
func (b *Batch) NumTokens() int {
	n := 0
	for _, l := range b.TargetLengths {
		n += l
	}
	return n
}

func padTimeMajor(pairs []preprocess.Pair, steps int, side func(preprocess.Pair) []int) [][]int {
	out := make([][]int, steps)
	for t := range out {
		out[t] = make([]int, len(pairs))
		for j, p := range pairs {
			seq := side(p)
			if t < len(seq) {
				out[t][j] = seq[t]
			} else {
				out[t][j] = constants.PadIndex
			}
		}
	}
	return out
}
