// Package embedding loads pre-trained word vectors into a matrix aligned with
// a training vocabulary.
package embedding

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/chatgru/internal/preprocess"
	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/errors"
)

const (
	defaultRandomStd = 0.1
	maxWordBytes     = 1024
	maxDim           = 1 << 16
	cancelCheckEvery = 50000
)

// Options controls how an embedding file is read and how vocabulary words
// without a vector are initialized.
type Options struct {
	Format    string  `json:"format"`     // "auto", "binary" or "text"
	OOVInit   string  `json:"oov_init"`   // "zero" or "random"
	RandomStd float64 `json:"random_std"` // Std of random OOV rows
	Seed      int64   `json:"seed"`
}

// Table is an embedding matrix with one row per vocabulary index.
type Table struct {
	Matrix  *mat.Dense
	Dim     int
	Found   int // Rows filled from the file
	Missing int // Rows filled by the OOV policy, <pad> excluded
}

// rowSource records how a row was filled so exact matches win over
// case-insensitive ones.
type rowSource uint8

const (
	rowEmpty rowSource = iota
	rowFolded
	rowExact
)

type filler struct {
	vocab  *preprocess.Vocabulary
	folded map[string][]int
	source []rowSource
	matrix *mat.Dense
	dim    int
}

func newFiller(vocab *preprocess.Vocabulary) *filler {
	f := &filler{
		vocab:  vocab,
		folded: make(map[string][]int),
		source: make([]rowSource, vocab.Size()),
	}
	for idx := constants.NumReservedTokens; idx < vocab.Size(); idx++ {
		key := strings.ToLower(vocab.Word(idx))
		f.folded[key] = append(f.folded[key], idx)
	}
	return f
}

func (f *filler) init(dim int) {
	f.dim = dim
	f.matrix = mat.NewDense(f.vocab.Size(), dim, nil)
}

// wants reports whether a vector for word would fill any row.
func (f *filler) wants(word string) bool {
	if idx, ok := f.vocab.WordToIndex[word]; ok && idx != constants.PadIndex && f.source[idx] != rowExact {
		return true
	}
	for _, idx := range f.folded[strings.ToLower(word)] {
		if f.source[idx] == rowEmpty {
			return true
		}
	}
	return false
}

func (f *filler) fill(word string, vec []float64) {
	if idx, ok := f.vocab.WordToIndex[word]; ok && idx != constants.PadIndex && f.source[idx] != rowExact {
		f.matrix.SetRow(idx, vec)
		f.source[idx] = rowExact
	}
	for _, idx := range f.folded[strings.ToLower(word)] {
		if f.source[idx] == rowEmpty {
			f.matrix.SetRow(idx, vec)
			f.source[idx] = rowFolded
		}
	}
}

// Load reads the embedding file at path and returns a table whose row i holds
// the vector of vocab.Word(i). Words absent from the file get a row chosen by
// opts.OOVInit; the <pad> row is always zero.
func Load(ctx context.Context, path string, vocab *preprocess.Vocabulary, opts *Options, logger *logrus.Logger) (*Table, error) {
	if opts == nil {
		opts = &Options{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Format == "" {
		opts.Format = constants.EmbeddingFormatAuto
	}
	if opts.OOVInit == "" {
		opts.OOVInit = constants.OOVInitZero
	}
	if opts.RandomStd <= 0 {
		opts.RandomStd = defaultRandomStd
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	start := time.Now()
	file, err := os.Open(path)
	if err != nil {
		return nil, unreadable(err, path)
	}
	defer file.Close()

	r, closeFn, err := maybeGunzip(file)
	if err != nil {
		return nil, unreadable(err, path)
	}
	defer closeFn()

	format := opts.Format
	if format == constants.EmbeddingFormatAuto {
		format = constants.EmbeddingFormatText
		if strings.Contains(path, ".bin") {
			format = constants.EmbeddingFormatBinary
		}
	}

	f := newFiller(vocab)
	var entries int
	switch format {
	case constants.EmbeddingFormatBinary:
		entries, err = readBinary(ctx, r, f)
	case constants.EmbeddingFormatText:
		entries, err = readText(ctx, r, f)
	default:
		return nil, errors.NewConfigurationError(errors.CodeInvalidValue,
			fmt.Sprintf("unknown embedding format %q", opts.Format))
	}
	if err != nil {
		var appErr *errors.AppError
		if errors.As(err, &appErr) && appErr.Type == errors.ErrorTypeData {
			appErr.WithContext("path", path)
		}
		return nil, err
	}

	table := &Table{Matrix: f.matrix, Dim: f.dim}
	rng := rand.New(rand.NewSource(opts.Seed))
	for idx := 0; idx < vocab.Size(); idx++ {
		if idx == constants.PadIndex {
			continue
		}
		if f.source[idx] != rowEmpty {
			table.Found++
			continue
		}
		table.Missing++
		if opts.OOVInit == constants.OOVInitRandom {
			for j := 0; j < f.dim; j++ {
				f.matrix.Set(idx, j, rng.NormFloat64()*opts.RandomStd)
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"path":     path,
		"format":   format,
		"entries":  entries,
		"dim":      table.Dim,
		"found":    table.Found,
		"missing":  table.Missing,
		"oov_init": opts.OOVInit,
		"duration": time.Since(start),
	}).Info("Loaded pre-trained embeddings")

	return table, nil
}

func maybeGunzip(file *os.File) (*bufio.Reader, func(), error) {
	br := bufio.NewReaderSize(file, 1<<20)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, nil, err
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return bufio.NewReaderSize(gz, 1<<20), func() { gz.Close() }, nil
	}
	return br, func() {}, nil
}

func readBinary(ctx context.Context, r *bufio.Reader, f *filler) (int, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return 0, malformed("missing header", err)
	}
	count, dim, ok := parseHeader(strings.Fields(header))
	if !ok {
		return 0, malformed(fmt.Sprintf("bad header %q", strings.TrimSpace(header)), nil)
	}
	if dim > maxDim {
		return 0, malformed(fmt.Sprintf("dimension %d exceeds %d", dim, maxDim), nil)
	}
	f.init(dim)

	raw := make([]float32, dim)
	vec := make([]float64, dim)
	for i := 0; i < count; i++ {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return i, err
			}
		}

		word, err := readWord(r)
		if err != nil {
			return i, malformed(fmt.Sprintf("entry %d: missing word", i), err)
		}
		if !f.wants(word) {
			if _, err := r.Discard(4 * dim); err != nil {
				return i, malformed(fmt.Sprintf("entry %d: truncated vector", i), err)
			}
			continue
		}
		if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
			return i, malformed(fmt.Sprintf("entry %d: truncated vector", i), err)
		}
		for j, v := range raw {
			x := float64(v)
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return i, malformed(fmt.Sprintf("entry %d (%s): non-finite value at %d", i, word, j), nil)
			}
			vec[j] = x
		}
		f.fill(word, vec)
	}
	return count, nil
}

// readWord reads a space-terminated word, skipping the newline some writers
// emit after each vector.
func readWord(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == ' ' {
			break
		}
		if b == '\n' && sb.Len() == 0 {
			continue
		}
		if sb.Len() >= maxWordBytes {
			return "", fmt.Errorf("word longer than %d bytes", maxWordBytes)
		}
		sb.WriteByte(b)
	}
	return sb.String(), nil
}

func readText(ctx context.Context, r *bufio.Reader, f *filler) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	entries := 0
	line := 0
	var vec []float64
	for scanner.Scan() {
		line++
		if line%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return entries, err
			}
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if f.matrix == nil {
			if _, dim, ok := parseHeader(fields); ok && line == 1 {
				if dim > maxDim {
					return entries, malformed(fmt.Sprintf("dimension %d exceeds %d", dim, maxDim), nil)
				}
				f.init(dim)
				vec = make([]float64, dim)
				continue
			}
			if len(fields) < 2 {
				return entries, malformed(fmt.Sprintf("line %d: no vector", line), nil)
			}
			if len(fields)-1 > maxDim {
				return entries, malformed(fmt.Sprintf("line %d: dimension %d exceeds %d", line, len(fields)-1, maxDim), nil)
			}
			f.init(len(fields) - 1)
			vec = make([]float64, f.dim)
		}
		if len(fields)-1 != f.dim {
			return entries, malformed(fmt.Sprintf("line %d: expected %d values, got %d", line, f.dim, len(fields)-1), nil)
		}

		entries++
		word := fields[0]
		if !f.wants(word) {
			continue
		}
		for j, s := range fields[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return entries, malformed(fmt.Sprintf("line %d: bad value %q", line, s), err)
			}
			vec[j] = v
		}
		f.fill(word, vec)
	}
	if err := scanner.Err(); err != nil {
		return entries, unreadable(err, "")
	}
	if f.matrix == nil {
		return 0, malformed("file contains no vectors", nil)
	}
	return entries, nil
}

func parseHeader(fields []string) (count, dim int, ok bool) {
	if len(fields) != 2 {
		return 0, 0, false
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil || count < 0 {
		return 0, 0, false
	}
	dim, err = strconv.Atoi(fields[1])
	if err != nil || dim <= 0 {
		return 0, 0, false
	}
	return count, dim, true
}

func unreadable(err error, path string) *errors.AppError {
	appErr := errors.WrapError(errors.ErrEmbeddingUnreadable, errors.ErrorTypeData, errors.CodeEmbeddingUnreadable,
		"Failed to read embedding file").WithDetails(err.Error())
	if path != "" {
		appErr.WithContext("path", path)
	}
	return appErr
}

func malformed(msg string, cause error) *errors.AppError {
	appErr := errors.WrapError(errors.ErrEmbeddingMalformed, errors.ErrorTypeData, errors.CodeEmbeddingMalformed,
		"Malformed embedding file").WithDetails(msg)
	if cause != nil {
		appErr.WithContext("cause", cause.Error())
	}
	return appErr
}
