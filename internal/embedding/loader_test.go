package embedding

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/chatgru/internal/preprocess"
	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/errors"
)

type entry struct {
	word string
	vec  []float32
}

func testVocab() *preprocess.Vocabulary {
	v := preprocess.NewVocabulary()
	v.AddSentence([]string{"hello", "paris", "zzzunknown"})
	return v
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func binaryPayload(t *testing.T, dim int, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d\n", len(entries), dim)
	for _, e := range entries {
		buf.WriteString(e.word + " ")
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.vec))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

var sample = []entry{
	{"Paris", []float32{9, 9, 9}},
	{"hello", []float32{1, 2, 3}},
	{"unrelated", []float32{7, 7, 7}},
	{"paris", []float32{4, 5, 6}},
}

func TestLoadBinary(t *testing.T) {
	vocab := testVocab()
	path := writeTemp(t, "vectors.bin", binaryPayload(t, 3, sample))

	table, err := Load(context.Background(), path, vocab, nil, quietLogger())
	require.NoError(t, err)

	r, c := table.Matrix.Dims()
	assert.Equal(t, vocab.Size(), r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 3, table.Dim)
	assert.Equal(t, []float64{1, 2, 3}, table.Matrix.RawRowView(vocab.Index("hello")))
	// exact match beats the earlier case-insensitive one
	assert.Equal(t, []float64{4, 5, 6}, table.Matrix.RawRowView(vocab.Index("paris")))
	assert.Equal(t, []float64{0, 0, 0}, table.Matrix.RawRowView(vocab.Index("zzzunknown")))
	assert.Equal(t, []float64{0, 0, 0}, table.Matrix.RawRowView(constants.PadIndex))
	assert.Equal(t, 2, table.Found)
	assert.Equal(t, vocab.Size()-1-2, table.Missing)
}

func TestLoadBinaryGzipCaseInsensitive(t *testing.T) {
	vocab := testVocab()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(binaryPayload(t, 2, []entry{{"HELLO", []float32{0.5, -0.5}}}))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	path := writeTemp(t, "vectors.bin.gz", buf.Bytes())

	table, err := Load(context.Background(), path, vocab, &Options{Format: constants.EmbeddingFormatAuto}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -0.5}, table.Matrix.RawRowView(vocab.Index("hello")))
	assert.Equal(t, 1, table.Found)
}

func TestLoadText(t *testing.T) {
	vocab := testVocab()
	for name, content := range map[string]string{
		"header":    "2 2\nhello 0.1 0.2\nparis 0.3 0.4\n",
		"no_header": "hello 0.1 0.2\n\nparis 0.3 0.4\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := writeTemp(t, "vectors.txt", []byte(content))
			table, err := Load(context.Background(), path, vocab, nil, quietLogger())
			require.NoError(t, err)
			assert.Equal(t, 2, table.Dim)
			assert.Equal(t, []float64{0.3, 0.4}, table.Matrix.RawRowView(vocab.Index("paris")))
			assert.Equal(t, 2, table.Found)
		})
	}
}

func TestLoadRandomOOVIsSeeded(t *testing.T) {
	vocab := testVocab()
	path := writeTemp(t, "vectors.txt", []byte("hello 1 1 1 1\n"))
	opts := func() *Options { return &Options{OOVInit: constants.OOVInitRandom, Seed: 42} }

	a, err := Load(context.Background(), path, vocab, opts(), quietLogger())
	require.NoError(t, err)
	b, err := Load(context.Background(), path, vocab, opts(), quietLogger())
	require.NoError(t, err)

	row := a.Matrix.RawRowView(vocab.Index("zzzunknown"))
	assert.NotEqual(t, []float64{0, 0, 0, 0}, row)
	assert.Equal(t, row, b.Matrix.RawRowView(vocab.Index("zzzunknown")))
	assert.Equal(t, []float64{0, 0, 0, 0}, a.Matrix.RawRowView(constants.PadIndex))
}

func TestLoadErrors(t *testing.T) {
	vocab := testVocab()
	ctx := context.Background()

	_, err := Load(ctx, filepath.Join(t.TempDir(), "missing.bin"), vocab, nil, quietLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEmbeddingUnreadable)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	cases := map[string]struct {
		name string
		data []byte
	}{
		"bad header":       {"v.bin", []byte("three hundred\nhello ")},
		"truncated vector": {"v.bin", binaryPayload(t, 3, sample)[:20]},
		"column count":     {"v.txt", []byte("hello 1 2\nparis 1\n")},
		"bad value":        {"v.txt", []byte("hello 1 x\n")},
		"empty":            {"v.txt", []byte("\n\n")},
		"huge dimension":   {"v.bin", []byte("1 4000000000000\nhello ")},
		"huge text header": {"v.txt", []byte("1 100000\nhello 1\n")},
		"non-finite value": {"v.bin", []byte("1 1\nhello \x00\x00\xc0\x7f\n")},
		"infinite value":   {"v.bin", binaryPayload(t, 1, []entry{{"hello", []float32{float32(math.Inf(1))}}})},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(ctx, writeTemp(t, tc.name, tc.data), vocab, nil, quietLogger())
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrEmbeddingMalformed)
			assert.Contains(t, err.Error(), errors.CodeEmbeddingMalformed)
		})
	}
}
