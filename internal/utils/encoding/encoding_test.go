package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name   string
	Values []float64
}

func TestSerializers(t *testing.T) {
	in := sample{Name: "w", Values: []float64{1.5, -2}}
	for name, s := range map[string]Serializer{
		"json":        NewJSONSerializer(false),
		"json_indent": NewJSONSerializer(true),
		"gob":         NewGobSerializer(),
	} {
		t.Run(name, func(t *testing.T) {
			data, err := s.Serialize(in)
			require.NoError(t, err)

			var out sample
			require.NoError(t, s.Deserialize(data, &out))
			assert.Equal(t, in, out)
		})
	}

	var out sample
	assert.Error(t, NewGobSerializer().Deserialize([]byte("junk"), &out))
}

func TestCompressorsDetectThemselves(t *testing.T) {
	payload := bytes.Repeat([]byte("gru weights "), 200)
	for _, ct := range []CompressionType{CompressionGZIP, CompressionZSTD, CompressionNone} {
		t.Run(string(ct), func(t *testing.T) {
			c, err := NewCompressor(ct)
			require.NoError(t, err)
			assert.Equal(t, ct, c.Type())

			packed, err := c.Compress(payload)
			require.NoError(t, err)
			assert.Equal(t, ct, Detect(packed))
			if ct != CompressionNone {
				assert.Less(t, CalculateCompressionRatio(int64(len(payload)), int64(len(packed))), 1.0)
			}

			unpacked, err := c.Decompress(packed)
			require.NoError(t, err)
			assert.Equal(t, payload, unpacked)
		})
	}

	_, err := NewCompressor("brotli")
	assert.Error(t, err)
}
