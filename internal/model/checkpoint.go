package model

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/chatgru/internal/utils/encoding"
	"github.com/inferloop/chatgru/pkg/errors"
)

// CheckpointMeta describes the training state a snapshot was taken at.
type CheckpointMeta struct {
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration"`
	TrainLoss float64   `json:"train_loss"`
	ValLoss   float64   `json:"val_loss"`
	CreatedAt time.Time `json:"created_at"`
}

// checkpoint is the gob envelope; each parameter is stored in gonum's binary
// matrix format under its name.
type checkpoint struct {
	Meta   CheckpointMeta
	Config Config
	Params map[string][]byte
}

// Snapshot serializes every parameter plus meta, compressed with the given
// algorithm.
func (m *Seq2Seq) Snapshot(meta CheckpointMeta, compression encoding.CompressionType) ([]byte, error) {
	compressor, err := encoding.NewCompressor(compression)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidValue, "Unknown checkpoint compression")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	ckpt := checkpoint{Meta: meta, Config: *m.config, Params: make(map[string][]byte)}
	for _, p := range m.Parameters() {
		data, err := p.Value.MarshalBinary()
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError,
				"Failed to marshal parameter").WithContext("param", p.Name)
		}
		ckpt.Params[p.Name] = data
	}

	raw, err := encoding.NewGobSerializer().Serialize(ckpt)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to encode checkpoint")
	}
	out, err := compressor.Compress(raw)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to compress checkpoint")
	}

	m.logger.WithFields(logrus.Fields{
		"iteration":   meta.Iteration,
		"compression": compressor.Type(),
		"raw_bytes":   len(raw),
		"bytes":       len(out),
		"ratio":       encoding.CalculateCompressionRatio(int64(len(raw)), int64(len(out))),
	}).Debug("Encoded checkpoint")
	return out, nil
}

// Restore loads parameter values from a snapshot produced by Snapshot. Every
// parameter of the model must be present with a matching shape.
func (m *Seq2Seq) Restore(data []byte) (*CheckpointMeta, error) {
	compressor, err := encoding.NewCompressor(encoding.Detect(data))
	if err != nil {
		return nil, corrupted(err)
	}
	raw, err := compressor.Decompress(data)
	if err != nil {
		return nil, corrupted(err)
	}

	var ckpt checkpoint
	if err := encoding.NewGobSerializer().Deserialize(raw, &ckpt); err != nil {
		return nil, corrupted(err)
	}

	// Decode everything before touching the model so a bad snapshot leaves
	// it unchanged.
	params := m.Parameters()
	values := make([]*mat.Dense, len(params))
	for i, p := range params {
		blob, ok := ckpt.Params[p.Name]
		if !ok {
			return nil, corrupted(fmt.Errorf("parameter %s missing", p.Name))
		}
		v := &mat.Dense{}
		if err := v.UnmarshalBinary(blob); err != nil {
			return nil, corrupted(fmt.Errorf("parameter %s: %w", p.Name, err))
		}
		wr, wc := p.Value.Dims()
		if r, c := v.Dims(); r != wr || c != wc {
			return nil, corrupted(fmt.Errorf("parameter %s is %dx%d, want %dx%d", p.Name, r, c, wr, wc))
		}
		values[i] = v
	}
	for i, p := range params {
		p.Value.Copy(values[i])
	}

	m.logger.WithFields(logrus.Fields{
		"run_id":    ckpt.Meta.RunID,
		"iteration": ckpt.Meta.Iteration,
		"params":    len(ckpt.Params),
	}).Info("Restored model checkpoint")
	return &ckpt.Meta, nil
}

func corrupted(err error) *errors.AppError {
	return errors.WrapError(errors.ErrCheckpointCorrupted, errors.ErrorTypeStorage, errors.CodeReadFailed,
		"Checkpoint could not be decoded").WithDetails(err.Error())
}
