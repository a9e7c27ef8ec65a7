package preprocess

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/errors"
)

const maxLineBytes = 1 << 20

// Config controls how a dataset directory is turned into sequence pairs.
type Config struct {
	Dir             string  `json:"dir"`
	MaxLength       int     `json:"max_length"`       // Upper bound on sequence length, <eos> included
	ValidationSplit float64 `json:"validation_split"` // Fraction of pairs held out
	MinCount        int     `json:"min_count"`        // Words seen fewer times map to <unk>
	LengthPolicy    string  `json:"length_policy"`    // "drop" or "truncate"
	Seed            int64   `json:"seed"`
}

// Pair is one (input, response) example. Both sequences end with <eos>.
type Pair struct {
	Input  []int `json:"input"`
	Target []int `json:"target"`
}

// InputLen returns the true input length.
func (p Pair) InputLen() int { return len(p.Input) }

// TargetLen returns the true target length.
func (p Pair) TargetLen() int { return len(p.Target) }

// Dataset is the result of preprocessing: encoded train and validation
// pairs over a shared vocabulary.
type Dataset struct {
	Train      []Pair
	Validation []Pair
	Vocab      *Vocabulary
	Dropped    int
	Truncated  int
}

// TrainInputs returns the encoded training inputs.
func (d *Dataset) TrainInputs() [][]int { return inputs(d.Train) }

// TrainTargets returns the encoded training targets.
func (d *Dataset) TrainTargets() [][]int { return targets(d.Train) }

// TrainLengths returns the true input lengths of the training pairs.
func (d *Dataset) TrainLengths() []int { return lengths(d.Train) }

// ValidationInputs returns the encoded validation inputs.
func (d *Dataset) ValidationInputs() [][]int { return inputs(d.Validation) }

// ValidationTargets returns the encoded validation targets.
func (d *Dataset) ValidationTargets() [][]int { return targets(d.Validation) }

// ValidationLengths returns the true input lengths of the validation pairs.
func (d *Dataset) ValidationLengths() []int { return lengths(d.Validation) }

func inputs(pairs []Pair) [][]int {
	out := make([][]int, len(pairs))
	for i, p := range pairs {
		out[i] = p.Input
	}
	return out
}

func targets(pairs []Pair) [][]int {
	out := make([][]int, len(pairs))
	for i, p := range pairs {
		out[i] = p.Target
	}
	return out
}

func lengths(pairs []Pair) []int {
	out := make([]int, len(pairs))
	for i, p := range pairs {
		out[i] = p.InputLen()
	}
	return out
}

type rawPair struct {
	input  []string
	target []string
}

// Preprocessor loads and encodes a conversational dataset directory.
type Preprocessor struct {
	logger *logrus.Logger
	config *Config
}

// NewPreprocessor creates a preprocessor, filling unset config fields with
// defaults.
func NewPreprocessor(config *Config, logger *logrus.Logger) *Preprocessor {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.MaxLength == 0 {
		config.MaxLength = constants.DefaultMaxLength
	}
	if config.MinCount == 0 {
		config.MinCount = constants.DefaultMinCount
	}
	if config.LengthPolicy == "" {
		config.LengthPolicy = constants.LengthPolicyDrop
	}
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}
	return &Preprocessor{
		logger: logger,
		config: config,
	}
}

// Load reads every pair file in the configured directory and returns the
// encoded, split dataset.
func (p *Preprocessor) Load(ctx context.Context) (*Dataset, error) {
	if p.config.MaxLength < 2 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange, "max length must be at least 2")
	}

	start := time.Now()
	raw, err := p.readPairs(ctx)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{}
	kept := make([]rawPair, 0, len(raw))
	for _, rp := range raw {
		in, inCut, inOK := p.fitLength(rp.input)
		out, outCut, outOK := p.fitLength(rp.target)
		if !inOK || !outOK {
			ds.Dropped++
			continue
		}
		if inCut || outCut {
			ds.Truncated++
		}
		kept = append(kept, rawPair{input: in, target: out})
	}

	if len(kept) == 0 {
		return nil, errors.WrapError(errors.ErrNoSentencePairs, errors.ErrorTypeData, errors.CodeNoSentencePairs,
			"No usable sentence pairs found").
			WithContext("dir", p.config.Dir).
			WithContext("read", len(raw)).
			WithContext("dropped", ds.Dropped)
	}

	vocab := NewVocabulary()
	for _, rp := range kept {
		vocab.AddSentence(rp.input)
		vocab.AddSentence(rp.target)
	}
	vocab = vocab.Trim(p.config.MinCount)
	ds.Vocab = vocab

	pairs := make([]Pair, len(kept))
	for i, rp := range kept {
		pairs[i] = Pair{Input: vocab.Encode(rp.input), Target: vocab.Encode(rp.target)}
	}

	ds.Train, ds.Validation = splitPairs(pairs, p.config.ValidationSplit, rand.New(rand.NewSource(p.config.Seed)))

	p.logger.WithFields(logrus.Fields{
		"dir":        p.config.Dir,
		"pairs":      len(pairs),
		"train":      len(ds.Train),
		"validation": len(ds.Validation),
		"vocab_size": vocab.Size(),
		"dropped":    ds.Dropped,
		"truncated":  ds.Truncated,
		"duration":   time.Since(start),
	}).Info("Preprocessed dataset")

	return ds, nil
}

// fitLength applies the length policy to a tokenized sentence. The boolean
// results report whether the sentence was shortened and whether it is kept.
func (p *Preprocessor) fitLength(tokens []string) ([]string, bool, bool) {
	limit := p.config.MaxLength - 1 // room for <eos>
	if len(tokens) <= limit {
		return tokens, false, true
	}
	if p.config.LengthPolicy == constants.LengthPolicyTruncate {
		return tokens[:limit], true, true
	}
	return nil, false, false
}

func splitPairs(pairs []Pair, split float64, rng *rand.Rand) ([]Pair, []Pair) {
	shuffled := make([]Pair, len(pairs))
	for i, j := range rng.Perm(len(pairs)) {
		shuffled[i] = pairs[j]
	}

	numVal := int(float64(len(shuffled)) * split)
	if numVal >= len(shuffled) {
		numVal = len(shuffled) - 1
	}
	if numVal < 0 {
		numVal = 0
	}
	return shuffled[numVal:], shuffled[:numVal]
}

func (p *Preprocessor) readPairs(ctx context.Context) ([]rawPair, error) {
	entries, err := os.ReadDir(p.config.Dir)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeData, errors.CodeDatasetUnreadable,
			"Failed to read dataset directory").WithContext("dir", p.config.Dir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var pairs []rawPair
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(p.config.Dir, name)
		var filePairs []rawPair
		switch filepath.Ext(name) {
		case ".src":
			filePairs, err = readAlignedFiles(path, strings.TrimSuffix(path, ".src")+".tgt")
		case ".tsv":
			filePairs, err = readTSV(path)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}

		p.logger.WithFields(logrus.Fields{
			"file":  name,
			"pairs": len(filePairs),
		}).Debug("Read dataset file")
		pairs = append(pairs, filePairs...)
	}
	return pairs, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeData, errors.CodeDatasetUnreadable,
			"Failed to open dataset file").WithContext("path", path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeData, errors.CodeDatasetUnreadable,
			"Failed to read dataset file").WithContext("path", path)
	}
	return lines, nil
}

func readAlignedFiles(srcPath, tgtPath string) ([]rawPair, error) {
	src, err := readLines(srcPath)
	if err != nil {
		return nil, err
	}
	tgt, err := readLines(tgtPath)
	if err != nil {
		return nil, err
	}
	if len(src) != len(tgt) {
		return nil, errors.NewDataError(errors.CodePairMismatch, "Source and target files differ in line count").
			WithDetails(fmt.Sprintf("%s has %d lines, %s has %d", filepath.Base(srcPath), len(src), filepath.Base(tgtPath), len(tgt)))
	}

	pairs := make([]rawPair, 0, len(src))
	for i := range src {
		if rp, ok := makePair(src[i], tgt[i]); ok {
			pairs = append(pairs, rp)
		}
	}
	return pairs, nil
}

func readTSV(path string) ([]rawPair, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	pairs := make([]rawPair, 0, len(lines))
	for _, line := range lines {
		in, out, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		if rp, ok := makePair(in, out); ok {
			pairs = append(pairs, rp)
		}
	}
	return pairs, nil
}

func makePair(in, out string) (rawPair, bool) {
	inTokens := Tokenize(in)
	outTokens := Tokenize(out)
	if len(inTokens) == 0 || len(outTokens) == 0 {
		return rawPair{}, false
	}
	return rawPair{input: inTokens, target: outTokens}, true
}
