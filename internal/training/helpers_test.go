package training

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/chatgru/internal/model"
	"github.com/inferloop/chatgru/internal/preprocess"
	"github.com/inferloop/chatgru/pkg/errors"
	"github.com/inferloop/chatgru/pkg/interfaces"
	"github.com/inferloop/chatgru/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

var conversation = [][2]string{
	{"hi there", "hello"},
	{"how are you", "fine thanks"},
	{"what is your name", "i am a bot"},
	{"good night", "sleep well"},
	{"see you", "bye"},
	{"are you real", "not really"},
	{"hello", "hi"},
}

func tinyDataset(t *testing.T) *preprocess.Dataset {
	t.Helper()
	vocab := preprocess.NewVocabulary()
	for _, c := range conversation {
		vocab.AddSentence(preprocess.Tokenize(c[0]))
		vocab.AddSentence(preprocess.Tokenize(c[1]))
	}
	ds := &preprocess.Dataset{Vocab: vocab}
	for i, c := range conversation {
		p := preprocess.Pair{
			Input:  vocab.Encode(preprocess.Tokenize(c[0])),
			Target: vocab.Encode(preprocess.Tokenize(c[1])),
		}
		if i < 5 {
			ds.Train = append(ds.Train, p)
		} else {
			ds.Validation = append(ds.Validation, p)
		}
	}
	return ds
}

func tinyModel(t *testing.T, vocabSize int) *model.Seq2Seq {
	t.Helper()
	rng := rand.New(rand.NewSource(17))
	emb := mat.NewDense(vocabSize, 4, nil)
	for i := 1; i < vocabSize; i++ {
		for j := 0; j < 4; j++ {
			emb.Set(i, j, rng.NormFloat64())
		}
	}
	m, err := model.New(&model.Config{HiddenSize: 8, NumLayers: 2, DropoutP: 0, Seed: 23}, emb, quietLogger())
	require.NoError(t, err)
	return m
}

func tinyDriver(t *testing.T, ds *preprocess.Dataset) *Driver {
	t.Helper()
	return NewDriver(tinyModel(t, ds.Vocab.Size()), &DriverConfig{
		LearningRate:        0.01,
		Clip:                50,
		TeacherForcingRatio: 1,
		Seed:                3,
	}, quietLogger())
}

func paramValues(m *model.Seq2Seq) []*mat.Dense {
	var out []*mat.Dense
	for _, p := range m.Parameters() {
		out = append(out, mat.DenseCopyOf(p.Value))
	}
	return out
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newMemoryStore() *memoryStore { return &memoryStore{data: make(map[string][]byte)} }

func (s *memoryStore) Connect(context.Context) error { return nil }
func (s *memoryStore) Close() error                  { return nil }
func (s *memoryStore) Ping(context.Context) error    { return nil }
func (s *memoryStore) GetInfo(context.Context) (*interfaces.StorageInfo, error) {
	return &interfaces.StorageInfo{Type: "memory"}, nil
}

func (s *memoryStore) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.NewStorageError(errors.CodeWriteFailed, "disk full")
	}
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *memoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return nil, errors.ErrCheckpointNotFound
	}
	return data, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type memorySink struct {
	*memoryStore
	records []*models.IterationMetrics
}

func (s *memorySink) Record(_ context.Context, m *models.IterationMetrics) error {
	if s.fail {
		return errors.NewStorageError(errors.CodeWriteFailed, "sink down")
	}
	s.records = append(s.records, m)
	return nil
}

type countingRecorder struct {
	steps      int
	iterations []*models.IterationMetrics
	states     []string
	storage    map[string]int
}

func (c *countingRecorder) ObserveStep(*StepResult) { c.steps++ }
func (c *countingRecorder) ObserveIteration(m *models.IterationMetrics) {
	c.iterations = append(c.iterations, m)
}
func (c *countingRecorder) SetState(s string) { c.states = append(c.states, s) }
func (c *countingRecorder) StorageError(backend, op string) {
	if c.storage == nil {
		c.storage = make(map[string]int)
	}
	c.storage[backend+"/"+op]++
}
