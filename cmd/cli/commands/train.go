package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/chatgru/cmd/cli/config"
	"github.com/inferloop/chatgru/internal/embedding"
	"github.com/inferloop/chatgru/internal/model"
	"github.com/inferloop/chatgru/internal/observability/metrics"
	"github.com/inferloop/chatgru/internal/preprocess"
	"github.com/inferloop/chatgru/internal/storage"
	"github.com/inferloop/chatgru/internal/training"
	"github.com/inferloop/chatgru/pkg/constants"
	"github.com/inferloop/chatgru/pkg/interfaces"
	"github.com/inferloop/chatgru/pkg/models"
)

// Result is what a finished training run produced
type Result struct {
	RunID   string
	Info    *models.RunInfo
	Dataset *preprocess.Dataset
	Summary *training.Summary
	Samples []*models.Sample
	// Storage holds the operation counters of each backend, keyed
	// "checkpoints/<type>" or "sinks/<type>".
	Storage map[string]*interfaces.StorageMetrics
}

// StatusReport is served on the status route while training runs.
type StatusReport struct {
	Run      *models.RunInfo                       `json:"run"`
	Training training.Status                       `json:"training"`
	Storage  map[string]*interfaces.StorageMetrics `json:"storage,omitempty"`
}

// Train runs the full pipeline: preprocess, load embeddings, build the
// model, train, then decode NumSamples random pairs to out.
func Train(ctx context.Context, cfg *config.Config, logger *logrus.Logger, out io.Writer) (*Result, error) {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	runID := uuid.New().String()
	log := logger.WithField("run_id", runID)

	log.WithFields(logrus.Fields{
		"hidden_size":   cfg.Model.HiddenSize,
		"batch_size":    cfg.Training.BatchSize,
		"num_layers":    cfg.Model.NumLayers,
		"max_length":    cfg.Data.MaxLength,
		"learning_rate": cfg.Training.LearningRate,
		"num_iters":     cfg.Training.NumIters,
		"seed":          seed,
	}).Info("Model parameters")

	dataset, err := preprocess.NewPreprocessor(&preprocess.Config{
		Dir:             cfg.Data.Dir,
		MaxLength:       cfg.Data.MaxLength,
		ValidationSplit: cfg.Data.ValidationSplit,
		MinCount:        cfg.Data.MinCount,
		LengthPolicy:    cfg.Data.LengthPolicy,
		Seed:            seed,
	}, logger).Load(ctx)
	if err != nil {
		return nil, err
	}

	table, err := embedding.Load(ctx, cfg.Embedding.File, dataset.Vocab, &embedding.Options{
		Format:    cfg.Embedding.Format,
		OOVInit:   cfg.Embedding.OOVInit,
		RandomStd: cfg.Embedding.RandomStd,
		Seed:      seed + 1,
	}, logger)
	if err != nil {
		return nil, err
	}

	net, err := model.New(&model.Config{
		HiddenSize:     cfg.Model.HiddenSize,
		NumLayers:      cfg.Model.NumLayers,
		DropoutP:       cfg.Model.Dropout,
		TrainEmbedding: cfg.Model.TrainEmbedding,
		Seed:           seed + 2,
	}, table.Matrix, logger)
	if err != nil {
		return nil, err
	}

	driver := training.NewDriver(net, &training.DriverConfig{
		LearningRate:        cfg.Training.LearningRate,
		Clip:                cfg.Training.Clip,
		TeacherForcingRatio: cfg.Training.TeacherForcingRatio,
		Seed:                seed + 3,
	}, logger)

	factory := storage.NewFactory(logger)
	store, err := factory.CreateCheckpointStore(&cfg.Storage)
	if err != nil {
		return nil, err
	}
	sinks, err := factory.CreateSinks(&cfg.Storage)
	if err != nil {
		return nil, err
	}
	backends := make([]interfaces.Storage, 0, len(sinks)+1)
	named := make(map[string]interfaces.Storage, len(sinks)+1)
	if store != nil {
		backends = append(backends, store)
		named["checkpoints/"+cfg.Storage.Checkpoints] = store
	}
	for i, s := range sinks {
		backends = append(backends, s)
		named["sinks/"+cfg.Storage.Sinks[i]] = s
	}
	if err := storage.ConnectAll(ctx, backends...); err != nil {
		return nil, err
	}
	defer storage.CloseAll(logger, backends...)

	prom, err := metrics.NewPrometheusMetrics(&metrics.PrometheusConfig{
		Namespace:      constants.MetricsNamespace,
		Subsystem:      constants.MetricsSubsystem,
		Labels:         map[string]string{"run_id": runID},
		ProcessMetrics: cfg.Metrics.ProcessMetrics,
	}, logger)
	if err != nil {
		return nil, err
	}

	opts := []training.RunnerOption{
		training.WithMetrics(prom),
		training.WithProgressSinks(sinks...),
	}
	if store != nil {
		opts = append(opts, training.WithCheckpointStore(store))
	}
	runner := training.NewRunner(&training.RunnerConfig{
		RunID:           runID,
		NumIters:        cfg.Training.NumIters,
		BatchSize:       cfg.Training.BatchSize,
		MaxLength:       cfg.Data.MaxLength,
		PrintEvery:      cfg.Training.PrintEvery,
		ValidateEvery:   cfg.Training.ValidateEvery,
		CheckpointEvery: cfg.Training.CheckpointEvery,
		Compression:     cfg.Training.Compression,
		TrackingPair:    cfg.Training.TrackingPair,
		Seed:            seed + 4,
	}, driver, dataset, logger, opts...)

	total, trainable := net.NumParameters()
	info := &models.RunInfo{
		RunID:      runID,
		StartedAt:  time.Now().UTC(),
		VocabSize:  dataset.Vocab.Size(),
		TrainPairs: len(dataset.Train),
		ValPairs:   len(dataset.Validation),
		Parameters: total,
		Trainable:  trainable,
		Hyperparams: map[string]string{
			"hidden_size":     strconv.Itoa(cfg.Model.HiddenSize),
			"num_layers":      strconv.Itoa(cfg.Model.NumLayers),
			"embedding_dim":   strconv.Itoa(table.Dim),
			"batch_size":      strconv.Itoa(cfg.Training.BatchSize),
			"max_length":      strconv.Itoa(cfg.Data.MaxLength),
			"learning_rate":   strconv.FormatFloat(driver.Optimizer().GetLearningRate(), 'g', -1, 64),
			"teacher_forcing": strconv.FormatFloat(cfg.Training.TeacherForcingRatio, 'g', -1, 64),
			"seed":            strconv.FormatInt(seed, 10),
		},
	}

	if cfg.Metrics.Addr != "" {
		status := func() interface{} {
			return &StatusReport{
				Run:      info,
				Training: runner.Status(),
				Storage:  storage.CollectMetrics(ctx, named),
			}
		}
		server := metrics.NewServer(cfg.Metrics.Addr, prom, status, logger)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Metrics.ShutdownGrace)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Metrics server shutdown failed")
			}
		}()
	}

	log.WithFields(logrus.Fields{
		"vocab_size":       info.VocabSize,
		"train_pairs":      info.TrainPairs,
		"validation_pairs": info.ValPairs,
		"embedding_dim":    table.Dim,
		"parameters":       info.Parameters,
		"trainable":        info.Trainable,
	}).Info("Training network")

	summary, err := runner.Run(ctx)
	if err != nil {
		return nil, err
	}

	samples, err := runner.EvaluateRandomly(ctx, cfg.Training.NumSamples)
	if err != nil {
		return nil, err
	}
	for _, s := range samples {
		fmt.Fprintf(out, "> %s\n= %s\n< %s\n\n", s.Input, s.Target, s.Output)
	}

	stats := storage.CollectMetrics(ctx, named)
	for name, m := range stats {
		log.WithFields(logrus.Fields{
			"backend": name,
			"reads":   m.ReadOperations,
			"writes":  m.WriteOperations,
			"errors":  m.ErrorCount,
		}).Info("Storage activity")
	}

	return &Result{
		RunID:   runID,
		Info:    info,
		Dataset: dataset,
		Summary: summary,
		Samples: samples,
		Storage: stats,
	}, nil
}
