package models

import "time"

// IterationMetrics summarizes one pass over the training split.
type IterationMetrics struct {
	RunID        string        `json:"run_id"`
	Iteration    int           `json:"iteration"`
	TrainLoss    float64       `json:"train_loss"`
	ValLoss      float64       `json:"val_loss"`
	HasValLoss   bool          `json:"has_val_loss"`
	Batches      int           `json:"batches"`
	Tokens       int           `json:"tokens"`
	MeanGradNorm float64       `json:"mean_grad_norm"`
	MaxGradNorm  float64       `json:"max_grad_norm"`
	Duration     time.Duration `json:"duration"`
	Timestamp    time.Time     `json:"timestamp"`
}

// RunInfo describes a training run.
type RunInfo struct {
	RunID       string            `json:"run_id"`
	StartedAt   time.Time         `json:"started_at"`
	VocabSize   int               `json:"vocab_size"`
	TrainPairs  int               `json:"train_pairs"`
	ValPairs    int               `json:"val_pairs"`
	Parameters  int               `json:"parameters"`
	Trainable   int               `json:"trainable"`
	Hyperparams map[string]string `json:"hyperparams,omitempty"`
}

// Sample is one greedy-decoded example rendered as text.
type Sample struct {
	Input  string `json:"input"`
	Target string `json:"target"`
	Output string `json:"output"`
}
