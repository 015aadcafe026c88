package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// TrainConfig holds the training loop settings.
type TrainConfig struct {
	// TrainDataPath is a comma-separated list of example shards.
	TrainDataPath string `json:"train_data_path"`
	TestDataPath  string `json:"test_data_path"`
	LogDir        string `json:"logdir"`

	BatchSize int `json:"batch_size"`
	Epochs    int `json:"epochs"`
	// EvalEvery runs an evaluation pass every N optimizer steps.
	EvalEvery int `json:"eval_every"`
	// MaxTestNum caps the number of test examples, 0 means all of them.
	MaxTestNum int `json:"max_test_num"`
	// UpdatePerBatches accumulates gradients over this many batches before
	// each optimizer step.
	UpdatePerBatches int `json:"update_per_batches"`

	Optimizer    string  `json:"optimizer"`
	LearningRate float64 `json:"learning_rate"`
	WarmupSteps  int     `json:"warmup_steps"`
	Beta1        float64 `json:"adam_beta1"`
	Beta2        float64 `json:"adam_beta2"`
	AdamEps      float64 `json:"adam_eps"`
	WeightDecay  float64 `json:"weight_decay"`
	ClipNorm     float64 `json:"clip_norm"`

	Seed int64 `json:"seed"`
}

// Shards splits TrainDataPath into its non-empty entries.
func (c *TrainConfig) Shards() []string {
	return splitPaths(c.TrainDataPath)
}

// TestShards splits TestDataPath into its non-empty entries.
func (c *TrainConfig) TestShards() []string {
	return splitPaths(c.TestDataPath)
}

func splitPaths(s string) []string {
	var paths []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Validate checks the training configuration and fills in defaults.
func (c *TrainConfig) Validate() error {
	if len(c.Shards()) == 0 {
		return fmt.Errorf("train data path is empty")
	}
	if c.LogDir == "" {
		return fmt.Errorf("logdir should not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("warmup_steps must not be negative, got %d", c.WarmupSteps)
	}
	if c.Epochs <= 0 {
		c.Epochs = 1
	}
	if c.UpdatePerBatches <= 0 {
		c.UpdatePerBatches = 1
	}
	switch c.Optimizer {
	case "":
		c.Optimizer = "adam"
	case "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q, want adam or sgd", c.Optimizer)
	}
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.AdamEps == 0 {
		c.AdamEps = 1e-8
	}
	return nil
}

// LoadTrainConfig loads a training configuration from a JSON file
func LoadTrainConfig(filename string) (*TrainConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read train config file: %w", err)
	}

	cfg := DefaultTrainConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse train config JSON: %w", err)
	}
	return cfg, nil
}

// DefaultTrainConfig returns the settings of a full pretraining run.
func DefaultTrainConfig() *TrainConfig {
	return &TrainConfig{
		LogDir:           LogDir(),
		BatchSize:        512,
		Epochs:           100,
		EvalEvery:        6000,
		UpdatePerBatches: 2,
		Optimizer:        "adam",
		LearningRate:     0.0001,
		WarmupSteps:      20000,
		Beta1:            0.9,
		Beta2:            0.999,
		AdamEps:          1e-8,
		Seed:             42,
	}
}
