package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/crislerwin/tiny-spanbert/pkg/config"
	"github.com/crislerwin/tiny-spanbert/pkg/dataset"
	"github.com/crislerwin/tiny-spanbert/pkg/model"
	"github.com/crislerwin/tiny-spanbert/pkg/objective"
)

// CheckpointName is the file the trainer writes the weights to, inside the
// log directory.
const CheckpointName = "model.json"

// EvalResult is the mean of an evaluation pass over the test set.
type EvalResult struct {
	Loss     float64
	MLM      float64
	Span     float64
	Accuracy float64
	Batches  int
}

// Trainer drives pretraining of a SpanBert model.
type Trainer struct {
	Config    *config.TrainConfig
	Model     *model.SpanBert
	Optimizer Optimizer
	Reporter  *Reporter

	Train *dataset.Dataset
	Test  *dataset.Dataset

	rng     *rand.Rand
	step    int
	pending int
}

// NewTrainer validates cfg and builds a trainer. test may be nil.
func NewTrainer(cfg *config.TrainConfig, m *model.SpanBert, train, test *dataset.Dataset) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid train config: %w", err)
	}
	if train == nil || train.Len() == 0 {
		return nil, fmt.Errorf("training set is empty")
	}
	opt, err := NewOptimizer(cfg)
	if err != nil {
		return nil, err
	}
	if test != nil {
		test.Limit(cfg.MaxTestNum)
	}

	return &Trainer{
		Config:    cfg,
		Model:     m,
		Optimizer: opt,
		Reporter:  &Reporter{LogEvery: 100},
		Train:     train,
		Test:      test,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Step returns the number of optimizer updates applied so far.
func (t *Trainer) Step() int {
	return t.step
}

// MainLoop trains for cfg.Epochs epochs, evaluating every cfg.EvalEvery
// optimizer steps and once at the end, then writes the checkpoint and the
// progress plots into cfg.LogDir.
func (t *Trainer) MainLoop(ctx context.Context) error {
	cfg := t.Config
	slog.Info("starting training",
		"examples", t.Train.Len(),
		"batch_size", cfg.BatchSize,
		"epochs", cfg.Epochs,
		"optimizer", cfg.Optimizer,
		"params", t.Model.Weights.NumParams())

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		t.Train.Shuffle(t.rng)
		for i, batch := range t.Train.Batches(cfg.BatchSize) {
			if err := ctx.Err(); err != nil {
				return err
			}

			loss, err := t.Model.Step(batch.Inputs(), batch.Labels)
			if errors.Is(err, objective.ErrNoSupervisedPositions) {
				slog.Warn("skipping batch without supervised positions", "epoch", epoch, "batch", i)
				continue
			}
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
			}
			t.Reporter.RecordTrain(Progress{Step: t.step, Loss: loss.Total, MLM: loss.MLM, Span: loss.Span})

			t.pending++
			if t.pending < cfg.UpdatePerBatches {
				continue
			}
			if err := t.update(); err != nil {
				return err
			}
			if cfg.EvalEvery > 0 && t.step%cfg.EvalEvery == 0 {
				if err := t.evaluateAndRecord(ctx); err != nil {
					return err
				}
			}
		}
		if t.pending > 0 {
			if err := t.update(); err != nil {
				return err
			}
		}
		slog.Debug("epoch done", "epoch", epoch, "step", t.step)
	}

	if err := t.evaluateAndRecord(ctx); err != nil {
		return err
	}
	return t.Save()
}

// update applies the accumulated gradients and clears them.
func (t *Trainer) update() error {
	w := t.Model.Weights
	if t.pending > 1 {
		ScaleGrads(w, 1.0/float64(t.pending))
	}
	if t.Config.ClipNorm > 0 {
		if norm := ClipGradNorm(w, t.Config.ClipNorm); norm > t.Config.ClipNorm {
			slog.Debug("clipped gradients", "norm", norm, "max", t.Config.ClipNorm)
		}
	}

	lr := LearningRate(t.Config.LearningRate, t.step, t.Config.WarmupSteps)
	if err := t.Optimizer.Step(w, lr); err != nil {
		return fmt.Errorf("optimizer step %d failed: %w", t.step, err)
	}
	w.ZeroGrad()
	t.pending = 0
	t.step++
	return nil
}

func (t *Trainer) evaluateAndRecord(ctx context.Context) error {
	if t.Test == nil || t.Test.Len() == 0 {
		return nil
	}
	res, err := t.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluation at step %d failed: %w", t.step, err)
	}
	t.Reporter.RecordEval(Progress{Step: t.step, Loss: res.Loss, MLM: res.MLM, Span: res.Span, Accuracy: res.Accuracy})
	return nil
}

// Evaluate scores the test set in Eval mode and returns the mean loss and
// the mean masked-token accuracy over the batches that have supervision.
func (t *Trainer) Evaluate(ctx context.Context) (*EvalResult, error) {
	return Evaluate(ctx, t.Model, t.Test, t.Config.BatchSize)
}

// Evaluate scores d with m in Eval mode.
func Evaluate(ctx context.Context, m *model.SpanBert, d *dataset.Dataset, batchSize int) (*EvalResult, error) {
	if d == nil || d.Len() == 0 {
		return nil, fmt.Errorf("test set is empty")
	}

	var evals objective.Evals
	res := &EvalResult{}
	for i, batch := range d.Batches(batchSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loss, err := m.Evaluate(batch.Inputs(), batch.Labels, &evals)
		if errors.Is(err, objective.ErrNoSupervisedPositions) {
			slog.Warn("skipping test batch without supervised positions", "batch", i)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("test batch %d: %w", i, err)
		}
		res.Loss += loss.Total
		res.MLM += loss.MLM
		res.Span += loss.Span
		res.Batches++
	}
	if res.Batches == 0 {
		return nil, objective.ErrNoSupervisedPositions
	}

	n := float64(res.Batches)
	res.Loss /= n
	res.MLM /= n
	res.Span /= n
	res.Accuracy = evals.Mean()
	return res, nil
}

// Save writes the checkpoint and the progress plots into the log directory.
func (t *Trainer) Save() error {
	dir := t.Config.LogDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, CheckpointName)
	if err := t.Model.Weights.SaveJSON(path); err != nil {
		return err
	}
	slog.Info("saved checkpoint", "path", path, "step", t.step)

	return t.Reporter.Plot(dir)
}
