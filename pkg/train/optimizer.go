// Package train runs span-model pretraining: optimizers, the learning rate
// schedule, the main training loop and progress reporting.
package train

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/crislerwin/tiny-spanbert/pkg/config"
	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
	"github.com/crislerwin/tiny-spanbert/pkg/model"
)

// Optimizer applies the accumulated gradients of w to its parameters.
// Gradients are keyed by the name that owns the storage, so a tied pair of
// names is one parameter here.
type Optimizer interface {
	Step(w *model.Weights, lr float64) error
}

// NewOptimizer builds the optimizer named by cfg.Optimizer.
func NewOptimizer(cfg *config.TrainConfig) (Optimizer, error) {
	switch cfg.Optimizer {
	case "sgd":
		return &SGD{}, nil
	case "adam", "":
		return NewAdamW(cfg.Beta1, cfg.Beta2, cfg.AdamEps, cfg.WeightDecay), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
}

// params returns the rows of a stored parameter as flat slices, so matrices
// and vectors can be updated the same way.
func params(v interface{}) ([][]float64, error) {
	switch p := v.(type) {
	case tmath.Matrix:
		rows := make([][]float64, len(p))
		for i := range p {
			rows[i] = p[i]
		}
		return rows, nil
	case tmath.Vector:
		return [][]float64{p}, nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", v)
	}
}

// paramPair returns the matching rows of a parameter and its gradient.
func paramPair(w *model.Weights, key string) ([][]float64, [][]float64, error) {
	val, ok := w.Data[key]
	if !ok {
		return nil, nil, fmt.Errorf("gradient for unknown parameter %s", key)
	}
	p, err := params(val)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", key, err)
	}
	g, err := params(w.Grads[key])
	if err != nil {
		return nil, nil, fmt.Errorf("%s gradient: %w", key, err)
	}
	if len(p) != len(g) {
		return nil, nil, fmt.Errorf("%s: %d parameter rows, %d gradient rows", key, len(p), len(g))
	}
	for i := range p {
		if len(p[i]) != len(g[i]) {
			return nil, nil, fmt.Errorf("%s: row %d has %d values, gradient %d", key, i, len(p[i]), len(g[i]))
		}
	}
	return p, g, nil
}

// SGD is plain gradient descent.
type SGD struct{}

// Step implements Optimizer.
func (SGD) Step(w *model.Weights, lr float64) error {
	for key := range w.Grads {
		p, g, err := paramPair(w, key)
		if err != nil {
			return err
		}
		for i := range p {
			floats.AddScaled(p[i], -lr, g[i])
		}
	}
	return nil
}

// AdamW is Adam with decoupled weight decay. Moment estimates are kept per
// parameter name.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	T int
	M map[string][][]float64
	V map[string][][]float64
}

// NewAdamW creates an AdamW optimizer.
func NewAdamW(beta1, beta2, eps, weightDecay float64) *AdamW {
	slog.Debug("initializing AdamW optimizer", "beta1", beta1, "beta2", beta2, "eps", eps, "weight_decay", weightDecay)
	return &AdamW{
		Beta1:       beta1,
		Beta2:       beta2,
		Eps:         eps,
		WeightDecay: weightDecay,
		M:           make(map[string][][]float64),
		V:           make(map[string][][]float64),
	}
}

func zerosLike(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i := range rows {
		out[i] = make([]float64, len(rows[i]))
	}
	return out
}

// Step implements Optimizer.
func (a *AdamW) Step(w *model.Weights, lr float64) error {
	a.T++
	t := float64(a.T)
	lrT := lr * math.Sqrt(1.0-math.Pow(a.Beta2, t)) / (1.0 - math.Pow(a.Beta1, t))

	for _, key := range w.Keys() {
		if _, ok := w.Grads[key]; !ok {
			continue
		}
		p, g, err := paramPair(w, key)
		if err != nil {
			return err
		}
		m, ok := a.M[key]
		if !ok {
			m = zerosLike(p)
			a.M[key] = m
			a.V[key] = zerosLike(p)
		}
		v := a.V[key]

		for i := range p {
			for j := range p[i] {
				grad := g[i][j]
				if math.IsNaN(grad) || math.IsInf(grad, 0) {
					grad = 0
				}
				m[i][j] = a.Beta1*m[i][j] + (1.0-a.Beta1)*grad
				v[i][j] = a.Beta2*v[i][j] + (1.0-a.Beta2)*grad*grad
				p[i][j] -= lrT * m[i][j] / (math.Sqrt(v[i][j]) + a.Eps)
				p[i][j] -= lr * a.WeightDecay * p[i][j]
			}
		}
	}
	return nil
}

// GradNorm returns the L2 norm of all accumulated gradients.
func GradNorm(w *model.Weights) float64 {
	sum := 0.0
	for _, grad := range w.Grads {
		rows, err := params(grad)
		if err != nil {
			continue
		}
		for _, r := range rows {
			sum += floats.Dot(r, r)
		}
	}
	return math.Sqrt(sum)
}

// ScaleGrads multiplies every accumulated gradient by s.
func ScaleGrads(w *model.Weights, s float64) {
	for _, grad := range w.Grads {
		rows, err := params(grad)
		if err != nil {
			continue
		}
		for _, r := range rows {
			floats.Scale(s, r)
		}
	}
}

// ClipGradNorm rescales the gradients so their global norm is at most
// maxNorm and returns the norm before clipping.
func ClipGradNorm(w *model.Weights, maxNorm float64) float64 {
	norm := GradNorm(w)
	if maxNorm > 0 && norm > maxNorm {
		ScaleGrads(w, maxNorm/norm)
	}
	return norm
}

// LearningRate is the base rate scaled linearly from 1/warmup up to 1 over
// the first warmup steps, constant afterwards.
func LearningRate(base float64, step, warmup int) float64 {
	if warmup <= 0 || step >= warmup {
		return base
	}
	return base * float64(step+1) / float64(warmup)
}
