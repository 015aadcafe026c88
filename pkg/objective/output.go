package objective

import (
	"fmt"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

// Output layer parameter names. KeyOutputWeight is expected to be tied to
// the encoder's word embedding table ([vocab, d_model]).
const (
	KeyOutputWeight = "lm_head.weight"
	KeyOutputBias   = "lm_head.bias"
)

// OutputLayer projects d_model features to vocabulary logits with the shared
// weight: logits = x @ W^T + b. Both prediction heads use the same
// OutputLayer, so they share W and b.
type OutputLayer struct {
	Params Params
}

func (l OutputLayer) weights() (tmath.Matrix, tmath.Vector, error) {
	w, err := l.Params.GetMatrix(KeyOutputWeight)
	if err != nil {
		return nil, nil, err
	}
	b, err := l.Params.GetVector(KeyOutputBias)
	if err != nil {
		return nil, nil, err
	}
	return w, b, nil
}

// Forward maps x [B,S,D] to logits [B,S,V].
func (l OutputLayer) Forward(x tmath.Tensor3) (tmath.Tensor3, error) {
	w, bias, err := l.weights()
	if err != nil {
		return nil, err
	}
	batch, rows, _ := x.Shape()

	logits, err := tmath.MatMulT(x.Flatten(), w)
	if err != nil {
		return nil, fmt.Errorf("output projection failed: %w", err)
	}
	if err := tmath.AddBias(logits, bias); err != nil {
		return nil, fmt.Errorf("output bias failed: %w", err)
	}
	return tmath.Unflatten(logits, batch, rows)
}

// Backward records the gradients of W and b for logits = Forward(x) and
// returns dL/dx.
func (l OutputLayer) Backward(x, gradLogits tmath.Tensor3) (tmath.Tensor3, error) {
	w, _, err := l.weights()
	if err != nil {
		return nil, err
	}
	batch, rows, _ := x.Shape()
	flatGrad := gradLogits.Flatten()

	// logits = x @ W^T: dx = g @ W, dW = g^T @ x
	dx, dW, err := tmath.MatMulTBackward(flatGrad, x.Flatten(), w)
	if err != nil {
		return nil, fmt.Errorf("output projection backward failed: %w", err)
	}
	if err := l.Params.AddGradient(KeyOutputWeight, dW); err != nil {
		return nil, err
	}
	if err := l.Params.AddGradient(KeyOutputBias, tmath.ColumnSums(flatGrad)); err != nil {
		return nil, err
	}
	return tmath.Unflatten(dx, batch, rows)
}
