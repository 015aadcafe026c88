package model

import (
	"fmt"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
	"github.com/crislerwin/tiny-spanbert/pkg/objective"
)

// SpanBert is the encoder together with its pretraining objective. Both
// read and write the same Weights, so the output projection of the
// objective is the encoder's token embedding.
//
// A SpanBert is not safe for concurrent use: a Train mode Forward keeps the
// caches that the following Backward consumes.
type SpanBert struct {
	Weights   *Weights
	Encoder   *TransformerEncoder
	Objective *objective.Objective

	cache *EncoderCache
}

// NewSpanBert wires an encoder and an objective over w.
func NewSpanBert(w *Weights) *SpanBert {
	enc := NewTransformerEncoder(w)
	return &SpanBert{
		Weights:   w,
		Encoder:   enc,
		Objective: objective.New(w, enc, w.Config.Eps),
	}
}

// Positions returns 0..n-1 for every row of src.
func Positions(src [][]int) [][]int {
	pos := make([][]int, len(src))
	for b, row := range src {
		pos[b] = make([]int, len(row))
		for i := range row {
			pos[b][i] = i
		}
	}
	return pos
}

// Forward encodes inputs[objective.InputSource] and returns the encoder
// outputs, hidden states first.
func (m *SpanBert) Forward(mode objective.Mode, inputs [][][]int) ([]tmath.Tensor3, error) {
	if len(inputs) <= objective.InputSource {
		return nil, objective.ErrMissingInputs
	}
	src := inputs[objective.InputSource]
	pos := Positions(src)

	if mode != objective.Train {
		m.cache = nil
		hidden, err := m.Encoder.Encode(src, pos)
		if err != nil {
			return nil, fmt.Errorf("encoder forward failed: %w", err)
		}
		return []tmath.Tensor3{hidden}, nil
	}

	hidden, cache, err := m.Encoder.EncodeTrain(src, pos)
	if err != nil {
		return nil, fmt.Errorf("encoder forward failed: %w", err)
	}
	m.cache = cache
	return []tmath.Tensor3{hidden}, nil
}

// ComputeLoss runs the objective on the outputs of Forward.
func (m *SpanBert) ComputeLoss(mode objective.Mode, inputs [][][]int, outputs []tmath.Tensor3, evals objective.EvalSink, target [][]int) (*objective.Loss, error) {
	return m.Objective.ComputeLoss(mode, inputs, outputs, evals, target)
}

// Backward pushes the loss gradient through the encoder of the last Train
// mode Forward. Objective gradients are already recorded by ComputeLoss.
func (m *SpanBert) Backward(loss *objective.Loss) error {
	if loss == nil || loss.GradHidden == nil {
		return fmt.Errorf("loss carries no hidden state gradient")
	}
	cache := m.cache
	m.cache = nil
	return m.Encoder.Backward(cache, loss.GradHidden)
}

// Step runs forward, loss and backward for one training batch. Gradients
// accumulate in Weights until the optimizer consumes them.
func (m *SpanBert) Step(inputs [][][]int, target [][]int) (*objective.Loss, error) {
	outputs, err := m.Forward(objective.Train, inputs)
	if err != nil {
		return nil, err
	}
	loss, err := m.ComputeLoss(objective.Train, inputs, outputs, nil, target)
	if err != nil {
		return loss, err
	}
	if err := m.Backward(loss); err != nil {
		return nil, fmt.Errorf("encoder backward failed: %w", err)
	}
	return loss, nil
}

// Evaluate scores one batch without recording gradients. The MLM accuracy
// is appended to evals.
func (m *SpanBert) Evaluate(inputs [][][]int, target [][]int, evals objective.EvalSink) (*objective.Loss, error) {
	outputs, err := m.Forward(objective.Eval, inputs)
	if err != nil {
		return nil, err
	}
	return m.ComputeLoss(objective.Eval, inputs, outputs, evals, target)
}

// Predict returns the argmax ids of the masked-token head and the span head
// for every masked position.
func (m *SpanBert) Predict(inputs [][][]int) (mlm, span [][]int, err error) {
	outputs, err := m.Forward(objective.Eval, inputs)
	if err != nil {
		return nil, nil, err
	}
	return m.Objective.Predict(inputs, outputs)
}
