// Package objective computes the span-aware masked language model
// pretraining loss: masked-token prediction plus span-boundary prediction,
// both through one output projection that is tied to the word embedding,
// and both scored with label-smoothed cross-entropy.
package objective

import (
	"errors"
	"fmt"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

// Inputs positions as passed to ComputeLoss.
const (
	InputSource = iota
	InputMasked
	InputSpanLeft
	InputSpanRight

	numInputs
)

// Mode selects between training (gradients recorded) and evaluation
// (accuracy recorded, no gradients).
type Mode int

const (
	Train Mode = iota
	Eval
)

func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "eval"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Params is the parameter store the objective reads its weights from and
// records its gradients into.
type Params interface {
	GetMatrix(key string) (tmath.Matrix, error)
	GetVector(key string) (tmath.Vector, error)
	AddGradient(key string, grad interface{}) error
}

// Encoder is what the objective needs from the transformer encoder.
type Encoder interface {
	// Encode maps token ids and their positions, both [B,N], to hidden
	// states [B,N,D].
	Encode(src, pos [][]int) (tmath.Tensor3, error)
	// PositionEmbedding looks up the position embeddings of indices [B,S].
	PositionEmbedding(indices [][]int) (tmath.Tensor3, error)
}

// PositionGradients is implemented by encoders whose position embedding
// table is trainable.
type PositionGradients interface {
	PositionEmbeddingBackward(indices [][]int, grad tmath.Tensor3) error
}

// EvalSink collects evaluation metrics.
type EvalSink interface {
	Append(v float64)
}

// Evals is a slice backed EvalSink.
type Evals []float64

// Append implements EvalSink.
func (e *Evals) Append(v float64) { *e = append(*e, v) }

// Mean returns the average of the collected values, 0 when empty.
func (e Evals) Mean() float64 {
	if len(e) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range e {
		total += v
	}
	return total / float64(len(e))
}

// Loss is the result of one objective evaluation.
type Loss struct {
	Total float64
	MLM   float64
	Span  float64

	// GradHidden is dTotal/dHidden, [B,N,D]. Only set in Train mode.
	GradHidden tmath.Tensor3
}

// Objective combines the masked-token loss and the span-boundary loss.
type Objective struct {
	Params  Params
	Encoder Encoder

	Output OutputLayer
	Span   *SpanPredictor
}

// New builds an objective over params. eps is the layer norm epsilon of the
// span predictor.
func New(params Params, enc Encoder, eps float64) *Objective {
	out := OutputLayer{Params: params}
	return &Objective{
		Params:  params,
		Encoder: enc,
		Output:  out,
		Span: &SpanPredictor{
			Params:  params,
			Encoder: enc,
			Output:  out,
			Eps:     eps,
		},
	}
}

// ComputeLoss evaluates MLM loss + span loss for one batch.
//
// inputs holds the source sequence, masked positions, span-left positions
// and span-right positions, in that order. outputs[0] is the encoder's
// hidden states. target holds the labels of the masked positions.
//
// In Eval mode the MLM accuracy is appended to evals and no gradient is
// computed. In Train mode the parameter gradients are recorded in Params and
// the gradient with respect to the hidden states is returned in
// Loss.GradHidden.
//
// A batch without supervised positions yields a zero Loss together with an
// error wrapping ErrNoSupervisedPositions.
func (o *Objective) ComputeLoss(mode Mode, inputs [][][]int, outputs []tmath.Tensor3, evals EvalSink, target [][]int) (*Loss, error) {
	if len(inputs) < numInputs || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: got %d inputs and %d outputs", ErrMissingInputs, len(inputs), len(outputs))
	}

	hidden := outputs[0]
	masked := inputs[InputMasked]
	left := inputs[InputSpanLeft]
	right := inputs[InputSpanRight]

	maskedOutput, err := Gather(hidden, masked)
	if err != nil {
		return nil, fmt.Errorf("failed to gather masked positions: %w", err)
	}
	maskPreds, err := o.Output.Forward(maskedOutput)
	if err != nil {
		return nil, fmt.Errorf("masked token projection failed: %w", err)
	}
	mlmLoss, mlmGrad, err := SmoothedLoss(maskPreds, target)
	if err != nil {
		if errors.Is(err, ErrNoSupervisedPositions) {
			return &Loss{}, err
		}
		return nil, fmt.Errorf("mlm loss failed: %w", err)
	}

	spanPreds, cache, err := o.Span.Forward(hidden, masked, left, right)
	if err != nil {
		return nil, fmt.Errorf("span boundary prediction failed: %w", err)
	}
	spanLoss, spanGrad, err := SmoothedLoss(spanPreds, target)
	if err != nil {
		return nil, fmt.Errorf("span loss failed: %w", err)
	}

	loss := &Loss{
		Total: mlmLoss + spanLoss,
		MLM:   mlmLoss,
		Span:  spanLoss,
	}

	if mode != Train {
		accuracy, err := Accuracy(maskPreds, target)
		if err != nil {
			return nil, fmt.Errorf("mlm accuracy failed: %w", err)
		}
		if evals != nil {
			evals.Append(accuracy)
		}
		return loss, nil
	}

	_, seqLen, _ := hidden.Shape()
	dMasked, err := o.Output.Backward(maskedOutput, mlmGrad)
	if err != nil {
		return nil, fmt.Errorf("masked token projection backward failed: %w", err)
	}
	gradHidden, err := GatherBackward(dMasked, masked, seqLen)
	if err != nil {
		return nil, fmt.Errorf("masked gather backward failed: %w", err)
	}
	spanGradHidden, err := o.Span.Backward(cache, spanGrad)
	if err != nil {
		return nil, fmt.Errorf("span boundary backward failed: %w", err)
	}
	for b := range gradHidden {
		for n := range gradHidden[b] {
			for d := range gradHidden[b][n] {
				gradHidden[b][n][d] += spanGradHidden[b][n][d]
			}
		}
	}
	loss.GradHidden = gradHidden

	return loss, nil
}

// Predict returns the argmax vocabulary id of both heads for every masked
// position, [B,S] each.
func (o *Objective) Predict(inputs [][][]int, outputs []tmath.Tensor3) (mlm, span [][]int, err error) {
	if len(inputs) < numInputs || len(outputs) == 0 {
		return nil, nil, fmt.Errorf("%w: got %d inputs and %d outputs", ErrMissingInputs, len(inputs), len(outputs))
	}
	hidden := outputs[0]

	maskedOutput, err := Gather(hidden, inputs[InputMasked])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to gather masked positions: %w", err)
	}
	maskPreds, err := o.Output.Forward(maskedOutput)
	if err != nil {
		return nil, nil, fmt.Errorf("masked token projection failed: %w", err)
	}
	spanPreds, _, err := o.Span.Forward(hidden, inputs[InputMasked], inputs[InputSpanLeft], inputs[InputSpanRight])
	if err != nil {
		return nil, nil, fmt.Errorf("span boundary prediction failed: %w", err)
	}

	return argmaxAll(maskPreds), argmaxAll(spanPreds), nil
}

func argmaxAll(logits tmath.Tensor3) [][]int {
	ids := make([][]int, len(logits))
	for b, m := range logits {
		ids[b] = make([]int, len(m))
		for s, row := range m {
			ids[b][s] = tmath.Argmax(row)
		}
	}
	return ids
}
