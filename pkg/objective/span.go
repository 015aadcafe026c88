package objective

import (
	"fmt"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

// Span predictor parameter names.
const (
	KeySpanProjWeight = "span_hidden_proj.weight" // [3*d_model, d_model]
	KeySpanProjBias   = "span_hidden_proj.bias"
	KeySpanNormWeight = "span_norm.weight"
	KeySpanNormBias   = "span_norm.bias"
)

// SpanPredictor predicts the token at a masked position from the hidden
// states at the span's left and right boundaries plus the position
// embedding of the masked position.
type SpanPredictor struct {
	Params  Params
	Encoder Encoder
	Output  OutputLayer
	Eps     float64
}

// SpanCache keeps what Backward needs from Forward.
type SpanCache struct {
	seqLen int
	batch  int
	rows   int
	dim    int

	masked [][]int
	left   [][]int
	right  [][]int

	concat tmath.Matrix // [B*S, 3D]
	proj   tmath.Matrix // before layer norm
	normed tmath.Matrix // before GELU
	act    tmath.Tensor3
}

// Forward returns span logits [B,S,V] for hidden [B,N,D] and masked, left
// and right position sets [B,S].
func (p *SpanPredictor) Forward(hidden tmath.Tensor3, masked, left, right [][]int) (tmath.Tensor3, *SpanCache, error) {
	batch, seqLen, dim := hidden.Shape()

	leftOutput, err := Gather(hidden, left)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to gather span left: %w", err)
	}
	rightOutput, err := Gather(hidden, right)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to gather span right: %w", err)
	}
	if err := checkIndexShape(masked, batch); err != nil {
		return nil, nil, err
	}
	if len(left) > 0 && (len(left[0]) != len(masked[0]) || len(right[0]) != len(masked[0])) {
		return nil, nil, fmt.Errorf("%w: masked, left and right position sets differ in length", ErrShapeMismatch)
	}

	spanPos, err := p.Encoder.PositionEmbedding(masked)
	if err != nil {
		return nil, nil, fmt.Errorf("position embedding lookup failed: %w", err)
	}
	if pb, ps, pd := spanPos.Shape(); batch > 0 && (pb != batch || ps != len(masked[0]) || pd != dim) {
		return nil, nil, fmt.Errorf("%w: position embedding is [%d,%d,%d], want [%d,%d,%d]", ErrShapeMismatch, pb, ps, pd, batch, len(masked[0]), dim)
	}

	rows := 0
	if batch > 0 {
		rows = len(masked[0])
	}

	concat, err := tmath.ConcatColumns(leftOutput.Flatten(), rightOutput.Flatten(), spanPos.Flatten())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to concatenate span features: %w", err)
	}

	projW, err := p.Params.GetMatrix(KeySpanProjWeight)
	if err != nil {
		return nil, nil, err
	}
	projB, err := p.Params.GetVector(KeySpanProjBias)
	if err != nil {
		return nil, nil, err
	}
	normW, err := p.Params.GetVector(KeySpanNormWeight)
	if err != nil {
		return nil, nil, err
	}
	normB, err := p.Params.GetVector(KeySpanNormBias)
	if err != nil {
		return nil, nil, err
	}

	proj, err := tmath.MatMul(concat, projW)
	if err != nil {
		return nil, nil, fmt.Errorf("span hidden projection failed: %w", err)
	}
	if err := tmath.AddBias(proj, projB); err != nil {
		return nil, nil, fmt.Errorf("span hidden projection failed: %w", err)
	}

	normed := tmath.LayerNorm(proj, normW, normB, p.Eps)
	act, err := tmath.Unflatten(tmath.ApplyGelu(normed), batch, rows)
	if err != nil {
		return nil, nil, err
	}

	logits, err := p.Output.Forward(act)
	if err != nil {
		return nil, nil, err
	}

	cache := &SpanCache{
		seqLen: seqLen,
		batch:  batch,
		rows:   rows,
		dim:    dim,
		masked: masked,
		left:   left,
		right:  right,
		concat: concat,
		proj:   proj,
		normed: normed,
		act:    act,
	}
	return logits, cache, nil
}

// Backward records the span predictor's parameter gradients (shared output
// layer, projection, layer norm and, when the encoder supports it, the
// position embedding table) and returns dL/dHidden [B,N,D].
func (p *SpanPredictor) Backward(c *SpanCache, gradLogits tmath.Tensor3) (tmath.Tensor3, error) {
	dAct, err := p.Output.Backward(c.act, gradLogits)
	if err != nil {
		return nil, err
	}

	dNormed := tmath.GeluBackward(c.normed, dAct.Flatten())

	normW, err := p.Params.GetVector(KeySpanNormWeight)
	if err != nil {
		return nil, err
	}
	dProj, dNormW, dNormB := tmath.LayerNormBackward(dNormed, c.proj, normW, p.Eps)
	if err := p.Params.AddGradient(KeySpanNormWeight, dNormW); err != nil {
		return nil, err
	}
	if err := p.Params.AddGradient(KeySpanNormBias, dNormB); err != nil {
		return nil, err
	}

	projW, err := p.Params.GetMatrix(KeySpanProjWeight)
	if err != nil {
		return nil, err
	}
	dConcat, dProjW, err := tmath.MatMulBackward(dProj, c.concat, projW)
	if err != nil {
		return nil, fmt.Errorf("span hidden projection backward failed: %w", err)
	}
	if err := p.Params.AddGradient(KeySpanProjWeight, dProjW); err != nil {
		return nil, err
	}
	if err := p.Params.AddGradient(KeySpanProjBias, tmath.ColumnSums(dProj)); err != nil {
		return nil, err
	}

	parts, err := tmath.SplitColumns(dConcat, c.dim, c.dim, c.dim)
	if err != nil {
		return nil, err
	}
	grads := make([]tmath.Tensor3, len(parts))
	for i, part := range parts {
		if grads[i], err = tmath.Unflatten(part, c.batch, c.rows); err != nil {
			return nil, err
		}
	}

	gradHidden, err := GatherBackward(grads[0], c.left, c.seqLen)
	if err != nil {
		return nil, err
	}
	gradRight, err := GatherBackward(grads[1], c.right, c.seqLen)
	if err != nil {
		return nil, err
	}
	for b := range gradHidden {
		for n := range gradHidden[b] {
			for d := range gradHidden[b][n] {
				gradHidden[b][n][d] += gradRight[b][n][d]
			}
		}
	}

	if pg, ok := p.Encoder.(PositionGradients); ok {
		if err := pg.PositionEmbeddingBackward(c.masked, grads[2]); err != nil {
			return nil, fmt.Errorf("position embedding backward failed: %w", err)
		}
	}

	return gradHidden, nil
}
