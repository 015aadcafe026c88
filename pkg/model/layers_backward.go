package model

import (
	"fmt"
	"math"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

// FeedForwardBackward computes gradients for FeedForward layer
func FeedForwardBackward(gradOutput tmath.Matrix, cache *FeedForwardCache, prefix string, w *Weights) (tmath.Matrix, error) {
	W1, err := w.GetMatrix(prefix + ".ff.linear1.weight")
	if err != nil {
		return nil, err
	}
	W2, err := w.GetMatrix(prefix + ".ff.linear2.weight")
	if err != nil {
		return nil, err
	}

	// output = geluOut @ W2 + b2
	dGeluOut, dW2, err := tmath.MatMulBackward(gradOutput, cache.GeluOut, W2)
	if err != nil {
		return nil, fmt.Errorf("second linear layer backward failed: %w", err)
	}
	if err := w.AddGradient(prefix+".ff.linear2.weight", dW2); err != nil {
		return nil, err
	}
	if err := w.AddGradient(prefix+".ff.linear2.bias", tmath.ColumnSums(gradOutput)); err != nil {
		return nil, err
	}

	dLinear1 := tmath.GeluBackward(cache.Linear1Out, dGeluOut)

	// linear1 = input @ W1 + b1
	gradInput, dW1, err := tmath.MatMulBackward(dLinear1, cache.Input, W1)
	if err != nil {
		return nil, fmt.Errorf("first linear layer backward failed: %w", err)
	}
	if err := w.AddGradient(prefix+".ff.linear1.weight", dW1); err != nil {
		return nil, err
	}
	if err := w.AddGradient(prefix+".ff.linear1.bias", tmath.ColumnSums(dLinear1)); err != nil {
		return nil, err
	}

	return gradInput, nil
}

// MultiHeadAttentionBackward computes gradients for MHA
func MultiHeadAttentionBackward(gradOutput tmath.Matrix, cache *AttentionCache, prefix string, w *Weights) (tmath.Matrix, error) {
	seqLen := len(gradOutput)
	dModel := w.Config.DModel
	nHeads := w.Config.NHeads
	headDim := dModel / nHeads
	scale := math.Sqrt(float64(headDim))

	Wq, err := w.GetMatrix(prefix + ".attn.W_q.weight")
	if err != nil {
		return nil, err
	}
	Wk, err := w.GetMatrix(prefix + ".attn.W_k.weight")
	if err != nil {
		return nil, err
	}
	Wv, err := w.GetMatrix(prefix + ".attn.W_v.weight")
	if err != nil {
		return nil, err
	}
	Wo, err := w.GetMatrix(prefix + ".attn.W_o.weight")
	if err != nil {
		return nil, err
	}

	// output = concat @ Wo
	dConcat, dWo, err := tmath.MatMulBackward(gradOutput, cache.Concat, Wo)
	if err != nil {
		return nil, fmt.Errorf("output projection backward failed: %w", err)
	}
	if err := w.AddGradient(prefix+".attn.W_o.weight", dWo); err != nil {
		return nil, err
	}

	dQ := tmath.NewMatrix(seqLen, dModel)
	dK := tmath.NewMatrix(seqLen, dModel)
	dV := tmath.NewMatrix(seqLen, dModel)

	for h := 0; h < nHeads; h++ {
		start := h * headDim
		dHeadOut := head(dConcat, h, headDim)
		qHead := head(cache.Q, h, headDim)
		kHead := head(cache.K, h, headDim)
		vHead := head(cache.V, h, headDim)
		probs := cache.Probs[h]

		// headOut = probs @ vHead
		dProbs, dVHead, err := tmath.MatMulBackward(dHeadOut, probs, vHead)
		if err != nil {
			return nil, fmt.Errorf("attention output backward failed: %w", err)
		}

		dScores := tmath.SoftmaxBackward(probs, dProbs)
		for r := 0; r < seqLen; r++ {
			for c := 0; c < seqLen; c++ {
				dScores[r][c] /= scale
				if cache.Mask != nil && cache.Mask[r][c] == 0 {
					dScores[r][c] = 0
				}
			}
		}

		// scores = qHead @ kHead^T
		dQHead, dKHead, err := tmath.MatMulTBackward(dScores, qHead, kHead)
		if err != nil {
			return nil, fmt.Errorf("attention scores backward failed: %w", err)
		}

		for i := 0; i < seqLen; i++ {
			copy(dQ[i][start:start+headDim], dQHead[i])
			copy(dK[i][start:start+headDim], dKHead[i])
			copy(dV[i][start:start+headDim], dVHead[i])
		}
	}

	gradInput := tmath.NewMatrix(seqLen, dModel)
	projections := []struct {
		key  string
		grad tmath.Matrix
		w    tmath.Matrix
	}{
		{prefix + ".attn.W_q.weight", dQ, Wq},
		{prefix + ".attn.W_k.weight", dK, Wk},
		{prefix + ".attn.W_v.weight", dV, Wv},
	}
	for _, p := range projections {
		dx, dW, err := tmath.MatMulBackward(p.grad, cache.Input, p.w)
		if err != nil {
			return nil, fmt.Errorf("%s backward failed: %w", p.key, err)
		}
		if err := w.AddGradient(p.key, dW); err != nil {
			return nil, err
		}
		if gradInput, err = tmath.Add(gradInput, dx); err != nil {
			return nil, err
		}
	}

	return gradInput, nil
}

// TransformerBlockBackward back-propagates through a pre-norm block. The
// residual path carries the gradient past each sub-layer unchanged.
func TransformerBlockBackward(gradOutput tmath.Matrix, cache *TransformerBlockCache, idx int, w *Weights) (tmath.Matrix, error) {
	prefix := fmt.Sprintf("blocks.%d", idx)

	// out = h + FF(LN2(h))
	dNorm2, err := FeedForwardBackward(gradOutput, cache.FFCache, prefix, w)
	if err != nil {
		return nil, fmt.Errorf("feed-forward backward failed in block %d: %w", idx, err)
	}
	ln2W, err := w.GetVector(prefix + ".norm2.weight")
	if err != nil {
		return nil, err
	}
	dH, dLn2W, dLn2B := tmath.LayerNormBackward(dNorm2, cache.Norm2In, ln2W, w.Config.Eps)
	if err := w.AddGradient(prefix+".norm2.weight", dLn2W); err != nil {
		return nil, err
	}
	if err := w.AddGradient(prefix+".norm2.bias", dLn2B); err != nil {
		return nil, err
	}
	if dH, err = tmath.Add(dH, gradOutput); err != nil {
		return nil, err
	}

	// h = x + Attn(LN1(x))
	dNorm1, err := MultiHeadAttentionBackward(dH, cache.AttnCache, prefix, w)
	if err != nil {
		return nil, fmt.Errorf("attention backward failed in block %d: %w", idx, err)
	}
	ln1W, err := w.GetVector(prefix + ".norm1.weight")
	if err != nil {
		return nil, err
	}
	dX, dLn1W, dLn1B := tmath.LayerNormBackward(dNorm1, cache.Norm1In, ln1W, w.Config.Eps)
	if err := w.AddGradient(prefix+".norm1.weight", dLn1W); err != nil {
		return nil, err
	}
	if err := w.AddGradient(prefix+".norm1.bias", dLn1B); err != nil {
		return nil, err
	}

	return tmath.Add(dX, dH)
}
