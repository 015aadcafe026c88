package model

import (
	"fmt"
	"math"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

// maskedScore replaces attention scores of blocked keys.
const maskedScore = -1e9

// PaddingMask returns the [n,n] attention mask of a sequence: key column c
// is blocked (0) when tokens[c] is the padding id, open (1) otherwise.
// Attention is bidirectional, so there is no causal triangle.
func PaddingMask(tokens []int, padID int) tmath.Matrix {
	n := len(tokens)
	mask := tmath.NewMatrix(n, n)
	for r := 0; r < n; r++ {
		for c, id := range tokens {
			if id != padID {
				mask[r][c] = 1.0
			}
		}
	}
	return mask
}

// head copies columns [h*dK, (h+1)*dK) of m.
func head(m tmath.Matrix, h, dK int) tmath.Matrix {
	out := tmath.NewMatrix(len(m), dK)
	for i := range m {
		copy(out[i], m[i][h*dK:(h+1)*dK])
	}
	return out
}

// MultiHeadAttention performs multi-head self-attention
func MultiHeadAttention(x tmath.Matrix, prefix string, w *Weights, mask tmath.Matrix) (tmath.Matrix, *AttentionCache, error) {
	seqLen := len(x)
	dModel := w.Config.DModel
	nHeads := w.Config.NHeads
	dK := dModel / nHeads

	// Get weight matrices
	Wq, err := w.GetMatrix(prefix + ".attn.W_q.weight")
	if err != nil {
		return nil, nil, err
	}
	Wk, err := w.GetMatrix(prefix + ".attn.W_k.weight")
	if err != nil {
		return nil, nil, err
	}
	Wv, err := w.GetMatrix(prefix + ".attn.W_v.weight")
	if err != nil {
		return nil, nil, err
	}
	Wo, err := w.GetMatrix(prefix + ".attn.W_o.weight")
	if err != nil {
		return nil, nil, err
	}

	// Projections
	Q, err := tmath.MatMul(x, Wq)
	if err != nil {
		return nil, nil, fmt.Errorf("Q projection failed: %w", err)
	}
	K, err := tmath.MatMul(x, Wk)
	if err != nil {
		return nil, nil, fmt.Errorf("K projection failed: %w", err)
	}
	V, err := tmath.MatMul(x, Wv)
	if err != nil {
		return nil, nil, fmt.Errorf("V projection failed: %w", err)
	}

	cache := &AttentionCache{
		Input: x,
		Q:     Q,
		K:     K,
		V:     V,
		Probs: make([]tmath.Matrix, nHeads),
		Mask:  mask,
	}
	concat := tmath.NewMatrix(seqLen, dModel)
	scale := math.Sqrt(float64(dK))

	for h := 0; h < nHeads; h++ {
		qHead := head(Q, h, dK)
		kHead := head(K, h, dK)
		vHead := head(V, h, dK)

		// Attention scores: Q @ K.T
		scores, err := tmath.MatMulT(qHead, kHead)
		if err != nil {
			return nil, nil, fmt.Errorf("attention scores failed: %w", err)
		}

		// Scale and apply mask
		for r := 0; r < seqLen; r++ {
			for c := 0; c < seqLen; c++ {
				scores[r][c] /= scale
				if mask != nil && mask[r][c] == 0 {
					scores[r][c] = maskedScore
				}
			}
			scores[r] = tmath.Softmax(scores[r])
		}
		cache.Probs[h] = scores

		headOut, err := tmath.MatMul(scores, vHead)
		if err != nil {
			return nil, nil, fmt.Errorf("attention output failed: %w", err)
		}
		for i := 0; i < seqLen; i++ {
			copy(concat[i][h*dK:(h+1)*dK], headOut[i])
		}
	}
	cache.Concat = concat

	// Final linear projection
	output, err := tmath.MatMul(concat, Wo)
	if err != nil {
		return nil, nil, fmt.Errorf("output projection failed: %w", err)
	}

	return output, cache, nil
}

// FeedForward performs the feed-forward network
func FeedForward(x tmath.Matrix, prefix string, w *Weights) (tmath.Matrix, *FeedForwardCache, error) {
	W1, err := w.GetMatrix(prefix + ".ff.linear1.weight")
	if err != nil {
		return nil, nil, err
	}
	b1, err := w.GetVector(prefix + ".ff.linear1.bias")
	if err != nil {
		return nil, nil, err
	}
	W2, err := w.GetMatrix(prefix + ".ff.linear2.weight")
	if err != nil {
		return nil, nil, err
	}
	b2, err := w.GetVector(prefix + ".ff.linear2.bias")
	if err != nil {
		return nil, nil, err
	}

	linear1, err := tmath.MatMul(x, W1)
	if err != nil {
		return nil, nil, fmt.Errorf("first linear layer failed: %w", err)
	}
	if err := tmath.AddBias(linear1, b1); err != nil {
		return nil, nil, fmt.Errorf("first linear layer failed: %w", err)
	}

	geluOut := tmath.ApplyGelu(linear1)

	out, err := tmath.MatMul(geluOut, W2)
	if err != nil {
		return nil, nil, fmt.Errorf("second linear layer failed: %w", err)
	}
	if err := tmath.AddBias(out, b2); err != nil {
		return nil, nil, fmt.Errorf("second linear layer failed: %w", err)
	}

	return out, &FeedForwardCache{Input: x, Linear1Out: linear1, GeluOut: geluOut}, nil
}

// TransformerBlock processes one pre-norm transformer block:
// h = x + Attn(LN1(x)); out = h + FF(LN2(h)).
func TransformerBlock(x tmath.Matrix, idx int, w *Weights, mask tmath.Matrix) (tmath.Matrix, *TransformerBlockCache, error) {
	prefix := fmt.Sprintf("blocks.%d", idx)

	ln1W, err := w.GetVector(prefix + ".norm1.weight")
	if err != nil {
		return nil, nil, err
	}
	ln1B, err := w.GetVector(prefix + ".norm1.bias")
	if err != nil {
		return nil, nil, err
	}
	norm1 := tmath.LayerNorm(x, ln1W, ln1B, w.Config.Eps)

	attn, attnCache, err := MultiHeadAttention(norm1, prefix, w, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("attention failed in block %d: %w", idx, err)
	}

	h, err := tmath.Add(x, attn)
	if err != nil {
		return nil, nil, fmt.Errorf("residual connection failed in block %d: %w", idx, err)
	}

	ln2W, err := w.GetVector(prefix + ".norm2.weight")
	if err != nil {
		return nil, nil, err
	}
	ln2B, err := w.GetVector(prefix + ".norm2.bias")
	if err != nil {
		return nil, nil, err
	}
	norm2 := tmath.LayerNorm(h, ln2W, ln2B, w.Config.Eps)

	ff, ffCache, err := FeedForward(norm2, prefix, w)
	if err != nil {
		return nil, nil, fmt.Errorf("feed-forward failed in block %d: %w", idx, err)
	}

	out, err := tmath.Add(h, ff)
	if err != nil {
		return nil, nil, fmt.Errorf("residual connection failed in block %d: %w", idx, err)
	}

	cache := &TransformerBlockCache{
		Norm1In:   x,
		AttnCache: attnCache,
		Norm2In:   h,
		FFCache:   ffCache,
	}
	return out, cache, nil
}
