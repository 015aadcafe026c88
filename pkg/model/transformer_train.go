package model

import (
	"fmt"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

// Backward back-propagates gradHidden [B,N,D], the gradient of the loss
// with respect to Encode's output, through the encoder and records every
// encoder parameter gradient, the token and position embeddings included.
func (t *TransformerEncoder) Backward(cache *EncoderCache, gradHidden tmath.Tensor3) error {
	if cache == nil {
		return fmt.Errorf("backward called without a training forward pass")
	}
	if len(gradHidden) != len(cache.Sequences) {
		return fmt.Errorf("gradient batch %d does not match cached batch %d", len(gradHidden), len(cache.Sequences))
	}

	w := t.Weights
	tokenEmbed, err := w.GetMatrix(KeyTokenEmbed)
	if err != nil {
		return err
	}
	posEmbed, err := w.GetMatrix(KeyPosEmbed)
	if err != nil {
		return err
	}
	rowsT, colsT := tokenEmbed.Shape()
	rowsP, colsP := posEmbed.Shape()
	gradTokenEmbed := tmath.NewMatrix(rowsT, colsT)
	gradPosEmbed := tmath.NewMatrix(rowsP, colsP)

	for b, seq := range cache.Sequences {
		if len(gradHidden[b]) != len(seq.Tokens) {
			return fmt.Errorf("batch element %d: gradient has %d rows for %d tokens", b, len(gradHidden[b]), len(seq.Tokens))
		}
		gradX, err := t.backwardSequence(seq, gradHidden[b])
		if err != nil {
			return fmt.Errorf("batch element %d: %w", b, err)
		}

		// x = tokenEmbed[token] + posEmbed[pos]
		for i, tokenID := range seq.Tokens {
			p := seq.Positions[i]
			for j := 0; j < colsT; j++ {
				gradTokenEmbed[tokenID][j] += gradX[i][j]
				gradPosEmbed[p][j] += gradX[i][j]
			}
		}
	}

	if err := w.AddGradient(KeyTokenEmbed, gradTokenEmbed); err != nil {
		return err
	}
	return w.AddGradient(KeyPosEmbed, gradPosEmbed)
}

// backwardSequence returns the gradient with respect to the summed input
// embeddings of one sequence.
func (t *TransformerEncoder) backwardSequence(seq *SequenceCache, gradOut tmath.Matrix) (tmath.Matrix, error) {
	w := t.Weights

	lnFW, err := w.GetVector(KeyFinalNormW)
	if err != nil {
		return nil, err
	}
	gradX, dLnFW, dLnFB := tmath.LayerNormBackward(gradOut, seq.FinalNormIn, lnFW, w.Config.Eps)
	if err := w.AddGradient(KeyFinalNormW, dLnFW); err != nil {
		return nil, err
	}
	if err := w.AddGradient(KeyFinalNormB, dLnFB); err != nil {
		return nil, err
	}

	for i := len(seq.BlockCaches) - 1; i >= 0; i-- {
		gradX, err = TransformerBlockBackward(gradX, seq.BlockCaches[i], i, w)
		if err != nil {
			return nil, fmt.Errorf("block %d backward failed: %w", i, err)
		}
	}
	return gradX, nil
}
