package model

import (
	"errors"
	"fmt"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
	"github.com/crislerwin/tiny-spanbert/pkg/objective"
)

// ErrEmptySequence is returned when a batch has no positions.
var ErrEmptySequence = errors.New("empty token sequence")

// TransformerEncoder is a bidirectional pre-norm transformer: token plus
// learned position embedding, NLayers blocks with padding-masked
// self-attention, final layer norm.
type TransformerEncoder struct {
	Weights *Weights
}

// NewTransformerEncoder creates an encoder over weights
func NewTransformerEncoder(weights *Weights) *TransformerEncoder {
	return &TransformerEncoder{
		Weights: weights,
	}
}

// Encode maps token ids and positions, both [B,N], to hidden states [B,N,D].
func (t *TransformerEncoder) Encode(src, pos [][]int) (tmath.Tensor3, error) {
	hidden, _, err := t.encode(src, pos, false)
	return hidden, err
}

// EncodeTrain is Encode that also returns the caches Backward needs.
func (t *TransformerEncoder) EncodeTrain(src, pos [][]int) (tmath.Tensor3, *EncoderCache, error) {
	return t.encode(src, pos, true)
}

func (t *TransformerEncoder) encode(src, pos [][]int, keep bool) (tmath.Tensor3, *EncoderCache, error) {
	if len(src) != len(pos) {
		return nil, nil, fmt.Errorf("%w: %d token rows for %d position rows", objective.ErrShapeMismatch, len(src), len(pos))
	}

	hidden := make(tmath.Tensor3, len(src))
	var cache *EncoderCache
	if keep {
		cache = &EncoderCache{Sequences: make([]*SequenceCache, len(src))}
	}

	for b := range src {
		out, seq, err := t.forwardSequence(src[b], pos[b])
		if err != nil {
			return nil, nil, fmt.Errorf("batch element %d: %w", b, err)
		}
		hidden[b] = out
		if keep {
			cache.Sequences[b] = seq
		}
	}
	return hidden, cache, nil
}

// forwardSequence encodes one sequence.
func (t *TransformerEncoder) forwardSequence(tokens, positions []int) (tmath.Matrix, *SequenceCache, error) {
	seqLen := len(tokens)
	if seqLen == 0 {
		return nil, nil, ErrEmptySequence
	}
	if len(positions) != seqLen {
		return nil, nil, fmt.Errorf("%w: %d tokens, %d positions", objective.ErrShapeMismatch, seqLen, len(positions))
	}

	w := t.Weights
	dModel := w.Config.DModel

	tokenEmbed, err := w.GetMatrix(KeyTokenEmbed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get token embeddings: %w", err)
	}
	posEmbed, err := w.GetMatrix(KeyPosEmbed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get position embeddings: %w", err)
	}

	x := tmath.NewMatrix(seqLen, dModel)
	for i, tokenID := range tokens {
		if tokenID < 0 || tokenID >= len(tokenEmbed) {
			return nil, nil, fmt.Errorf("%w: token id %d at position %d", objective.ErrIndexOutOfRange, tokenID, i)
		}
		p := positions[i]
		if p < 0 || p >= len(posEmbed) {
			return nil, nil, fmt.Errorf("%w: position %d exceeds max position embeddings %d", objective.ErrIndexOutOfRange, p, len(posEmbed))
		}
		for j := 0; j < dModel; j++ {
			x[i][j] = tokenEmbed[tokenID][j] + posEmbed[p][j]
		}
	}

	mask := PaddingMask(tokens, objective.PadID)

	cache := &SequenceCache{
		Tokens:      tokens,
		Positions:   positions,
		BlockCaches: make([]*TransformerBlockCache, w.Config.NLayers),
	}
	for i := 0; i < w.Config.NLayers; i++ {
		x, cache.BlockCaches[i], err = TransformerBlock(x, i, w, mask)
		if err != nil {
			return nil, nil, fmt.Errorf("block %d failed: %w", i, err)
		}
	}

	lnFW, err := w.GetVector(KeyFinalNormW)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get final norm weights: %w", err)
	}
	lnFB, err := w.GetVector(KeyFinalNormB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get final norm bias: %w", err)
	}
	cache.FinalNormIn = x

	return tmath.LayerNorm(x, lnFW, lnFB, w.Config.Eps), cache, nil
}

// PositionEmbedding looks up rows of the position embedding table for
// indices [B,S].
func (t *TransformerEncoder) PositionEmbedding(indices [][]int) (tmath.Tensor3, error) {
	posEmbed, err := t.Weights.GetMatrix(KeyPosEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to get position embeddings: %w", err)
	}

	out := make(tmath.Tensor3, len(indices))
	for b, row := range indices {
		out[b] = make(tmath.Matrix, len(row))
		for s, p := range row {
			if p < 0 || p >= len(posEmbed) {
				return nil, fmt.Errorf("%w: position %d at [%d,%d], %d position embeddings", objective.ErrIndexOutOfRange, p, b, s, len(posEmbed))
			}
			out[b][s] = append(tmath.Vector(nil), posEmbed[p]...)
		}
	}
	return out, nil
}

// PositionEmbeddingBackward adds grad [B,S,D] to the gradient of the
// position embedding rows named by indices.
func (t *TransformerEncoder) PositionEmbeddingBackward(indices [][]int, grad tmath.Tensor3) error {
	posEmbed, err := t.Weights.GetMatrix(KeyPosEmbed)
	if err != nil {
		return err
	}
	rows, cols := posEmbed.Shape()
	gradPos := tmath.NewMatrix(rows, cols)
	for b, row := range indices {
		for s, p := range row {
			if p < 0 || p >= rows {
				return fmt.Errorf("%w: position %d", objective.ErrIndexOutOfRange, p)
			}
			for j := 0; j < cols; j++ {
				gradPos[p][j] += grad[b][s][j]
			}
		}
	}
	return t.Weights.AddGradient(KeyPosEmbed, gradPos)
}
