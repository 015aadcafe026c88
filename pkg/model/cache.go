package model

import (
	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

// AttentionCache holds intermediate values for attention backward pass
type AttentionCache struct {
	Input  tmath.Matrix // normalized block input
	Q      tmath.Matrix
	K      tmath.Matrix
	V      tmath.Matrix
	Probs  []tmath.Matrix // per head, after softmax
	Concat tmath.Matrix   // heads joined, input to W_o
	Mask   tmath.Matrix
}

// FeedForwardCache holds intermediate values for FFN backward pass
type FeedForwardCache struct {
	Input      tmath.Matrix
	Linear1Out tmath.Matrix // Before GELU
	GeluOut    tmath.Matrix // After GELU
}

// TransformerBlockCache holds caches for one block
type TransformerBlockCache struct {
	Norm1In   tmath.Matrix // block input
	AttnCache *AttentionCache
	Norm2In   tmath.Matrix // block input + attention output
	FFCache   *FeedForwardCache
}

// SequenceCache holds the caches of one batch element.
type SequenceCache struct {
	Tokens      []int
	Positions   []int
	BlockCaches []*TransformerBlockCache
	FinalNormIn tmath.Matrix
}

// EncoderCache holds caches for the entire batch
type EncoderCache struct {
	Sequences []*SequenceCache
}
