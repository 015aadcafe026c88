package objective

import (
	"fmt"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

// Gather picks, for every batch element b, the hidden rows named by idx[b]:
// out[b][s] = hidden[b][idx[b][s]]. hidden is [B,N,D], idx is [B,S] and the
// result is [B,S,D]. Rows are copied.
//
// Every index is checked against [0, N); a bad one fails with
// ErrIndexOutOfRange.
func Gather(hidden tmath.Tensor3, idx [][]int) (tmath.Tensor3, error) {
	if err := checkIndexShape(idx, len(hidden)); err != nil {
		return nil, err
	}

	out := make(tmath.Tensor3, len(idx))
	for b, row := range idx {
		seqLen := len(hidden[b])
		out[b] = make(tmath.Matrix, len(row))
		for s, n := range row {
			if n < 0 || n >= seqLen {
				return nil, fmt.Errorf("%w: index %d at [%d,%d], sequence length %d", ErrIndexOutOfRange, n, b, s, seqLen)
			}
			out[b][s] = append(tmath.Vector(nil), hidden[b][n]...)
		}
	}
	return out, nil
}

// GatherBackward scatters grad [B,S,D] back onto a zero [B,seqLen,D]
// tensor. Gradients of repeated indices add up.
func GatherBackward(grad tmath.Tensor3, idx [][]int, seqLen int) (tmath.Tensor3, error) {
	if err := checkIndexShape(idx, len(grad)); err != nil {
		return nil, err
	}
	_, _, dim := grad.Shape()

	out := tmath.NewTensor3(len(grad), seqLen, dim)
	for b, row := range idx {
		if len(grad[b]) != len(row) {
			return nil, fmt.Errorf("%w: gradient has %d rows for %d indices in batch element %d", ErrShapeMismatch, len(grad[b]), len(row), b)
		}
		for s, n := range row {
			if n < 0 || n >= seqLen {
				return nil, fmt.Errorf("%w: index %d at [%d,%d], sequence length %d", ErrIndexOutOfRange, n, b, s, seqLen)
			}
			dst := out[b][n]
			for d, g := range grad[b][s] {
				dst[d] += g
			}
		}
	}
	return out, nil
}

// checkIndexShape verifies idx is a rectangular [batch, S] array.
func checkIndexShape(idx [][]int, batch int) error {
	if len(idx) != batch {
		return fmt.Errorf("%w: %d index rows for batch of %d", ErrShapeMismatch, len(idx), batch)
	}
	for b := 1; b < len(idx); b++ {
		if len(idx[b]) != len(idx[0]) {
			return fmt.Errorf("%w: index row %d has %d positions, row 0 has %d", ErrShapeMismatch, b, len(idx[b]), len(idx[0]))
		}
	}
	return nil
}
