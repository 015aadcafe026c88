package dataset

import (
	"github.com/crislerwin/tiny-spanbert/pkg/objective"
)

// Batch is a group of examples padded to common lengths. Padding uses id 0
// in every field: padded labels are never scored and padded indices point at
// position 0, which always exists.
type Batch struct {
	Src    [][]int
	Masked [][]int
	Left   [][]int
	Right  [][]int
	Labels [][]int
}

// Inputs returns the batch in the order the objective expects.
func (b *Batch) Inputs() [][][]int {
	inputs := make([][][]int, 4)
	inputs[objective.InputSource] = b.Src
	inputs[objective.InputMasked] = b.Masked
	inputs[objective.InputSpanLeft] = b.Left
	inputs[objective.InputSpanRight] = b.Right
	return inputs
}

// Size returns the number of sequences in the batch.
func (b *Batch) Size() int {
	return len(b.Src)
}

// NewBatch pads examples into one batch.
func NewBatch(examples []*Example) *Batch {
	seqLen, numMasked := 0, 0
	for _, e := range examples {
		seqLen = max(seqLen, len(e.Src))
		numMasked = max(numMasked, len(e.Masked))
	}

	b := &Batch{
		Src:    make([][]int, len(examples)),
		Masked: make([][]int, len(examples)),
		Left:   make([][]int, len(examples)),
		Right:  make([][]int, len(examples)),
		Labels: make([][]int, len(examples)),
	}
	for i, e := range examples {
		b.Src[i] = pad(e.Src, seqLen)
		b.Masked[i] = pad(e.Masked, numMasked)
		b.Left[i] = pad(e.Left, numMasked)
		b.Right[i] = pad(e.Right, numMasked)
		b.Labels[i] = pad(e.Labels, numMasked)
	}
	return b
}

func pad(ids []int, n int) []int {
	out := make([]int, n)
	copy(out, ids)
	return out
}

// Batches splits the dataset into consecutive batches of at most size
// examples.
func (d *Dataset) Batches(size int) []*Batch {
	if size <= 0 {
		size = len(d.Examples)
	}
	var batches []*Batch
	for start := 0; start < len(d.Examples); start += size {
		end := min(start+size, len(d.Examples))
		batches = append(batches, NewBatch(d.Examples[start:end]))
	}
	return batches
}
