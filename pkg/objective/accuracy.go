package objective

import (
	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

// Accuracy is the fraction of non-padding positions whose argmax over
// logits [B,S,V] equals the label. It only reads its inputs.
func Accuracy(logits tmath.Tensor3, labels [][]int) (float64, error) {
	if _, err := checkLogits(logits, labels); err != nil {
		return 0, err
	}

	correct, count := 0, 0
	for b := range logits {
		for s, row := range logits[b] {
			label := labels[b][s]
			if label == PadID {
				continue
			}
			count++
			if tmath.Argmax(row) == label {
				correct++
			}
		}
	}

	if count == 0 {
		return 0, ErrNoSupervisedPositions
	}
	return float64(correct) / float64(count), nil
}
