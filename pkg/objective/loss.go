package objective

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

const (
	// PadID marks a position without supervision. It is never a real class.
	PadID = 0

	// Confidence is the target probability of the true class.
	Confidence = 0.9
	// Smoothing is spread uniformly over the other classes.
	Smoothing = 0.1

	logEps = 1e-20
)

// Normalizing is the entropy of the smoothed target distribution over vocab
// classes, the smallest cross-entropy any prediction can reach. It is
// subtracted so a perfect soft match scores 0.
func Normalizing(vocab int) float64 {
	lowProb := Smoothing / float64(vocab-1)
	return -(Confidence*math.Log(Confidence) + float64(vocab-1)*lowProb*math.Log(lowProb+logEps))
}

// SmoothedLoss is the label-smoothed cross-entropy of logits [B,S,V]
// against labels [B,S], averaged over the positions whose label is not
// PadID, minus Normalizing(V) and clamped at 0.
//
// It also returns dLoss/dLogits, zero on padding positions.
func SmoothedLoss(logits tmath.Tensor3, labels [][]int) (float64, tmath.Tensor3, error) {
	vocab, err := checkLogits(logits, labels)
	if err != nil {
		return 0, nil, err
	}
	if _, rows, _ := logits.Shape(); rows > 0 && vocab < 2 {
		return 0, nil, fmt.Errorf("%w: label smoothing needs at least 2 classes, got %d", ErrShapeMismatch, vocab)
	}

	lowProb := Smoothing / float64(vocab-1)
	normalizing := Normalizing(vocab)

	grad := make(tmath.Tensor3, len(logits))
	total := 0.0
	count := 0
	for b := range logits {
		grad[b] = tmath.NewMatrix(len(logits[b]), vocab)
		for s, row := range logits[b] {
			label := labels[b][s]
			if label == PadID {
				continue
			}

			logProbs := tmath.LogSoftmax(row)
			xent := 0.0
			for v, lp := range logProbs {
				p := lowProb
				if v == label {
					p = Confidence
				}
				xent -= p * lp
				grad[b][s][v] = math.Exp(lp) - p
			}
			total += xent - normalizing
			count++
		}
	}

	if count == 0 {
		return 0, grad, ErrNoSupervisedPositions
	}

	scale := 1.0 / float64(count)
	for b := range grad {
		for s := range grad[b] {
			floats.Scale(scale, grad[b][s])
		}
	}

	loss := total / float64(count)
	if loss < 0 {
		loss = 0
	}
	return loss, grad, nil
}

// checkLogits validates that logits [B,S,V] and labels [B,S] line up and
// that every label is a vocabulary id. It returns V.
func checkLogits(logits tmath.Tensor3, labels [][]int) (int, error) {
	if len(logits) != len(labels) {
		return 0, fmt.Errorf("%w: %d logit rows for %d label rows", ErrShapeMismatch, len(logits), len(labels))
	}
	_, _, vocab := logits.Shape()
	for b := range logits {
		if len(logits[b]) != len(labels[b]) {
			return 0, fmt.Errorf("%w: batch element %d has %d predictions for %d labels", ErrShapeMismatch, b, len(logits[b]), len(labels[b]))
		}
		for s, row := range logits[b] {
			if len(row) != vocab {
				return 0, fmt.Errorf("%w: logits at [%d,%d] have %d classes, want %d", ErrShapeMismatch, b, s, len(row), vocab)
			}
			if l := labels[b][s]; l < 0 || l >= vocab {
				return 0, fmt.Errorf("%w: label %d at [%d,%d], vocabulary size %d", ErrIndexOutOfRange, l, b, s, vocab)
			}
		}
	}
	return vocab, nil
}
