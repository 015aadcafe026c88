package objective

import "errors"

var (
	// ErrMissingInputs is returned when fewer than four input tensors or no
	// encoder output are passed to ComputeLoss.
	ErrMissingInputs = errors.New("objective needs source, masked, span-left and span-right inputs")

	// ErrIndexOutOfRange is returned for a sequence index or label outside
	// its valid range.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrNoSupervisedPositions is returned when every label is PadID, so
	// there is nothing to average over.
	ErrNoSupervisedPositions = errors.New("no supervised positions in batch")

	// ErrShapeMismatch is returned when tensors disagree on a shared axis.
	ErrShapeMismatch = errors.New("shape mismatch")
)
