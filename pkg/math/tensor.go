package math

import "fmt"

// Tensor3 is a batch of matrices laid out as [batch][position][feature].
type Tensor3 []Matrix

// NewTensor3 allocates a zero tensor.
func NewTensor3(batch, rows, cols int) Tensor3 {
	t := make(Tensor3, batch)
	for b := range t {
		t[b] = NewMatrix(rows, cols)
	}
	return t
}

// Shape returns (batch, rows, cols). Rows and cols are read from the first
// batch element.
func (t Tensor3) Shape() (int, int, int) {
	if len(t) == 0 {
		return 0, 0, 0
	}
	rows, cols := t[0].Shape()
	return len(t), rows, cols
}

// Flatten merges the batch and row axes. The returned matrix shares its rows
// with t.
func (t Tensor3) Flatten() Matrix {
	n := 0
	for _, m := range t {
		n += len(m)
	}
	flat := make(Matrix, 0, n)
	for _, m := range t {
		flat = append(flat, m...)
	}
	return flat
}

// Unflatten splits the rows of m into batch groups of rows each. The result
// shares its rows with m.
func Unflatten(m Matrix, batch, rows int) (Tensor3, error) {
	if batch*rows != len(m) {
		return nil, fmt.Errorf("cannot unflatten %d rows into [%d,%d]", len(m), batch, rows)
	}
	t := make(Tensor3, batch)
	for b := 0; b < batch; b++ {
		t[b] = m[b*rows : (b+1)*rows : (b+1)*rows]
	}
	return t, nil
}

// Map applies fn to every matrix of the batch.
func (t Tensor3) Map(fn func(Matrix) (Matrix, error)) (Tensor3, error) {
	out := make(Tensor3, len(t))
	for b, m := range t {
		r, err := fn(m)
		if err != nil {
			return nil, fmt.Errorf("batch element %d: %w", b, err)
		}
		out[b] = r
	}
	return out, nil
}
