package math

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Matrix represents a 2D matrix
type Matrix [][]float64

// Vector represents a 1D vector
type Vector []float64

// NewMatrix creates a new matrix with given dimensions
func NewMatrix(rows, cols int) Matrix {
	m := make(Matrix, rows)
	for i := range m {
		m[i] = make(Vector, cols)
	}
	return m
}

// NewVector creates a new vector with given size
func NewVector(size int) Vector {
	return make(Vector, size)
}

// Shape returns the dimensions of the matrix
func (m Matrix) Shape() (int, int) {
	if len(m) == 0 {
		return 0, 0
	}
	return len(m), len(m[0])
}

// Clone returns a deep copy of the matrix.
func (m Matrix) Clone() Matrix {
	out := make(Matrix, len(m))
	for i := range m {
		out[i] = make(Vector, len(m[i]))
		copy(out[i], m[i])
	}
	return out
}

// MatMul performs matrix multiplication (A @ B)
func MatMul(a, b Matrix) (Matrix, error) {
	rowsA, colsA := a.Shape()
	rowsB, colsB := b.Shape()

	if colsA != rowsB {
		return nil, fmt.Errorf("shape mismatch in MatMul: (%d,%d) x (%d,%d)", rowsA, colsA, rowsB, colsB)
	}

	return matMulT(a, Transpose(b), rowsA, colsB), nil
}

// MatMulT multiplies A by the transpose of B (A @ B^T). Rows of B are used
// directly, which is how the output projection reads a [vocab, d_model]
// embedding table.
func MatMulT(a, b Matrix) (Matrix, error) {
	rowsA, colsA := a.Shape()
	rowsB, colsB := b.Shape()

	if rowsA == 0 {
		return Matrix{}, nil
	}
	if colsA != colsB {
		return nil, fmt.Errorf("shape mismatch in MatMulT: (%d,%d) x (%d,%d)^T", rowsA, colsA, rowsB, colsB)
	}

	return matMulT(a, b, rowsA, rowsB), nil
}

func matMulT(a, bT Matrix, rows, cols int) Matrix {
	result := NewMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result[i][j] = floats.Dot(a[i], bT[j])
		}
	}
	return result
}

// Add performs element-wise addition
func Add(a, b Matrix) (Matrix, error) {
	rowsA, colsA := a.Shape()
	rowsB, colsB := b.Shape()

	if rowsA != rowsB || colsA != colsB {
		return nil, fmt.Errorf("shape mismatch in Add: (%d,%d) vs (%d,%d)", rowsA, colsA, rowsB, colsB)
	}

	result := a.Clone()
	for i := 0; i < rowsA; i++ {
		floats.Add(result[i], b[i])
	}
	return result, nil
}

// AddBias adds v to every row of m in place.
func AddBias(m Matrix, v Vector) error {
	rows, cols := m.Shape()
	if rows > 0 && cols != len(v) {
		return fmt.Errorf("shape mismatch in AddBias: %d columns vs bias of %d", cols, len(v))
	}
	for i := range m {
		floats.Add(m[i], v)
	}
	return nil
}

// Transpose swaps matrix dimensions
func Transpose(m Matrix) Matrix {
	rows, cols := m.Shape()
	result := NewMatrix(cols, rows)
	for i := 0; i < cols; i++ {
		for j := 0; j < rows; j++ {
			result[i][j] = m[j][i]
		}
	}
	return result
}

// ConcatColumns joins matrices with the same number of rows side by side.
func ConcatColumns(parts ...Matrix) (Matrix, error) {
	if len(parts) == 0 {
		return Matrix{}, nil
	}
	rows := len(parts[0])
	width := 0
	for i, p := range parts {
		if len(p) != rows {
			return nil, fmt.Errorf("row mismatch in ConcatColumns: part %d has %d rows, want %d", i, len(p), rows)
		}
		_, cols := p.Shape()
		width += cols
	}

	result := NewMatrix(rows, width)
	for r := 0; r < rows; r++ {
		offset := 0
		for _, p := range parts {
			offset += copy(result[r][offset:], p[r])
		}
	}
	return result, nil
}

// SplitColumns is the inverse of ConcatColumns.
func SplitColumns(m Matrix, widths ...int) ([]Matrix, error) {
	rows, cols := m.Shape()
	total := 0
	for _, w := range widths {
		total += w
	}
	if rows > 0 && total != cols {
		return nil, fmt.Errorf("width mismatch in SplitColumns: %d columns vs %d requested", cols, total)
	}

	parts := make([]Matrix, len(widths))
	offset := 0
	for i, w := range widths {
		parts[i] = NewMatrix(rows, w)
		for r := 0; r < rows; r++ {
			copy(parts[i][r], m[r][offset:offset+w])
		}
		offset += w
	}
	return parts, nil
}

// ColumnSums sums a matrix over its rows.
func ColumnSums(m Matrix) Vector {
	_, cols := m.Shape()
	sums := NewVector(cols)
	for i := range m {
		floats.Add(sums, m[i])
	}
	return sums
}

// Gelu applies the exact (erf based) GELU activation function
func Gelu(x float64) float64 {
	return 0.5 * x * (1.0 + math.Erf(x/math.Sqrt2))
}

// ApplyGelu applies GELU to a matrix element-wise
func ApplyGelu(m Matrix) Matrix {
	rows, cols := m.Shape()
	result := NewMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result[i][j] = Gelu(m[i][j])
		}
	}
	return result
}

// Softmax applies the softmax function to a vector
func Softmax(v Vector) Vector {
	if len(v) == 0 {
		return Vector{}
	}

	result := LogSoftmax(v)
	for i := range result {
		result[i] = math.Exp(result[i])
	}
	return result
}

// LogSoftmax returns v - logsumexp(v).
func LogSoftmax(v Vector) Vector {
	if len(v) == 0 {
		return Vector{}
	}

	lse := floats.LogSumExp(v)
	result := make(Vector, len(v))
	copy(result, v)
	floats.AddConst(-lse, result)
	return result
}

// Argmax returns the index of the first maximal element.
func Argmax(v Vector) int {
	return floats.MaxIdx(v)
}

// LayerNorm applies layer normalization
func LayerNorm(x Matrix, weight, bias Vector, eps float64) Matrix {
	rows, cols := x.Shape()
	result := NewMatrix(rows, cols)

	for i := 0; i < rows; i++ {
		mean, stdDev := rowStats(x[i], eps)
		for j := 0; j < cols; j++ {
			norm := (x[i][j] - mean) / stdDev
			result[i][j] = weight[j]*norm + bias[j]
		}
	}
	return result
}

// rowStats returns the mean and sqrt(population variance + eps) of a row.
func rowStats(row Vector, eps float64) (float64, float64) {
	n := float64(len(row))
	mean := floats.Sum(row) / n

	variance := 0.0
	for _, val := range row {
		variance += (val - mean) * (val - mean)
	}
	variance /= n

	return mean, math.Sqrt(variance + eps)
}
