package math

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestMatMul(t *testing.T) {
	tests := []struct {
		name    string
		a       Matrix
		b       Matrix
		want    Matrix
		wantErr bool
	}{
		{
			name: "basic 2x2 multiplication",
			a:    Matrix{{1, 2}, {3, 4}},
			b:    Matrix{{5, 6}, {7, 8}},
			want: Matrix{{19, 22}, {43, 50}},
		},
		{
			name:    "dimension mismatch",
			a:       Matrix{{1, 2}},
			b:       Matrix{{1}, {2}, {3}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatMul(tt.a, tt.b)
			if (err != nil) != tt.wantErr {
				t.Errorf("MatMul() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !matrixEqual(got, tt.want) {
				t.Errorf("MatMul() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name    string
		a       Matrix
		b       Matrix
		want    Matrix
		wantErr bool
	}{
		{
			name: "basic addition",
			a:    Matrix{{1, 2}, {3, 4}},
			b:    Matrix{{5, 6}, {7, 8}},
			want: Matrix{{6, 8}, {10, 12}},
		},
		{
			name:    "dimension mismatch",
			a:       Matrix{{1, 2}},
			b:       Matrix{{1, 2, 3}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Add(tt.a, tt.b)
			if (err != nil) != tt.wantErr {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !matrixEqual(got, tt.want) {
				t.Errorf("Add() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTranspose(t *testing.T) {
	m := Matrix{{1, 2, 3}, {4, 5, 6}}
	want := Matrix{{1, 4}, {2, 5}, {3, 6}}
	got := Transpose(m)

	if !matrixEqual(got, want) {
		t.Errorf("Transpose() = %v, want %v", got, want)
	}
}

func TestSoftmax(t *testing.T) {
	v := Vector{1.0, 2.0, 3.0}
	result := Softmax(v)

	// Check sum equals 1
	sum := 0.0
	for _, val := range result {
		sum += val
	}

	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("Softmax sum = %v, want 1.0", sum)
	}

	// Check values are positive
	for i, val := range result {
		if val <= 0 {
			t.Errorf("Softmax[%d] = %v, want positive value", i, val)
		}
	}
}

func TestGelu(t *testing.T) {
	tests := []struct {
		input float64
		want  float64
	}{
		{0.0, 0.0},
		{1.0, 0.8413},
		{-1.0, -0.1587},
	}

	for _, tt := range tests {
		got := Gelu(tt.input)
		if math.Abs(got-tt.want) > 1e-4 {
			t.Errorf("Gelu(%v) = %v, want ~%v", tt.input, got, tt.want)
		}
	}
}

func TestMatMulT(t *testing.T) {
	a := Matrix{{1, 2}, {3, 4}}
	b := Matrix{{5, 7}, {6, 8}}

	got, err := MatMulT(a, b)
	if err != nil {
		t.Fatalf("MatMulT() error = %v", err)
	}
	if diff := cmp.Diff(Matrix{{19, 22}, {43, 50}}, got); diff != "" {
		t.Errorf("MatMulT() mismatch (-want +got):\n%s", diff)
	}

	if _, err := MatMulT(Matrix{{1, 2}}, Matrix{{1, 2, 3}}); err == nil {
		t.Error("MatMulT() expected error on column mismatch")
	}
}

func TestLogSoftmax(t *testing.T) {
	v := Vector{1.0, 2.0, 3.0}
	got := LogSoftmax(v)
	probs := Softmax(v)

	for i := range v {
		if math.Abs(math.Exp(got[i])-probs[i]) > 1e-12 {
			t.Errorf("exp(LogSoftmax[%d]) = %v, want %v", i, math.Exp(got[i]), probs[i])
		}
	}

	// Large logits must not overflow.
	big := LogSoftmax(Vector{1000, 1000})
	if diff := cmp.Diff(Vector{-math.Ln2, -math.Ln2}, big, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("LogSoftmax() large logits mismatch (-want +got):\n%s", diff)
	}
}

func TestArgmax(t *testing.T) {
	tests := []struct {
		v    Vector
		want int
	}{
		{Vector{0.1, 0.7, 0.2}, 1},
		{Vector{3, 3, 1}, 0}, // first maximum wins
		{Vector{-5}, 0},
	}
	for _, tt := range tests {
		if got := Argmax(tt.v); got != tt.want {
			t.Errorf("Argmax(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestConcatSplitColumns(t *testing.T) {
	a := Matrix{{1, 2}, {3, 4}}
	b := Matrix{{5}, {6}}
	c := Matrix{{7, 8, 9}, {10, 11, 12}}

	joined, err := ConcatColumns(a, b, c)
	if err != nil {
		t.Fatalf("ConcatColumns() error = %v", err)
	}
	want := Matrix{{1, 2, 5, 7, 8, 9}, {3, 4, 6, 10, 11, 12}}
	if diff := cmp.Diff(want, joined); diff != "" {
		t.Errorf("ConcatColumns() mismatch (-want +got):\n%s", diff)
	}

	parts, err := SplitColumns(joined, 2, 1, 3)
	if err != nil {
		t.Fatalf("SplitColumns() error = %v", err)
	}
	if diff := cmp.Diff([]Matrix{a, b, c}, parts); diff != "" {
		t.Errorf("SplitColumns() mismatch (-want +got):\n%s", diff)
	}

	if _, err := ConcatColumns(a, Matrix{{1}}); err == nil {
		t.Error("ConcatColumns() expected error on row mismatch")
	}
	if _, err := SplitColumns(joined, 2, 2); err == nil {
		t.Error("SplitColumns() expected error on width mismatch")
	}
}

func TestLayerNorm(t *testing.T) {
	x := Matrix{{1, 2, 3, 4}}
	out := LayerNorm(x, Vector{1, 1, 1, 1}, Vector{0, 0, 0, 0}, 1e-12)

	mean := 0.0
	for _, v := range out[0] {
		mean += v
	}
	if math.Abs(mean) > 1e-9 {
		t.Errorf("LayerNorm() row mean = %v, want 0", mean)
	}
	variance := 0.0
	for _, v := range out[0] {
		variance += v * v
	}
	if math.Abs(variance/4-1) > 1e-9 {
		t.Errorf("LayerNorm() row variance = %v, want 1", variance/4)
	}
}

func TestTensor3FlattenUnflatten(t *testing.T) {
	tensor := NewTensor3(2, 3, 2)
	for b := range tensor {
		for s := range tensor[b] {
			tensor[b][s][0] = float64(b*10 + s)
		}
	}

	flat := tensor.Flatten()
	if len(flat) != 6 {
		t.Fatalf("Flatten() rows = %d, want 6", len(flat))
	}
	if flat[4][0] != 11 {
		t.Errorf("Flatten()[4][0] = %v, want 11", flat[4][0])
	}

	// Rows are shared, not copied.
	flat[4][1] = 42
	if tensor[1][1][1] != 42 {
		t.Error("Flatten() copied rows, want shared storage")
	}

	back, err := Unflatten(flat, 2, 3)
	if err != nil {
		t.Fatalf("Unflatten() error = %v", err)
	}
	if diff := cmp.Diff(tensor, back); diff != "" {
		t.Errorf("Unflatten() mismatch (-want +got):\n%s", diff)
	}
	if _, err := Unflatten(flat, 4, 2); err == nil {
		t.Error("Unflatten() expected error on size mismatch")
	}

	b, s, d := back.Shape()
	if b != 2 || s != 3 || d != 2 {
		t.Errorf("Shape() = (%d,%d,%d), want (2,3,2)", b, s, d)
	}
}

// Helper function to compare matrices
func matrixEqual(a, b Matrix) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if math.Abs(a[i][j]-b[i][j]) > 1e-9 {
				return false
			}
		}
	}
	return true
}
