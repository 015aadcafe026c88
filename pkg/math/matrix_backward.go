package math

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// MatMulBackward computes gradients for matrix multiplication C = A @ B
// Returns dL/dA and dL/dB given dL/dC (gradOutput)
func MatMulBackward(gradOutput, a, b Matrix) (Matrix, Matrix, error) {
	// dL/dA = dL/dC @ B^T
	gradA, err := MatMulT(gradOutput, b)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute gradA: %w", err)
	}

	// dL/dB = A^T @ dL/dC
	gradB, err := MatMul(Transpose(a), gradOutput)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute gradB: %w", err)
	}

	return gradA, gradB, nil
}

// MatMulTBackward computes gradients for C = A @ B^T.
// Returns dL/dA = dL/dC @ B and dL/dB = dL/dC^T @ A.
func MatMulTBackward(gradOutput, a, b Matrix) (Matrix, Matrix, error) {
	gradA, err := MatMul(gradOutput, b)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute gradA: %w", err)
	}

	gradB, err := MatMul(Transpose(gradOutput), a)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute gradB: %w", err)
	}

	return gradA, gradB, nil
}

// GeluBackward computes gradient for the exact GELU activation
// d/dx [x * Phi(x)] = Phi(x) + x * phi(x)
func GeluBackward(x Matrix, gradOutput Matrix) Matrix {
	rows, cols := x.Shape()
	gradInput := NewMatrix(rows, cols)

	invSqrt2Pi := 1.0 / math.Sqrt(2.0*math.Pi)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			val := x[i][j]
			cdf := 0.5 * (1.0 + math.Erf(val/math.Sqrt2))
			pdf := invSqrt2Pi * math.Exp(-0.5*val*val)
			gradInput[i][j] = gradOutput[i][j] * (cdf + val*pdf)
		}
	}
	return gradInput
}

// LayerNormBackward computes gradients for Layer Normalization
// Returns gradX, gradGamma (weight), gradBeta (bias)
func LayerNormBackward(gradOutput, x Matrix, gamma Vector, eps float64) (Matrix, Vector, Vector) {
	rows, cols := x.Shape()
	gradX := NewMatrix(rows, cols)
	gradGamma := NewVector(cols)
	gradBeta := NewVector(cols)

	n := float64(cols)
	xHat := NewVector(cols)
	dxHat := NewVector(cols)

	for i := 0; i < rows; i++ {
		mean, std := rowStats(x[i], eps)
		invStd := 1.0 / std

		for j := 0; j < cols; j++ {
			xHat[j] = (x[i][j] - mean) * invStd
			dxHat[j] = gradOutput[i][j] * gamma[j]

			gradGamma[j] += gradOutput[i][j] * xHat[j]
			gradBeta[j] += gradOutput[i][j]
		}

		// dL/dx_i = (1 / sigma) * (dx_hat_i - mean(dx_hat) - x_hat_i * mean(dx_hat * x_hat))
		sumDxHat := floats.Sum(dxHat)
		sumDxHatXHat := floats.Dot(dxHat, xHat)

		for j := 0; j < cols; j++ {
			gradX[i][j] = invStd * (dxHat[j] - sumDxHat/n - xHat[j]*sumDxHatXHat/n)
		}
	}

	return gradX, gradGamma, gradBeta
}

// SoftmaxBackward back-propagates through a row-wise softmax given its
// output probabilities: dL/dx = p * (dL/dp - sum(dL/dp * p)).
func SoftmaxBackward(probs, gradOutput Matrix) Matrix {
	rows, cols := probs.Shape()
	gradInput := NewMatrix(rows, cols)
	for r := 0; r < rows; r++ {
		dot := floats.Dot(probs[r], gradOutput[r])
		for c := 0; c < cols; c++ {
			gradInput[r][c] = probs[r][c] * (gradOutput[r][c] - dot)
		}
	}
	return gradInput
}
