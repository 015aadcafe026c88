package objective

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

func TestComputeLossEval(t *testing.T) {
	s := newTestSetup(1)

	var evals Evals
	loss, err := s.obj.ComputeLoss(Eval, s.inputs, []tmath.Tensor3{s.hidden}, &evals, s.target)
	require.NoError(t, err)

	require.Greater(t, loss.MLM, 0.0)
	require.Greater(t, loss.Span, 0.0)
	require.InDelta(t, loss.MLM+loss.Span, loss.Total, 1e-12)
	require.Nil(t, loss.GradHidden)
	require.Empty(t, s.params.grads, "eval mode must not record gradients")

	require.Len(t, evals, 1)
	require.GreaterOrEqual(t, evals[0], 0.0)
	require.LessOrEqual(t, evals[0], 1.0)
}

func TestComputeLossComponents(t *testing.T) {
	s := newTestSetup(2)

	loss, err := s.obj.ComputeLoss(Eval, s.inputs, []tmath.Tensor3{s.hidden}, nil, s.target)
	require.NoError(t, err)

	masked, err := Gather(s.hidden, s.inputs[InputMasked])
	require.NoError(t, err)
	mlmLogits, err := s.obj.Output.Forward(masked)
	require.NoError(t, err)
	mlm, _, err := SmoothedLoss(mlmLogits, s.target)
	require.NoError(t, err)

	spanLogits, _, err := s.obj.Span.Forward(s.hidden, s.inputs[InputMasked], s.inputs[InputSpanLeft], s.inputs[InputSpanRight])
	require.NoError(t, err)
	span, _, err := SmoothedLoss(spanLogits, s.target)
	require.NoError(t, err)

	require.InDelta(t, mlm, loss.MLM, 1e-12)
	require.InDelta(t, span, loss.Span, 1e-12)

	// Both heads score with the same loss function: identical logits, identical loss.
	again, _, err := SmoothedLoss(mlmLogits, s.target)
	require.NoError(t, err)
	require.Equal(t, mlm, again)
}

func TestComputeLossDeterministic(t *testing.T) {
	s := newTestSetup(3)

	first := s.evalLoss()
	second := s.evalLoss()
	require.Equal(t, first, second)
}

func TestComputeLossHiddenGradient(t *testing.T) {
	s := newTestSetup(4)

	loss, err := s.obj.ComputeLoss(Train, s.inputs, []tmath.Tensor3{s.hidden}, nil, s.target)
	require.NoError(t, err)
	require.NotNil(t, loss.GradHidden)

	const h = 1e-6
	for b := range s.hidden {
		for n := range s.hidden[b] {
			for d := range s.hidden[b][n] {
				orig := s.hidden[b][n][d]
				s.hidden[b][n][d] = orig + h
				plus := s.evalLoss()
				s.hidden[b][n][d] = orig - h
				minus := s.evalLoss()
				s.hidden[b][n][d] = orig

				numeric := (plus - minus) / (2 * h)
				if math.Abs(numeric-loss.GradHidden[b][n][d]) > 1e-6 {
					t.Errorf("dHidden[%d][%d][%d] = %v, numeric %v", b, n, d, loss.GradHidden[b][n][d], numeric)
				}
			}
		}
	}

	// position 4 of batch element 0 is never read
	for _, v := range loss.GradHidden[0][4] {
		require.Zero(t, v)
	}
}

func TestComputeLossParamGradients(t *testing.T) {
	s := newTestSetup(5)

	_, err := s.obj.ComputeLoss(Train, s.inputs, []tmath.Tensor3{s.hidden}, nil, s.target)
	require.NoError(t, err)

	const h = 1e-6
	checkMatrix := func(key string) {
		m, err := s.params.GetMatrix(key)
		require.NoError(t, err)
		grad, ok := s.params.grads[key].(tmath.Matrix)
		require.True(t, ok, "no gradient recorded for %s", key)
		for i := range m {
			for j := range m[i] {
				orig := m[i][j]
				m[i][j] = orig + h
				plus := s.evalLoss()
				m[i][j] = orig - h
				minus := s.evalLoss()
				m[i][j] = orig

				numeric := (plus - minus) / (2 * h)
				if math.Abs(numeric-grad[i][j]) > 1e-6 {
					t.Errorf("d%s[%d][%d] = %v, numeric %v", key, i, j, grad[i][j], numeric)
				}
			}
		}
	}
	checkVector := func(key string) {
		v, err := s.params.GetVector(key)
		require.NoError(t, err)
		grad, ok := s.params.grads[key].(tmath.Vector)
		require.True(t, ok, "no gradient recorded for %s", key)
		for i := range v {
			orig := v[i]
			v[i] = orig + h
			plus := s.evalLoss()
			v[i] = orig - h
			minus := s.evalLoss()
			v[i] = orig

			numeric := (plus - minus) / (2 * h)
			if math.Abs(numeric-grad[i]) > 1e-6 {
				t.Errorf("d%s[%d] = %v, numeric %v", key, i, grad[i], numeric)
			}
		}
	}

	checkMatrix(KeyOutputWeight)
	checkVector(KeyOutputBias)
	checkMatrix(KeySpanProjWeight)
	checkVector(KeySpanProjBias)
	checkVector(KeySpanNormWeight)
	checkVector(KeySpanNormBias)
	checkMatrix(keyTestPos)
}

func TestComputeLossNoSupervisedPositions(t *testing.T) {
	s := newTestSetup(6)
	target := [][]int{{0, 0}, {0, 0}}

	var evals Evals
	loss, err := s.obj.ComputeLoss(Train, s.inputs, []tmath.Tensor3{s.hidden}, &evals, target)
	require.ErrorIs(t, err, ErrNoSupervisedPositions)
	require.NotNil(t, loss)
	require.Zero(t, loss.Total)
	require.Nil(t, loss.GradHidden)
	require.Empty(t, evals)
	require.Empty(t, s.params.grads)
}

func TestComputeLossErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *testSetup) ([][][]int, []tmath.Tensor3)
		want   error
	}{
		{
			name: "three inputs",
			mutate: func(s *testSetup) ([][][]int, []tmath.Tensor3) {
				return s.inputs[:3], []tmath.Tensor3{s.hidden}
			},
			want: ErrMissingInputs,
		},
		{
			name: "no outputs",
			mutate: func(s *testSetup) ([][][]int, []tmath.Tensor3) {
				return s.inputs, nil
			},
			want: ErrMissingInputs,
		},
		{
			name: "masked index past the sequence",
			mutate: func(s *testSetup) ([][][]int, []tmath.Tensor3) {
				s.inputs[InputMasked][1][0] = 5
				return s.inputs, []tmath.Tensor3{s.hidden}
			},
			want: ErrIndexOutOfRange,
		},
		{
			name: "span right past the sequence",
			mutate: func(s *testSetup) ([][][]int, []tmath.Tensor3) {
				s.inputs[InputSpanRight][0][1] = 7
				return s.inputs, []tmath.Tensor3{s.hidden}
			},
			want: ErrIndexOutOfRange,
		},
		{
			name: "span left of wrong length",
			mutate: func(s *testSetup) ([][][]int, []tmath.Tensor3) {
				s.inputs[InputSpanLeft] = [][]int{{0}, {0}}
				return s.inputs, []tmath.Tensor3{s.hidden}
			},
			want: ErrShapeMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSetup(7)
			inputs, outputs := tt.mutate(s)
			_, err := s.obj.ComputeLoss(Train, inputs, outputs, nil, s.target)
			if !errors.Is(err, tt.want) {
				t.Errorf("ComputeLoss error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPredict(t *testing.T) {
	s := newTestSetup(8)

	mlm, span, err := s.obj.Predict(s.inputs, []tmath.Tensor3{s.hidden})
	require.NoError(t, err)
	require.Len(t, mlm, 2)
	require.Len(t, span, 2)

	masked, err := Gather(s.hidden, s.inputs[InputMasked])
	require.NoError(t, err)
	logits, err := s.obj.Output.Forward(masked)
	require.NoError(t, err)
	for b := range logits {
		for i, row := range logits[b] {
			require.Equal(t, tmath.Argmax(row), mlm[b][i])
		}
	}
}

func TestModeString(t *testing.T) {
	require.Equal(t, "train", Train.String())
	require.Equal(t, "eval", Eval.String())
	require.Equal(t, "Mode(9)", Mode(9).String())
}
