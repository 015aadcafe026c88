package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
	"github.com/crislerwin/tiny-spanbert/pkg/objective"
)

func testBatch() ([][][]int, [][]int) {
	inputs := [][][]int{
		{{3, 1, 4, 2, 5, 0}, {2, 5, 3, 1, 0, 0}}, // source
		{{1, 2}, {1, 2}},                         // masked
		{{0, 0}, {0, 0}},                         // span left
		{{3, 3}, {3, 3}},                         // span right
	}
	target := [][]int{{1, 4}, {5, 0}}
	return inputs, target
}

func newTestModel(t *testing.T) *SpanBert {
	t.Helper()
	w, err := NewRandomWeights(testConfig())
	require.NoError(t, err)
	return NewSpanBert(w)
}

func TestPaddingMask(t *testing.T) {
	mask := PaddingMask([]int{4, 0, 2}, 0)
	want := tmath.Matrix{{1, 0, 1}, {1, 0, 1}, {1, 0, 1}}
	require.Equal(t, want, mask)
}

func TestEncodeShape(t *testing.T) {
	m := newTestModel(t)
	inputs, _ := testBatch()

	outputs, err := m.Forward(objective.Eval, inputs)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	b, n, d := outputs[0].Shape()
	require.Equal(t, 2, b)
	require.Equal(t, 6, n)
	require.Equal(t, 4, d)
}

func TestEncodeIgnoresPadding(t *testing.T) {
	m := newTestModel(t)

	short, err := m.Encoder.Encode([][]int{{3, 1, 4}}, Positions([][]int{{3, 1, 4}}))
	require.NoError(t, err)
	padded, err := m.Encoder.Encode([][]int{{3, 1, 4, 0, 0}}, Positions([][]int{{3, 1, 4, 0, 0}}))
	require.NoError(t, err)

	for i := range short[0] {
		for j := range short[0][i] {
			require.InDelta(t, short[0][i][j], padded[0][i][j], 1e-12)
		}
	}
}

func TestEncodeErrors(t *testing.T) {
	m := newTestModel(t)

	_, err := m.Encoder.Encode([][]int{{1, 9}}, [][]int{{0, 1}})
	require.ErrorIs(t, err, objective.ErrIndexOutOfRange)

	_, err = m.Encoder.Encode([][]int{{1, 2}}, [][]int{{0, 6}})
	require.ErrorIs(t, err, objective.ErrIndexOutOfRange)

	_, err = m.Encoder.Encode([][]int{{}}, [][]int{{}})
	require.ErrorIs(t, err, ErrEmptySequence)

	_, err = m.Encoder.PositionEmbedding([][]int{{7}})
	require.ErrorIs(t, err, objective.ErrIndexOutOfRange)
}

func TestPositionEmbedding(t *testing.T) {
	m := newTestModel(t)
	table, err := m.Weights.GetMatrix(KeyPosEmbed)
	require.NoError(t, err)

	got, err := m.Encoder.PositionEmbedding([][]int{{2, 0}, {5, 2}})
	require.NoError(t, err)
	require.Equal(t, table[2], got[0][0])
	require.Equal(t, table[0], got[0][1])
	require.Equal(t, table[5], got[1][0])

	got[0][0][0] += 1
	require.NotEqual(t, table[2][0], got[0][0][0], "lookup must copy rows")
}

func TestStepGradients(t *testing.T) {
	m := newTestModel(t)
	inputs, target := testBatch()

	loss, err := m.Step(inputs, target)
	require.NoError(t, err)
	require.Greater(t, loss.Total, 0.0)

	evalLoss := func() float64 {
		l, err := m.Evaluate(inputs, target, nil)
		require.NoError(t, err)
		return l.Total
	}
	require.InDelta(t, loss.Total, evalLoss(), 1e-12)

	require.NotContains(t, m.Weights.Grads, objective.KeyOutputWeight)

	const h = 1e-6
	check := func(key string, value *float64, analytic float64) {
		orig := *value
		*value = orig + h
		plus := evalLoss()
		*value = orig - h
		minus := evalLoss()
		*value = orig

		numeric := (plus - minus) / (2 * h)
		if math.Abs(numeric-analytic) > 1e-5*math.Max(1, math.Abs(numeric)) {
			t.Errorf("gradient of %s = %v, numeric %v", key, analytic, numeric)
		}
	}

	for _, key := range m.Weights.Keys() {
		switch p := m.Weights.Data[key].(type) {
		case tmath.Matrix:
			grad, _ := m.Weights.Grads[key].(tmath.Matrix)
			for i := range p {
				for j := range p[i] {
					g := 0.0
					if grad != nil {
						g = grad[i][j]
					}
					check(key, &p[i][j], g)
				}
			}
		case tmath.Vector:
			grad, _ := m.Weights.Grads[key].(tmath.Vector)
			for i := range p {
				g := 0.0
				if grad != nil {
					g = grad[i]
				}
				check(key, &p[i], g)
			}
		}
	}
}

func TestStepNoSupervisedPositions(t *testing.T) {
	m := newTestModel(t)
	inputs, _ := testBatch()

	loss, err := m.Step(inputs, [][]int{{0, 0}, {0, 0}})
	require.True(t, errors.Is(err, objective.ErrNoSupervisedPositions))
	require.NotNil(t, loss)
	require.Zero(t, loss.Total)
	require.Empty(t, m.Weights.Grads)
}

func TestEvaluateRecordsAccuracy(t *testing.T) {
	m := newTestModel(t)
	inputs, target := testBatch()

	var evals objective.Evals
	_, err := m.Evaluate(inputs, target, &evals)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	require.Empty(t, m.Weights.Grads)
}

func TestPredict(t *testing.T) {
	m := newTestModel(t)
	inputs, _ := testBatch()

	mlm, span, err := m.Predict(inputs)
	require.NoError(t, err)
	require.Len(t, mlm, 2)
	require.Len(t, span, 2)
	for b := range mlm {
		require.Len(t, mlm[b], 2)
		for _, id := range append(mlm[b], span[b]...) {
			require.GreaterOrEqual(t, id, 0)
			require.Less(t, id, 6)
		}
	}
}
