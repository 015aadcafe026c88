package objective

import (
	"fmt"
	"math/rand"

	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
)

const keyTestPos = "pos"

// mapParams is a minimal Params backed by maps.
type mapParams struct {
	data  map[string]interface{}
	grads map[string]interface{}
}

func (p *mapParams) GetMatrix(key string) (tmath.Matrix, error) {
	m, ok := p.data[key].(tmath.Matrix)
	if !ok {
		return nil, fmt.Errorf("no matrix %s", key)
	}
	return m, nil
}

func (p *mapParams) GetVector(key string) (tmath.Vector, error) {
	v, ok := p.data[key].(tmath.Vector)
	if !ok {
		return nil, fmt.Errorf("no vector %s", key)
	}
	return v, nil
}

func (p *mapParams) AddGradient(key string, grad interface{}) error {
	switch g := grad.(type) {
	case tmath.Matrix:
		cur, ok := p.grads[key].(tmath.Matrix)
		if !ok {
			p.grads[key] = g.Clone()
			return nil
		}
		sum, err := tmath.Add(cur, g)
		if err != nil {
			return err
		}
		p.grads[key] = sum
	case tmath.Vector:
		cur, ok := p.grads[key].(tmath.Vector)
		if !ok {
			p.grads[key] = append(tmath.Vector(nil), g...)
			return nil
		}
		for i := range g {
			cur[i] += g[i]
		}
	default:
		return fmt.Errorf("unsupported gradient %T", grad)
	}
	return nil
}

// tableEncoder reads position embeddings from the "pos" matrix of its params.
type tableEncoder struct {
	params *mapParams
}

func (e tableEncoder) Encode(src, pos [][]int) (tmath.Tensor3, error) {
	return e.PositionEmbedding(pos)
}

func (e tableEncoder) PositionEmbedding(indices [][]int) (tmath.Tensor3, error) {
	table, err := e.params.GetMatrix(keyTestPos)
	if err != nil {
		return nil, err
	}
	out := make(tmath.Tensor3, len(indices))
	for b, row := range indices {
		out[b] = make(tmath.Matrix, len(row))
		for s, i := range row {
			if i < 0 || i >= len(table) {
				return nil, fmt.Errorf("%w: position %d", ErrIndexOutOfRange, i)
			}
			out[b][s] = append(tmath.Vector(nil), table[i]...)
		}
	}
	return out, nil
}

func (e tableEncoder) PositionEmbeddingBackward(indices [][]int, grad tmath.Tensor3) error {
	table, err := e.params.GetMatrix(keyTestPos)
	if err != nil {
		return err
	}
	rows, cols := table.Shape()
	g := tmath.NewMatrix(rows, cols)
	for b, row := range indices {
		for s, i := range row {
			for d, v := range grad[b][s] {
				g[i][d] += v
			}
		}
	}
	return e.params.AddGradient(keyTestPos, g)
}

func randMatrix(rng *rand.Rand, rows, cols int, scale float64) tmath.Matrix {
	m := tmath.NewMatrix(rows, cols)
	for i := range m {
		for j := range m[i] {
			m[i][j] = rng.NormFloat64() * scale
		}
	}
	return m
}

func randVector(rng *rand.Rand, n int, scale float64) tmath.Vector {
	return randMatrix(rng, 1, n, scale)[0]
}

// testSetup is a small objective over random parameters: vocab 6, d_model 4,
// batch 2, sequence length 5.
type testSetup struct {
	params *mapParams
	obj    *Objective
	hidden tmath.Tensor3
	inputs [][][]int
	target [][]int
}

func newTestSetup(seed int64) *testSetup {
	const (
		vocab  = 6
		dModel = 4
		batch  = 2
		seqLen = 5
	)
	rng := rand.New(rand.NewSource(seed))

	params := &mapParams{
		data: map[string]interface{}{
			KeyOutputWeight:   randMatrix(rng, vocab, dModel, 0.5),
			KeyOutputBias:     randVector(rng, vocab, 0.1),
			KeySpanProjWeight: randMatrix(rng, 3*dModel, dModel, 0.5),
			KeySpanProjBias:   randVector(rng, dModel, 0.1),
			KeySpanNormWeight: tmath.Vector{1.0, 0.8, 1.2, 0.9},
			KeySpanNormBias:   randVector(rng, dModel, 0.1),
			keyTestPos:        randMatrix(rng, seqLen, dModel, 0.5),
		},
		grads: make(map[string]interface{}),
	}

	hidden := make(tmath.Tensor3, batch)
	for b := range hidden {
		hidden[b] = randMatrix(rng, seqLen, dModel, 1.0)
	}

	inputs := [][][]int{
		{{3, 1, 4, 1, 5}, {2, 5, 3, 0, 0}}, // source
		{{1, 2}, {1, 2}},                   // masked
		{{0, 0}, {0, 0}},                   // span left
		{{3, 3}, {3, 3}},                   // span right
	}
	target := [][]int{{1, 4}, {5, 0}}

	return &testSetup{
		params: params,
		obj:    New(params, tableEncoder{params: params}, 1e-5),
		hidden: hidden,
		inputs: inputs,
		target: target,
	}
}

func (s *testSetup) evalLoss() float64 {
	loss, err := s.obj.ComputeLoss(Eval, s.inputs, []tmath.Tensor3{s.hidden}, nil, s.target)
	if err != nil {
		panic(err)
	}
	return loss.Total
}
