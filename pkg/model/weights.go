package model

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"

	"github.com/crislerwin/tiny-spanbert/pkg/config"
	tmath "github.com/crislerwin/tiny-spanbert/pkg/math"
	"github.com/crislerwin/tiny-spanbert/pkg/objective"
)

// Parameter names owned by the encoder.
const (
	KeyTokenEmbed = "token_embed.weight"
	KeyPosEmbed   = "pos_embed.weight"
	KeyFinalNormW = "ln_f.weight"
	KeyFinalNormB = "ln_f.bias"
)

// Weights holds all model parameters.
//
// A name can be tied to another one with Tie. Both names then resolve to the
// same stored value and to the same gradient slot, so a tied pair is updated
// once per step with the sum of the gradients of both uses.
type Weights struct {
	Config *config.ModelConfig
	Data   map[string]interface{}
	Grads  map[string]interface{}

	// ties maps an alias to the name that owns the storage.
	ties map[string]string
}

// NewWeights creates a new Weights instance
func NewWeights(cfg *config.ModelConfig) *Weights {
	return &Weights{
		Config: cfg,
		Data:   make(map[string]interface{}),
		Grads:  make(map[string]interface{}),
		ties:   make(map[string]string),
	}
}

// Tie makes alias resolve to target. The target must already exist and the
// alias must not own any storage of its own.
func (w *Weights) Tie(alias, target string) error {
	target = w.resolve(target)
	if alias == target {
		return fmt.Errorf("cannot tie %s to itself", alias)
	}
	if _, exists := w.Data[target]; !exists {
		return fmt.Errorf("tie target not found: %s", target)
	}
	if _, exists := w.Data[alias]; exists {
		return fmt.Errorf("cannot tie %s: it already holds its own weight", alias)
	}
	w.ties[alias] = target
	return nil
}

// Ties returns a copy of the alias -> owner table.
func (w *Weights) Ties() map[string]string {
	out := make(map[string]string, len(w.ties))
	for k, v := range w.ties {
		out[k] = v
	}
	return out
}

func (w *Weights) resolve(key string) string {
	if target, ok := w.ties[key]; ok {
		return target
	}
	return key
}

// GetMatrix retrieves a matrix weight by key
func (w *Weights) GetMatrix(key string) (tmath.Matrix, error) {
	val, exists := w.Data[w.resolve(key)]
	if !exists {
		return nil, fmt.Errorf("weight not found: %s", key)
	}

	matrix, ok := val.(tmath.Matrix)
	if !ok {
		return nil, fmt.Errorf("weight %s is not a matrix", key)
	}

	return matrix, nil
}

// GetVector retrieves a vector weight by key
func (w *Weights) GetVector(key string) (tmath.Vector, error) {
	val, exists := w.Data[w.resolve(key)]
	if !exists {
		return nil, fmt.Errorf("weight not found: %s", key)
	}

	vector, ok := val.(tmath.Vector)
	if !ok {
		return nil, fmt.Errorf("weight %s is not a vector", key)
	}

	return vector, nil
}

// AddGradient accumulates gradient into w.Grads
func (w *Weights) AddGradient(key string, grad interface{}) error {
	if w.Grads == nil {
		w.Grads = make(map[string]interface{})
	}
	key = w.resolve(key)

	current, exists := w.Grads[key]

	switch g := grad.(type) {
	case tmath.Matrix:
		if !exists {
			w.Grads[key] = g.Clone()
			return nil
		}
		cMatrix, ok := current.(tmath.Matrix)
		if !ok {
			return fmt.Errorf("gradient type mismatch for %s", key)
		}
		sum, err := tmath.Add(cMatrix, g)
		if err != nil {
			return fmt.Errorf("gradient for %s: %w", key, err)
		}
		w.Grads[key] = sum
	case tmath.Vector:
		if !exists {
			w.Grads[key] = append(tmath.Vector(nil), g...)
			return nil
		}
		cVector, ok := current.(tmath.Vector)
		if !ok {
			return fmt.Errorf("gradient type mismatch for %s", key)
		}
		if len(g) != len(cVector) {
			return fmt.Errorf("vector length mismatch for %s: %d vs %d", key, len(cVector), len(g))
		}
		for i := range g {
			cVector[i] += g[i]
		}
	default:
		return fmt.Errorf("unsupported gradient type %T for %s", grad, key)
	}
	return nil
}

// ZeroGrad drops all accumulated gradients.
func (w *Weights) ZeroGrad() {
	w.Grads = make(map[string]interface{})
}

// Keys returns the names that own storage, sorted.
func (w *Weights) Keys() []string {
	keys := make([]string, 0, len(w.Data))
	for k := range w.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NumParams counts the scalar parameters, tied names counted once.
func (w *Weights) NumParams() int {
	n := 0
	for _, v := range w.Data {
		switch p := v.(type) {
		case tmath.Matrix:
			rows, cols := p.Shape()
			n += rows * cols
		case tmath.Vector:
			n += len(p)
		}
	}
	return n
}

// NewRandomWeights initializes every parameter of the span model from cfg.
// Matrices are drawn from N(0, InitStd^2), norm gains start at 1 and biases at 0.
// lm_head.weight is tied to token_embed.weight.
func NewRandomWeights(cfg *config.ModelConfig) (*Weights, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	randMat := func(rows, cols int) tmath.Matrix {
		m := tmath.NewMatrix(rows, cols)
		for i := range m {
			for j := range m[i] {
				m[i][j] = rng.NormFloat64() * cfg.InitStd
			}
		}
		return m
	}
	ones := func(n int) tmath.Vector {
		v := tmath.NewVector(n)
		for i := range v {
			v[i] = 1.0
		}
		return v
	}

	d := cfg.DModel
	w := NewWeights(cfg)

	w.Data[KeyTokenEmbed] = randMat(cfg.VocabSize, d)
	w.Data[KeyPosEmbed] = randMat(cfg.MaxSeqLen, d)
	w.Data[KeyFinalNormW] = ones(d)
	w.Data[KeyFinalNormB] = tmath.NewVector(d)

	for i := 0; i < cfg.NLayers; i++ {
		p := fmt.Sprintf("blocks.%d", i)
		w.Data[p+".attn.W_q.weight"] = randMat(d, d)
		w.Data[p+".attn.W_k.weight"] = randMat(d, d)
		w.Data[p+".attn.W_v.weight"] = randMat(d, d)
		w.Data[p+".attn.W_o.weight"] = randMat(d, d)
		w.Data[p+".norm1.weight"] = ones(d)
		w.Data[p+".norm1.bias"] = tmath.NewVector(d)
		w.Data[p+".norm2.weight"] = ones(d)
		w.Data[p+".norm2.bias"] = tmath.NewVector(d)
		w.Data[p+".ff.linear1.weight"] = randMat(d, cfg.DInner)
		w.Data[p+".ff.linear1.bias"] = tmath.NewVector(cfg.DInner)
		w.Data[p+".ff.linear2.weight"] = randMat(cfg.DInner, d)
		w.Data[p+".ff.linear2.bias"] = tmath.NewVector(d)
	}

	w.Data[objective.KeyOutputBias] = tmath.NewVector(cfg.VocabSize)
	w.Data[objective.KeySpanProjWeight] = randMat(3*d, d)
	w.Data[objective.KeySpanProjBias] = tmath.NewVector(d)
	w.Data[objective.KeySpanNormWeight] = ones(d)
	w.Data[objective.KeySpanNormBias] = tmath.NewVector(d)

	if err := w.Tie(objective.KeyOutputWeight, KeyTokenEmbed); err != nil {
		return nil, err
	}
	return w, nil
}

type weightsFile struct {
	Config  *config.ModelConfig    `json:"config"`
	DModel  int                    `json:"d_model"`
	NLayers int                    `json:"n_layers"`
	NHeads  int                    `json:"n_heads"`
	Vocab   []string               `json:"vocab"`
	Ties    map[string]string      `json:"ties,omitempty"`
	Weights map[string]interface{} `json:"weights"`
}

// SaveJSON writes the weights, their config and the tie table to filename.
func (w *Weights) SaveJSON(filename string) error {
	raw := weightsFile{
		Config:  w.Config,
		DModel:  w.Config.DModel,
		NLayers: w.Config.NLayers,
		NHeads:  w.Config.NHeads,
		Vocab:   w.Config.Vocab,
		Ties:    w.ties,
		Weights: w.Data,
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write weights file: %w", err)
	}
	return nil
}

// LoadFromJSON loads weights from a JSON file
func LoadFromJSON(filename string) (*Weights, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}

	var raw weightsFile
	if err := json.Unmarshal(file, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse weights JSON: %w", err)
	}

	cfg := raw.Config
	if cfg == nil {
		cfg = &config.ModelConfig{
			DModel:    raw.DModel,
			NLayers:   raw.NLayers,
			NHeads:    raw.NHeads,
			Vocab:     raw.Vocab,
			VocabSize: len(raw.Vocab),
			MaxSeqLen: 512,
			Eps:       1e-5,
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config in weights file: %w", err)
	}

	w := NewWeights(cfg)

	// Convert raw weights to typed matrices/vectors
	for key, val := range raw.Weights {
		converted, err := convertWeight(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert weight %s: %w", key, err)
		}
		w.Data[key] = converted
	}

	// Aliases are sorted so chained ties resolve deterministically.
	aliases := make([]string, 0, len(raw.Ties))
	for alias := range raw.Ties {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		if err := w.Tie(alias, raw.Ties[alias]); err != nil {
			return nil, fmt.Errorf("failed to restore tie: %w", err)
		}
	}

	return w, nil
}

// convertWeight converts interface{} to Matrix or Vector
func convertWeight(v interface{}) (interface{}, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("weight is not a list")
	}

	if len(list) == 0 {
		return tmath.Vector{}, nil
	}

	// Check if it's a matrix (nested list) or vector (flat list)
	if nested, isNested := list[0].([]interface{}); isNested {
		// It's a matrix
		rows := len(list)
		cols := len(nested)
		matrix := tmath.NewMatrix(rows, cols)

		for i := range list {
			row, ok := list[i].([]interface{})
			if !ok || len(row) != cols {
				return nil, fmt.Errorf("inconsistent matrix columns")
			}
			for j := range row {
				val, ok := row[j].(float64)
				if !ok {
					return nil, fmt.Errorf("non-numeric value in matrix")
				}
				matrix[i][j] = val
			}
		}
		return matrix, nil
	}

	// It's a vector
	vector := tmath.NewVector(len(list))
	for i, val := range list {
		num, ok := val.(float64)
		if !ok {
			return nil, fmt.Errorf("non-numeric value in vector")
		}
		vector[i] = num
	}
	return vector, nil
}
