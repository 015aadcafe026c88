package main

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/crislerwin/tiny-spanbert/pkg/objective"
	"github.com/crislerwin/tiny-spanbert/pkg/tokenizer"
)

func TestPredictInputs(t *testing.T) {
	tok := tokenizer.NewTokenizer([]string{"[PAD]", "[MASK]", "the", "cat", "sat", "on", "mat"})

	inputs, spans, err := predictInputs(tok, "the [MASK] [MASK] on mat")
	require.NoError(t, err)
	require.Len(t, inputs, 4)

	want := map[int][][]int{
		objective.InputSource:    {{2, 1, 1, 5, 6}},
		objective.InputMasked:    {{1, 2}},
		objective.InputSpanLeft:  {{0, 0}},
		objective.InputSpanRight: {{3, 3}},
	}
	for idx, w := range want {
		if diff := cmp.Diff(w, inputs[idx]); diff != "" {
			t.Errorf("input %d mismatch (-want +got):\n%s", idx, diff)
		}
	}
	require.Equal(t, []int{1, 2}, spans.Masked)
}

func TestPredictInputsErrors(t *testing.T) {
	tok := tokenizer.NewTokenizer([]string{"[PAD]", "[MASK]", "the", "cat"})

	tests := []struct {
		name string
		text string
	}{
		{"unknown word", "the dog"},
		{"no mask", "the cat"},
		{"empty", "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := predictInputs(tok, tt.text)
			require.Error(t, err)
		})
	}
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	renderTable(&buf, []string{"NAME", "VALUE"}, [][]string{{"loss", formatFloat(0.5)}})

	out := buf.String()
	require.Contains(t, out, "NAME")
	require.Contains(t, out, "loss")
	require.Contains(t, out, "0.5000")
}
