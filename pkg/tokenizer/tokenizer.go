package tokenizer

import (
	"fmt"
	"strings"
)

// Special tokens. PadToken must sit at id 0, the id the objective treats as
// "no label".
const (
	PadToken  = "[PAD]"
	MaskToken = "[MASK]"
)

// Tokenizer handles text to token conversion
type Tokenizer struct {
	Vocab     []string
	VocabMap  map[string]int
	UnknownID int
}

// NewTokenizer creates a new tokenizer with the given vocabulary
func NewTokenizer(vocab []string) *Tokenizer {
	vocabMap := make(map[string]int)
	for i, word := range vocab {
		vocabMap[word] = i
	}

	return &Tokenizer{
		Vocab:     vocab,
		VocabMap:  vocabMap,
		UnknownID: -1,
	}
}

// Encode converts text to token IDs
func (t *Tokenizer) Encode(text string) ([]int, error) {
	words := strings.Fields(text)
	tokens := make([]int, 0, len(words))

	for _, word := range words {
		if id, exists := t.VocabMap[word]; exists {
			tokens = append(tokens, id)
		} else {
			return nil, fmt.Errorf("word not in vocabulary: %s", word)
		}
	}

	if len(tokens) == 0 {
		return nil, fmt.Errorf("no valid tokens found in text: %s", text)
	}

	return tokens, nil
}

// Decode converts token IDs back to text
func (t *Tokenizer) Decode(tokens []int) (string, error) {
	words := make([]string, 0, len(tokens))

	for _, id := range tokens {
		if id < 0 || id >= len(t.Vocab) {
			return "", fmt.Errorf("invalid token ID: %d (vocab size: %d)", id, len(t.Vocab))
		}
		words = append(words, t.Vocab[id])
	}

	return strings.Join(words, " "), nil
}

// VocabSize returns the size of the vocabulary
func (t *Tokenizer) VocabSize() int {
	return len(t.Vocab)
}

// Validate checks that the vocabulary carries the special tokens, with the
// padding token at id 0.
func (t *Tokenizer) Validate() error {
	if len(t.Vocab) == 0 || t.Vocab[0] != PadToken {
		return fmt.Errorf("vocabulary must start with %s", PadToken)
	}
	if _, ok := t.VocabMap[MaskToken]; !ok {
		return fmt.Errorf("vocabulary has no %s token", MaskToken)
	}
	return nil
}

// Spans are the masked positions of a sequence with the boundary positions
// of the run each one belongs to.
type Spans struct {
	Masked []int
	Left   []int
	Right  []int
}

// MaskSpans finds the runs of MaskToken in tokens. Every masked position
// gets the position just before its run as left boundary and the position
// just after as right boundary. A run touching either end of the sequence
// uses its own edge position instead.
func (t *Tokenizer) MaskSpans(tokens []int) (*Spans, error) {
	maskID, ok := t.VocabMap[MaskToken]
	if !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", MaskToken)
	}

	spans := &Spans{}
	n := len(tokens)
	for start := 0; start < n; {
		if tokens[start] != maskID {
			start++
			continue
		}
		end := start
		for end+1 < n && tokens[end+1] == maskID {
			end++
		}

		left := max(start-1, 0)
		right := min(end+1, n-1)
		for i := start; i <= end; i++ {
			spans.Masked = append(spans.Masked, i)
			spans.Left = append(spans.Left, left)
			spans.Right = append(spans.Right, right)
		}
		start = end + 1
	}

	if len(spans.Masked) == 0 {
		return nil, fmt.Errorf("no %s token in sequence", MaskToken)
	}
	return spans, nil
}
